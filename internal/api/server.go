// Package api exposes the engine over HTTP with gin.
//
// POST / accepts a batch or transaction Bundle. Every other request is
// treated as a single resource interaction: it is wrapped in a one-entry
// batch so it goes through the same validation and execution path, then
// unwrapped into a plain HTTP response.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/engine"
	"github.com/roach88/bundled/internal/resource"
)

const (
	contentType      = "application/fhir+json; charset=utf-8"
	jsonPatchType    = "application/json-patch+json"
	tenantHeader     = "X-FHIR-Tenant-ID"
	defaultMaxBody   = 16 << 20
	defaultTenantKey = "default"
)

// Server serves bundles and single resource interactions.
type Server struct {
	engine        *engine.Engine
	logger        *slog.Logger
	metrics       http.Handler
	defaultTenant string
	maxBody       int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithDefaultTenant sets the tenant used when a request names none.
func WithDefaultTenant(tenant string) Option {
	return func(s *Server) {
		if tenant != "" {
			s.defaultTenant = tenant
		}
	}
}

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// NewServer creates a server around e.
func NewServer(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:        e,
		logger:        slog.Default(),
		defaultTenant: defaultTenantKey,
		maxBody:       defaultMaxBody,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the gin handler.
func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	r.POST("/", s.handleBundle)
	// Resource paths are parsed by the bundle operation parser, not by
	// the router, so both surfaces accept exactly the same URLs.
	r.NoRoute(s.handleResource)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestContext(c *gin.Context) engine.RequestContext {
	tenant := strings.TrimSpace(c.GetHeader(tenantHeader))
	if tenant == "" {
		tenant = s.defaultTenant
	}
	return engine.RequestContext{
		Tenant: tenant,
		Return: bundle.ParsePrefer(c.GetHeader("Prefer"), ""),
	}
}

func (s *Server) handleBundle(c *gin.Context) {
	data, err := s.readBody(c)
	if err != nil {
		s.reject(c, http.StatusBadRequest, err.Error())
		return
	}
	env, err := bundle.DecodeEnvelope(data)
	if err != nil {
		s.reject(c, http.StatusBadRequest, fmt.Sprintf("Unable to parse request body as a Bundle: %s", err))
		return
	}
	resp, err := s.engine.Process(c.Request.Context(), env, s.requestContext(c))
	if err != nil {
		be := engine.AsBundleError(err)
		s.render(c, be.HTTPStatus(), be.Outcome())
		return
	}
	s.render(c, http.StatusOK, resp)
}

func (s *Server) handleResource(c *gin.Context) {
	method := c.Request.Method
	if !bundle.SupportedMethod(method) {
		s.reject(c, http.StatusMethodNotAllowed, fmt.Sprintf("HTTP method %s is not supported", method))
		return
	}
	url := strings.TrimPrefix(c.Request.URL.Path, "/")
	if q := c.Request.URL.RawQuery; q != "" {
		url += "?" + q
	}
	entry := bundle.Entry{Request: &bundle.Request{
		Method:      method,
		URL:         url,
		IfMatch:     c.GetHeader("If-Match"),
		IfNoneExist: c.GetHeader("If-None-Exist"),
	}}

	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		data, err := s.readBody(c)
		if err != nil {
			s.reject(c, http.StatusBadRequest, err.Error())
			return
		}
		if len(data) > 0 {
			body, err := requestResource(c.ContentType(), data)
			if err != nil {
				s.reject(c, http.StatusBadRequest, err.Error())
				return
			}
			entry.Resource = body
		}
	}

	resp, err := s.engine.Process(c.Request.Context(), bundle.NewEnvelope(bundle.ModeBatch, entry), s.requestContext(c))
	if err != nil {
		be := engine.AsBundleError(err)
		s.render(c, be.HTTPStatus(), be.Outcome())
		return
	}
	out := resp.Entry[0]
	r := out.Response
	if r.Location != "" {
		c.Header("Location", r.Location)
	}
	if r.Etag != "" {
		c.Header("ETag", r.Etag)
	}
	if t, err := time.Parse(time.RFC3339Nano, r.LastModified); err == nil {
		c.Header("Last-Modified", t.UTC().Format(http.TimeFormat))
	}
	status := r.Code()
	switch {
	case r.Outcome != nil:
		s.render(c, status, r.Outcome)
	case out.Resource != nil:
		s.render(c, status, out.Resource)
	default:
		c.Status(status)
	}
}

// requestResource decodes a request body. A JSON Patch document is
// wrapped in a Binary the way a bundle entry carries it.
func requestResource(mediaType string, data []byte) (resource.Resource, error) {
	if mediaType == jsonPatchType {
		return resource.Resource{
			"resourceType": "Binary",
			"contentType":  jsonPatchType,
			"data":         base64.StdEncoding.EncodeToString(data),
		}, nil
	}
	body, err := resource.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}
	return body, nil
}

func (s *Server) readBody(c *gin.Context) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return data, nil
}

func (s *Server) reject(c *gin.Context, status int, msg string) {
	code := "invalid"
	if status == http.StatusMethodNotAllowed {
		code = "not-supported"
	}
	s.render(c, status, bundle.NewOperationOutcome(bundle.Issue{
		Severity:    bundle.SeverityError,
		Code:        code,
		Diagnostics: msg,
	}))
}

func (s *Server) render(c *gin.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, contentType, data)
}
