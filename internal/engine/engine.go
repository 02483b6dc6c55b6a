package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/bundled/internal/audit"
	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
)

// DefaultConditionalDeleteMax is the default number of matches a
// conditional delete may remove.
const DefaultConditionalDeleteMax = 10

// DefaultTenant is used when a request names no tenant.
const DefaultTenant = "default"

// Validator checks a resource body against its declared type.
type Validator interface {
	Validate(r resource.Resource) error
}

// VocabularySource resolves the search vocabulary of a tenant.
type VocabularySource interface {
	ForTenant(tenant string) (*search.Vocabulary, error)
}

// MetricsRecorder receives envelope and entry observations.
type MetricsRecorder interface {
	ObserveEnvelope(mode, result string, d time.Duration)
	ObserveEntry(operation string, status int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEnvelope(string, string, time.Duration) {}
func (noopMetrics) ObserveEntry(string, int)                      {}

// RequestContext is the per-envelope configuration handle. It is passed
// explicitly to Process; the engine holds no per-request globals.
type RequestContext struct {
	// Tenant selects the search vocabulary. Empty means DefaultTenant.
	Tenant string

	// Vocabulary overrides the tenant lookup when set.
	Vocabulary *search.Vocabulary

	// Return governs bodies of successful mutating entries. Empty means
	// the engine default.
	Return bundle.ReturnPreference
}

// Engine processes envelopes. It is safe for concurrent use; each Process
// call owns its symbol table and outcomes.
type Engine struct {
	store        store.Store
	validator    Validator
	vocabularies VocabularySource

	logger        *slog.Logger
	metrics       MetricsRecorder
	audit         audit.Sink
	clock         store.Clock
	operations    map[string]OperationHandler
	deleteMax     int
	updateCreate  bool
	defaultReturn bundle.ReturnPreference
	maxEntries    int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithAudit archives every processed envelope to sink.
func WithAudit(sink audit.Sink) Option {
	return func(e *Engine) {
		e.audit = sink
	}
}

// WithClock sets the clock used for audit timestamps.
func WithClock(c store.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithConditionalDeleteMax sets how many matches a conditional delete may
// remove before it fails.
//
// Default: 10 (DefaultConditionalDeleteMax)
func WithConditionalDeleteMax(n int) Option {
	return func(e *Engine) {
		e.deleteMax = n
	}
}

// WithUpdateCreate controls whether PUT of an unknown id creates it.
func WithUpdateCreate(enabled bool) Option {
	return func(e *Engine) {
		e.updateCreate = enabled
	}
}

// WithDefaultReturn sets the return preference used when a request has none.
func WithDefaultReturn(p bundle.ReturnPreference) Option {
	return func(e *Engine) {
		if p.Valid() {
			e.defaultReturn = p
		}
	}
}

// WithMaxEntries rejects envelopes with more than n entries. Zero means no
// limit.
func WithMaxEntries(n int) Option {
	return func(e *Engine) {
		e.maxEntries = n
	}
}

// WithOperation registers a custom $name operation, replacing any
// built-in with the same name.
func WithOperation(name string, h OperationHandler) Option {
	return func(e *Engine) {
		e.operations[name] = h
	}
}

// New creates an Engine. A nil vocabularies source serves the built-in
// vocabulary to every tenant.
func New(st store.Store, v Validator, vocabularies VocabularySource, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		validator:     v,
		vocabularies:  vocabularies,
		logger:        slog.Default(),
		metrics:       noopMetrics{},
		clock:         store.SystemClock{},
		operations:    map[string]OperationHandler{"validate": validateOperation},
		deleteMax:     DefaultConditionalDeleteMax,
		updateCreate:  true,
		defaultReturn: bundle.ReturnMinimal,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.vocabularies == nil {
		e.vocabularies = staticVocabulary{search.DefaultVocabulary()}
	}
	return e
}

type staticVocabulary struct{ v *search.Vocabulary }

func (s staticVocabulary) ForTenant(string) (*search.Vocabulary, error) { return s.v, nil }

// Process executes env and returns the positionally aligned response.
//
// A non-nil error is always a *BundleError for a top-level rejection: a
// structural failure found before any entry ran, or an aborted
// transaction. Per-entry failures of a batch are reported inside the
// response instead.
func (e *Engine) Process(ctx context.Context, env *bundle.Envelope, rc RequestContext) (*bundle.Response, error) {
	start := time.Now()
	resp, err := e.process(ctx, env, rc)

	mode := "unknown"
	if env != nil && env.Type.Valid() {
		mode = string(env.Type)
	}
	result := "ok"
	status := 200
	if err != nil {
		be := AsBundleError(err)
		err = be
		status = be.HTTPStatus()
		result = "rejected"
		if be.Aborted {
			result = "aborted"
		}
		e.logger.Info("bundle rejected", "mode", mode, "kind", be.Kind, "index", be.Index, "message", be.Message)
	} else {
		e.logger.Info("bundle processed", "mode", mode, "entries", len(resp.Entry))
	}
	e.metrics.ObserveEnvelope(mode, result, time.Since(start))
	e.archive(ctx, env, rc, resp, err, status)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Check validates env without touching the store. It reports the
// envelope-level rejection if there is one, otherwise every entry whose
// routing, body type, patch document or search criteria is unusable.
// A nil result means Process would at least attempt every entry.
func (e *Engine) Check(env *bundle.Envelope, rc RequestContext) []*BundleError {
	plans, err := e.validateEnvelope(env)
	if err != nil {
		return []*BundleError{AsBundleError(err)}
	}
	vocab, err := e.vocabulary(rc)
	if err != nil {
		return []*BundleError{AsBundleError(err)}
	}
	x := &execution{engine: e, mode: env.Type, vocab: vocab, symbols: newSymbolTable()}
	var problems []*BundleError
	for _, p := range plans {
		if err := x.precheck(p); err != nil {
			be := AsBundleError(err)
			if be.Index == NoIndex {
				be.Index = p.index
			}
			problems = append(problems, be)
		}
	}
	return problems
}

func (e *Engine) process(ctx context.Context, env *bundle.Envelope, rc RequestContext) (*bundle.Response, error) {
	plans, err := e.validateEnvelope(env)
	if err != nil {
		return nil, err
	}
	vocab, err := e.vocabulary(rc)
	if err != nil {
		return nil, err
	}
	ret := rc.Return
	if !ret.Valid() {
		ret = e.defaultReturn
	}
	x := &execution{
		engine:  e,
		mode:    env.Type,
		vocab:   vocab,
		ret:     ret,
		symbols: newSymbolTable(),
	}
	order := schedule(env.Type, plans)

	var outcomes []*outcome
	if env.Type.Atomic() {
		outcomes, err = x.runAtomic(ctx, order, len(plans))
	} else {
		outcomes, err = x.runBatch(ctx, order, len(plans))
	}
	if err != nil {
		return nil, err
	}
	return assemble(env.Type, outcomes, ret), nil
}

func (e *Engine) vocabulary(rc RequestContext) (*search.Vocabulary, error) {
	if rc.Vocabulary != nil {
		return rc.Vocabulary, nil
	}
	tenant := rc.Tenant
	if tenant == "" {
		tenant = DefaultTenant
	}
	v, err := e.vocabularies.ForTenant(tenant)
	if errors.Is(err, search.ErrInvalidTenant) {
		return nil, NewEnvelopeStructureError(NoIndex, "Invalid tenant identifier '%s'", tenant)
	}
	if err != nil {
		return nil, NewInternalError(err)
	}
	return v, nil
}

func (e *Engine) archive(ctx context.Context, env *bundle.Envelope, rc RequestContext, resp *bundle.Response, err error, status int) {
	if e.audit == nil || env == nil {
		return
	}
	rec := audit.Record{
		Time:    e.clock.Now(),
		Tenant:  rc.Tenant,
		Mode:    string(env.Type),
		Status:  status,
		Request: env,
	}
	if err != nil {
		rec.Response = AsBundleError(err).Outcome()
	} else {
		rec.Response = resp
	}
	key, aerr := e.audit.Put(ctx, rec)
	if aerr != nil {
		e.logger.Warn("audit archive failed", "error", aerr)
		return
	}
	e.logger.Debug("bundle archived", "key", key)
}
