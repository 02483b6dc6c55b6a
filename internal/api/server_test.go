package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bundled/internal/engine"
	"github.com/roach88/bundled/internal/metrics"
	"github.com/roach88/bundled/internal/store"
	"github.com/roach88/bundled/internal/store/memory"
	"github.com/roach88/bundled/internal/testutil"
	"github.com/roach88/bundled/internal/validate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (http.Handler, *metrics.Recorder) {
	t.Helper()
	st := memory.NewStore(
		store.WithIDGenerator(testutil.NewSequentialIDs("id")),
		store.WithClock(testutil.NewStepClock()),
	)
	schema, err := validate.New()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := metrics.New(false)
	e := engine.New(st, schema, nil, engine.WithLogger(logger), engine.WithMetrics(rec))
	srv := NewServer(e, WithLogger(logger), WithMetricsHandler(rec.Handler()))
	return srv.Routes(), rec
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func diagnosticsOf(t *testing.T, body map[string]any) string {
	t.Helper()
	require.Equal(t, "OperationOutcome", body["resourceType"])
	issues := body["issue"].([]any)
	require.NotEmpty(t, issues)
	d, _ := issues[0].(map[string]any)["diagnostics"].(string)
	return d
}

const patientJSON = `{"resourceType":"Patient","name":[{"family":"Chalmers"}]}`

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t)
	w := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestBundle_Batch(t *testing.T) {
	h, _ := newTestServer(t)
	body := `{"resourceType":"Bundle","type":"batch","entry":[
		{"resource":` + patientJSON + `,"request":{"method":"POST","url":"Patient"}},
		{"request":{"method":"GET","url":"Patient/missing"}}
	]}`
	w := do(t, h, http.MethodPost, "/", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/fhir+json")

	resp := decode(t, w)
	assert.Equal(t, "batch-response", resp["type"])
	entries := resp["entry"].([]any)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)["response"].(map[string]any)
	assert.Equal(t, "201", first["status"])
	assert.Equal(t, "Patient/id-1/_history/1", first["location"])
	second := entries[1].(map[string]any)["response"].(map[string]any)
	assert.Equal(t, "404", second["status"])
	assert.NotNil(t, second["outcome"])
}

func TestBundle_TransactionAbort(t *testing.T) {
	h, _ := newTestServer(t)
	body := `{"resourceType":"Bundle","type":"transaction","entry":[
		{"resource":` + patientJSON + `,"request":{"method":"POST","url":"Patient"}},
		{"request":{"method":"GET","url":"Patient/missing"}}
	]}`
	w := do(t, h, http.MethodPost, "/", body, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, diagnosticsOf(t, decode(t, w)), "Patient/missing")

	w = do(t, h, http.MethodGet, "/Patient/id-1", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBundle_Malformed(t *testing.T) {
	h, _ := newTestServer(t)
	w := do(t, h, http.MethodPost, "/", `{"resourceType":`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, diagnosticsOf(t, decode(t, w)), "Unable to parse request body as a Bundle")
}

func TestBundle_StructuralRejection(t *testing.T) {
	h, _ := newTestServer(t)
	w := do(t, h, http.MethodPost, "/", `{"resourceType":"Bundle","type":"collection","entry":[]}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "OperationOutcome", decode(t, w)["resourceType"])
}

func TestBundle_BodyLimit(t *testing.T) {
	st := memory.NewStore()
	schema, err := validate.New()
	require.NoError(t, err)
	h := NewServer(engine.New(st, schema, nil), WithMaxBodyBytes(16)).Routes()
	w := do(t, h, http.MethodPost, "/", `{"resourceType":"Bundle","type":"batch","entry":[]}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, diagnosticsOf(t, decode(t, w)), "exceeds 16 bytes")
}

func TestResource_Lifecycle(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/Patient", patientJSON, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Patient/id-1/_history/1", w.Header().Get("Location"))
	assert.Equal(t, `W/"1"`, w.Header().Get("ETag"))
	assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", w.Header().Get("Last-Modified"))
	assert.Empty(t, w.Body.String())

	w = do(t, h, http.MethodGet, "/Patient/id-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "id-1", got["id"])
	assert.Equal(t, `W/"1"`, w.Header().Get("ETag"))

	update := `{"resourceType":"Patient","id":"id-1","name":[{"family":"Levin"}]}`
	w = do(t, h, http.MethodPut, "/Patient/id-1", update, map[string]string{
		"If-Match": `W/"1"`,
		"Prefer":   "return=representation",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got = decode(t, w)
	assert.Equal(t, "Levin", got["name"].([]any)[0].(map[string]any)["family"])

	w = do(t, h, http.MethodPut, "/Patient/id-1", update, map[string]string{"If-Match": `W/"1"`})
	require.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "OperationOutcome", decode(t, w)["resourceType"])

	w = do(t, h, http.MethodDelete, "/Patient/id-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = do(t, h, http.MethodGet, "/Patient/id-1", "", nil)
	require.Equal(t, http.StatusGone, w.Code)
	assert.Contains(t, diagnosticsOf(t, decode(t, w)), "deleted")
}

func TestResource_Patch(t *testing.T) {
	h, _ := newTestServer(t)
	w := do(t, h, http.MethodPost, "/Patient", patientJSON, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	req := httptest.NewRequest(http.MethodPatch, "/Patient/id-1",
		strings.NewReader(`[{"op":"replace","path":"/name/0/family","value":"Kirk"}]`))
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.Header.Set("Prefer", "return=representation")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode(t, rec)
	assert.Equal(t, "Kirk", got["name"].([]any)[0].(map[string]any)["family"])
	assert.Equal(t, `W/"2"`, rec.Header().Get("ETag"))
}

func TestResource_Search(t *testing.T) {
	h, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		w := do(t, h, http.MethodPost, "/Patient", patientJSON, nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := do(t, h, http.MethodGet, "/Patient?family=chal&_count=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "searchset", got["type"])
	assert.EqualValues(t, 3, got["total"])
	assert.Len(t, got["entry"], 2)
}

func TestResource_ConditionalCreate(t *testing.T) {
	h, _ := newTestServer(t)
	body := `{"resourceType":"Patient","identifier":[{"system":"urn:mrn","value":"42"}]}`
	headers := map[string]string{"If-None-Exist": "identifier=urn:mrn|42"}

	w := do(t, h, http.MethodPost, "/Patient", body, headers)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodPost, "/Patient", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Patient/id-1/_history/1", w.Header().Get("Location"))
}

func TestResource_Errors(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodOptions, "/Patient", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = do(t, h, http.MethodPost, "/Patient", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/Patient", `{"resourceType":"Observation"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "OperationOutcome", decode(t, w)["resourceType"])

	w = do(t, h, http.MethodGet, "/Patient?bogus=1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	do(t, h, http.MethodPost, "/Patient", patientJSON, nil)

	w := do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `bundled_envelopes_total{mode="batch",result="ok"} 1`)
	assert.Contains(t, w.Body.String(), `bundled_entries_total{operation="create",status="201"} 1`)
}
