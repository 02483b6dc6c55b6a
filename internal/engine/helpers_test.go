package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/store"
	"github.com/roach88/bundled/internal/store/memory"
	"github.com/roach88/bundled/internal/testutil"
	"github.com/roach88/bundled/internal/validate"
)

type fixture struct {
	engine *Engine
	store  *memory.Store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupEngine returns an engine over a memory store with ids id-1, id-2,
// ... and a clock starting at testutil.Epoch.
func setupEngine(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := memory.NewStore(
		store.WithIDGenerator(testutil.NewSequentialIDs("id")),
		store.WithClock(testutil.NewStepClock()),
	)
	schema, err := validate.New()
	require.NoError(t, err)
	all := append([]Option{WithLogger(quietLogger())}, opts...)
	return &fixture{engine: New(st, schema, nil, all...), store: st}
}

func (f *fixture) process(t *testing.T, env *bundle.Envelope) *bundle.Response {
	t.Helper()
	resp, err := f.engine.Process(context.Background(), env, RequestContext{})
	require.NoError(t, err)
	require.Len(t, resp.Entry, len(env.Entry))
	return resp
}

func (f *fixture) processWith(t *testing.T, env *bundle.Envelope, ret bundle.ReturnPreference) *bundle.Response {
	t.Helper()
	resp, err := f.engine.Process(context.Background(), env, RequestContext{Return: ret})
	require.NoError(t, err)
	require.Len(t, resp.Entry, len(env.Entry))
	return resp
}

func (f *fixture) seed(t *testing.T, body resource.Resource) store.Version {
	t.Helper()
	var v store.Version
	err := f.store.RunInTransaction(context.Background(), func(tx store.Session) error {
		var err error
		v, err = tx.Create(context.Background(), body.Type(), body)
		return err
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) bump(t *testing.T, v store.Version) store.Version {
	t.Helper()
	var out store.Version
	err := f.store.RunInTransaction(context.Background(), func(tx store.Session) error {
		var err error
		out, _, err = tx.Update(context.Background(), v.ResourceType, v.ID, v.Resource, store.UpdateOptions{})
		return err
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) read(t *testing.T, resourceType, id string) (store.Version, error) {
	t.Helper()
	var v store.Version
	err := f.store.View(context.Background(), func(tx store.Session) error {
		var err error
		v, err = tx.Read(context.Background(), resourceType, id)
		return err
	})
	return v, err
}

func (f *fixture) count(resourceType string) int {
	n := 0
	for _, versions := range f.store.ExportType(resourceType) {
		if len(versions) > 0 && !versions[len(versions)-1].Deleted {
			n++
		}
	}
	return n
}

func patient(family string) resource.Resource {
	return resource.Resource{
		"resourceType": "Patient",
		"name":         []any{map[string]any{"family": family}},
	}
}

func patientWithIdentifier(family, identifier string) resource.Resource {
	p := patient(family)
	p["identifier"] = []any{map[string]any{"system": "urn:mrn", "value": identifier}}
	return p
}

func observation(subjectRef string) resource.Resource {
	return resource.Resource{
		"resourceType": "Observation",
		"status":       "final",
		"code":         map[string]any{"text": "weight"},
		"subject":      map[string]any{"reference": subjectRef},
	}
}

func req(method, url string) *bundle.Request {
	return &bundle.Request{Method: method, URL: url}
}

func entry(method, url string, body resource.Resource) bundle.Entry {
	return bundle.Entry{Resource: body, Request: req(method, url)}
}

func placeholderEntry(fullURL, method, url string, body resource.Resource) bundle.Entry {
	e := entry(method, url, body)
	e.FullURL = fullURL
	return e
}

func diagnostics(e bundle.ResponseEntry) string {
	return bundle.OutcomeDiagnostics(e.Response.Outcome)
}

// captureMetrics records observations for assertions.
type captureMetrics struct {
	mu        sync.Mutex
	envelopes []string
	entries   []string
}

func (c *captureMetrics) ObserveEnvelope(mode, result string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, mode+"/"+result)
}

func (c *captureMetrics) ObserveEntry(operation string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, operation+"/"+bundle.StatusText(status))
}

func resourceOf(resourceType string) resource.Resource {
	return resource.Resource{"resourceType": resourceType}
}
