package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/engine"
	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/store"
	"github.com/roach88/bundled/internal/store/memory"
	"github.com/roach88/bundled/internal/testutil"
	"github.com/roach88/bundled/internal/validate"
)

// Harness is the scenario execution environment: one fresh store, its
// engine and the deterministic helpers behind them.
type Harness struct {
	store  *memory.Store
	engine *engine.Engine
	logger *slog.Logger
}

// Option configures a run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes engine logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New builds a harness for one scenario.
func New(s *Scenario, opts ...Option) (*Harness, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	schema, err := validate.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load resource schema: %w", err)
	}
	st := memory.NewStore(
		store.WithIDGenerator(testutil.NewSequentialIDs("id")),
		store.WithClock(testutil.NewStepClock()),
	)

	engineOpts := []engine.Option{engine.WithLogger(o.logger)}
	if n := s.Config.ConditionalDeleteMax; n != nil {
		engineOpts = append(engineOpts, engine.WithConditionalDeleteMax(*n))
	}
	if b := s.Config.UpdateCreate; b != nil {
		engineOpts = append(engineOpts, engine.WithUpdateCreate(*b))
	}
	if s.Config.MaxEntries > 0 {
		engineOpts = append(engineOpts, engine.WithMaxEntries(s.Config.MaxEntries))
	}

	return &Harness{
		store:  st,
		engine: engine.New(st, schema, nil, engineOpts...),
		logger: o.logger,
	}, nil
}

// Run executes a scenario in a fresh harness.
//
// Execution flow:
//  1. Create a fresh memory store with deterministic ids and clock
//  2. Create the seed resources
//  3. Submit the envelope
//  4. Check the expected statuses, then evaluate assertions
//
// A non-nil error means the scenario could not be executed at all; a
// failed expectation is reported through Result.Pass and Result.Errors.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	h, err := New(s, opts...)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()
	return h.Run(context.Background(), s)
}

// Run executes s against the harness store.
func (h *Harness) Run(ctx context.Context, s *Scenario) (*Result, error) {
	if err := h.seed(ctx, s.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed store: %w", err)
	}

	env, err := decodeEnvelope(s.Envelope)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	rc := engine.RequestContext{Return: bundle.ReturnPreference(s.Prefer)}
	resp, err := h.engine.Process(ctx, env, rc)
	if err != nil {
		be := engine.AsBundleError(err)
		result.Status = be.HTTPStatus()
		result.Outcome = be.Outcome()
	} else {
		result.Status = http.StatusOK
		result.Response = resp
	}

	h.checkExpect(s.Expect, result)

	actx := &AssertionContext{Store: h.store, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, s.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) seed(ctx context.Context, seeds []SeedResource) error {
	return h.store.RunInTransaction(ctx, func(tx store.Session) error {
		for i, seed := range seeds {
			body, err := toResource(seed.Resource)
			if err != nil {
				return fmt.Errorf("seed[%d]: %w", i, err)
			}
			n := seed.Count
			if n == 0 {
				n = 1
			}
			for j := 0; j < n; j++ {
				v, err := tx.Create(ctx, body.Type(), body)
				if err != nil {
					return fmt.Errorf("seed[%d]: %w", i, err)
				}
				h.logger.Debug("seeded resource", "reference", resource.Reference(v.ResourceType, v.ID))
			}
		}
		return nil
	})
}

func (h *Harness) checkExpect(want Expectation, result *Result) {
	if result.Status != want.Status {
		msg := fmt.Sprintf("expected status %d, got %d", want.Status, result.Status)
		if result.Outcome != nil {
			msg += ": " + bundle.OutcomeDiagnostics(result.Outcome)
		}
		result.AddError(msg)
	}
	if len(want.Entries) == 0 {
		return
	}
	if result.Response == nil {
		result.AddError(fmt.Sprintf("expected %d entry statuses, envelope was not processed", len(want.Entries)))
		return
	}
	if len(result.Response.Entry) != len(want.Entries) {
		result.AddError(fmt.Sprintf("expected %d response entries, got %d", len(want.Entries), len(result.Response.Entry)))
		return
	}
	for i, status := range want.Entries {
		got := result.Response.Entry[i].Response
		if got.Status != status {
			msg := fmt.Sprintf("entry[%d]: expected status %s, got %s", i, status, got.Status)
			if got.Outcome != nil {
				msg += ": " + bundle.OutcomeDiagnostics(got.Outcome)
			}
			result.AddError(msg)
		}
	}
}

// decodeEnvelope round-trips the YAML envelope through JSON so numbers
// arrive as json.Number, exactly as they do from the HTTP surface.
func decodeEnvelope(raw map[string]any) (*bundle.Envelope, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	env, err := bundle.DecodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

func toResource(raw map[string]any) (resource.Resource, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return resource.Decode(data)
}
