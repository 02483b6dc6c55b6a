package engine

import (
	"context"
	"errors"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/store"
)

// runAtomic executes a transaction inside one store transaction. Any
// entry failure returns an error from the transaction function, which
// discards every write made so far.
//
// Within one execution class an entry whose body references the
// placeholder of an entry that has not run yet is deferred until that
// entry succeeds. Whatever is still deferred when the class ends runs
// anyway and fails on its unresolved reference.
func (x *execution) runAtomic(ctx context.Context, order []*entryPlan, n int) ([]*outcome, error) {
	for _, p := range order {
		if err := x.precheck(p); err != nil {
			return nil, x.abort(p, err)
		}
	}

	pending := make(map[string]bool)
	for _, p := range order {
		if p.placeholder != "" {
			pending[p.placeholder] = true
		}
	}

	outcomes := make([]*outcome, n)
	var aborted *BundleError
	err := x.engine.store.RunInTransaction(ctx, func(tx store.Session) error {
		run := func(p *entryPlan) error {
			out, err := x.execute(ctx, tx, p)
			if err != nil {
				aborted = x.abort(p, err)
				return aborted
			}
			x.observe(p, out)
			if out.resolved != nil {
				x.symbols.register(p.placeholder, *out.resolved)
			}
			delete(pending, p.placeholder)
			outcomes[p.index] = out
			return nil
		}

		var deferred []*entryPlan
		for i, p := range order {
			if waiting(p, pending) {
				deferred = append(deferred, p)
			} else {
				if err := run(p); err != nil {
					return err
				}
				var err error
				if deferred, err = drain(deferred, pending, run); err != nil {
					return err
				}
			}
			last := i+1 == len(order) || executionClass(order[i+1].op.Kind()) != executionClass(p.op.Kind())
			if !last {
				continue
			}
			for _, d := range deferred {
				if err := run(d); err != nil {
					return err
				}
			}
			deferred = nil
		}
		return nil
	})
	if aborted != nil {
		return nil, aborted
	}
	if err != nil {
		be := NewInternalError(err)
		be.Aborted = true
		x.engine.logger.Error("transaction commit failed", "error", err)
		return nil, be
	}
	return outcomes, nil
}

// waiting reports whether p's body references a placeholder declared by
// another entry that has not run yet.
func waiting(p *entryPlan, pending map[string]bool) bool {
	if p.entry.Resource == nil {
		return false
	}
	for _, ref := range resource.References(p.entry.Resource) {
		if ref != p.placeholder && pending[ref] {
			return true
		}
	}
	return false
}

// drain runs deferred entries whose references have resolved until no
// more become ready. It returns the entries still waiting.
func drain(deferred []*entryPlan, pending map[string]bool, run func(*entryPlan) error) ([]*entryPlan, error) {
	for progress := true; progress; {
		progress = false
		rest := deferred[:0]
		for _, d := range deferred {
			if waiting(d, pending) {
				rest = append(rest, d)
				continue
			}
			if err := run(d); err != nil {
				return nil, err
			}
			progress = true
		}
		deferred = rest
	}
	return deferred, nil
}

func (x *execution) abort(p *entryPlan, err error) *BundleError {
	be := storeError(err)
	be.Index = p.index
	be.Aborted = true
	x.engine.metrics.ObserveEntry(string(p.op.Kind()), be.Status())
	level := x.engine.logger.Info
	if be.Kind == ErrKindInternal {
		level = x.engine.logger.Error
	}
	level("transaction aborted", "index", p.index, "operation", p.op.Kind(), "kind", be.Kind, "message", be.Message)
	return be
}

// runBatch executes each entry in its own store transaction. Reads use a
// read-only view. A failure is recorded as that entry's outcome.
func (x *execution) runBatch(ctx context.Context, order []*entryPlan, n int) ([]*outcome, error) {
	outcomes := make([]*outcome, n)
	for _, p := range order {
		run := x.engine.store.View
		if p.op.Kind().Mutating() || p.op.Kind() == bundle.KindCustom {
			run = x.engine.store.RunInTransaction
		}
		var out *outcome
		err := run(ctx, func(tx store.Session) error {
			o, err := x.execute(ctx, tx, p)
			if err != nil {
				return err
			}
			out = o
			return nil
		})
		if err != nil {
			be := storeError(err)
			if be.Kind == ErrKindInternal && !errors.Is(err, context.Canceled) {
				x.engine.logger.Error("entry failed", "index", p.index, "error", err)
			}
			out = failed(p, be)
		} else if out.resolved != nil {
			x.symbols.register(p.placeholder, *out.resolved)
		}
		x.observe(p, out)
		outcomes[p.index] = out
	}
	return outcomes, nil
}

func (x *execution) observe(p *entryPlan, out *outcome) {
	x.engine.metrics.ObserveEntry(string(p.op.Kind()), out.status)
	x.engine.logger.Debug("entry executed",
		"index", p.index,
		"operation", p.op.Kind(),
		"status", out.status,
	)
}
