package engine

import (
	"context"
	"strings"

	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
)

// conditionalQuery strips an optional "Type?" or "?" prefix from an
// If-None-Exist criteria string.
func conditionalQuery(resourceType, criteria string) string {
	c := strings.TrimSpace(criteria)
	if rest, ok := strings.CutPrefix(c, resourceType+"?"); ok {
		return rest
	}
	return strings.TrimPrefix(c, "?")
}

// parseQuery parses raw against the envelope's vocabulary.
func (x *execution) parseQuery(resourceType, raw string) (*search.Query, error) {
	q, err := search.Parse(x.vocab, resourceType, raw)
	if err != nil {
		if search.IsInvalidParameter(err) {
			return nil, NewInvalidSearchError(err)
		}
		return nil, NewInternalError(err)
	}
	return q, nil
}

// matches runs a conditional search. Count is ignored: every match counts.
func (x *execution) matches(ctx context.Context, tx store.Session, q *search.Query) ([]store.Version, error) {
	found, err := tx.Search(ctx, q)
	if err != nil {
		return nil, storeError(err)
	}
	return found, nil
}

// resolveSingle applies the 0/1/many rule shared by conditional create,
// update and patch. It returns nil for zero matches.
func (x *execution) resolveSingle(ctx context.Context, tx store.Session, q *search.Query, operation string) (*store.Version, error) {
	found, err := x.matches(ctx, tx, q)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	}
	return nil, NewPreconditionError("The search criteria specified for a conditional %s operation returned multiple matches", operation)
}

// resolveDelete returns the targets of a conditional delete, failing when
// the criteria filter nothing or match more than the configured maximum.
func (x *execution) resolveDelete(ctx context.Context, tx store.Session, q *search.Query) ([]store.Version, error) {
	if q.Where == nil {
		return nil, NewPreconditionError("The search criteria specified for a conditional delete operation must include at least one search parameter")
	}
	found, err := x.matches(ctx, tx, q)
	if err != nil {
		return nil, err
	}
	if limit := x.engine.deleteMax; limit > 0 && len(found) > limit {
		return nil, NewPreconditionError("The search criteria specified for a conditional delete operation returned too many matches (%d); the limit is %d", len(found), limit)
	}
	return found, nil
}
