package engine

import (
	"errors"
	"strings"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/search"
)

// entryPlan is one validated entry. index never changes after validation.
type entryPlan struct {
	index       int
	entry       bundle.Entry
	op          bundle.Operation
	method      string
	url         string
	placeholder string
	ifMatch     int

	// query caches the parsed search of a conditional or search entry.
	query *search.Query
}

// validateEnvelope checks the envelope before any entry runs and parses
// each entry's operation. The first failure is returned.
func (e *Engine) validateEnvelope(env *bundle.Envelope) ([]*entryPlan, error) {
	if env == nil {
		return nil, NewEnvelopeStructureError(NoIndex, "Bundle is required")
	}
	if env.ResourceType != "" && env.ResourceType != "Bundle" {
		return nil, NewEnvelopeStructureError(NoIndex, "Request body must be a Bundle resource, found '%s'", env.ResourceType)
	}
	if len(env.Entry) == 0 {
		return nil, NewEnvelopeStructureError(NoIndex, "Bundle must contain at least one entry")
	}
	if !env.Type.Valid() {
		return nil, NewEnvelopeStructureError(NoIndex, "Bundle.type must be either 'batch' or 'transaction'")
	}
	if e.maxEntries > 0 && len(env.Entry) > e.maxEntries {
		return nil, NewEnvelopeStructureError(NoIndex, "Bundle contains %d entries, which exceeds the maximum of %d", len(env.Entry), e.maxEntries)
	}

	plans := make([]*entryPlan, len(env.Entry))
	placeholders := make(map[string]int)
	for i, entry := range env.Entry {
		p, err := validateEntry(i, entry)
		if err != nil {
			return nil, err
		}
		if p.placeholder != "" {
			if _, dup := placeholders[p.placeholder]; dup {
				return nil, NewEnvelopeStructureError(i, "Duplicate local identifier encountered in bundled request entry: %s", p.placeholder)
			}
			placeholders[p.placeholder] = i
		}
		plans[i] = p
	}
	return plans, nil
}

func validateEntry(i int, entry bundle.Entry) (*entryPlan, error) {
	req := entry.Request
	if req == nil {
		return nil, NewEnvelopeStructureError(i, "Bundle.Entry.request is required")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		return nil, NewEnvelopeStructureError(i, "Bundle.Entry.request.method is required")
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, NewEnvelopeStructureError(i, "Bundle.Entry.request.url is required")
	}
	op, err := bundle.ParseOperation(method, req.URL, req.IfNoneExist)
	if errors.Is(err, bundle.ErrUnsupportedMethod) {
		e := NewUnsupportedMethodError("Bundle.Entry.request contains unsupported HTTP method")
		e.Index = i
		return nil, e
	}
	if err != nil {
		return nil, NewEnvelopeStructureError(i, "%s", err.Error())
	}

	hasBody := entry.Resource != nil
	switch method {
	case "GET", "DELETE":
		if hasBody {
			return nil, NewEnvelopeStructureError(i, "Bundle.Entry.resource not allowed for BundleEntry with %s method.", method)
		}
	}
	switch op.Kind() {
	case bundle.KindCreate, bundle.KindUpdate, bundle.KindPatch:
		if !hasBody {
			return nil, NewEnvelopeStructureError(i, "Bundle.Entry.resource is required for BundleEntry with %s method.", method)
		}
	}

	p := &entryPlan{
		index:       i,
		entry:       entry,
		op:          op,
		method:      method,
		url:         strings.TrimSpace(req.URL),
		placeholder: entry.Placeholder(),
	}
	if req.IfMatch != "" {
		v, err := parseIfMatch(req.IfMatch)
		if err != nil {
			return nil, NewEnvelopeStructureError(i, "Bundle.Entry.request.ifMatch value '%s' is not a valid version tag", req.IfMatch)
		}
		p.ifMatch = v
	}
	return p, nil
}
