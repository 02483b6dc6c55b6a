package engine

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
	"github.com/roach88/bundled/internal/validate"
)

// execution is the state of one Process call.
type execution struct {
	engine  *Engine
	mode    bundle.Mode
	vocab   *search.Vocabulary
	ret     bundle.ReturnPreference
	symbols *symbolTable
}

// outcome is the result of one entry, stored at its original index.
type outcome struct {
	kind   bundle.Kind
	status int

	// version is the version produced or read, for etag and lastModified.
	version *store.Version
	// located entries also carry a location.
	located bool
	// body is the resource returned for reads and representations.
	body resource.Resource
	// info is the text of an OperationOutcome returned on request.
	info string

	// resolved is registered for the entry's placeholder on success.
	resolved *target

	err *BundleError
}

func failed(p *entryPlan, be *BundleError) *outcome {
	if be.Index == NoIndex {
		be.Index = p.index
	}
	return &outcome{kind: p.op.Kind(), status: be.Status(), err: be}
}

// written builds the outcome of a successful write.
func written(kind bundle.Kind, v store.Version, status int, verb string) *outcome {
	out := &outcome{
		kind:     kind,
		status:   status,
		version:  &v,
		located:  true,
		body:     v.Resource,
		info:     fmt.Sprintf("Successfully %s resource \"%s\"", verb, bundle.Location(v.ResourceType, v.ID, v.VersionID)),
		resolved: &target{ResourceType: v.ResourceType, ID: v.ID},
	}
	return out
}

// precheck performs every check that needs no store access. Transactions
// run it for all entries before the first write.
func (x *execution) precheck(p *entryPlan) error {
	body := p.entry.Resource
	switch op := p.op.(type) {
	case bundle.Unroutable:
		return NewNotFoundError("Unrecognized path in request URL: %s", op.URL)
	case bundle.Create:
		if body.Type() != op.ResourceType {
			return NewTypeMismatchError(body.Type(), p.url)
		}
		if op.IfNoneExist != "" && p.query == nil {
			q, err := x.parseQuery(op.ResourceType, conditionalQuery(op.ResourceType, op.IfNoneExist))
			if err != nil {
				return err
			}
			p.query = q
		}
	case bundle.Update:
		if body.Type() != op.ResourceType {
			return NewTypeMismatchError(body.Type(), p.url)
		}
		if op.ID != "" {
			if id := body.ID(); id != "" && id != op.ID {
				return NewInvalidResourceError(nil, "Resource body ID of \"%s\" does not match URL ID of \"%s\"", id, op.ID)
			}
			return nil
		}
		return x.precheckQuery(p, op.ResourceType, op.Query)
	case bundle.Patch:
		if _, err := patchDocument(body); err != nil {
			return err
		}
		if op.ID == "" {
			return x.precheckQuery(p, op.ResourceType, op.Query)
		}
	case bundle.Delete:
		if op.ID == "" {
			return x.precheckQuery(p, op.ResourceType, op.Query)
		}
	case bundle.Search:
		return x.precheckQuery(p, op.ResourceType, op.Query)
	case bundle.Custom:
		if _, ok := x.engine.operations[op.Name]; !ok {
			return NewUnsupportedMethodError("Operation '$%s' is not supported", op.Name)
		}
	}
	return nil
}

func (x *execution) precheckQuery(p *entryPlan, resourceType, raw string) error {
	if p.query != nil {
		return nil
	}
	q, err := x.parseQuery(resourceType, raw)
	if err != nil {
		return err
	}
	p.query = q
	return nil
}

// execute runs one entry against tx.
func (x *execution) execute(ctx context.Context, tx store.Session, p *entryPlan) (*outcome, error) {
	if err := x.precheck(p); err != nil {
		return nil, err
	}
	switch op := p.op.(type) {
	case bundle.Create:
		return x.create(ctx, tx, p, op)
	case bundle.Update:
		if op.ID == "" {
			return x.conditionalUpdate(ctx, tx, p, op)
		}
		return x.update(ctx, tx, p, op)
	case bundle.Patch:
		return x.patch(ctx, tx, p, op)
	case bundle.Delete:
		if op.ID == "" {
			return x.conditionalDelete(ctx, tx, p)
		}
		return x.delete(ctx, tx, p, op)
	case bundle.Read:
		v, err := tx.Read(ctx, op.ResourceType, op.ID)
		if err != nil {
			return nil, storeError(err)
		}
		return &outcome{kind: bundle.KindRead, status: http.StatusOK, version: &v, body: v.Resource}, nil
	case bundle.VersionRead:
		return x.versionRead(ctx, tx, op)
	case bundle.History:
		return x.history(ctx, tx, op)
	case bundle.Search:
		return x.search(ctx, tx, p, op)
	case bundle.Custom:
		return x.custom(ctx, tx, p, op)
	}
	return nil, NewInternalError(fmt.Errorf("unhandled operation %T", p.op))
}

// prepare rewrites placeholder references and validates the body.
func (x *execution) prepare(body resource.Resource) error {
	if err := x.symbols.rewrite(body); err != nil {
		return err
	}
	return validateResource(x.engine.validator, body)
}

// validateResource runs v and converts its findings to outcome issues.
func validateResource(v Validator, body resource.Resource) error {
	if v == nil {
		return nil
	}
	err := v.Validate(body)
	if err == nil {
		return nil
	}
	if !validate.IsValidationError(err) {
		return NewInternalError(err)
	}
	var issues []bundle.Issue
	for _, is := range validate.Issues(err) {
		issue := bundle.Issue{Severity: bundle.SeverityError, Code: "invalid", Diagnostics: is.Message}
		if is.Path != "" {
			issue.Expression = []string{body.Type() + "." + is.Path}
		}
		issues = append(issues, issue)
	}
	return NewInvalidResourceError(issues, "%s", err.Error())
}

func (x *execution) create(ctx context.Context, tx store.Session, p *entryPlan, op bundle.Create) (*outcome, error) {
	if p.query != nil {
		match, err := x.resolveSingle(ctx, tx, p.query, "create")
		if err != nil {
			return nil, err
		}
		if match != nil {
			out := written(bundle.KindCreate, *match, http.StatusOK, "matched")
			out.info = fmt.Sprintf("Conditional create matched existing resource \"%s\"; no action taken", bundle.Location(match.ResourceType, match.ID, match.VersionID))
			return out, nil
		}
	}
	body := p.entry.Resource.Clone()
	if err := x.prepare(body); err != nil {
		return nil, err
	}
	v, err := tx.Create(ctx, op.ResourceType, body)
	if err != nil {
		return nil, storeError(err)
	}
	return written(bundle.KindCreate, v, http.StatusCreated, "created"), nil
}

func (x *execution) update(ctx context.Context, tx store.Session, p *entryPlan, op bundle.Update) (*outcome, error) {
	body := p.entry.Resource.Clone()
	body.SetID(op.ID)
	if err := x.prepare(body); err != nil {
		return nil, err
	}
	return x.put(ctx, tx, op.ResourceType, op.ID, body, store.UpdateOptions{
		ExpectedVersion: p.ifMatch,
		AllowCreate:     x.engine.updateCreate,
	})
}

func (x *execution) put(ctx context.Context, tx store.Session, resourceType, id string, body resource.Resource, opts store.UpdateOptions) (*outcome, error) {
	v, created, err := tx.Update(ctx, resourceType, id, body, opts)
	if err != nil {
		return nil, storeError(err)
	}
	if created {
		return written(bundle.KindUpdate, v, http.StatusCreated, "created"), nil
	}
	return written(bundle.KindUpdate, v, http.StatusOK, "updated"), nil
}

func (x *execution) conditionalUpdate(ctx context.Context, tx store.Session, p *entryPlan, op bundle.Update) (*outcome, error) {
	match, err := x.resolveSingle(ctx, tx, p.query, "update")
	if err != nil {
		return nil, err
	}
	body := p.entry.Resource.Clone()
	if match == nil {
		if err := x.prepare(body); err != nil {
			return nil, err
		}
		if id := body.ID(); id != "" {
			return x.put(ctx, tx, op.ResourceType, id, body, store.UpdateOptions{AllowCreate: true})
		}
		v, err := tx.Create(ctx, op.ResourceType, body)
		if err != nil {
			return nil, storeError(err)
		}
		out := written(bundle.KindUpdate, v, http.StatusCreated, "created")
		return out, nil
	}
	if id := body.ID(); id != "" && id != match.ID {
		return nil, NewInvalidResourceError(nil, "Resource body ID of \"%s\" does not match the ID of the resource matched by the conditional update: \"%s\"", id, match.ID)
	}
	if err := checkVersion(p.ifMatch, *match); err != nil {
		return nil, err
	}
	body.SetID(match.ID)
	if err := x.prepare(body); err != nil {
		return nil, err
	}
	return x.put(ctx, tx, op.ResourceType, match.ID, body, store.UpdateOptions{ExpectedVersion: match.VersionID})
}

func (x *execution) patch(ctx context.Context, tx store.Session, p *entryPlan, op bundle.Patch) (*outcome, error) {
	var current store.Version
	if op.ID == "" {
		match, err := x.resolveSingle(ctx, tx, p.query, "patch")
		if err != nil {
			return nil, err
		}
		if match == nil {
			return nil, NewNotFoundError("The search criteria specified for a conditional patch operation returned no matches")
		}
		current = *match
	} else {
		v, err := tx.Read(ctx, op.ResourceType, op.ID)
		if err != nil {
			return nil, storeError(err)
		}
		current = v
	}
	if err := checkVersion(p.ifMatch, current); err != nil {
		return nil, err
	}
	doc, err := patchDocument(p.entry.Resource)
	if err != nil {
		return nil, err
	}
	patched, err := applyPatch(current.Resource, doc)
	if err != nil {
		return nil, err
	}
	if patched.Type() != current.ResourceType || patched.ID() != current.ID {
		return nil, NewInvalidResourceError(nil, "JSON Patch must not change resourceType or id of %s/%s", current.ResourceType, current.ID)
	}
	if err := x.prepare(patched); err != nil {
		return nil, err
	}
	v, _, err := tx.Update(ctx, current.ResourceType, current.ID, patched, store.UpdateOptions{
		ExpectedVersion: current.VersionID,
		Method:          http.MethodPatch,
	})
	if err != nil {
		return nil, storeError(err)
	}
	return written(bundle.KindPatch, v, http.StatusOK, "patched"), nil
}

func (x *execution) delete(ctx context.Context, tx store.Session, p *entryPlan, op bundle.Delete) (*outcome, error) {
	v, err := tx.Delete(ctx, op.ResourceType, op.ID, p.ifMatch)
	if err != nil {
		return nil, storeError(err)
	}
	out := written(bundle.KindDelete, v, http.StatusOK, "deleted")
	out.body = nil
	out.resolved = nil
	return out, nil
}

func (x *execution) conditionalDelete(ctx context.Context, tx store.Session, p *entryPlan) (*outcome, error) {
	targets, err := x.resolveDelete(ctx, tx, p.query)
	if err != nil {
		return nil, err
	}
	out := &outcome{kind: bundle.KindDelete, status: http.StatusOK}
	for _, t := range targets {
		v, err := tx.Delete(ctx, t.ResourceType, t.ID, 0)
		if err != nil {
			return nil, storeError(err)
		}
		if len(targets) == 1 {
			out.version = &v
			out.located = true
		}
	}
	out.info = fmt.Sprintf("Successfully deleted %d resource(s)", len(targets))
	return out, nil
}

func (x *execution) versionRead(ctx context.Context, tx store.Session, op bundle.VersionRead) (*outcome, error) {
	n, err := strconv.Atoi(op.Version)
	if err != nil || n < 1 {
		return nil, NewNotFoundError("Version '%s' of resource %s/%s is not known", op.Version, op.ResourceType, op.ID)
	}
	v, err := tx.VersionRead(ctx, op.ResourceType, op.ID, n)
	if err != nil {
		return nil, storeError(err)
	}
	return &outcome{kind: bundle.KindVersionRead, status: http.StatusOK, version: &v, body: v.Resource}, nil
}

func (x *execution) history(ctx context.Context, tx store.Session, op bundle.History) (*outcome, error) {
	versions, err := tx.History(ctx, op.ResourceType, op.ID)
	if err != nil {
		return nil, storeError(err)
	}
	if len(versions) == 0 {
		return nil, NewNotFoundError("Resource %s/%s is not known", op.ResourceType, op.ID)
	}
	return &outcome{kind: bundle.KindHistory, status: http.StatusOK, body: historyBundle(versions)}, nil
}

func (x *execution) search(ctx context.Context, tx store.Session, p *entryPlan, op bundle.Search) (*outcome, error) {
	found, err := tx.Search(ctx, p.query)
	if err != nil {
		return nil, storeError(err)
	}
	return &outcome{kind: bundle.KindSearch, status: http.StatusOK, body: searchsetBundle(op, p.query, found)}, nil
}

func (x *execution) custom(ctx context.Context, tx store.Session, p *entryPlan, op bundle.Custom) (*outcome, error) {
	h := x.engine.operations[op.Name]
	var body resource.Resource
	if p.entry.Resource != nil {
		body = p.entry.Resource.Clone()
	}
	res, err := h(ctx, OperationRequest{
		Operation: op,
		Resource:  body,
		Session:   tx,
		Validator: x.engine.validator,
	})
	if err != nil {
		return nil, storeError(err)
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &outcome{kind: bundle.KindCustom, status: status, body: res.Resource}, nil
}
