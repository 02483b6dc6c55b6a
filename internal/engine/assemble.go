package engine

import (
	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
)

// assemble builds the response. outcomes is indexed by original position,
// so entry i of the response always answers request entry i.
func assemble(mode bundle.Mode, outcomes []*outcome, ret bundle.ReturnPreference) *bundle.Response {
	resp := &bundle.Response{
		ResourceType: "Bundle",
		Type:         mode.ResponseType(),
		Entry:        make([]bundle.ResponseEntry, len(outcomes)),
	}
	for i, out := range outcomes {
		resp.Entry[i] = out.responseEntry(ret)
	}
	return resp
}

func (o *outcome) responseEntry(ret bundle.ReturnPreference) bundle.ResponseEntry {
	if o.err != nil {
		return bundle.ResponseEntry{Response: bundle.EntryResponse{
			Status:  bundle.StatusText(o.err.Status()),
			Outcome: o.err.Outcome(),
		}}
	}
	r := bundle.EntryResponse{Status: bundle.StatusText(o.status)}
	if v := o.version; v != nil {
		if o.located {
			r.Location = bundle.Location(v.ResourceType, v.ID, v.VersionID)
		}
		r.Etag = bundle.Etag(v.VersionID)
		r.LastModified = resource.FormatInstant(v.LastUpdated)
	}
	entry := bundle.ResponseEntry{Response: r}
	if !o.kind.Mutating() {
		entry.Resource = o.body
		return entry
	}
	switch ret {
	case bundle.ReturnRepresentation:
		entry.Resource = o.body
	case bundle.ReturnOperationOutcome:
		entry.Resource = bundle.NewOperationOutcome(bundle.Issue{
			Severity:    bundle.SeverityInformation,
			Code:        "informational",
			Diagnostics: o.info,
		})
	}
	return entry
}
