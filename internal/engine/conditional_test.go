package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bundled/internal/bundle"
)

func conditionalCreate(body map[string]any, criteria string) bundle.Entry {
	e := entry("POST", "Patient", body)
	e.Request.IfNoneExist = criteria
	return e
}

func TestConditionalCreate(t *testing.T) {
	t.Run("no match creates", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patientWithIdentifier("Ann", "A1"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			conditionalCreate(patientWithIdentifier("Bob", "B2"), "identifier=urn:mrn|B2"),
		))
		assert.Equal(t, "201", resp.Entry[0].Response.Status)
		assert.Equal(t, "Patient/id-2/_history/1", resp.Entry[0].Response.Location)
		assert.Equal(t, 2, f.count("Patient"))
	})
	t.Run("one match returns existing", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patientWithIdentifier("Ann", "A1"))
		resp := f.processWith(t, bundle.NewEnvelope(bundle.ModeBatch,
			conditionalCreate(patientWithIdentifier("Ann", "A1"), "Patient?identifier=urn:mrn|A1"),
		), bundle.ReturnOperationOutcome)
		assert.Equal(t, "200", resp.Entry[0].Response.Status)
		assert.Equal(t, "Patient/id-1/_history/1", resp.Entry[0].Response.Location)
		assert.Equal(t, `W/"1"`, resp.Entry[0].Response.Etag)
		assert.Equal(t, `Conditional create matched existing resource "Patient/id-1/_history/1"; no action taken`,
			bundle.OutcomeDiagnostics(resp.Entry[0].Resource))
		assert.Equal(t, 1, f.count("Patient"))
	})
	t.Run("multiple matches fail", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patient("Twin"))
		f.seed(t, patient("Twin"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			conditionalCreate(patient("Twin"), "family=Twin"),
		))
		assert.Equal(t, "412", resp.Entry[0].Response.Status)
		assert.Equal(t, "The search criteria specified for a conditional create operation returned multiple matches", diagnostics(resp.Entry[0]))
		assert.Equal(t, 2, f.count("Patient"))
	})
	t.Run("unknown parameter", func(t *testing.T) {
		f := setupEngine(t)
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			conditionalCreate(patient("Ann"), "bogus=1"),
		))
		assert.Equal(t, "400", resp.Entry[0].Response.Status)
		assert.Equal(t, "Search parameter 'bogus' for resource type 'Patient' was not found.", diagnostics(resp.Entry[0]))
		assert.Equal(t, 0, f.count("Patient"))
	})
	t.Run("unknown parameter aborts a transaction", func(t *testing.T) {
		f := setupEngine(t)
		_, err := f.engine.Process(context.Background(), bundle.NewEnvelope(bundle.ModeTransaction,
			entry("POST", "Patient", patient("Ann")),
			conditionalCreate(patient("Bob"), "bogus=1"),
		), RequestContext{})
		var be *BundleError
		require.ErrorAs(t, err, &be)
		assert.True(t, IsInvalidSearchError(err))
		assert.Equal(t, 1, be.Index)
		assert.Equal(t, 0, f.count("Patient"))
	})
}

func TestConditionalCreateMatchRegistersPlaceholder(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, patientWithIdentifier("Ann", "A1"))

	create := conditionalCreate(patientWithIdentifier("Ann", "A1"), "identifier=urn:mrn|A1")
	create.FullURL = "urn:uuid:p"

	resp := f.processWith(t, bundle.NewEnvelope(bundle.ModeTransaction,
		create,
		entry("POST", "Observation", observation("urn:uuid:p")),
	), bundle.ReturnRepresentation)

	assert.Equal(t, "200", resp.Entry[0].Response.Status)
	assert.Equal(t, "201", resp.Entry[1].Response.Status)
	assert.Equal(t, "Observation/id-2/_history/1", resp.Entry[1].Response.Location)
	assert.Equal(t, "Patient/id-1", referenceOf(t, resp.Entry[1].Resource, "subject"))
}

func TestConditionalUpdate(t *testing.T) {
	t.Run("no match creates", func(t *testing.T) {
		f := setupEngine(t)
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			entry("PUT", "Patient?identifier=urn:mrn|A1", patientWithIdentifier("Ann", "A1")),
		))
		assert.Equal(t, "201", resp.Entry[0].Response.Status)
		assert.Equal(t, "Patient/id-1/_history/1", resp.Entry[0].Response.Location)
	})
	t.Run("one match updates it", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patientWithIdentifier("Ann", "A1"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			entry("PUT", "Patient?identifier=urn:mrn|A1", patientWithIdentifier("Annie", "A1")),
		))
		assert.Equal(t, "200", resp.Entry[0].Response.Status)
		assert.Equal(t, "Patient/id-1/_history/2", resp.Entry[0].Response.Location)
	})
	t.Run("multiple matches fail", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patient("Twin"))
		f.seed(t, patient("Twin"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			entry("PUT", "Patient?family=Twin", patient("Twin")),
		))
		assert.Equal(t, "412", resp.Entry[0].Response.Status)
		assert.Equal(t, "The search criteria specified for a conditional update operation returned multiple matches", diagnostics(resp.Entry[0]))
	})
	t.Run("if-match against the match", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patientWithIdentifier("Ann", "A1"))
		e := entry("PUT", "Patient?identifier=urn:mrn|A1", patientWithIdentifier("Annie", "A1"))
		e.Request.IfMatch = `W/"4"`
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, e))
		assert.Equal(t, "412", resp.Entry[0].Response.Status)
		assert.Equal(t, "If-Match version '4' does not match current latest version of resource: 1", diagnostics(resp.Entry[0]))
	})
	t.Run("body id must match the match", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patientWithIdentifier("Ann", "A1"))
		body := patientWithIdentifier("Ann", "A1")
		body["id"] = "someone-else"
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			entry("PUT", "Patient?identifier=urn:mrn|A1", body),
		))
		assert.Equal(t, "400", resp.Entry[0].Response.Status)
	})
}

func TestConditionalDelete(t *testing.T) {
	seedFamily := func(t *testing.T, f *fixture, family string, n int) {
		for i := 0; i < n; i++ {
			f.seed(t, patient(family))
		}
	}

	t.Run("over the limit deletes nothing", func(t *testing.T) {
		f := setupEngine(t)
		seedFamily(t, f, "Common", 15)
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, entry("DELETE", "Patient?family=Common", nil)))
		assert.Equal(t, "412", resp.Entry[0].Response.Status)
		assert.Equal(t, "The search criteria specified for a conditional delete operation returned too many matches (15); the limit is 10", diagnostics(resp.Entry[0]))
		assert.Equal(t, 15, f.count("Patient"))
	})
	t.Run("over the limit aborts a transaction", func(t *testing.T) {
		f := setupEngine(t)
		seedFamily(t, f, "Common", 15)
		_, err := f.engine.Process(context.Background(), bundle.NewEnvelope(bundle.ModeTransaction,
			entry("POST", "Patient", patient("New")),
			entry("DELETE", "Patient?family=Common", nil),
		), RequestContext{})
		var be *BundleError
		require.ErrorAs(t, err, &be)
		assert.True(t, IsPreconditionError(err))
		assert.Equal(t, 1, be.Index)
		assert.Equal(t, 15, f.count("Patient"))
	})
	t.Run("within the limit deletes every match", func(t *testing.T) {
		f := setupEngine(t)
		seedFamily(t, f, "Few", 3)
		f.seed(t, patient("Other"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, entry("DELETE", "Patient?family=Few", nil)))
		assert.Equal(t, "200", resp.Entry[0].Response.Status)
		assert.Empty(t, resp.Entry[0].Response.Location)
		assert.Equal(t, 1, f.count("Patient"))
	})
	t.Run("single match carries its version", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patient("Solo"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, entry("DELETE", "Patient?family=Solo", nil)))
		assert.Equal(t, "200", resp.Entry[0].Response.Status)
		assert.Equal(t, "Patient/id-1/_history/2", resp.Entry[0].Response.Location)
		assert.Equal(t, `W/"2"`, resp.Entry[0].Response.Etag)
	})
	t.Run("no match succeeds", func(t *testing.T) {
		f := setupEngine(t)
		resp := f.processWith(t, bundle.NewEnvelope(bundle.ModeBatch, entry("DELETE", "Patient?family=Nobody", nil)), bundle.ReturnOperationOutcome)
		assert.Equal(t, "200", resp.Entry[0].Response.Status)
		assert.Equal(t, "Successfully deleted 0 resource(s)", bundle.OutcomeDiagnostics(resp.Entry[0].Resource))
	})
	t.Run("configured limit", func(t *testing.T) {
		f := setupEngine(t, WithConditionalDeleteMax(2))
		seedFamily(t, f, "Few", 3)
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, entry("DELETE", "Patient?family=Few", nil)))
		assert.Equal(t, "412", resp.Entry[0].Response.Status)
	})
	t.Run("criteria without a filter deletes nothing", func(t *testing.T) {
		for _, url := range []string{"Patient?_count=5", "Patient?family="} {
			f := setupEngine(t, WithConditionalDeleteMax(0))
			seedFamily(t, f, "Any", 2)
			resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, entry("DELETE", url, nil)))
			assert.Equal(t, "412", resp.Entry[0].Response.Status, url)
			assert.Equal(t, "The search criteria specified for a conditional delete operation must include at least one search parameter", diagnostics(resp.Entry[0]))
			assert.Equal(t, 2, f.count("Patient"), url)
		}
	})
	t.Run("zero limit is unlimited", func(t *testing.T) {
		f := setupEngine(t, WithConditionalDeleteMax(0))
		seedFamily(t, f, "Many", 12)
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, entry("DELETE", "Patient?family=Many", nil)))
		assert.Equal(t, "200", resp.Entry[0].Response.Status)
		assert.Equal(t, 0, f.count("Patient"))
	})
}

func TestConditionalQuery(t *testing.T) {
	tests := []struct {
		criteria string
		want     string
	}{
		{"identifier=a|b", "identifier=a|b"},
		{"?identifier=a|b", "identifier=a|b"},
		{"Patient?identifier=a|b", "identifier=a|b"},
		{"  Patient?family=x  ", "family=x"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.criteria), func(t *testing.T) {
			assert.Equal(t, tt.want, conditionalQuery("Patient", tt.criteria))
		})
	}
}
