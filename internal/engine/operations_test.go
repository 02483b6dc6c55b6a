package engine

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/store"
)

func patchBody(doc string) resource.Resource {
	return resource.Resource{
		"resourceType": "Binary",
		"contentType":  patchContentType,
		"data":         base64.StdEncoding.EncodeToString([]byte(doc)),
	}
}

func TestReadOperations(t *testing.T) {
	f := setupEngine(t)
	v := f.seed(t, patient("Ann"))
	f.bump(t, v)

	resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
		entry("GET", "Patient/id-1", nil),
		entry("GET", "Patient/id-1/_history/1", nil),
		entry("GET", "Patient/id-1/_history/9", nil),
		entry("GET", "Patient/id-1/_history", nil),
		entry("GET", "Patient/nope", nil),
		entry("GET", "Patient/id-1/_history/latest", nil),
	))

	read := resp.Entry[0]
	assert.Equal(t, "200", read.Response.Status)
	assert.Equal(t, `W/"2"`, read.Response.Etag)
	assert.Equal(t, "2", read.Resource.VersionID())

	vread := resp.Entry[1]
	assert.Equal(t, "200", vread.Response.Status)
	assert.Equal(t, `W/"1"`, vread.Response.Etag)
	assert.Equal(t, "2024-01-01T00:00:00Z", vread.Response.LastModified)

	assert.Equal(t, "404", resp.Entry[2].Response.Status)
	assert.Equal(t, "Version 9 of resource Patient/id-1 is not known", diagnostics(resp.Entry[2]))

	history := resp.Entry[3]
	assert.Equal(t, "200", history.Response.Status)
	assert.Equal(t, "history", history.Resource["type"])
	assert.Equal(t, 2, history.Resource["total"])
	entries := history.Resource["entry"].([]any)
	require.Len(t, entries, 2)
	newest := entries[0].(map[string]any)
	assert.Equal(t, map[string]any{"method": "PUT", "url": "Patient/id-1"}, newest["request"])
	oldest := entries[1].(map[string]any)
	assert.Equal(t, map[string]any{"method": "POST", "url": "Patient"}, oldest["request"])
	assert.Equal(t, "201", oldest["response"].(map[string]any)["status"])

	assert.Equal(t, "404", resp.Entry[4].Response.Status)
	assert.Equal(t, "Resource Patient/nope is not known", diagnostics(resp.Entry[4]))

	assert.Equal(t, "404", resp.Entry[5].Response.Status)
	assert.Equal(t, "Version 'latest' of resource Patient/id-1 is not known", diagnostics(resp.Entry[5]))
}

func TestDeletedResourceIsGone(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, patient("Ann"))

	resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
		entry("DELETE", "Patient/id-1", nil),
		entry("GET", "Patient/id-1", nil),
		entry("GET", "Patient/id-1/_history/2", nil),
		entry("DELETE", "Patient/id-1", nil),
		entry("DELETE", "Patient/never", nil),
	))

	del := resp.Entry[0]
	assert.Equal(t, "200", del.Response.Status)
	assert.Equal(t, "Patient/id-1/_history/2", del.Response.Location)
	assert.Equal(t, `W/"2"`, del.Response.Etag)
	assert.Nil(t, del.Resource)

	assert.Equal(t, "410", resp.Entry[1].Response.Status)
	assert.Equal(t, "Resource was deleted at Patient/id-1/_history/2", diagnostics(resp.Entry[1]))
	assert.Equal(t, "deleted", bundle.OutcomeCode(resp.Entry[1].Response.Outcome))
	assert.Equal(t, "410", resp.Entry[2].Response.Status)

	assert.Equal(t, "200", resp.Entry[3].Response.Status, "deleting twice is idempotent")
	assert.Equal(t, `W/"2"`, resp.Entry[3].Response.Etag)

	assert.Equal(t, "404", resp.Entry[4].Response.Status)
}

func TestDeleteIfMatch(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, patient("Ann"))
	e := entry("DELETE", "Patient/id-1", nil)
	e.Request.IfMatch = "3"

	resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, e))

	assert.Equal(t, "412", resp.Entry[0].Response.Status)
	assert.Equal(t, "If-Match version '3' does not match current latest version of resource: 1", diagnostics(resp.Entry[0]))
	assert.Equal(t, 1, f.count("Patient"))
}

func TestSearchCountLimitsEntriesNotTotal(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, patient("Smith"))
	f.seed(t, patient("Smithers"))
	f.seed(t, patient("Jones"))

	resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
		entry("GET", "Patient?family=Smith&_count=1", nil),
		entry("GET", "Patient?bogus=1", nil),
	))

	found := resp.Entry[0]
	assert.Equal(t, "200", found.Response.Status)
	assert.Equal(t, 2, found.Resource["total"])
	entries := found.Resource["entry"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "Patient/id-1", entries[0].(map[string]any)["fullUrl"])
	link := found.Resource["link"].([]any)[0].(map[string]any)
	assert.Equal(t, "Patient?family=Smith&_count=1", link["url"])

	assert.Equal(t, "400", resp.Entry[1].Response.Status)
	assert.Equal(t, "Search parameter 'bogus' for resource type 'Patient' was not found.", diagnostics(resp.Entry[1]))
}

func TestSearchCountZeroReturnsTotalOnly(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, patient("Smith"))
	f.seed(t, patient("Smithers"))

	resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
		entry("GET", "Patient?family=Smith&_count=0", nil),
		entry("GET", "Patient?family=Smith", nil),
	))

	assert.Equal(t, "200", resp.Entry[0].Response.Status)
	assert.Equal(t, 2, resp.Entry[0].Resource["total"])
	assert.Empty(t, resp.Entry[0].Resource["entry"])

	assert.Equal(t, 2, resp.Entry[1].Resource["total"])
	assert.Len(t, resp.Entry[1].Resource["entry"], 2)
}

func TestPatch(t *testing.T) {
	t.Run("applies the document", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patient("Ann"))
		resp := f.processWith(t, bundle.NewEnvelope(bundle.ModeBatch,
			entry("PATCH", "Patient/id-1", patchBody(`[{"op":"add","path":"/active","value":true}]`)),
		), bundle.ReturnRepresentation)

		e := resp.Entry[0]
		assert.Equal(t, "200", e.Response.Status)
		assert.Equal(t, "Patient/id-1/_history/2", e.Response.Location)
		assert.Equal(t, true, e.Resource["active"])

		var history []string
		err := f.store.View(context.Background(), func(tx store.Session) error {
			versions, err := tx.History(context.Background(), "Patient", "id-1")
			for _, v := range versions {
				history = append(history, v.Method)
			}
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, []string{http.MethodPatch, http.MethodPost}, history)
	})
	t.Run("conditional target", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patientWithIdentifier("Ann", "A1"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			entry("PATCH", "Patient?identifier=urn:mrn|A1", patchBody(`[{"op":"add","path":"/gender","value":"female"}]`)),
			entry("PATCH", "Patient?identifier=urn:mrn|Z9", patchBody(`[{"op":"add","path":"/gender","value":"female"}]`)),
		))
		assert.Equal(t, "200", resp.Entry[0].Response.Status)
		assert.Equal(t, "404", resp.Entry[1].Response.Status)
	})
	t.Run("failed test operation", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patient("Ann"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			entry("PATCH", "Patient/id-1", patchBody(`[{"op":"test","path":"/gender","value":"male"}]`)),
		))
		assert.Equal(t, "400", resp.Entry[0].Response.Status)
		assert.Contains(t, diagnostics(resp.Entry[0]), "Failed to apply JSON Patch")
	})
	t.Run("if-match", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patient("Ann"))
		e := entry("PATCH", "Patient/id-1", patchBody(`[{"op":"add","path":"/active","value":true}]`))
		e.Request.IfMatch = `W/"7"`
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, e))
		assert.Equal(t, "412", resp.Entry[0].Response.Status)
		assert.Equal(t, "If-Match version '7' does not match current latest version of resource: 1", diagnostics(resp.Entry[0]))
	})
	t.Run("must not change id", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patient("Ann"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
			entry("PATCH", "Patient/id-1", patchBody(`[{"op":"replace","path":"/id","value":"other"}]`)),
		))
		assert.Equal(t, "400", resp.Entry[0].Response.Status)
		assert.Equal(t, "JSON Patch must not change resourceType or id of Patient/id-1", diagnostics(resp.Entry[0]))
	})
	t.Run("body must be binary", func(t *testing.T) {
		f := setupEngine(t)
		f.seed(t, patient("Ann"))
		resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, entry("PATCH", "Patient/id-1", patient("Ann"))))
		assert.Equal(t, "400", resp.Entry[0].Response.Status)
		assert.Equal(t, "Patch body must be a Binary resource with contentType application/json-patch+json, found 'Patient'", diagnostics(resp.Entry[0]))
	})
	t.Run("malformed document aborts a transaction before writes", func(t *testing.T) {
		f := setupEngine(t)
		_, err := f.engine.Process(context.Background(), bundle.NewEnvelope(bundle.ModeTransaction,
			entry("POST", "Patient", patient("Ann")),
			entry("PATCH", "Patient/id-1", patchBody(`{"not":"a patch"}`)),
		), RequestContext{})
		var be *BundleError
		require.ErrorAs(t, err, &be)
		assert.True(t, IsInvalidResourceError(err))
		assert.Equal(t, 1, be.Index)
		assert.Equal(t, 0, f.count("Patient"))
	})
}

func TestValidateOperation(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, patient("Ann"))
	bad := patient("Ann")
	bad["birthDate"] = "yesterday"

	resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
		entry("POST", "Patient/$validate", patient("Bob")),
		entry("POST", "Patient/$validate", bad),
		entry("POST", "Patient/id-1/$validate", nil),
		entry("GET", "Patient/$validate", nil),
		entry("POST", "Patient/$frobnicate", nil),
		entry("POST", "Patient/$validate", observation("Patient/id-1")),
	))

	ok := resp.Entry[0]
	assert.Equal(t, "200", ok.Response.Status)
	assert.Equal(t, "All OK", bundle.OutcomeDiagnostics(ok.Resource))

	assert.Equal(t, "400", resp.Entry[1].Response.Status)
	assert.Equal(t, "invalid", bundle.OutcomeCode(resp.Entry[1].Response.Outcome))

	assert.Equal(t, "200", resp.Entry[2].Response.Status)

	assert.Equal(t, "400", resp.Entry[3].Response.Status)
	assert.Equal(t, "Operation '$validate' requires POST", diagnostics(resp.Entry[3]))

	assert.Equal(t, "400", resp.Entry[4].Response.Status)
	assert.Equal(t, "Operation '$frobnicate' is not supported", diagnostics(resp.Entry[4]))
	assert.Equal(t, "not-supported", bundle.OutcomeCode(resp.Entry[4].Response.Outcome))

	assert.Equal(t, "400", resp.Entry[5].Response.Status)
	assert.Equal(t, "Resource type 'Observation' does not match type specified in request URI: 'Patient/$validate'", diagnostics(resp.Entry[5]))

	assert.Equal(t, 1, f.count("Patient"), "validation never writes")
}

func TestCustomOperation(t *testing.T) {
	echo := func(ctx context.Context, req OperationRequest) (OperationResult, error) {
		v, err := req.Session.Read(ctx, req.Operation.ResourceType, req.Operation.ID)
		if err != nil {
			return OperationResult{}, err
		}
		return OperationResult{Status: http.StatusAccepted, Resource: resource.Resource{
			"resourceType": "Parameters",
			"parameter":    []any{map[string]any{"name": "version", "valueString": v.Resource.VersionID()}},
		}}, nil
	}
	f := setupEngine(t, WithOperation("version", echo))
	f.seed(t, patient("Ann"))

	resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch,
		entry("GET", "Patient/id-1/$version", nil),
		entry("GET", "Patient/id-2/$version", nil),
	))

	assert.Equal(t, "202", resp.Entry[0].Response.Status)
	assert.Equal(t, "Parameters", resp.Entry[0].Resource.Type())
	assert.Equal(t, "404", resp.Entry[1].Response.Status)
	assert.Equal(t, "Resource Patient/id-2 is not known", diagnostics(resp.Entry[1]))
}
