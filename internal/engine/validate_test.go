package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bundled/internal/bundle"
)

func TestValidateEnvelopeRejections(t *testing.T) {
	withIfMatch := entry("PUT", "Patient/id-1", patient("Ann"))
	withIfMatch.Request.IfMatch = "abc"

	tests := []struct {
		name    string
		env     *bundle.Envelope
		kind    ErrorKind
		index   int
		message string
	}{
		{
			name:    "nil envelope",
			env:     nil,
			kind:    ErrKindEnvelopeStructure,
			index:   NoIndex,
			message: "Bundle is required",
		},
		{
			name:    "not a bundle",
			env:     &bundle.Envelope{ResourceType: "Patient", Type: bundle.ModeBatch, Entry: []bundle.Entry{entry("GET", "Patient/id-1", nil)}},
			kind:    ErrKindEnvelopeStructure,
			index:   NoIndex,
			message: "Request body must be a Bundle resource, found 'Patient'",
		},
		{
			name:    "no entries",
			env:     bundle.NewEnvelope(bundle.ModeBatch),
			kind:    ErrKindEnvelopeStructure,
			index:   NoIndex,
			message: "Bundle must contain at least one entry",
		},
		{
			name:    "unknown mode",
			env:     bundle.NewEnvelope("collection", entry("GET", "Patient/id-1", nil)),
			kind:    ErrKindEnvelopeStructure,
			index:   NoIndex,
			message: "Bundle.type must be either 'batch' or 'transaction'",
		},
		{
			name:    "missing request",
			env:     bundle.NewEnvelope(bundle.ModeBatch, bundle.Entry{Resource: patient("Ann")}),
			kind:    ErrKindEnvelopeStructure,
			index:   0,
			message: "Bundle.Entry.request is required",
		},
		{
			name:    "missing method",
			env:     bundle.NewEnvelope(bundle.ModeBatch, entry("", "Patient", patient("Ann"))),
			kind:    ErrKindEnvelopeStructure,
			index:   0,
			message: "Bundle.Entry.request.method is required",
		},
		{
			name:    "missing url",
			env:     bundle.NewEnvelope(bundle.ModeBatch, entry("GET", "Patient/id-1", nil), entry("POST", " ", patient("Ann"))),
			kind:    ErrKindEnvelopeStructure,
			index:   1,
			message: "Bundle.Entry.request.url is required",
		},
		{
			name:    "unsupported method",
			env:     bundle.NewEnvelope(bundle.ModeBatch, entry("HEAD", "Patient/id-1", nil)),
			kind:    ErrKindUnsupportedMethod,
			index:   0,
			message: "Bundle.Entry.request contains unsupported HTTP method",
		},
		{
			name:    "body on delete",
			env:     bundle.NewEnvelope(bundle.ModeBatch, entry("DELETE", "Patient/id-1", patient("Ann"))),
			kind:    ErrKindEnvelopeStructure,
			index:   0,
			message: "Bundle.Entry.resource not allowed for BundleEntry with DELETE method.",
		},
		{
			name:    "body on read",
			env:     bundle.NewEnvelope(bundle.ModeTransaction, entry("GET", "Patient/id-1", patient("Ann"))),
			kind:    ErrKindEnvelopeStructure,
			index:   0,
			message: "Bundle.Entry.resource not allowed for BundleEntry with GET method.",
		},
		{
			name:    "create without body",
			env:     bundle.NewEnvelope(bundle.ModeBatch, entry("POST", "Patient", nil)),
			kind:    ErrKindEnvelopeStructure,
			index:   0,
			message: "Bundle.Entry.resource is required for BundleEntry with POST method.",
		},
		{
			name:    "patch without body",
			env:     bundle.NewEnvelope(bundle.ModeBatch, entry("PATCH", "Patient/id-1", nil)),
			kind:    ErrKindEnvelopeStructure,
			index:   0,
			message: "Bundle.Entry.resource is required for BundleEntry with PATCH method.",
		},
		{
			name: "duplicate placeholder",
			env: bundle.NewEnvelope(bundle.ModeBatch,
				placeholderEntry("urn:uuid:a", "POST", "Patient", patient("Ann")),
				placeholderEntry("urn:uuid:a", "POST", "Patient", patient("Bob")),
			),
			kind:    ErrKindEnvelopeStructure,
			index:   1,
			message: "Duplicate local identifier encountered in bundled request entry: urn:uuid:a",
		},
		{
			name:    "malformed if-match",
			env:     bundle.NewEnvelope(bundle.ModeBatch, withIfMatch),
			kind:    ErrKindEnvelopeStructure,
			index:   0,
			message: "Bundle.Entry.request.ifMatch value 'abc' is not a valid version tag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupEngine(t)
			resp, err := f.engine.Process(context.Background(), tt.env, RequestContext{})
			require.Error(t, err)
			assert.Nil(t, resp)

			var be *BundleError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.index, be.Index)
			assert.Equal(t, tt.message, be.Message)
			assert.False(t, be.Aborted)
			assert.Equal(t, 400, be.HTTPStatus())
			assert.Empty(t, f.store.ExportState(), "validation failures must not write")
		})
	}
}

func TestValidateEnvelopeMaxEntries(t *testing.T) {
	f := setupEngine(t, WithMaxEntries(2))
	env := bundle.NewEnvelope(bundle.ModeBatch,
		entry("POST", "Patient", patient("A")),
		entry("POST", "Patient", patient("B")),
		entry("POST", "Patient", patient("C")),
	)
	_, err := f.engine.Process(context.Background(), env, RequestContext{})
	require.Error(t, err)
	assert.True(t, IsEnvelopeStructureError(err))
	assert.Contains(t, err.Error(), "exceeds the maximum of 2")
	assert.Equal(t, 0, f.count("Patient"))
}

func TestValidateEnvelopeAllowsMissingResourceType(t *testing.T) {
	f := setupEngine(t)
	env := &bundle.Envelope{Type: bundle.ModeBatch, Entry: []bundle.Entry{entry("POST", "Patient", patient("Ann"))}}
	resp := f.process(t, env)
	assert.Equal(t, "201", resp.Entry[0].Response.Status)
}

func TestValidateEnvelopeMethodCase(t *testing.T) {
	f := setupEngine(t)
	resp := f.process(t, bundle.NewEnvelope(bundle.ModeBatch, entry("post", "Patient", patient("Ann"))))
	assert.Equal(t, "201", resp.Entry[0].Response.Status)
}

func TestCheck(t *testing.T) {
	f := setupEngine(t)

	t.Run("clean envelope", func(t *testing.T) {
		env := bundle.NewEnvelope(bundle.ModeTransaction,
			entry("POST", "Patient", patient("Chalmers")),
			entry("GET", "Patient?family=chal", nil),
		)
		assert.Empty(t, f.engine.Check(env, RequestContext{}))
	})

	t.Run("structural rejection", func(t *testing.T) {
		env := &bundle.Envelope{ResourceType: "Bundle", Type: "collection", Entry: []bundle.Entry{entry("GET", "Patient/1", nil)}}
		problems := f.engine.Check(env, RequestContext{})
		require.Len(t, problems, 1)
		assert.Equal(t, ErrKindEnvelopeStructure, problems[0].Kind)
	})

	t.Run("every entry problem", func(t *testing.T) {
		env := bundle.NewEnvelope(bundle.ModeBatch,
			entry("POST", "Patient", patient("ok")),
			entry("POST", "Observation", patient("wrong type")),
			entry("GET", "Patient?bogus=1", nil),
			entry("GET", "nowhere/at/all/really", nil),
		)
		problems := f.engine.Check(env, RequestContext{})
		require.Len(t, problems, 3)
		assert.Equal(t, ErrKindTypeMismatch, problems[0].Kind)
		assert.Equal(t, 1, problems[0].Index)
		assert.Equal(t, ErrKindInvalidSearch, problems[1].Kind)
		assert.Equal(t, 2, problems[1].Index)
		assert.Equal(t, ErrKindNotFound, problems[2].Kind)
		assert.Equal(t, 3, problems[2].Index)
	})

	assert.Zero(t, f.count("Patient"))
}
