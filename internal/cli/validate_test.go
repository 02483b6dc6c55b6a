package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const problemBatch = `{"resourceType":"Bundle","type":"batch","entry":[
  {"resource":{"resourceType":"Patient"},"request":{"method":"POST","url":"Patient"}},
  {"resource":{"resourceType":"Patient"},"request":{"method":"POST","url":"Observation"}},
  {"request":{"method":"GET","url":"Patient?bogus=1"}},
  {"request":{"method":"GET","url":"nowhere/at/all/really"}}
]}`

func TestValidate_Valid(t *testing.T) {
	out, _, err := execute(t, nil, "validate", writeBundle(t, putPatientTx))
	require.NoError(t, err)
	assert.Equal(t, "\u2713 Bundle valid (transaction, 1 entries)\n", out)
}

func TestValidate_ValidJSON(t *testing.T) {
	out, _, err := execute(t, nil, "validate", writeBundle(t, putPatientTx), "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":{"valid":true,"mode":"transaction","entries":1}}`, out)
}

func TestValidate_Problems(t *testing.T) {
	out, _, err := execute(t, nil, "validate", writeBundle(t, problemBatch))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "validation failed with 3 problem(s)")

	assert.Contains(t, out, "\u2717 Validation failed")
	assert.Contains(t, out, "entry[1]\n  TYPE_MISMATCH: ")
	assert.Contains(t, out, "entry[2]\n  INVALID_SEARCH_PARAMETER: ")
	assert.Contains(t, out, "entry[3]\n  NOT_FOUND: ")
	assert.NotContains(t, out, "entry[0]")
}

func TestValidate_ProblemsJSON(t *testing.T) {
	out, _, err := execute(t, nil, "validate", writeBundle(t, problemBatch), "--format", "json")
	require.Error(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	assert.Equal(t, 4, resp.Data.Entries)
	require.Len(t, resp.Data.Problems, 3)
	assert.Equal(t, ValidationProblem{Index: 1, Kind: "TYPE_MISMATCH", Message: resp.Data.Problems[0].Message}, resp.Data.Problems[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalid, resp.Error.Code)
}

func TestValidate_EnvelopeProblems(t *testing.T) {
	t.Run("wrong type", func(t *testing.T) {
		out, _, err := execute(t, nil, "validate", writeBundle(t, `{"resourceType":"Bundle","type":"collection","entry":[{"request":{"method":"GET","url":"Patient/1"}}]}`))
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "ENVELOPE_STRUCTURE: Bundle.type must be either 'batch' or 'transaction'")
	})

	t.Run("not json", func(t *testing.T) {
		out, _, err := execute(t, nil, "validate", writeBundle(t, "[1,2"))
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "ENVELOPE_STRUCTURE: decode envelope")
	})
}
