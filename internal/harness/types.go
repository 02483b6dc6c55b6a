package harness

import (
	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Status is the transport status the envelope would be answered with.
	Status int `json:"status"`

	// Response is set when the envelope was processed.
	Response *bundle.Response `json:"response,omitempty"`

	// Outcome is set instead of Response for a top-level rejection or an
	// aborted transaction.
	Outcome resource.Resource `json:"outcome,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Errors: []string{}}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Body is what a client would receive: the response envelope or the
// top-level OperationOutcome.
func (r *Result) Body() any {
	if r.Response != nil {
		return r.Response
	}
	return r.Outcome
}
