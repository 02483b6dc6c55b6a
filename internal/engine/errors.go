package engine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
)

// ErrorKind categorizes bundle errors.
type ErrorKind string

const (
	// ErrKindEnvelopeStructure is a malformed envelope or entry. Always
	// top-level and raised before any entry executes.
	ErrKindEnvelopeStructure ErrorKind = "ENVELOPE_STRUCTURE"

	// ErrKindTypeMismatch is a body resource type that differs from the
	// type in the request URL.
	ErrKindTypeMismatch ErrorKind = "TYPE_MISMATCH"

	// ErrKindUnsupportedMethod is a method or operation not allowed here.
	ErrKindUnsupportedMethod ErrorKind = "UNSUPPORTED_METHOD"

	ErrKindNotFound ErrorKind = "NOT_FOUND"
	ErrKindGone     ErrorKind = "GONE"

	// ErrKindPreconditionConflict covers version mismatches and
	// conditional match-count failures.
	ErrKindPreconditionConflict ErrorKind = "PRECONDITION_CONFLICT"

	ErrKindInvalidSearch ErrorKind = "INVALID_SEARCH_PARAMETER"

	// ErrKindUnresolvedReference is a placeholder reference with no
	// resolved target when its entry ran.
	ErrKindUnresolvedReference ErrorKind = "UNRESOLVED_REFERENCE"

	// ErrKindInvalidResource is a body that failed validation or could not
	// be patched.
	ErrKindInvalidResource ErrorKind = "INVALID_RESOURCE"

	ErrKindInternal ErrorKind = "INTERNAL"
)

// NoIndex marks an error not tied to one entry.
const NoIndex = -1

// BundleError is the single error type the engine reports, per entry or
// for the whole envelope.
type BundleError struct {
	Kind    ErrorKind
	Message string

	// Index is the original position of the offending entry, or NoIndex.
	Index int

	// Aborted is set when the error rolled back a transaction.
	Aborted bool

	// Issues carries extra detail such as validation findings.
	Issues []bundle.Issue

	// Details contains additional context.
	Details map[string]string

	Err error
}

// Error implements the error interface.
func (e *BundleError) Error() string {
	if e.Index != NoIndex {
		return fmt.Sprintf("%s: %s (entry=%d)", e.Kind, e.Message, e.Index)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BundleError) Unwrap() error { return e.Err }

// Status is the HTTP status of the error as an entry outcome.
func (e *BundleError) Status() int {
	switch e.Kind {
	case ErrKindNotFound:
		return http.StatusNotFound
	case ErrKindGone:
		return http.StatusGone
	case ErrKindPreconditionConflict:
		return http.StatusPreconditionFailed
	case ErrKindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// HTTPStatus is the transport status for a top-level error. An aborted
// transaction is a bad request unless the store itself failed.
func (e *BundleError) HTTPStatus() int {
	if e.Aborted {
		if e.Kind == ErrKindInternal {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	}
	return e.Status()
}

// IssueCode is the OperationOutcome issue code for the kind.
func (e *BundleError) IssueCode() string {
	switch e.Kind {
	case ErrKindUnsupportedMethod:
		return "not-supported"
	case ErrKindNotFound:
		return "not-found"
	case ErrKindGone:
		return "deleted"
	case ErrKindPreconditionConflict:
		return "conflict"
	case ErrKindUnresolvedReference:
		return "processing"
	case ErrKindInternal:
		return "exception"
	}
	return "invalid"
}

// Outcome renders the error as an OperationOutcome. The first issue's
// diagnostics is always Message.
func (e *BundleError) Outcome() resource.Resource {
	issues := []bundle.Issue{{
		Severity:    bundle.SeverityError,
		Code:        e.IssueCode(),
		Diagnostics: e.Message,
	}}
	if e.Index != NoIndex {
		issues[0].Expression = []string{fmt.Sprintf("Bundle.entry[%d]", e.Index)}
	}
	issues = append(issues, e.Issues...)
	if e.Aborted {
		msg := fmt.Sprintf("Transaction aborted: %s", e.Kind)
		if e.Index != NoIndex {
			msg = fmt.Sprintf("Transaction aborted at entry %d: %s", e.Index, e.Kind)
		}
		issues = append(issues, bundle.Issue{
			Severity:    bundle.SeverityInformation,
			Code:        "informational",
			Diagnostics: msg,
		})
	}
	return bundle.NewOperationOutcome(issues...)
}

// AsBundleError returns err as a *BundleError, wrapping anything else as
// an internal error.
func AsBundleError(err error) *BundleError {
	var be *BundleError
	if errors.As(err, &be) {
		return be
	}
	return NewInternalError(err)
}

func newError(kind ErrorKind, format string, args ...any) *BundleError {
	return &BundleError{Kind: kind, Message: fmt.Sprintf(format, args...), Index: NoIndex}
}

// NewEnvelopeStructureError creates an error for a malformed envelope or
// entry.
func NewEnvelopeStructureError(index int, format string, args ...any) *BundleError {
	e := newError(ErrKindEnvelopeStructure, format, args...)
	e.Index = index
	return e
}

// NewTypeMismatchError reports a body type that differs from the URL type.
func NewTypeMismatchError(bodyType, url string) *BundleError {
	e := newError(ErrKindTypeMismatch, "Resource type '%s' does not match type specified in request URI: '%s'", bodyType, url)
	e.Details = map[string]string{"body_type": bodyType, "url": url}
	return e
}

// NewUnsupportedMethodError creates an unsupported method or operation error.
func NewUnsupportedMethodError(format string, args ...any) *BundleError {
	return newError(ErrKindUnsupportedMethod, format, args...)
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(format string, args ...any) *BundleError {
	return newError(ErrKindNotFound, format, args...)
}

// NewGoneError creates an error for a deleted target.
func NewGoneError(format string, args ...any) *BundleError {
	return newError(ErrKindGone, format, args...)
}

// NewPreconditionError creates a precondition-conflict error.
func NewPreconditionError(format string, args ...any) *BundleError {
	return newError(ErrKindPreconditionConflict, format, args...)
}

// NewVersionConflictError reports an If-Match mismatch naming both versions.
func NewVersionConflictError(supplied, current int) *BundleError {
	e := newError(ErrKindPreconditionConflict,
		"If-Match version '%d' does not match current latest version of resource: %d", supplied, current)
	e.Details = map[string]string{
		"supplied": fmt.Sprintf("%d", supplied),
		"current":  fmt.Sprintf("%d", current),
	}
	return e
}

// NewInvalidSearchError wraps a search parameter error.
func NewInvalidSearchError(err error) *BundleError {
	e := newError(ErrKindInvalidSearch, "%s", err.Error())
	e.Err = err
	return e
}

// NewUnresolvedReferenceError reports a placeholder with no resolved target.
func NewUnresolvedReferenceError(ref string) *BundleError {
	e := newError(ErrKindUnresolvedReference, "Unable to resolve placeholder reference '%s': no entry in this bundle has been resolved to it", ref)
	e.Details = map[string]string{"reference": ref}
	return e
}

// NewInvalidResourceError creates a validation or patch error.
func NewInvalidResourceError(issues []bundle.Issue, format string, args ...any) *BundleError {
	e := newError(ErrKindInvalidResource, format, args...)
	e.Issues = issues
	return e
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(err error) *BundleError {
	e := newError(ErrKindInternal, "%s", err.Error())
	e.Err = err
	return e
}

func isKind(err error, kind ErrorKind) bool {
	var be *BundleError
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// IsEnvelopeStructureError reports whether err is a structural rejection.
func IsEnvelopeStructureError(err error) bool { return isKind(err, ErrKindEnvelopeStructure) }

// IsTypeMismatchError reports whether err is a type mismatch.
func IsTypeMismatchError(err error) bool { return isKind(err, ErrKindTypeMismatch) }

// IsUnsupportedMethodError reports whether err is an unsupported method.
func IsUnsupportedMethodError(err error) bool { return isKind(err, ErrKindUnsupportedMethod) }

// IsNotFoundError reports whether err is a not-found error.
func IsNotFoundError(err error) bool { return isKind(err, ErrKindNotFound) }

// IsGoneError reports whether err is a gone error.
func IsGoneError(err error) bool { return isKind(err, ErrKindGone) }

// IsPreconditionError reports whether err is a precondition conflict.
func IsPreconditionError(err error) bool { return isKind(err, ErrKindPreconditionConflict) }

// IsInvalidSearchError reports whether err is an invalid search parameter.
func IsInvalidSearchError(err error) bool { return isKind(err, ErrKindInvalidSearch) }

// IsUnresolvedReferenceError reports whether err is an unresolved reference.
func IsUnresolvedReferenceError(err error) bool { return isKind(err, ErrKindUnresolvedReference) }

// IsInvalidResourceError reports whether err is an invalid resource.
func IsInvalidResourceError(err error) bool { return isKind(err, ErrKindInvalidResource) }
