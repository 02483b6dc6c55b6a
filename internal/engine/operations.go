package engine

import (
	"context"
	"net/http"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/store"
)

// OperationRequest is the input of a custom $operation.
type OperationRequest struct {
	Operation bundle.Custom
	// Resource is the entry body, or nil.
	Resource  resource.Resource
	Session   store.Session
	Validator Validator
}

// OperationResult is the response of a custom operation. Status zero
// means 200.
type OperationResult struct {
	Status   int
	Resource resource.Resource
}

// OperationHandler implements a custom $operation. Returned errors should
// be *BundleError values; anything else is reported as internal.
type OperationHandler func(ctx context.Context, req OperationRequest) (OperationResult, error)

// validateOperation implements $validate. The resource to check is the
// body, or the stored resource when the URL names an id and no body was
// sent.
func validateOperation(ctx context.Context, req OperationRequest) (OperationResult, error) {
	op := req.Operation
	if op.Method != http.MethodPost {
		return OperationResult{}, NewUnsupportedMethodError("Operation '$%s' requires POST", op.Name)
	}
	body := req.Resource
	if body == nil {
		if op.ResourceType == "" || op.ID == "" {
			return OperationResult{}, NewInvalidResourceError(nil, "Operation '$%s' requires a resource body", op.Name)
		}
		v, err := req.Session.Read(ctx, op.ResourceType, op.ID)
		if err != nil {
			return OperationResult{}, storeError(err)
		}
		body = v.Resource
	}
	if op.ResourceType != "" && body.Type() != op.ResourceType {
		return OperationResult{}, NewTypeMismatchError(body.Type(), op.ResourceType+"/$"+op.Name)
	}
	if err := validateResource(req.Validator, body); err != nil {
		return OperationResult{}, err
	}
	return OperationResult{
		Status: http.StatusOK,
		Resource: bundle.NewOperationOutcome(bundle.Issue{
			Severity:    bundle.SeverityInformation,
			Code:        "informational",
			Diagnostics: "All OK",
		}),
	}, nil
}
