package bundle

import "github.com/roach88/bundled/internal/resource"

// Issue severities.
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

// Issue is one OperationOutcome issue.
type Issue struct {
	Severity    string
	Code        string
	Diagnostics string
	Expression  []string
}

// NewOperationOutcome builds an OperationOutcome resource from issues.
func NewOperationOutcome(issues ...Issue) resource.Resource {
	out := make([]any, 0, len(issues))
	for _, is := range issues {
		m := map[string]any{
			"severity": is.Severity,
			"code":     is.Code,
		}
		if is.Diagnostics != "" {
			m["diagnostics"] = is.Diagnostics
		}
		if len(is.Expression) > 0 {
			exprs := make([]any, len(is.Expression))
			for i, e := range is.Expression {
				exprs[i] = e
			}
			m["expression"] = exprs
		}
		out = append(out, m)
	}
	return resource.Resource{
		"resourceType": "OperationOutcome",
		"issue":        out,
	}
}

// OutcomeDiagnostics returns the diagnostics of the first issue of an
// OperationOutcome, or "".
func OutcomeDiagnostics(oo resource.Resource) string {
	issues, _ := oo["issue"].([]any)
	if len(issues) == 0 {
		return ""
	}
	first, _ := issues[0].(map[string]any)
	s, _ := first["diagnostics"].(string)
	return s
}

// OutcomeCode returns the code of the first issue of an OperationOutcome.
func OutcomeCode(oo resource.Resource) string {
	issues, _ := oo["issue"].([]any)
	if len(issues) == 0 {
		return ""
	}
	first, _ := issues[0].(map[string]any)
	s, _ := first["code"].(string)
	return s
}
