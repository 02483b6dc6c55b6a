package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/store"
	"github.com/roach88/bundled/internal/store/memory"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// AssertionContext provides store access for state assertions.
type AssertionContext struct {
	Store *memory.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEntryField:
			err = assertEntryField(result, assertion)
		case AssertOutcomeContains:
			err = assertOutcomeContains(result, assertion)
		case AssertResourceCount, AssertResourceState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a store", i, assertion.Type)
			} else if assertion.Type == AssertResourceCount {
				err = assertResourceCount(actx.Store, assertion)
			} else {
				err = assertResourceState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func assertEntryField(result *Result, a Assertion) error {
	if result.Response == nil {
		return &AssertionError{
			Type:     AssertEntryField,
			Expected: fmt.Sprintf("entry[%d].%s", a.Index, a.Field),
			Actual:   "envelope was not processed",
		}
	}
	if a.Index >= len(result.Response.Entry) {
		return &AssertionError{
			Type:     AssertEntryField,
			Expected: fmt.Sprintf("entry[%d]", a.Index),
			Actual:   fmt.Sprintf("%d entries", len(result.Response.Entry)),
		}
	}
	generic, err := toGeneric(result.Response.Entry[a.Index])
	if err != nil {
		return err
	}
	got, ok := lookup(generic, a.Field)
	if !ok {
		return &AssertionError{
			Type:     AssertEntryField,
			Expected: fmt.Sprintf("entry[%d].%s = %v", a.Index, a.Field, a.Value),
			Actual:   "field not present",
		}
	}
	if !valuesEqual(got, a.Value) {
		return &AssertionError{
			Type:     AssertEntryField,
			Expected: fmt.Sprintf("entry[%d].%s = %v", a.Index, a.Field, a.Value),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func assertOutcomeContains(result *Result, a Assertion) error {
	if result.Outcome == nil {
		return &AssertionError{
			Type:     AssertOutcomeContains,
			Expected: fmt.Sprintf("top-level outcome containing %q", a.Contains),
			Actual:   "envelope was processed",
		}
	}
	issues, _ := result.Outcome["issue"].([]any)
	var seen []string
	for _, raw := range issues {
		issue, _ := raw.(map[string]any)
		d, _ := issue["diagnostics"].(string)
		if strings.Contains(d, a.Contains) {
			return nil
		}
		seen = append(seen, d)
	}
	return &AssertionError{
		Type:     AssertOutcomeContains,
		Expected: fmt.Sprintf("diagnostics containing %q", a.Contains),
		Actual:   strings.Join(seen, "; "),
	}
}

func assertResourceCount(st *memory.Store, a Assertion) error {
	n := 0
	for _, versions := range st.ExportType(a.ResourceType) {
		if len(versions) > 0 && !versions[len(versions)-1].Deleted {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertResourceCount,
			Expected: fmt.Sprintf("%d live %s resources", a.Count, a.ResourceType),
			Actual:   strconv.Itoa(n),
		}
	}
	return nil
}

func assertResourceState(ctx context.Context, st *memory.Store, a Assertion) error {
	typ, id, ok := strings.Cut(a.Reference, "/")
	if !ok {
		return fmt.Errorf("resource_state: reference %q is not Type/id", a.Reference)
	}
	var history []store.Version
	err := st.View(ctx, func(tx store.Session) error {
		var err error
		history, err = tx.History(ctx, typ, id)
		return err
	})
	if store.IsNotFound(err) {
		return &AssertionError{
			Type:     AssertResourceState,
			Expected: a.Reference,
			Actual:   "not stored",
		}
	}
	if err != nil {
		return fmt.Errorf("resource_state: %w", err)
	}
	current := history[0]
	if a.Deleted != current.Deleted {
		return &AssertionError{
			Type:     AssertResourceState,
			Expected: fmt.Sprintf("%s deleted=%t", a.Reference, a.Deleted),
			Actual:   fmt.Sprintf("deleted=%t at version %d", current.Deleted, current.VersionID),
		}
	}
	if current.Deleted {
		return nil
	}
	return matchSubset(a.Reference, current, a.Expect)
}

func matchSubset(ref string, v store.Version, expect map[string]any) error {
	for field, want := range expect {
		got, ok := lookup(map[string]any(v.Resource), field)
		if !ok || !valuesEqual(got, want) {
			actual := "field not present"
			if ok {
				actual = fmt.Sprintf("%v", got)
			}
			return &AssertionError{
				Type:     AssertResourceState,
				Expected: fmt.Sprintf("%s %s = %v", ref, field, want),
				Actual:   actual,
			}
		}
	}
	return nil
}

// lookup walks a dotted path. Numeric segments index arrays.
func lookup(v any, path string) (any, bool) {
	current := v
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case resource.Resource:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// valuesEqual compares canonical JSON so YAML ints match json.Number and
// map key order never matters.
func valuesEqual(actual, expected any) bool {
	a, err := resource.MarshalCanonical(normalize(actual))
	if err != nil {
		return false
	}
	e, err := resource.MarshalCanonical(normalize(expected))
	if err != nil {
		return false
	}
	return bytes.Equal(a, e)
}

// normalize converts YAML-decoded values into the shapes MarshalCanonical
// handles natively.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalize(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	case float32:
		return float64(val)
	case uint64:
		return json.Number(strconv.FormatUint(val, 10))
	default:
		return val
	}
}

func toGeneric(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response entry: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response entry: %w", err)
	}
	return out, nil
}
