package search

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/bundled/internal/resource"
)

// Match reports whether res satisfies the query. The resource type is not
// checked; callers only offer candidates of q.ResourceType.
func Match(q *Query, res resource.Resource) bool {
	if q == nil || q.Where == nil {
		return true
	}
	return evaluate(q.Where, res)
}

func evaluate(p Predicate, res resource.Resource) bool {
	switch pred := p.(type) {
	case And:
		for _, child := range pred.Predicates {
			if !evaluate(child, res) {
				return false
			}
		}
		return true
	case Or:
		for _, child := range pred.Predicates {
			if evaluate(child, res) {
				return true
			}
		}
		return false
	case IDIn:
		id := res.ID()
		for _, want := range pred.IDs {
			if want == id {
				return true
			}
		}
		return false
	case LastUpdated:
		meta, _ := res["meta"].(map[string]any)
		ts, _ := meta["lastUpdated"].(string)
		return comparePoint(pred.Prefix, ts, pred.Value)
	case Clause:
		return matchClause(pred, res)
	default:
		return false
	}
}

func matchClause(c Clause, res resource.Resource) bool {
	if c.Param.Type == TypeToken && c.Modifier == "not" {
		inner := c
		inner.Modifier = ""
		return !matchClause(inner, res)
	}
	for _, path := range c.Param.Paths {
		for _, v := range Values(res, path) {
			if matchValue(c, v) {
				return true
			}
		}
	}
	return false
}

func matchValue(c Clause, v any) bool {
	switch c.Param.Type {
	case TypeString:
		for _, s := range stringLeaves(v) {
			if matchString(c.Modifier, s, c.Value) {
				return true
			}
		}
	case TypeToken:
		system, code, hasSystem := strings.Cut(c.Value, "|")
		if !hasSystem {
			code = c.Value
		}
		for _, tok := range tokens(v) {
			if tok.code != code {
				continue
			}
			if !hasSystem || tok.system == system {
				return true
			}
		}
	case TypeReference:
		m, ok := v.(map[string]any)
		if !ok {
			s, isString := v.(string)
			return isString && referenceMatches(s, c.Value)
		}
		ref, _ := m["reference"].(string)
		return referenceMatches(ref, c.Value)
	case TypeDate:
		s, ok := v.(string)
		return ok && compareInstant(c.Prefix, s, c.Value)
	case TypeNumber:
		return compareNumber(c.Prefix, v, c.Value)
	}
	return false
}

func matchString(modifier, have, want string) bool {
	switch modifier {
	case "exact":
		return have == want
	case "contains":
		return strings.Contains(strings.ToLower(have), strings.ToLower(want))
	default:
		return strings.HasPrefix(strings.ToLower(have), strings.ToLower(want))
	}
}

func referenceMatches(ref, want string) bool {
	if ref == "" {
		return false
	}
	if ref == want {
		return true
	}
	// A bare id matches any type.
	if !strings.Contains(want, "/") {
		return strings.HasSuffix(ref, "/"+want)
	}
	return false
}

func compareNumber(prefix string, v any, want string) bool {
	var have float64
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return false
		}
		have = f
	case float64:
		have = n
	case int:
		have = float64(n)
	default:
		return false
	}
	w, err := strconv.ParseFloat(want, 64)
	if err != nil {
		return false
	}
	switch prefix {
	case "ne":
		return have != w
	case "gt":
		return have > w
	case "ge":
		return have >= w
	case "lt":
		return have < w
	case "le":
		return have <= w
	default:
		return have == w
	}
}

// Values walks a dotted path through the resource, flattening arrays at
// every step.
func Values(res resource.Resource, path string) []any {
	current := []any{map[string]any(res)}
	for _, seg := range strings.Split(path, ".") {
		var next []any
		for _, node := range current {
			m, ok := node.(map[string]any)
			if !ok {
				continue
			}
			switch child := m[seg].(type) {
			case nil:
			case []any:
				next = append(next, child...)
			default:
				next = append(next, child)
			}
		}
		current = next
	}
	return current
}

// stringLeaves collects the string values of a node: the node itself, or
// the direct string and string-array fields of an object such as a
// HumanName or Address.
func stringLeaves(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case map[string]any:
		var out []string
		for _, field := range val {
			switch field := field.(type) {
			case string:
				out = append(out, field)
			case []any:
				for _, elem := range field {
					if s, ok := elem.(string); ok {
						out = append(out, s)
					}
				}
			}
		}
		return out
	}
	return nil
}

type token struct {
	system string
	code   string
}

// tokens extracts system/code pairs from codes, Codings, CodeableConcepts,
// Identifiers, ContactPoints and booleans.
func tokens(v any) []token {
	switch val := v.(type) {
	case string:
		return []token{{code: val}}
	case bool:
		return []token{{code: strconv.FormatBool(val)}}
	case json.Number:
		return []token{{code: val.String()}}
	case map[string]any:
		if codings, ok := val["coding"].([]any); ok {
			var out []token
			for _, c := range codings {
				out = append(out, tokens(c)...)
			}
			return out
		}
		system, _ := val["system"].(string)
		for _, key := range []string{"code", "value"} {
			if raw, ok := val[key]; ok {
				return []token{{system: system, code: fmt.Sprint(raw)}}
			}
		}
	}
	return nil
}
