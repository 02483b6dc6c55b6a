package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Query is a parsed search against one resource type.
type Query struct {
	ResourceType string
	// Where is nil when every resource of the type matches.
	Where Predicate
	// Count limits returned entries when HasCount is set; _count=0 asks
	// for the total only. Conditional resolution ignores it.
	Count    int
	HasCount bool
	Raw      string
}

// Predicate is a sealed filter node.
//
// Predicate types:
//   - And: all children match
//   - Or: any child matches
//   - Clause: one parameter value against the resource body
//   - IDIn: resource id is one of a set
//   - LastUpdated: meta.lastUpdated compared to a prefix
type Predicate interface {
	predicateNode()
}

// And matches when every child matches.
type And struct {
	Predicates []Predicate
}

// Or matches when at least one child matches.
type Or struct {
	Predicates []Predicate
}

// Clause tests one parameter value.
type Clause struct {
	Param    Parameter
	Modifier string
	// Prefix is the comparison prefix for date and number parameters.
	Prefix string
	Value  string
}

// IDIn matches resources whose id is in IDs.
type IDIn struct {
	IDs []string
}

// LastUpdated compares meta.lastUpdated against Value.
type LastUpdated struct {
	Prefix string
	Value  string
}

func (And) predicateNode()         {}
func (Or) predicateNode()          {}
func (Clause) predicateNode()      {}
func (IDIn) predicateNode()        {}
func (LastUpdated) predicateNode() {}

// resultParams control result shape rather than filter resources.
var resultParams = map[string]bool{
	"_count":    true,
	"_sort":     true,
	"_format":   true,
	"_summary":  true,
	"_elements": true,
	"_total":    true,
	"_pretty":   true,
	"_include":  true,
}

var comparisonPrefixes = []string{"eq", "ne", "ge", "gt", "le", "lt"}

var supportedModifiers = map[ParamType]map[string]bool{
	TypeString:    {"exact": true, "contains": true},
	TypeToken:     {"not": true},
	TypeReference: {},
	TypeDate:      {},
	TypeNumber:    {},
}

// Parse turns a raw query string into a Query using the vocabulary. The
// order of parameters in raw is preserved so the first offending parameter
// is the one reported.
func Parse(v *Vocabulary, resourceType, raw string) (*Query, error) {
	q := &Query{ResourceType: resourceType, Raw: raw}
	var preds []Predicate

	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, &InvalidParameterError{ResourceType: resourceType, Name: rawKey,
				Message: fmt.Sprintf("Search parameter '%s' is not properly encoded", rawKey)}
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, &InvalidParameterError{ResourceType: resourceType, Name: key,
				Message: fmt.Sprintf("Value of search parameter '%s' is not properly encoded", key)}
		}
		name, modifier, _ := strings.Cut(key, ":")

		if resultParams[name] {
			if name == "_count" {
				n, err := strconv.Atoi(value)
				if err != nil || n < 0 {
					return nil, &InvalidParameterError{ResourceType: resourceType, Name: name,
						Message: fmt.Sprintf("Invalid _count value '%s'", value)}
				}
				q.Count = n
				q.HasCount = true
			}
			continue
		}
		if value == "" {
			continue
		}

		switch name {
		case "_id":
			preds = append(preds, IDIn{IDs: strings.Split(value, ",")})
			continue
		case "_lastUpdated":
			prefix, rest := splitPrefix(value)
			if _, _, ok := instantRange(rest); !ok {
				return nil, &InvalidParameterError{ResourceType: resourceType, Name: name,
					Message: fmt.Sprintf("Value '%s' of search parameter '%s' is not a valid date", value, name)}
			}
			preds = append(preds, LastUpdated{Prefix: prefix, Value: rest})
			continue
		}

		param, ok := v.Lookup(resourceType, name)
		if !ok {
			return nil, &InvalidParameterError{ResourceType: resourceType, Name: name}
		}
		if modifier != "" && !supportedModifiers[param.Type][modifier] {
			return nil, &InvalidParameterError{ResourceType: resourceType, Name: name,
				Message: fmt.Sprintf("Modifier '%s' is not supported for search parameter '%s'", modifier, name)}
		}

		var alts []Predicate
		for _, alt := range strings.Split(value, ",") {
			c := Clause{Param: param, Modifier: modifier, Value: alt}
			if param.Type == TypeDate || param.Type == TypeNumber {
				c.Prefix, c.Value = splitPrefix(alt)
				if param.Type == TypeDate {
					if _, _, ok := instantRange(c.Value); !ok {
						return nil, &InvalidParameterError{ResourceType: resourceType, Name: name,
							Message: fmt.Sprintf("Value '%s' of search parameter '%s' is not a valid date", alt, name)}
					}
				}
				if param.Type == TypeNumber {
					if _, err := strconv.ParseFloat(c.Value, 64); err != nil {
						return nil, &InvalidParameterError{ResourceType: resourceType, Name: name,
							Message: fmt.Sprintf("Value '%s' of search parameter '%s' is not a number", alt, name)}
					}
				}
			}
			alts = append(alts, c)
		}
		if len(alts) == 1 {
			preds = append(preds, alts[0])
		} else {
			preds = append(preds, Or{Predicates: alts})
		}
	}

	switch len(preds) {
	case 0:
	case 1:
		q.Where = preds[0]
	default:
		q.Where = And{Predicates: preds}
	}
	return q, nil
}

// splitPrefix separates a comparison prefix such as "ge" from a value.
func splitPrefix(value string) (string, string) {
	for _, p := range comparisonPrefixes {
		if len(value) > len(p) && strings.HasPrefix(value, p) {
			next := value[len(p)]
			if next >= '0' && next <= '9' || next == '-' {
				return p, value[len(p):]
			}
		}
	}
	return "eq", value
}
