package search

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ParamType is the value type of a search parameter.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeReference ParamType = "reference"
	TypeDate      ParamType = "date"
	TypeNumber    ParamType = "number"
)

// CommonType holds parameters available on every resource type.
const CommonType = "Resource"

// Parameter is one search parameter definition.
type Parameter struct {
	Name  string    `yaml:"name"`
	Type  ParamType `yaml:"type"`
	Paths []string  `yaml:"paths"`
}

// vocabularyFile is the YAML layout of a vocabulary file.
type vocabularyFile struct {
	Resources map[string][]Parameter `yaml:"resources"`
}

// Vocabulary maps resource type -> parameter name -> definition.
// A Vocabulary is immutable after construction.
type Vocabulary struct {
	params map[string]map[string]Parameter
}

//go:embed default.yaml
var defaultVocabularyYAML []byte

// DefaultVocabulary returns the built-in vocabulary.
func DefaultVocabulary() *Vocabulary {
	v, err := ParseVocabulary(defaultVocabularyYAML)
	if err != nil {
		panic(fmt.Sprintf("search: built-in vocabulary: %v", err))
	}
	return v
}

// ParseVocabulary decodes and validates a YAML vocabulary document.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var f vocabularyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	v := &Vocabulary{params: make(map[string]map[string]Parameter)}
	for typ, params := range f.Resources {
		for _, p := range params {
			if err := validateParameter(typ, p); err != nil {
				return nil, err
			}
			v.set(typ, p)
		}
	}
	return v, nil
}

func validateParameter(typ string, p Parameter) error {
	if p.Name == "" {
		return fmt.Errorf("vocabulary %s: parameter without name", typ)
	}
	switch p.Type {
	case TypeString, TypeToken, TypeReference, TypeDate, TypeNumber:
	default:
		return fmt.Errorf("vocabulary %s.%s: unknown type %q", typ, p.Name, p.Type)
	}
	if len(p.Paths) == 0 {
		return fmt.Errorf("vocabulary %s.%s: no paths", typ, p.Name)
	}
	return nil
}

func (v *Vocabulary) set(typ string, p Parameter) {
	m, ok := v.params[typ]
	if !ok {
		m = make(map[string]Parameter)
		v.params[typ] = m
	}
	m[p.Name] = p
}

// Merge returns a new vocabulary with other's definitions layered over v.
func (v *Vocabulary) Merge(other *Vocabulary) *Vocabulary {
	out := &Vocabulary{params: make(map[string]map[string]Parameter)}
	for _, src := range []*Vocabulary{v, other} {
		if src == nil {
			continue
		}
		for typ, params := range src.params {
			for _, p := range params {
				out.set(typ, p)
			}
		}
	}
	return out
}

// Lookup finds a parameter for a resource type, falling back to the
// parameters shared by every type.
func (v *Vocabulary) Lookup(typ, name string) (Parameter, bool) {
	if p, ok := v.params[typ][name]; ok {
		return p, true
	}
	p, ok := v.params[CommonType][name]
	return p, ok
}

// Names lists the parameter names available for a type, sorted.
func (v *Vocabulary) Names(typ string) []string {
	seen := make(map[string]bool)
	for _, t := range []string{typ, CommonType} {
		for name := range v.params[t] {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
