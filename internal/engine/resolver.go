package engine

import (
	"strings"

	"github.com/roach88/bundled/internal/resource"
)

// target is a resolved resource location.
type target struct {
	ResourceType string
	ID           string
}

func (t target) reference() string {
	return resource.Reference(t.ResourceType, t.ID)
}

// symbolTable maps placeholder identifiers to resolved targets. It lives
// for one Process call.
type symbolTable struct {
	resolved map[string]target
}

func newSymbolTable() *symbolTable {
	return &symbolTable{resolved: make(map[string]target)}
}

func (s *symbolTable) register(placeholder string, t target) {
	if placeholder == "" {
		return
	}
	s.resolved[placeholder] = t
}

func (s *symbolTable) lookup(placeholder string) (target, bool) {
	t, ok := s.resolved[placeholder]
	return t, ok
}

// isPlaceholder reports whether ref uses a scheme that only ever names
// an entry of the same bundle.
func isPlaceholder(ref string) bool {
	return len(ref) > 4 && strings.EqualFold(ref[:4], "urn:")
}

// rewrite replaces every resolved placeholder reference in body with its
// Type/id. A urn: reference that is not resolved yet is an error.
func (s *symbolTable) rewrite(body resource.Resource) error {
	return resource.RewriteReferences(body, func(ref string) (string, error) {
		if t, ok := s.lookup(ref); ok {
			return t.reference(), nil
		}
		if isPlaceholder(ref) {
			return "", NewUnresolvedReferenceError(ref)
		}
		return ref, nil
	})
}
