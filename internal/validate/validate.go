// Package validate checks resource bodies against embedded CUE schemas.
package validate

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/bundled/internal/resource"
)

//go:embed schemas.cue
var schemaSource []byte

// Issue is one structural problem found in a resource.
type Issue struct {
	Path    string
	Message string
}

// Error reports every issue found in one resource.
type Error struct {
	ResourceType string
	Issues       []Issue
}

func (e *Error) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("invalid %s resource", e.ResourceType)
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Path == "" {
			parts = append(parts, is.Message)
			continue
		}
		parts = append(parts, is.Path+": "+is.Message)
	}
	return fmt.Sprintf("invalid %s resource: %s", e.ResourceType, strings.Join(parts, "; "))
}

// IsValidationError reports whether err carries validation issues.
func IsValidationError(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// Issues extracts the validation issues from err, if any.
func Issues(err error) []Issue {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Issues
	}
	return nil
}

// Schema validates resources against the compiled definitions.
// A cue.Context is not safe for concurrent use, so calls are serialized.
type Schema struct {
	mu    sync.Mutex
	ctx   *cue.Context
	root  cue.Value
	types []string
}

// New compiles the embedded schemas.
func New() (*Schema, error) {
	return Compile(schemaSource)
}

// Compile builds a Schema from CUE source. Every top-level definition
// whose name starts with an upper-case letter is a resource type.
func Compile(src []byte) (*Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileBytes(src, cue.Filename("schemas.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	iter, err := root.Fields(cue.Definitions(true))
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	var types []string
	for iter.Next() {
		name := strings.TrimPrefix(iter.Selector().String(), "#")
		if name != "" && name[0] >= 'A' && name[0] <= 'Z' && !isHelper(name) {
			types = append(types, name)
		}
	}
	sort.Strings(types)
	return &Schema{ctx: ctx, root: root, types: types}, nil
}

// Helper definitions are data types, not resources.
func isHelper(name string) bool {
	switch name {
	case "Meta", "Coding", "CodeableConcept", "Reference", "Identifier", "HumanName", "Quantity", "Base":
		return true
	}
	return false
}

// Types lists the resource types with a schema.
func (s *Schema) Types() []string {
	out := make([]string, len(s.types))
	copy(out, s.types)
	return out
}

// Supports reports whether resourceType has a schema.
func (s *Schema) Supports(resourceType string) bool {
	i := sort.SearchStrings(s.types, resourceType)
	return i < len(s.types) && s.types[i] == resourceType
}

// Validate checks r against the schema for its declared resourceType.
func (s *Schema) Validate(r resource.Resource) error {
	typ := r.Type()
	if typ == "" {
		return &Error{Issues: []Issue{{Path: "resourceType", Message: "resourceType is required"}}}
	}
	if !s.Supports(typ) {
		return &Error{ResourceType: typ, Issues: []Issue{{Path: "resourceType", Message: fmt.Sprintf("Resource type '%s' is not supported", typ)}}}
	}
	data, err := resource.MarshalCanonical(r)
	if err != nil {
		return fmt.Errorf("encode resource: %w", err)
	}
	expr, err := cuejson.Extract(typ, data)
	if err != nil {
		return fmt.Errorf("extract resource: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def := s.root.LookupPath(cue.ParsePath("#" + typ))
	v := def.Unify(s.ctx.BuildExpr(expr))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &Error{ResourceType: typ, Issues: collectIssues(typ, err)}
	}
	return nil
}

func collectIssues(typ string, err error) []Issue {
	seen := make(map[string]bool)
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		if len(path) > 0 && strings.TrimPrefix(path[0], "#") == typ {
			path = path[1:]
		}
		format, args := e.Msg()
		is := Issue{Path: strings.Join(path, "."), Message: fmt.Sprintf(format, args...)}
		k := is.Path + "\x00" + is.Message
		if seen[k] {
			continue
		}
		seen[k] = true
		issues = append(issues, is)
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}
