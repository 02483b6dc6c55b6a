package bundle

import (
	"errors"
	"regexp"
	"strings"
)

// Kind tags an Operation variant.
type Kind string

const (
	KindCreate      Kind = "create"
	KindRead        Kind = "read"
	KindVersionRead Kind = "vread"
	KindHistory     Kind = "history"
	KindSearch      Kind = "search"
	KindUpdate      Kind = "update"
	KindDelete      Kind = "delete"
	KindPatch       Kind = "patch"
	KindCustom      Kind = "custom"
	KindUnroutable  Kind = "unroutable"
)

// Mutating reports whether operations of this kind change stored state.
func (k Kind) Mutating() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindPatch:
		return true
	}
	return false
}

// Operation is the closed union of entry operations. Each variant carries
// only the fields meaningful to it.
type Operation interface {
	Kind() Kind
	Type() string
	operation()
}

// Create stores a new resource. IfNoneExist makes it conditional.
type Create struct {
	ResourceType string
	IfNoneExist  string
}

// Read fetches the current version of a resource.
type Read struct {
	ResourceType string
	ID           string
}

// VersionRead fetches one historical version.
type VersionRead struct {
	ResourceType string
	ID           string
	Version      string
}

// History lists every version of a resource.
type History struct {
	ResourceType string
	ID           string
}

// Search runs a query against one resource type.
type Search struct {
	ResourceType string
	Query        string
}

// Update replaces a resource. When ID is empty Query selects the target.
type Update struct {
	ResourceType string
	ID           string
	Query        string
}

// Delete removes a resource. When ID is empty Query selects the targets.
type Delete struct {
	ResourceType string
	ID           string
	Query        string
}

// Patch applies a JSON Patch document. When ID is empty Query selects the
// target.
type Patch struct {
	ResourceType string
	ID           string
	Query        string
}

// Custom invokes a named operation such as $validate. ResourceType and ID
// are optional.
type Custom struct {
	Method       string
	ResourceType string
	ID           string
	Name         string
	Query        string
}

// Unroutable is a supported method whose URL matched no known shape.
type Unroutable struct {
	Method string
	URL    string
}

func (Create) Kind() Kind      { return KindCreate }
func (Read) Kind() Kind        { return KindRead }
func (VersionRead) Kind() Kind { return KindVersionRead }
func (History) Kind() Kind     { return KindHistory }
func (Search) Kind() Kind      { return KindSearch }
func (Update) Kind() Kind      { return KindUpdate }
func (Delete) Kind() Kind      { return KindDelete }
func (Patch) Kind() Kind       { return KindPatch }
func (Custom) Kind() Kind      { return KindCustom }
func (Unroutable) Kind() Kind  { return KindUnroutable }

func (o Create) Type() string      { return o.ResourceType }
func (o Read) Type() string        { return o.ResourceType }
func (o VersionRead) Type() string { return o.ResourceType }
func (o History) Type() string     { return o.ResourceType }
func (o Search) Type() string      { return o.ResourceType }
func (o Update) Type() string      { return o.ResourceType }
func (o Delete) Type() string      { return o.ResourceType }
func (o Patch) Type() string       { return o.ResourceType }
func (o Custom) Type() string      { return o.ResourceType }
func (Unroutable) Type() string    { return "" }

func (Create) operation()      {}
func (Read) operation()        {}
func (VersionRead) operation() {}
func (History) operation()     {}
func (Search) operation()      {}
func (Update) operation()      {}
func (Delete) operation()      {}
func (Patch) operation()       {}
func (Custom) operation()      {}
func (Unroutable) operation()  {}

// Conditional reports whether a mutating operation selects its target by
// search instead of id.
func Conditional(op Operation) bool {
	switch o := op.(type) {
	case Create:
		return o.IfNoneExist != ""
	case Update:
		return o.ID == ""
	case Delete:
		return o.ID == ""
	case Patch:
		return o.ID == ""
	}
	return false
}

// ErrUnsupportedMethod is returned by ParseOperation for methods outside
// GET, POST, PUT, PATCH and DELETE.
var ErrUnsupportedMethod = errors.New("unsupported HTTP method")

var (
	typePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{0,63}$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// SupportedMethod reports whether method may appear in an envelope entry.
func SupportedMethod(method string) bool {
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

// ParseOperation maps a method and relative URL to an Operation. A URL
// that matches no known shape yields Unroutable, not an error.
func ParseOperation(method, rawURL, ifNoneExist string) (Operation, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if !SupportedMethod(method) {
		return nil, ErrUnsupportedMethod
	}
	unroutable := Unroutable{Method: method, URL: rawURL}

	path, query, _ := strings.Cut(strings.TrimSpace(rawURL), "?")
	path = strings.Trim(path, "/")
	if path == "" || strings.Contains(path, "://") {
		return unroutable, nil
	}
	segs := strings.Split(path, "/")

	// System-level operation: POST $name
	if len(segs) == 1 && strings.HasPrefix(segs[0], "$") {
		return customOp(method, "", "", segs[0], query, unroutable)
	}
	typ := segs[0]
	if !typePattern.MatchString(typ) {
		return unroutable, nil
	}

	switch len(segs) {
	case 1:
		switch method {
		case "GET":
			return Search{ResourceType: typ, Query: query}, nil
		case "POST":
			return Create{ResourceType: typ, IfNoneExist: strings.TrimSpace(ifNoneExist)}, nil
		case "PUT":
			if query != "" {
				return Update{ResourceType: typ, Query: query}, nil
			}
		case "DELETE":
			if query != "" {
				return Delete{ResourceType: typ, Query: query}, nil
			}
		case "PATCH":
			if query != "" {
				return Patch{ResourceType: typ, Query: query}, nil
			}
		}
		return unroutable, nil
	case 2:
		second := segs[1]
		if second == "_search" && (method == "GET" || method == "POST") {
			return Search{ResourceType: typ, Query: query}, nil
		}
		if strings.HasPrefix(second, "$") {
			return customOp(method, typ, "", second, query, unroutable)
		}
		if !idPattern.MatchString(second) {
			return unroutable, nil
		}
		switch method {
		case "GET":
			return Read{ResourceType: typ, ID: second}, nil
		case "PUT":
			return Update{ResourceType: typ, ID: second}, nil
		case "DELETE":
			return Delete{ResourceType: typ, ID: second}, nil
		case "PATCH":
			return Patch{ResourceType: typ, ID: second}, nil
		}
		return unroutable, nil
	case 3:
		id := segs[1]
		if !idPattern.MatchString(id) {
			return unroutable, nil
		}
		if strings.HasPrefix(segs[2], "$") {
			return customOp(method, typ, id, segs[2], query, unroutable)
		}
		if segs[2] == "_history" && method == "GET" {
			return History{ResourceType: typ, ID: id}, nil
		}
		return unroutable, nil
	case 4:
		id, version := segs[1], segs[3]
		if segs[2] == "_history" && method == "GET" && idPattern.MatchString(id) && idPattern.MatchString(version) {
			return VersionRead{ResourceType: typ, ID: id, Version: version}, nil
		}
	}
	return unroutable, nil
}

func customOp(method, typ, id, seg, query string, unroutable Unroutable) (Operation, error) {
	name := strings.TrimPrefix(seg, "$")
	if name == "" || (method != "GET" && method != "POST") {
		return unroutable, nil
	}
	return Custom{Method: method, ResourceType: typ, ID: id, Name: name, Query: query}, nil
}
