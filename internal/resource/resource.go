package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Resource is a decoded JSON resource body.
type Resource map[string]any

// Decode parses a single JSON object into a Resource.
// Numbers are decoded as json.Number.
func Decode(data []byte) (Resource, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var res Resource
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode resource: trailing data after object")
	}
	if res == nil {
		return nil, fmt.Errorf("decode resource: not a JSON object")
	}
	return res, nil
}

// Type returns the resourceType field, or "" when absent.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the id field, or "" when absent.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// SetID sets the logical id.
func (r Resource) SetID(id string) {
	r["id"] = id
}

// VersionID returns meta.versionId, or "" when absent.
func (r Resource) VersionID() string {
	meta, _ := r["meta"].(map[string]any)
	s, _ := meta["versionId"].(string)
	return s
}

// SetMeta stamps meta.versionId and meta.lastUpdated, keeping any other
// meta fields the client supplied.
func (r Resource) SetMeta(version int, lastUpdated time.Time) {
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		meta = map[string]any{}
	}
	meta["versionId"] = fmt.Sprintf("%d", version)
	meta["lastUpdated"] = FormatInstant(lastUpdated)
	r["meta"] = meta
}

// Clone returns a deep copy.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]any(r)).(map[string]any)
}

// Marshal encodes the resource with encoding/json. Key order is sorted, but
// strings are not normalized; use MarshalCanonical for hashing.
func (r Resource) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(r))
}

// FormatInstant renders a timestamp the way resources and responses carry it.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Reference renders the relative reference form "Type/id".
func Reference(resourceType, id string) string {
	return resourceType + "/" + id
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case Resource:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return val
	}
}
