package resource

// ReferenceKey is the field name that carries a reference string inside a
// Reference datatype.
const ReferenceKey = "reference"

// RewriteFunc returns the replacement for a reference value. Returning the
// input unchanged leaves the field untouched.
type RewriteFunc func(ref string) (string, error)

// RewriteReferences walks the whole body, including nested objects, arrays
// and extensions, and replaces every string stored under a "reference" key
// with the result of fn. The first error stops the walk.
func RewriteReferences(r Resource, fn RewriteFunc) error {
	return rewrite(map[string]any(r), fn)
}

// References lists every reference string found in the body in walk order.
func References(r Resource) []string {
	var refs []string
	_ = RewriteReferences(r, func(ref string) (string, error) {
		refs = append(refs, ref)
		return ref, nil
	})
	return refs
}

func rewrite(v any, fn RewriteFunc) error {
	switch val := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(val) {
			elem := val[k]
			if s, ok := elem.(string); ok && k == ReferenceKey {
				replaced, err := fn(s)
				if err != nil {
					return err
				}
				val[k] = replaced
				continue
			}
			if err := rewrite(elem, fn); err != nil {
				return err
			}
		}
	case Resource:
		return rewrite(map[string]any(val), fn)
	case []any:
		for _, elem := range val {
			if err := rewrite(elem, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
