package bundle

import "strings"

// ReturnPreference governs the body of successful mutating entries.
type ReturnPreference string

const (
	ReturnMinimal          ReturnPreference = "minimal"
	ReturnRepresentation   ReturnPreference = "representation"
	ReturnOperationOutcome ReturnPreference = "OperationOutcome"
)

// Valid reports whether p is a recognized preference.
func (p ReturnPreference) Valid() bool {
	switch p {
	case ReturnMinimal, ReturnRepresentation, ReturnOperationOutcome:
		return true
	}
	return false
}

// ParsePrefer extracts the return preference from a Prefer header value such
// as "return=representation; handling=strict". Unknown or absent values
// yield fallback.
func ParsePrefer(header string, fallback ReturnPreference) ReturnPreference {
	for _, part := range strings.Split(header, ";") {
		for _, token := range strings.Split(part, ",") {
			key, value, ok := strings.Cut(strings.TrimSpace(token), "=")
			if !ok || strings.TrimSpace(key) != "return" {
				continue
			}
			p := ReturnPreference(strings.Trim(strings.TrimSpace(value), `"`))
			if p.Valid() {
				return p
			}
		}
	}
	return fallback
}
