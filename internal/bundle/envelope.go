package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/bundled/internal/resource"
)

// Mode is the declared execution contract of an envelope.
type Mode string

const (
	// ModeBatch executes entries independently.
	ModeBatch Mode = "batch"

	// ModeTransaction executes entries atomically.
	ModeTransaction Mode = "transaction"
)

// Valid reports whether m is one of the two recognized modes.
func (m Mode) Valid() bool {
	return m == ModeBatch || m == ModeTransaction
}

// Atomic reports whether the mode is all-or-nothing.
func (m Mode) Atomic() bool {
	return m == ModeTransaction
}

// ResponseType returns the paired response envelope type.
func (m Mode) ResponseType() string {
	return string(m) + "-response"
}

// Envelope is a client-submitted compound request.
type Envelope struct {
	ResourceType string  `json:"resourceType"`
	ID           string  `json:"id,omitempty"`
	Type         Mode    `json:"type"`
	Entry        []Entry `json:"entry,omitempty"`
}

// Entry is one requested operation.
type Entry struct {
	// FullURL doubles as the placeholder identifier other entries may
	// reference before this entry's resource has a real id.
	FullURL  string            `json:"fullUrl,omitempty"`
	Resource resource.Resource `json:"resource,omitempty"`
	Request  *Request          `json:"request,omitempty"`
}

// Request carries the method, URL and preconditions of an entry.
type Request struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

// Placeholder returns the entry's placeholder identifier, or "".
func (e Entry) Placeholder() string {
	return strings.TrimSpace(e.FullURL)
}

// DecodeEnvelope parses a JSON envelope. Resource numbers are kept as
// json.Number.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// NewEnvelope builds an envelope from entries.
func NewEnvelope(mode Mode, entries ...Entry) *Envelope {
	return &Envelope{ResourceType: "Bundle", Type: mode, Entry: entries}
}
