// Package audit archives processed envelopes. Each record is stored under
// a content-addressed key of the form <yyyy>/<mm>/<dd>/<sha256>.json.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/bundled/internal/resource"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("audit record not found")

// Record is one archived request/response pair.
type Record struct {
	Time     time.Time `json:"time"`
	Tenant   string    `json:"tenant,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	Status   int       `json:"status"`
	Request  any       `json:"request"`
	Response any       `json:"response"`
}

// Sink stores records and returns the key each was stored under.
type Sink interface {
	Put(ctx context.Context, rec Record) (string, error)
}

// Encode renders rec as canonical JSON and derives its archive key.
func Encode(rec Record) (key string, data []byte, err error) {
	rec.Time = rec.Time.UTC()
	data, err = resource.MarshalCanonical(rec)
	if err != nil {
		return "", nil, fmt.Errorf("encode audit record: %w", err)
	}
	sum, err := resource.ContentHash(resource.DomainEnvelope, rec)
	if err != nil {
		return "", nil, err
	}
	return Key(rec.Time, sum), data, nil
}

// Key builds the archive key for a record hash.
func Key(t time.Time, sum string) string {
	t = t.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s.json", t.Year(), int(t.Month()), t.Day(), sum)
}

// MemorySink keeps records in memory. Used by tests and the harness.
type MemorySink struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string][]byte)}
}

// Put implements Sink.
func (m *MemorySink) Put(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, data, err := Encode(rec)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = data
	return key, nil
}

// Get returns a stored record's bytes.
func (m *MemorySink) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

// Keys lists stored keys in order.
func (m *MemorySink) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Discard drops every record.
type Discard struct{}

// Put implements Sink.
func (Discard) Put(context.Context, Record) (string, error) { return "", nil }

// validKey rejects keys that could escape an archive root.
func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
