package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces logical ids for created resources.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
// It is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids in order and panics once they
// are exhausted, which surfaces tests that create more resources than they
// planned for.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Clock supplies lastUpdated timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall time in UTC.
type SystemClock struct{}

// Now returns the current UTC time truncated to milliseconds.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Options configure a store implementation.
type Options struct {
	IDs   IDGenerator
	Clock Clock
}

// Option mutates Options.
type Option func(*Options)

// WithIDGenerator sets the id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Options) {
		o.IDs = g
	}
}

// WithClock sets the timestamp source.
func WithClock(c Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// ApplyOptions resolves options over the defaults.
func ApplyOptions(opts ...Option) Options {
	o := Options{IDs: UUIDv7Generator{}, Clock: SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
