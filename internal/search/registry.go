package search

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ErrInvalidTenant is returned for tenant ids that cannot name a file.
var ErrInvalidTenant = errors.New("invalid tenant id")

// Registry resolves and caches the vocabulary of each tenant. A tenant's
// vocabulary is the built-in one with <dir>/<tenant>.yaml layered over it.
// Registry is safe for concurrent use.
type Registry struct {
	dir    string
	base   *Vocabulary
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Vocabulary
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBase replaces the built-in base vocabulary.
func WithBase(v *Vocabulary) RegistryOption {
	return func(r *Registry) {
		r.base = v
	}
}

// WithRegistryLogger sets the logger used for load events.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates a registry reading tenant files from dir. An empty
// dir means every tenant gets the base vocabulary.
func NewRegistry(dir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:    dir,
		logger: slog.Default(),
		cache:  make(map[string]*Vocabulary),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.base == nil {
		r.base = DefaultVocabulary()
	}
	return r
}

// ForTenant returns the tenant's vocabulary, loading it on first use.
func (r *Registry) ForTenant(tenant string) (*Vocabulary, error) {
	r.mu.RLock()
	v, ok := r.cache[tenant]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache[tenant]; ok {
		return v, nil
	}
	v, err := r.load(tenant)
	if err != nil {
		return nil, err
	}
	r.cache[tenant] = v
	return v, nil
}

// Invalidate drops a tenant's cached vocabulary so the next lookup reloads it.
func (r *Registry) Invalidate(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, tenant)
}

func (r *Registry) load(tenant string) (*Vocabulary, error) {
	if !tenantPattern.MatchString(tenant) {
		return nil, fmt.Errorf("%w %q", ErrInvalidTenant, tenant)
	}
	if r.dir == "" {
		return r.base, nil
	}
	path := filepath.Join(r.dir, tenant+".yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Debug("no tenant vocabulary, using built-in", "tenant", tenant)
		return r.base, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vocabulary for tenant %s: %w", tenant, err)
	}
	overlay, err := ParseVocabulary(data)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant, err)
	}
	r.logger.Info("loaded tenant vocabulary", "tenant", tenant, "path", path)
	return r.base.Merge(overlay), nil
}
