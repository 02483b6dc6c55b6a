// Package memory provides an in-memory resource store for tests, the
// scenario harness and ephemeral servers.
//
// Transactions clone the record index, run against the clone and swap it in
// on success, so an aborted transaction leaves no trace. Transactions are
// serialized by a store-wide lock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
)

var _ store.Store = (*Store)(nil)

// Snapshot is the exportable state: resource type -> id -> versions in
// ascending order.
type Snapshot map[string]map[string][]store.Version

type key struct {
	resourceType string
	id           string
}

// record versions are immutable once written; writers replace the record.
type record struct {
	versions []store.Version
}

func (r *record) current() store.Version {
	return r.versions[len(r.versions)-1]
}

type state struct {
	records map[key]*record
}

func (s state) clone() state {
	out := state{records: make(map[key]*record, len(s.records))}
	for k, v := range s.records {
		out.records[k] = v
	}
	return out
}

// Store is the in-memory store.
type Store struct {
	mu    sync.RWMutex
	state state
	opts  store.Options
}

// NewStore creates an empty store.
func NewStore(opts ...store.Option) *Store {
	return &Store{
		state: state{records: make(map[key]*record)},
		opts:  store.ApplyOptions(opts...),
	}
}

// RunInTransaction implements store.Store.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Session) error) error {
	return s.RunInTransactionWithCommit(ctx, fn, nil)
}

// Pending is read access to a transaction's writes before they are
// visible to other transactions.
type Pending struct {
	state state
}

// ExportType returns the pending versions of one resource type.
func (p Pending) ExportType(resourceType string) map[string][]store.Version {
	return p.state.exportType(resourceType)
}

// RunInTransactionWithCommit runs fn like RunInTransaction, then calls
// commit (when non-nil) while still holding the store lock and before the
// writes are swapped in. An error from commit discards the writes.
func (s *Store) RunInTransactionWithCommit(ctx context.Context, fn func(tx store.Session) error, commit func(Pending) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &session{state: s.state.clone(), opts: s.opts}
	if err := fn(tx); err != nil {
		return err
	}
	if commit != nil {
		if err := commit(Pending{state: tx.state}); err != nil {
			return err
		}
	}
	s.state = tx.state
	return nil
}

// View implements store.Store. Writes made inside fn are discarded.
func (s *Store) View(ctx context.Context, fn func(tx store.Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(&session{state: snapshot, opts: s.opts})
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// ExportState returns a deep copy of every stored version.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot)
	for k, rec := range s.state.records {
		byID, ok := out[k.resourceType]
		if !ok {
			byID = make(map[string][]store.Version)
			out[k.resourceType] = byID
		}
		byID[k.id] = cloneVersions(rec.versions)
	}
	return out
}

// ExportType returns the versions of one resource type.
func (s *Store) ExportType(resourceType string) map[string][]store.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.exportType(resourceType)
}

func (st state) exportType(resourceType string) map[string][]store.Version {
	out := make(map[string][]store.Version)
	for k, rec := range st.records {
		if k.resourceType == resourceType {
			out[k.id] = cloneVersions(rec.versions)
		}
	}
	return out
}

// ImportState replaces the store state with a snapshot.
func (s *Store) ImportState(snapshot Snapshot) error {
	next := state{records: make(map[key]*record)}
	for typ, byID := range snapshot {
		for id, versions := range byID {
			if len(versions) == 0 {
				continue
			}
			for i, v := range versions {
				if v.VersionID != i+1 {
					return fmt.Errorf("import %s/%s: version %d at position %d", typ, id, v.VersionID, i)
				}
			}
			next.records[key{typ, id}] = &record{versions: cloneVersions(versions)}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
	return nil
}

type session struct {
	state state
	opts  store.Options
}

func (tx *session) append(k key, v store.Version) {
	var versions []store.Version
	if rec, ok := tx.state.records[k]; ok {
		versions = make([]store.Version, len(rec.versions), len(rec.versions)+1)
		copy(versions, rec.versions)
	}
	tx.state.records[k] = &record{versions: append(versions, v)}
}

func (tx *session) write(k key, version int, method string, body resource.Resource) store.Version {
	now := tx.opts.Clock.Now()
	v := store.Version{
		Meta: store.Meta{
			ResourceType: k.resourceType,
			ID:           k.id,
			VersionID:    version,
			LastUpdated:  now,
			Deleted:      body == nil,
		},
		Method: method,
	}
	if body != nil {
		stored := body.Clone()
		stored.SetID(k.id)
		stored.SetMeta(version, now)
		v.Resource = stored
	}
	tx.append(k, v)
	return cloneVersion(v)
}

func (tx *session) Create(ctx context.Context, resourceType string, body resource.Resource) (store.Version, error) {
	if err := ctx.Err(); err != nil {
		return store.Version{}, err
	}
	id := tx.opts.IDs.Generate()
	k := key{resourceType, id}
	if _, exists := tx.state.records[k]; exists {
		return store.Version{}, fmt.Errorf("create %s: generated id %s already exists", resourceType, id)
	}
	return tx.write(k, 1, "POST", body), nil
}

func (tx *session) Update(ctx context.Context, resourceType, id string, body resource.Resource, opts store.UpdateOptions) (store.Version, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Version{}, false, err
	}
	method := opts.Method
	if method == "" {
		method = "PUT"
	}
	k := key{resourceType, id}
	rec, ok := tx.state.records[k]
	if !ok {
		if !opts.AllowCreate || opts.ExpectedVersion != 0 {
			return store.Version{}, false, &store.NotFoundError{ResourceType: resourceType, ID: id}
		}
		return tx.write(k, 1, method, body), true, nil
	}
	cur := rec.current()
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != cur.VersionID {
		return store.Version{}, false, &store.VersionConflictError{
			ResourceType: resourceType, ID: id, Expected: opts.ExpectedVersion, Current: cur.VersionID,
		}
	}
	return tx.write(k, cur.VersionID+1, method, body), cur.Deleted, nil
}

func (tx *session) Read(ctx context.Context, resourceType, id string) (store.Version, error) {
	if err := ctx.Err(); err != nil {
		return store.Version{}, err
	}
	rec, ok := tx.state.records[key{resourceType, id}]
	if !ok {
		return store.Version{}, &store.NotFoundError{ResourceType: resourceType, ID: id}
	}
	cur := rec.current()
	if cur.Deleted {
		return store.Version{}, &store.GoneError{ResourceType: resourceType, ID: id, Version: cur.VersionID}
	}
	return cloneVersion(cur), nil
}

func (tx *session) VersionRead(ctx context.Context, resourceType, id string, version int) (store.Version, error) {
	if err := ctx.Err(); err != nil {
		return store.Version{}, err
	}
	rec, ok := tx.state.records[key{resourceType, id}]
	if !ok || version < 1 || version > len(rec.versions) {
		return store.Version{}, &store.NotFoundError{ResourceType: resourceType, ID: id, Version: version}
	}
	v := rec.versions[version-1]
	if v.Deleted {
		return store.Version{}, &store.GoneError{ResourceType: resourceType, ID: id, Version: version}
	}
	return cloneVersion(v), nil
}

func (tx *session) Delete(ctx context.Context, resourceType, id string, expectedVersion int) (store.Version, error) {
	if err := ctx.Err(); err != nil {
		return store.Version{}, err
	}
	k := key{resourceType, id}
	rec, ok := tx.state.records[k]
	if !ok {
		return store.Version{}, &store.NotFoundError{ResourceType: resourceType, ID: id}
	}
	cur := rec.current()
	if cur.Deleted {
		return cloneVersion(cur), nil
	}
	if expectedVersion != 0 && expectedVersion != cur.VersionID {
		return store.Version{}, &store.VersionConflictError{
			ResourceType: resourceType, ID: id, Expected: expectedVersion, Current: cur.VersionID,
		}
	}
	return tx.write(k, cur.VersionID+1, "DELETE", nil), nil
}

func (tx *session) History(ctx context.Context, resourceType, id string) ([]store.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := tx.state.records[key{resourceType, id}]
	if !ok {
		return nil, &store.NotFoundError{ResourceType: resourceType, ID: id}
	}
	out := make([]store.Version, 0, len(rec.versions))
	for i := len(rec.versions) - 1; i >= 0; i-- {
		out = append(out, cloneVersion(rec.versions[i]))
	}
	return out, nil
}

func (tx *session) Search(ctx context.Context, q *search.Query) ([]store.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []store.Version
	for k, rec := range tx.state.records {
		if k.resourceType != q.ResourceType {
			continue
		}
		cur := rec.current()
		if cur.Deleted || !search.Match(q, cur.Resource) {
			continue
		}
		out = append(out, cloneVersion(cur))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneVersion(v store.Version) store.Version {
	v.Resource = v.Resource.Clone()
	return v
}

func cloneVersions(vs []store.Version) []store.Version {
	out := make([]store.Version, len(vs))
	for i, v := range vs {
		out[i] = cloneVersion(v)
	}
	return out
}
