// Package postgres provides a Postgres-backed resource store. It reuses the
// memory store for transactions and persists a JSONB snapshot of every
// resource type a committed transaction touched.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
	"github.com/roach88/bundled/internal/store/memory"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/bundled?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var _ store.Store = (*Store)(nil)

// Store persists state to Postgres while delegating transactions to the
// memory store.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using dsn (defaultDSN when empty),
// ensures the snapshot table exists and hydrates the memory store from it.
func NewStore(ctx context.Context, dsn string, opts ...store.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(opts...)
	if err := mem.ImportState(snapshot); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hydrate snapshot: %w", err)
	}
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction runs fn in a memory transaction and persists the
// buckets of the resource types it wrote before the writes become visible.
// A failed persist discards the transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Session) error) error {
	touched := make(map[string]bool)
	return s.Store.RunInTransactionWithCommit(ctx,
		func(tx store.Session) error {
			return fn(&trackingSession{Session: tx, touched: touched})
		},
		func(pending memory.Pending) error {
			if len(touched) == 0 {
				return nil
			}
			return s.persist(ctx, pending, touched)
		})
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// trackingSession records the resource types written through it.
type trackingSession struct {
	store.Session
	touched map[string]bool
}

func (t *trackingSession) Create(ctx context.Context, resourceType string, body resource.Resource) (store.Version, error) {
	v, err := t.Session.Create(ctx, resourceType, body)
	if err == nil {
		t.touched[resourceType] = true
	}
	return v, err
}

func (t *trackingSession) Update(ctx context.Context, resourceType, id string, body resource.Resource, opts store.UpdateOptions) (store.Version, bool, error) {
	v, created, err := t.Session.Update(ctx, resourceType, id, body, opts)
	if err == nil {
		t.touched[resourceType] = true
	}
	return v, created, err
}

func (t *trackingSession) Delete(ctx context.Context, resourceType, id string, expectedVersion int) (store.Version, error) {
	v, err := t.Session.Delete(ctx, resourceType, id, expectedVersion)
	if err == nil {
		t.touched[resourceType] = true
	}
	return v, err
}

func (t *trackingSession) Search(ctx context.Context, q *search.Query) ([]store.Version, error) {
	return t.Session.Search(ctx, q)
}

// versionRecord is the persisted form of one version.
type versionRecord struct {
	VersionID   int             `json:"versionId"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Deleted     bool            `json:"deleted,omitempty"`
	Method      string          `json:"method"`
	Resource    json.RawMessage `json:"resource,omitempty"`
}

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := make(memory.Snapshot)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		byID, err := decodeBucket(bucket, payload)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", bucket, err)
		}
		snapshot[bucket] = byID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

func decodeBucket(resourceType string, payload []byte) (map[string][]store.Version, error) {
	var raw map[string][]versionRecord
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	out := make(map[string][]store.Version, len(raw))
	for id, records := range raw {
		versions := make([]store.Version, 0, len(records))
		for _, rec := range records {
			v := store.Version{
				Meta: store.Meta{
					ResourceType: resourceType,
					ID:           id,
					VersionID:    rec.VersionID,
					LastUpdated:  rec.LastUpdated.UTC(),
					Deleted:      rec.Deleted,
				},
				Method: rec.Method,
			}
			if len(rec.Resource) > 0 && string(rec.Resource) != "null" {
				res, err := resource.Decode(rec.Resource)
				if err != nil {
					return nil, fmt.Errorf("%s/%s version %d: %w", resourceType, id, rec.VersionID, err)
				}
				v.Resource = res
			}
			versions = append(versions, v)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i].VersionID < versions[j].VersionID })
		out[id] = versions
	}
	return out, nil
}

func encodeBucket(byID map[string][]store.Version) ([]byte, error) {
	raw := make(map[string][]versionRecord, len(byID))
	for id, versions := range byID {
		records := make([]versionRecord, 0, len(versions))
		for _, v := range versions {
			rec := versionRecord{
				VersionID:   v.VersionID,
				LastUpdated: v.LastUpdated,
				Deleted:     v.Deleted,
				Method:      v.Method,
			}
			if v.Resource != nil {
				data, err := resource.MarshalCanonical(v.Resource)
				if err != nil {
					return nil, fmt.Errorf("%s version %d: %w", id, v.VersionID, err)
				}
				rec.Resource = data
			}
			records = append(records, rec)
		}
		raw[id] = records
	}
	return resource.MarshalCanonical(raw)
}

func (s *Store) persist(ctx context.Context, pending memory.Pending, touched map[string]bool) error {
	buckets := make([]string, 0, len(touched))
	for b := range touched {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range buckets {
		data, err := encodeBucket(pending.ExportType(bucket))
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
