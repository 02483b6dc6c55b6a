package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
	"github.com/roach88/bundled/internal/store/storetest"
)

// stubState is a fake Postgres: it records statements and keeps the state
// table in a map.
type stubState struct {
	mu      sync.Mutex
	execs   []string
	buckets map[string][]byte
	pingErr error
	// upsertErr fails every state upsert when set.
	upsertErr error
}

func newStubState() *stubState {
	return &stubState{buckets: make(map[string][]byte)}
}

func (s *stubState) open(string, string) (*sql.DB, error) {
	return sql.OpenDB(stubConnector{state: s}), nil
}

func (s *stubState) execCount(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.execs {
		if strings.HasPrefix(strings.TrimSpace(q), prefix) {
			n++
		}
	}
	return n
}

type stubConnector struct{ state *stubState }

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return &stubConn{state: c.state}, nil
}

func (c stubConnector) Driver() driver.Driver { return stubDriver{} }

type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return nil, errors.New("use connector") }

type stubConn struct{ state *stubState }

func (c *stubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *stubConn) Close() error              { return nil }
func (c *stubConn) Begin() (driver.Tx, error) { return stubTx{}, nil }
func (c *stubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return stubTx{}, nil
}

func (c *stubConn) Ping(context.Context) error { return c.state.pingErr }

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.execs = append(c.state.execs, query)
	if strings.HasPrefix(query, "INSERT INTO state") {
		if c.state.upsertErr != nil {
			return nil, c.state.upsertErr
		}
		bucket, _ := args[0].Value.(string)
		payload, _ := args[1].Value.([]byte)
		c.state.buckets[bucket] = append([]byte(nil), payload...)
	}
	return driver.RowsAffected(1), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if !strings.HasPrefix(query, "SELECT bucket, payload FROM state") {
		return nil, errors.New("unexpected query: " + query)
	}
	names := make([]string, 0, len(c.state.buckets))
	for name := range c.state.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := &stubRows{}
	for _, name := range names {
		rows.data = append(rows.data, [2]driver.Value{name, append([]byte(nil), c.state.buckets[name]...)})
	}
	return rows, nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubRows struct {
	data [][2]driver.Value
	pos  int
}

func (r *stubRows) Columns() []string { return []string{"bucket", "payload"} }
func (r *stubRows) Close() error      { return nil }
func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	dest[0] = r.data[r.pos][0]
	dest[1] = r.data[r.pos][1]
	r.pos++
	return nil
}

func openStub(t *testing.T, state *stubState, opts ...store.Option) *Store {
	t.Helper()
	restore := OverrideSQLOpen(state.open)
	t.Cleanup(restore)
	s, err := NewStore(context.Background(), "", opts...)
	require.NoError(t, err)
	return s
}

func TestPostgresStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts ...store.Option) store.Store {
		return openStub(t, newStubState(), opts...)
	})
}

func TestNewStoreEnsuresStateTable(t *testing.T) {
	state := newStubState()
	s := openStub(t, state)
	defer func() { _ = s.Close() }()

	assert.Equal(t, 1, state.execCount("CREATE TABLE IF NOT EXISTS state"))
}

func TestNewStorePingFailure(t *testing.T) {
	state := newStubState()
	state.pingErr = errors.New("connection refused")
	restore := OverrideSQLOpen(state.open)
	defer restore()

	_, err := NewStore(context.Background(), "postgres://nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping postgres")
}

func TestNewStoreOpenFailure(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) {
		return nil, errors.New("bad dsn")
	})
	defer restore()

	_, err := NewStore(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open postgres")
}

func TestCommitPersistsTouchedBuckets(t *testing.T) {
	ctx := context.Background()
	state := newStubState()
	s := openStub(t, state, store.WithIDGenerator(store.NewFixedGenerator("p1")))

	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		_, err := tx.Create(ctx, "Patient", resource.Resource{"resourceType": "Patient"})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 1, state.execCount("INSERT INTO state"))
	payload, ok := state.buckets["Patient"]
	require.True(t, ok)
	assert.Contains(t, string(payload), `"p1"`)
	assert.Contains(t, string(payload), `"method":"POST"`)
}

func TestReadOnlyTransactionDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	state := newStubState()
	s := openStub(t, state)

	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		_, err := tx.Read(ctx, "Patient", "missing")
		if store.IsNotFound(err) {
			return nil
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, state.execCount("INSERT INTO state"))
}

func TestFailedTransactionDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	state := newStubState()
	s := openStub(t, state)

	boom := errors.New("boom")
	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		if _, err := tx.Create(ctx, "Patient", resource.Resource{"resourceType": "Patient"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, state.execCount("INSERT INTO state"))
	assert.Empty(t, s.ExportState())
}

func TestFailedPersistDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	state := newStubState()
	s := openStub(t, state, store.WithIDGenerator(store.NewFixedGenerator("p1", "o1")))

	require.NoError(t, s.RunInTransaction(ctx, func(tx store.Session) error {
		_, err := tx.Create(ctx, "Patient", resource.Resource{"resourceType": "Patient"})
		return err
	}))

	diskFull := errors.New("disk full")
	state.mu.Lock()
	state.upsertErr = diskFull
	state.mu.Unlock()

	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		_, _, err := tx.Update(ctx, "Patient", "p1", resource.Resource{"resourceType": "Patient", "active": true}, store.UpdateOptions{})
		if err != nil {
			return err
		}
		_, err = tx.Create(ctx, "Observation", resource.Resource{"resourceType": "Observation"})
		return err
	})
	require.ErrorIs(t, err, diskFull)

	require.NoError(t, s.View(ctx, func(tx store.Session) error {
		v, err := tx.Read(ctx, "Patient", "p1")
		require.NoError(t, err)
		assert.Equal(t, 1, v.VersionID)
		assert.Nil(t, v.Resource["active"])

		found, err := tx.Search(ctx, &search.Query{ResourceType: "Observation"})
		require.NoError(t, err)
		assert.Empty(t, found)
		return nil
	}))
	assert.NotContains(t, s.ExportState(), "Observation")
}

func TestSnapshotRoundTripsThroughReopen(t *testing.T) {
	ctx := context.Background()
	state := newStubState()
	s := openStub(t, state, store.WithIDGenerator(store.NewFixedGenerator("obs-1")))

	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		v, err := tx.Create(ctx, "Observation", resource.Resource{
			"resourceType":  "Observation",
			"valueQuantity": map[string]any{"value": json.Number("7.10")},
		})
		if err != nil {
			return err
		}
		_, _, err = tx.Update(ctx, "Observation", v.ID, resource.Resource{"resourceType": "Observation", "status": "final"}, store.UpdateOptions{ExpectedVersion: 1})
		return err
	})
	require.NoError(t, err)

	reopened := openStub(t, state)
	err = reopened.View(ctx, func(tx store.Session) error {
		history, err := tx.History(ctx, "Observation", "obs-1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 2, history[0].VersionID)
		assert.Equal(t, "final", history[0].Resource["status"])
		old, err := tx.VersionRead(ctx, "Observation", "obs-1", 1)
		require.NoError(t, err)
		data, err := resource.MarshalCanonical(old.Resource)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"value":7.10`)
		return nil
	})
	require.NoError(t, err)
}
