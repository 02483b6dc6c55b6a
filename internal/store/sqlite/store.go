package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/bundled/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added idx_resources_type_updated for _lastUpdated searches
const currentSchemaVersion = 1

var _ store.Store = (*Store)(nil)

// Store is the SQLite resource store. Writes go through a single
// connection whose transactions take the write lock at BEGIN; View uses a
// separate pool of deferred read transactions.
type Store struct {
	db     *sql.DB
	reader *sql.DB
	opts   store.Options
}

// Open creates or opens a SQLite database at the given path and applies
// pragmas and migrations. It is safe to call on an existing database.
func Open(path string, opts ...store.Option) (*Store, error) {
	db, err := sql.Open("sqlite3", withTxLock(path, "immediate"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	reader, err := openReader(path, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, reader: reader, opts: store.ApplyOptions(opts...)}, nil
}

// openReader opens the pool View reads through. An in-memory database
// cannot be shared between handles, so it reads through the writer.
func openReader(path string, writer *sql.DB) (*sql.DB, error) {
	if inMemory(path) {
		return writer, nil
	}
	reader, err := sql.Open("sqlite3", withTxLock(path, "deferred"))
	if err != nil {
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}
	if err := reader.Ping(); err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to connect reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	return reader, nil
}

func inMemory(path string) bool {
	return path == "" || strings.HasPrefix(path, ":memory:") || strings.Contains(path, "mode=memory")
}

// withTxLock sets the lock BEGIN takes. Writers use "immediate" so a
// transaction that reads a version and then writes cannot lose a race to
// another writer. Readers use "deferred" and never take the write lock.
func withTxLock(path, mode string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=" + mode
}

// Close closes the database connections.
func (s *Store) Close() error {
	var err error
	if s.reader != nil && s.reader != s.db {
		err = s.reader.Close()
	}
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// DB returns the underlying sql.DB for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RunInTransaction implements store.Store.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&session{tx: tx, opts: s.opts}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// View implements store.Store. The transaction is always rolled back.
func (s *Store) View(ctx context.Context, fn func(tx store.Session) error) error {
	tx, err := s.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	return fn(&session{tx: tx, opts: s.opts})
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_resources_type_updated
		ON resources(resource_type, last_updated)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
