package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var searchCompiler = func() *search.SQLCompiler {
	c := search.NewSQLCompiler("resources",
		"resource_type", "id", "version_id", "last_updated", "deleted", "method", "body")
	c.TimeLayout = timeLayout
	return c
}()

type session struct {
	tx   *sql.Tx
	opts store.Options
}

type current struct {
	version int
	deleted bool
}

func (s *session) current(ctx context.Context, resourceType, id string) (current, bool, error) {
	var cur current
	err := s.tx.QueryRowContext(ctx, `
		SELECT version_id, deleted FROM resources
		WHERE resource_type = ? AND id = ?
	`, resourceType, id).Scan(&cur.version, &cur.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return current{}, false, nil
	}
	if err != nil {
		return current{}, false, fmt.Errorf("read current %s/%s: %w", resourceType, id, err)
	}
	return cur, true, nil
}

// write stores version `version` of a resource. prev is the version the
// current row must still hold, or 0 when no row may exist yet.
func (s *session) write(ctx context.Context, resourceType, id string, version, prev int, method string, body resource.Resource) (store.Version, error) {
	now := s.opts.Clock.Now().UTC()
	v := store.Version{
		Meta: store.Meta{
			ResourceType: resourceType,
			ID:           id,
			VersionID:    version,
			LastUpdated:  now,
			Deleted:      body == nil,
		},
		Method: method,
	}

	var bodyJSON sql.NullString
	if body != nil {
		stored := body.Clone()
		stored.SetID(id)
		stored.SetMeta(version, now)
		data, err := resource.MarshalCanonical(stored)
		if err != nil {
			return store.Version{}, fmt.Errorf("write %s/%s: %w", resourceType, id, err)
		}
		bodyJSON = sql.NullString{String: string(data), Valid: true}
		v.Resource = stored
	}
	ts := now.Format(timeLayout)

	if _, err := s.tx.ExecContext(ctx, `
		INSERT INTO resource_versions
		(resource_type, id, version_id, last_updated, deleted, method, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, resourceType, id, version, ts, v.Deleted, method, bodyJSON); err != nil {
		return store.Version{}, fmt.Errorf("write version %s/%s: %w", resourceType, id, err)
	}

	var res sql.Result
	var err error
	if prev == 0 {
		res, err = s.tx.ExecContext(ctx, `
			INSERT INTO resources
			(resource_type, id, version_id, last_updated, deleted, method, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, resourceType, id, version, ts, v.Deleted, method, bodyJSON)
	} else {
		res, err = s.tx.ExecContext(ctx, `
			UPDATE resources
			SET version_id = ?, last_updated = ?, deleted = ?, method = ?, body = ?
			WHERE resource_type = ? AND id = ? AND version_id = ?
		`, version, ts, v.Deleted, method, bodyJSON, resourceType, id, prev)
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("write current %s/%s: %w", resourceType, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		cur, _, _ := s.current(ctx, resourceType, id)
		return store.Version{}, &store.VersionConflictError{ResourceType: resourceType, ID: id, Expected: prev, Current: cur.version}
	}
	return v, nil
}

func (s *session) Create(ctx context.Context, resourceType string, body resource.Resource) (store.Version, error) {
	id := s.opts.IDs.Generate()
	if _, found, err := s.current(ctx, resourceType, id); err != nil {
		return store.Version{}, err
	} else if found {
		return store.Version{}, fmt.Errorf("create %s: generated id %s already exists", resourceType, id)
	}
	return s.write(ctx, resourceType, id, 1, 0, "POST", body)
}

func (s *session) Update(ctx context.Context, resourceType, id string, body resource.Resource, opts store.UpdateOptions) (store.Version, bool, error) {
	method := opts.Method
	if method == "" {
		method = "PUT"
	}
	cur, found, err := s.current(ctx, resourceType, id)
	if err != nil {
		return store.Version{}, false, err
	}
	if !found {
		if !opts.AllowCreate || opts.ExpectedVersion != 0 {
			return store.Version{}, false, &store.NotFoundError{ResourceType: resourceType, ID: id}
		}
		v, err := s.write(ctx, resourceType, id, 1, 0, method, body)
		return v, err == nil, err
	}
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != cur.version {
		return store.Version{}, false, &store.VersionConflictError{
			ResourceType: resourceType, ID: id, Expected: opts.ExpectedVersion, Current: cur.version,
		}
	}
	v, err := s.write(ctx, resourceType, id, cur.version+1, cur.version, method, body)
	if err != nil {
		return store.Version{}, false, err
	}
	return v, cur.deleted, nil
}

func (s *session) Read(ctx context.Context, resourceType, id string) (store.Version, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT resource_type, id, version_id, last_updated, deleted, method, body
		FROM resources WHERE resource_type = ? AND id = ?
	`, resourceType, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Version{}, &store.NotFoundError{ResourceType: resourceType, ID: id}
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	if v.Deleted {
		return store.Version{}, &store.GoneError{ResourceType: resourceType, ID: id, Version: v.VersionID}
	}
	return v, nil
}

func (s *session) VersionRead(ctx context.Context, resourceType, id string, version int) (store.Version, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT resource_type, id, version_id, last_updated, deleted, method, body
		FROM resource_versions WHERE resource_type = ? AND id = ? AND version_id = ?
	`, resourceType, id, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Version{}, &store.NotFoundError{ResourceType: resourceType, ID: id, Version: version}
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("read %s/%s version %d: %w", resourceType, id, version, err)
	}
	if v.Deleted {
		return store.Version{}, &store.GoneError{ResourceType: resourceType, ID: id, Version: version}
	}
	return v, nil
}

func (s *session) Delete(ctx context.Context, resourceType, id string, expectedVersion int) (store.Version, error) {
	cur, found, err := s.current(ctx, resourceType, id)
	if err != nil {
		return store.Version{}, err
	}
	if !found {
		return store.Version{}, &store.NotFoundError{ResourceType: resourceType, ID: id}
	}
	if cur.deleted {
		return s.readMarker(ctx, resourceType, id, cur.version)
	}
	if expectedVersion != 0 && expectedVersion != cur.version {
		return store.Version{}, &store.VersionConflictError{
			ResourceType: resourceType, ID: id, Expected: expectedVersion, Current: cur.version,
		}
	}
	return s.write(ctx, resourceType, id, cur.version+1, cur.version, "DELETE", nil)
}

// readMarker returns a deletion marker version without treating it as gone.
func (s *session) readMarker(ctx context.Context, resourceType, id string, version int) (store.Version, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT resource_type, id, version_id, last_updated, deleted, method, body
		FROM resource_versions WHERE resource_type = ? AND id = ? AND version_id = ?
	`, resourceType, id, version)
	v, err := scanVersion(row)
	if err != nil {
		return store.Version{}, fmt.Errorf("read marker %s/%s: %w", resourceType, id, err)
	}
	return v, nil
}

func (s *session) History(ctx context.Context, resourceType, id string) ([]store.Version, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT resource_type, id, version_id, last_updated, deleted, method, body
		FROM resource_versions WHERE resource_type = ? AND id = ?
		ORDER BY version_id DESC
	`, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", resourceType, id, err)
	}
	versions, err := scanVersions(rows)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", resourceType, id, err)
	}
	if len(versions) == 0 {
		return nil, &store.NotFoundError{ResourceType: resourceType, ID: id}
	}
	return versions, nil
}

func (s *session) Search(ctx context.Context, q *search.Query) ([]store.Version, error) {
	stmt, params, err := searchCompiler.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", q.ResourceType, err)
	}
	rows, err := s.tx.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", q.ResourceType, err)
	}
	candidates, err := scanVersions(rows)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", q.ResourceType, err)
	}
	out := candidates[:0]
	for _, v := range candidates {
		if search.Match(q, v.Resource) {
			out = append(out, v)
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (store.Version, error) {
	var (
		v    store.Version
		ts   string
		body sql.NullString
	)
	if err := row.Scan(&v.ResourceType, &v.ID, &v.VersionID, &ts, &v.Deleted, &v.Method, &body); err != nil {
		return store.Version{}, err
	}
	t, err := time.Parse(timeLayout, ts)
	if err != nil {
		return store.Version{}, fmt.Errorf("parse last_updated %q: %w", ts, err)
	}
	v.LastUpdated = t
	if body.Valid {
		res, err := resource.Decode([]byte(body.String))
		if err != nil {
			return store.Version{}, err
		}
		v.Resource = res
	}
	return v, nil
}

func scanVersions(rows *sql.Rows) ([]store.Version, error) {
	defer rows.Close()
	var out []store.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
