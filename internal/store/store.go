package store

import (
	"context"
	"time"

	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/search"
)

// Meta identifies one version of a resource.
type Meta struct {
	ResourceType string
	ID           string
	VersionID    int
	LastUpdated  time.Time
	Deleted      bool
}

// Version is one stored version. Resource is nil for deletion markers.
type Version struct {
	Meta
	// Method is the request method that produced the version: POST, PUT,
	// PATCH or DELETE.
	Method   string
	Resource resource.Resource
}

// UpdateOptions gate an update.
type UpdateOptions struct {
	// ExpectedVersion, when non-zero, must equal the current version.
	ExpectedVersion int
	// AllowCreate lets an update of a missing id create it.
	AllowCreate bool
	// Method is recorded in history; defaults to PUT.
	Method string
}

// Session is the view of the store inside one transaction. Reads observe
// the session's own earlier writes.
type Session interface {
	// Create stores a new resource under a generated id.
	Create(ctx context.Context, resourceType string, body resource.Resource) (Version, error)

	// Update writes a new version of id. created is true when no live
	// version existed before the call.
	Update(ctx context.Context, resourceType, id string, body resource.Resource, opts UpdateOptions) (v Version, created bool, err error)

	// Read returns the current version, a *NotFoundError or a *GoneError.
	Read(ctx context.Context, resourceType, id string) (Version, error)

	// VersionRead returns one historical version, a *NotFoundError, or a
	// *GoneError when that version is a deletion marker.
	VersionRead(ctx context.Context, resourceType, id string, version int) (Version, error)

	// Delete writes a deletion marker. Deleting an already deleted resource
	// returns the existing marker. expectedVersion of zero is unconditional.
	Delete(ctx context.Context, resourceType, id string, expectedVersion int) (Version, error)

	// History returns every version, newest first.
	History(ctx context.Context, resourceType, id string) ([]Version, error)

	// Search returns the live resources of q.ResourceType that match q,
	// ordered by id. q.Count is not applied.
	Search(ctx context.Context, q *search.Query) ([]Version, error)
}

// Store is a versioned resource store with multi-operation transactions.
type Store interface {
	// RunInTransaction runs fn against a session. When fn returns an error
	// every write made through the session is discarded; otherwise all of
	// them become visible together.
	RunInTransaction(ctx context.Context, fn func(tx Session) error) error

	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx Session) error) error

	Close() error
}
