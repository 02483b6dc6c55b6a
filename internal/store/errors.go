package store

import (
	"errors"
	"fmt"
)

// NotFoundError reports a resource or version that never existed.
type NotFoundError struct {
	ResourceType string
	ID           string
	// Version is set for version reads.
	Version int
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("resource %s/%s version %d not found", e.ResourceType, e.ID, e.Version)
	}
	return fmt.Sprintf("resource %s/%s not found", e.ResourceType, e.ID)
}

// GoneError reports a resource whose current version is a deletion marker.
type GoneError struct {
	ResourceType string
	ID           string
	Version      int
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("resource %s/%s was deleted (version %d)", e.ResourceType, e.ID, e.Version)
}

// VersionConflictError reports an expected version that does not match the
// current one.
type VersionConflictError struct {
	ResourceType string
	ID           string
	Expected     int
	Current      int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("resource %s/%s: expected version %d, current version %d",
		e.ResourceType, e.ID, e.Expected, e.Current)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsGone reports whether err is a GoneError.
func IsGone(err error) bool {
	var g *GoneError
	return errors.As(err, &g)
}

// IsVersionConflict reports whether err is a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}
