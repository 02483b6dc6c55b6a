package engine

import (
	"errors"
	"strconv"
	"strings"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/store"
)

// parseIfMatch accepts W/"3", "3" and 3.
func parseIfMatch(v string) (int, error) {
	s := strings.TrimSpace(v)
	s = strings.TrimPrefix(s, "W/")
	s = strings.TrimPrefix(s, "w/")
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

// checkVersion compares a supplied If-Match version with the current one.
// Zero means no precondition.
func checkVersion(supplied int, current store.Version) error {
	if supplied == 0 || supplied == current.VersionID {
		return nil
	}
	return NewVersionConflictError(supplied, current.VersionID)
}

// storeError translates a store failure into a BundleError. The store
// performs the version comparison inside the same transaction as the
// write, so a conflict reported here is never a stale read.
func storeError(err error) *BundleError {
	var nf *store.NotFoundError
	if errors.As(err, &nf) {
		if nf.Version > 0 {
			return NewNotFoundError("Version %d of resource %s/%s is not known", nf.Version, nf.ResourceType, nf.ID)
		}
		return NewNotFoundError("Resource %s/%s is not known", nf.ResourceType, nf.ID)
	}
	var gone *store.GoneError
	if errors.As(err, &gone) {
		return NewGoneError("Resource was deleted at %s", bundle.Location(gone.ResourceType, gone.ID, gone.Version))
	}
	var vc *store.VersionConflictError
	if errors.As(err, &vc) {
		return NewVersionConflictError(vc.Expected, vc.Current)
	}
	var be *BundleError
	if errors.As(err, &be) {
		return be
	}
	return NewInternalError(err)
}
