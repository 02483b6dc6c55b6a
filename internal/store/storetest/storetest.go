// Package storetest holds the behavior every store.Store implementation
// must share. Implementation packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
	"github.com/roach88/bundled/internal/testutil"
)

// Factory opens a fresh, empty store configured with opts.
type Factory func(t *testing.T, opts ...store.Option) store.Store

// Run executes the shared suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAssignsIDAndVersion", testCreate},
		{"UpdateIncrementsVersion", testUpdate},
		{"UpdateVersionConflict", testUpdateConflict},
		{"UpdateCreate", testUpdateCreate},
		{"DeleteAndGone", testDeleteGone},
		{"VersionReadAndHistory", testHistory},
		{"SearchMatchesLiveResources", testSearch},
		{"TransactionRollback", testRollback},
		{"TransactionSeesOwnWrites", testOwnWrites},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t,
				store.WithIDGenerator(testutil.NewSequentialIDs("res")),
				store.WithClock(testutil.NewStepClock()),
			)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}

	t.Run("SearchLastUpdatedAsInstant", func(t *testing.T) {
		clock := testutil.NewStepClock()
		clock.Step = 500 * time.Millisecond
		s := open(t,
			store.WithIDGenerator(testutil.NewSequentialIDs("res")),
			store.WithClock(clock),
		)
		t.Cleanup(func() { _ = s.Close() })
		testLastUpdated(t, s)
	})
}

func patient(family string) resource.Resource {
	return resource.Resource{
		"resourceType": "Patient",
		"name":         []any{map[string]any{"family": family}},
	}
}

func create(t *testing.T, s store.Store, body resource.Resource) store.Version {
	t.Helper()
	var v store.Version
	err := s.RunInTransaction(context.Background(), func(tx store.Session) error {
		var err error
		v, err = tx.Create(context.Background(), body.Type(), body)
		return err
	})
	require.NoError(t, err)
	return v
}

func testCreate(t *testing.T, s store.Store) {
	v := create(t, s, patient("Doe"))

	assert.Equal(t, "res-1", v.ID)
	assert.Equal(t, 1, v.VersionID)
	assert.True(t, v.LastUpdated.Equal(testutil.Epoch), "first clock reading")
	assert.Equal(t, "POST", v.Method)
	assert.Equal(t, "res-1", v.Resource.ID())
	assert.Equal(t, "1", v.Resource.VersionID())

	err := s.View(context.Background(), func(tx store.Session) error {
		got, err := tx.Read(context.Background(), "Patient", "res-1")
		require.NoError(t, err)
		assert.Equal(t, "Doe", got.Resource["name"].([]any)[0].(map[string]any)["family"])
		return nil
	})
	require.NoError(t, err)
}

func testUpdate(t *testing.T, s store.Store) {
	create(t, s, patient("Doe"))

	err := s.RunInTransaction(context.Background(), func(tx store.Session) error {
		v, created, err := tx.Update(context.Background(), "Patient", "res-1", patient("Roe"), store.UpdateOptions{ExpectedVersion: 1})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 2, v.VersionID)
		assert.Equal(t, "PUT", v.Method)
		return nil
	})
	require.NoError(t, err)
}

func testUpdateConflict(t *testing.T, s store.Store) {
	create(t, s, patient("Doe"))
	ctx := context.Background()
	require.NoError(t, s.RunInTransaction(ctx, func(tx store.Session) error {
		_, _, err := tx.Update(ctx, "Patient", "res-1", patient("Roe"), store.UpdateOptions{})
		return err
	}))

	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		_, _, err := tx.Update(ctx, "Patient", "res-1", patient("Poe"), store.UpdateOptions{ExpectedVersion: 1})
		return err
	})
	var vc *store.VersionConflictError
	require.ErrorAs(t, err, &vc)
	assert.Equal(t, 1, vc.Expected)
	assert.Equal(t, 2, vc.Current)

	require.NoError(t, s.View(ctx, func(tx store.Session) error {
		got, err := tx.Read(ctx, "Patient", "res-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.VersionID, "conflicting update left the resource unmodified")
		return nil
	}))
}

func testUpdateCreate(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		_, _, err := tx.Update(ctx, "Patient", "client-id", patient("Doe"), store.UpdateOptions{})
		return err
	})
	assert.True(t, store.IsNotFound(err))

	err = s.RunInTransaction(ctx, func(tx store.Session) error {
		v, created, err := tx.Update(ctx, "Patient", "client-id", patient("Doe"), store.UpdateOptions{AllowCreate: true})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 1, v.VersionID)
		assert.Equal(t, "client-id", v.Resource.ID())
		return nil
	})
	require.NoError(t, err)
}

func testDeleteGone(t *testing.T, s store.Store) {
	create(t, s, patient("Doe"))
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		v, err := tx.Delete(ctx, "Patient", "res-1", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, v.VersionID)
		assert.True(t, v.Deleted)

		again, err := tx.Delete(ctx, "Patient", "res-1", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, again.VersionID, "deleting twice writes no new version")

		_, err = tx.Delete(ctx, "Patient", "missing", 0)
		assert.True(t, store.IsNotFound(err))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.View(ctx, func(tx store.Session) error {
		_, err := tx.Read(ctx, "Patient", "res-1")
		assert.True(t, store.IsGone(err))
		_, err = tx.Read(ctx, "Patient", "missing")
		assert.True(t, store.IsNotFound(err))

		old, err := tx.VersionRead(ctx, "Patient", "res-1", 1)
		require.NoError(t, err, "earlier versions stay readable")
		assert.Equal(t, 1, old.VersionID)
		return nil
	}))

	err = s.RunInTransaction(ctx, func(tx store.Session) error {
		v, created, err := tx.Update(ctx, "Patient", "res-1", patient("Back"), store.UpdateOptions{})
		require.NoError(t, err)
		assert.True(t, created, "update of a deleted resource recreates it")
		assert.Equal(t, 3, v.VersionID)
		return nil
	})
	require.NoError(t, err)
}

func testHistory(t *testing.T, s store.Store) {
	create(t, s, patient("Doe"))
	ctx := context.Background()
	require.NoError(t, s.RunInTransaction(ctx, func(tx store.Session) error {
		if _, _, err := tx.Update(ctx, "Patient", "res-1", patient("Roe"), store.UpdateOptions{Method: "PATCH"}); err != nil {
			return err
		}
		_, err := tx.Delete(ctx, "Patient", "res-1", 0)
		return err
	}))

	require.NoError(t, s.View(ctx, func(tx store.Session) error {
		history, err := tx.History(ctx, "Patient", "res-1")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, []int{3, 2, 1}, []int{history[0].VersionID, history[1].VersionID, history[2].VersionID})
		assert.Equal(t, []string{"DELETE", "PATCH", "POST"}, []string{history[0].Method, history[1].Method, history[2].Method})
		assert.Nil(t, history[0].Resource)
		assert.True(t, history[1].LastUpdated.After(history[2].LastUpdated))

		_, err = tx.VersionRead(ctx, "Patient", "res-1", 3)
		assert.True(t, store.IsGone(err))
		_, err = tx.VersionRead(ctx, "Patient", "res-1", 9)
		assert.True(t, store.IsNotFound(err))
		_, err = tx.History(ctx, "Patient", "missing")
		assert.True(t, store.IsNotFound(err))
		return nil
	}))
}

func testSearch(t *testing.T, s store.Store) {
	create(t, s, patient("Doe"))
	create(t, s, patient("Dodge"))
	create(t, s, patient("Smith"))
	create(t, s, resource.Resource{"resourceType": "Organization", "name": "Doe Clinic"})
	ctx := context.Background()
	require.NoError(t, s.RunInTransaction(ctx, func(tx store.Session) error {
		_, err := tx.Delete(ctx, "Patient", "res-2", 0)
		return err
	}))

	require.NoError(t, s.View(ctx, func(tx store.Session) error {
		q, err := search.Parse(search.DefaultVocabulary(), "Patient", "family=Do")
		require.NoError(t, err)
		got, err := tx.Search(ctx, q)
		require.NoError(t, err)
		require.Len(t, got, 1, "deleted and non-matching resources excluded")
		assert.Equal(t, "res-1", got[0].ID)

		all, err := search.Parse(search.DefaultVocabulary(), "Patient", "")
		require.NoError(t, err)
		got, err = tx.Search(ctx, all)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "res-1", got[0].ID)
		assert.Equal(t, "res-3", got[1].ID)

		byID, err := search.Parse(search.DefaultVocabulary(), "Patient", "_id=res-3")
		require.NoError(t, err)
		got, err = tx.Search(ctx, byID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "res-3", got[0].ID)
		return nil
	}))
}

func testLastUpdated(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v := create(t, s, patient("Doe"))
		require.True(t, v.LastUpdated.Equal(testutil.Epoch.Add(time.Duration(i)*500*time.Millisecond)))
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"_lastUpdated=ge2024-01-01T00:00:00Z", []string{"res-1", "res-2", "res-3"}},
		{"_lastUpdated=ge2024-01-01T00:00:00.5Z", []string{"res-2", "res-3"}},
		{"_lastUpdated=gt2024-01-01T00:00:00Z", []string{"res-3"}},
		{"_lastUpdated=lt2024-01-01T00:00:01Z", []string{"res-1", "res-2"}},
		{"_lastUpdated=lt2024-01-01T00:00:00.5Z", []string{"res-1"}},
		{"_lastUpdated=le2024-01-01T00:00:00Z", []string{"res-1", "res-2"}},
		{"_lastUpdated=2024-01-01T00:00:00Z", []string{"res-1", "res-2"}},
		{"_lastUpdated=lt2024-01-01", nil},
	}
	require.NoError(t, s.View(ctx, func(tx store.Session) error {
		for _, tt := range tests {
			q, err := search.Parse(search.DefaultVocabulary(), "Patient", tt.query)
			require.NoError(t, err)
			got, err := tx.Search(ctx, q)
			require.NoError(t, err)
			var ids []string
			for _, v := range got {
				ids = append(ids, v.ID)
			}
			assert.Equal(t, tt.want, ids, tt.query)
		}
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		if _, err := tx.Create(ctx, "Patient", patient("Doe")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx store.Session) error {
		_, err := tx.Read(ctx, "Patient", "res-1")
		assert.True(t, store.IsNotFound(err), "aborted create is not visible")
		return nil
	}))
}

func testOwnWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.RunInTransaction(ctx, func(tx store.Session) error {
		v, err := tx.Create(ctx, "Patient", patient("Doe"))
		require.NoError(t, err)

		got, err := tx.Read(ctx, "Patient", v.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.VersionID)

		q, err := search.Parse(search.DefaultVocabulary(), "Patient", "family=Doe")
		require.NoError(t, err)
		matches, err := tx.Search(ctx, q)
		require.NoError(t, err)
		assert.Len(t, matches, 1)
		return nil
	})
	require.NoError(t, err)
}
