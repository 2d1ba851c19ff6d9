package persistence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/debtflow/pkg/api"
)

// runStoreContract exercises the behavior every EntityStore must share.
// newStore must return an empty store whose id sequence starts at 1.
func runStoreContract(t *testing.T, newStore func(t *testing.T) EntityStore) {
	t.Run("CreateAssignsSequentialIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Create(ctx)
		require.NoError(t, err)
		second, err := s.Create(ctx)
		require.NoError(t, err)

		assert.Equal(t, int64(1), first.ID)
		assert.Equal(t, int64(2), second.ID)
		assert.Equal(t, int64(1), first.Version)
		assert.False(t, first.HasDocument())
		assert.False(t, first.HasSignature())
		assert.False(t, first.Completed())
	})

	t.Run("GetMissingReturnsNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), 99)
		require.ErrorIs(t, err, ErrEntityNotFound)
		require.ErrorIs(t, err, api.ErrEntityNotFound)
	})

	t.Run("UpsertAdvancesVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e, err := s.Create(ctx)
		require.NoError(t, err)

		e.DocumentHash = "doc-1"
		stored, err := s.Upsert(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.Version)

		stored.SignatureHash = "sig-1"
		stored.ScriptExecuted = true
		stored, err = s.Upsert(ctx, stored)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stored.Version)

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, &api.Entity{
			ID:             e.ID,
			DocumentHash:   "doc-1",
			SignatureHash:  "sig-1",
			ScriptExecuted: true,
			Version:        3,
		}, got)
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e, err := s.Create(ctx)
		require.NoError(t, err)

		winner := e.Clone()
		winner.DocumentHash = "winner"
		_, err = s.Upsert(ctx, winner)
		require.NoError(t, err)

		loser := e.Clone()
		loser.DocumentHash = "loser"
		_, err = s.Upsert(ctx, loser)
		require.ErrorIs(t, err, ErrVersionConflict)
		require.ErrorIs(t, err, api.ErrVersionConflict)

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, "winner", got.DocumentHash)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("UpsertVersionZeroInsertsOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		stored, err := s.Upsert(ctx, &api.Entity{ID: 42, DocumentHash: "seeded"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)

		_, err = s.Upsert(ctx, &api.Entity{ID: 42})
		require.ErrorIs(t, err, ErrVersionConflict)

		got, err := s.Get(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, "seeded", got.DocumentHash)
	})

	t.Run("CreateSkipsExplicitIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Upsert(ctx, &api.Entity{ID: 1, DocumentHash: "explicit"})
		require.NoError(t, err)

		e, err := s.Create(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, int64(1), e.ID)

		got, err := s.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "explicit", got.DocumentHash)
	})

	t.Run("UpsertRejectsNonPositiveID", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(context.Background(), &api.Entity{ID: 0})
		require.Error(t, err)
		_, err = s.Upsert(context.Background(), nil)
		require.Error(t, err)
	})

	t.Run("ListOrdersByID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		_, err = s.Upsert(ctx, &api.Entity{ID: 7})
		require.NoError(t, err)
		_, err = s.Upsert(ctx, &api.Entity{ID: 3})
		require.NoError(t, err)
		_, err = s.Upsert(ctx, &api.Entity{ID: 5})
		require.NoError(t, err)

		all, err = s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int64{3, 5, 7}, []int64{all[0].ID, all[1].ID, all[2].ID})
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e, err := s.Create(ctx)
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := e.Clone()
				c.DocumentHash = string(rune('a' + i))
				_, err := s.Upsert(ctx, c)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case assert.ErrorIs(t, err, ErrVersionConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})
}
