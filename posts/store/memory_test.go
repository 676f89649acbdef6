package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/postboard/posts"
	"github.com/warp/postboard/posts/store"
	"github.com/warp/postboard/posts/storetest"
)

func TestTxMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) posts.TxStore {
		return store.NewTxMemory()
	})
}

func TestTxMemory_CanceledContext(t *testing.T) {
	s := store.NewTxMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTx(ctx, func(posts.Store) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestTxMemory_RollbackRestoresUsers(t *testing.T) {
	s := store.NewTxMemory()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx posts.Store) error {
		require.NoError(t, tx.PutUser(ctx, &posts.User{ID: "u1", Email: "a@example.com"}))
		return posts.ErrConflict
	})
	require.ErrorIs(t, err, posts.ErrConflict)

	u, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)

	// The email is free again after rollback.
	require.NoError(t, s.PutUser(ctx, &posts.User{ID: "u2", Email: "a@example.com"}))
}

func TestTxMemory_ReadsOwnWrites(t *testing.T) {
	s := store.NewTxMemory()
	ctx := context.Background()
	require.NoError(t, s.PutPost(ctx, &posts.Post{ID: "p1", Content: "x"}))
	require.NoError(t, s.PutReaction(ctx, posts.ReactionEntry{UserID: "u1", PostID: "p1", Value: posts.Like}))

	err := s.WithTx(ctx, func(tx posts.Store) error {
		// GIVEN: Buffered writes over committed ones
		require.NoError(t, tx.DeleteReaction(ctx, "u1", "p1"))
		require.NoError(t, tx.PutReaction(ctx, posts.ReactionEntry{UserID: "u2", PostID: "p1", Value: posts.Dislike}))
		require.NoError(t, tx.PutPost(ctx, &posts.Post{ID: "p2", Content: "y"}))

		// THEN: The transaction sees them, the committed store does not yet
		likes, dislikes, err := tx.CountReactions(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, [2]int{0, 1}, [2]int{likes, dislikes})

		all, err := tx.ListPosts(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		outside, err := s.GetPost(ctx, "p2")
		require.NoError(t, err)
		assert.Nil(t, outside)
		return nil
	})
	require.NoError(t, err)

	likes, dislikes, err := s.CountReactions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 1}, [2]int{likes, dislikes})
}

func TestTxMemory_RacingSignupForSameEmail(t *testing.T) {
	s := store.NewTxMemory()
	ctx := context.Background()

	// GIVEN: A transaction that checked the email while it was free
	err := s.WithTx(ctx, func(tx posts.Store) error {
		require.NoError(t, tx.PutUser(ctx, &posts.User{ID: "u1", Email: "a@example.com"}))

		// WHEN: Another signup takes it first
		require.NoError(t, s.PutUser(ctx, &posts.User{ID: "u2", Email: "A@example.com"}))
		return nil
	})

	// THEN: The slower one is refused and the winner keeps the email
	require.ErrorIs(t, err, posts.ErrConcurrentModification)
	u, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, posts.UserID("u2"), u.ID)
}
