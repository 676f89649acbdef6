/*
Package storetest is a conformance suite every posts.TxStore must pass.

USAGE:
  func TestConformance(t *testing.T) {
      storetest.Run(t, func(t *testing.T) posts.TxStore {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }

Each subtest gets a fresh store from the factory.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/postboard/posts"
)

// Factory returns an empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) posts.TxStore

var (
	created = time.Date(2024, 3, 10, 9, 0, 0, 123000000, time.UTC)
	creator = posts.Identity{ID: "alice", Nickname: "Alice", Role: posts.RoleNormal}
)

// Run executes every conformance case against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s posts.TxStore)
	}{
		{"MissingRecordsAreNil", testMissingRecordsAreNil},
		{"PostRoundTrip", testPostRoundTrip},
		{"PostReadsAreCopies", testPostReadsAreCopies},
		{"ReactionLifecycle", testReactionLifecycle},
		{"DeleteReactionsForPost", testDeleteReactionsForPost},
		{"UserEmailUniqueness", testUserEmailUniqueness},
		{"TxCommit", testTxCommit},
		{"TxRollback", testTxRollback},
		{"EngineConcurrentUsers", testEngineConcurrentUsers},
		{"EditsDuringReactions", testEditsDuringReactions},
		{"AuditDuringReactions", testAuditDuringReactions},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func newPost(t *testing.T, s posts.Store, id posts.PostID) *posts.Post {
	t.Helper()
	p, err := posts.NewPost(id, creator, "content of "+string(id), created)
	require.NoError(t, err)
	require.NoError(t, s.PutPost(context.Background(), p))
	return p
}

// =============================================================================
// CASES
// =============================================================================

func testMissingRecordsAreNil(t *testing.T, s posts.TxStore) {
	ctx := context.Background()

	p, err := s.GetPost(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, p)

	e, err := s.GetReaction(ctx, "u", "nope")
	require.NoError(t, err)
	assert.Nil(t, e)

	u, err := s.GetUser(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = s.GetUserByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)

	likes, dislikes, err := s.CountReactions(ctx, "nope")
	require.NoError(t, err)
	assert.Zero(t, likes)
	assert.Zero(t, dislikes)

	// Deleting what is not there is not an error.
	require.NoError(t, s.DeletePost(ctx, "nope"))
	require.NoError(t, s.DeleteReaction(ctx, "u", "nope"))
}

func testPostRoundTrip(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	p := newPost(t, s, "p1")
	p.Likes, p.Dislikes = 2, 1
	p.Content = "edited"
	p.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, s.PutPost(ctx, p))

	got, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, posts.PostID("p1"), got.ID)
	assert.Equal(t, creator.ID, got.CreatorID)
	assert.Equal(t, "Alice", got.CreatorNickname)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, 2, got.Likes)
	assert.Equal(t, 1, got.Dislikes)
	assert.True(t, created.Equal(got.CreatedAt), "created_at %v", got.CreatedAt)
	assert.True(t, p.UpdatedAt.Equal(got.UpdatedAt), "updated_at %v", got.UpdatedAt)

	newPost(t, s, "p2")
	all, err := s.ListPosts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeletePost(ctx, "p1"))
	got, err = s.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testPostReadsAreCopies(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	newPost(t, s, "p1")

	got, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	got.Likes = 99

	again, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, again.Likes)
}

func testReactionLifecycle(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	newPost(t, s, "p1")

	require.NoError(t, s.PutReaction(ctx, posts.ReactionEntry{UserID: "u1", PostID: "p1", Value: posts.Like, UpdatedAt: created}))
	require.NoError(t, s.PutReaction(ctx, posts.ReactionEntry{UserID: "u2", PostID: "p1", Value: posts.Like, UpdatedAt: created}))
	require.NoError(t, s.PutReaction(ctx, posts.ReactionEntry{UserID: "u3", PostID: "p1", Value: posts.Dislike, UpdatedAt: created}))

	likes, dislikes, err := s.CountReactions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, likes)
	assert.Equal(t, 1, dislikes)

	// Overwrite keeps one entry per (user, post).
	require.NoError(t, s.PutReaction(ctx, posts.ReactionEntry{UserID: "u1", PostID: "p1", Value: posts.Dislike, UpdatedAt: created}))
	e, err := s.GetReaction(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, posts.Dislike, e.Value)

	likes, dislikes, err = s.CountReactions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, likes)
	assert.Equal(t, 2, dislikes)

	require.NoError(t, s.DeleteReaction(ctx, "u1", "p1"))
	e, err = s.GetReaction(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func testDeleteReactionsForPost(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	newPost(t, s, "p1")
	newPost(t, s, "p2")

	for _, u := range []posts.UserID{"u1", "u2"} {
		require.NoError(t, s.PutReaction(ctx, posts.ReactionEntry{UserID: u, PostID: "p1", Value: posts.Like, UpdatedAt: created}))
		require.NoError(t, s.PutReaction(ctx, posts.ReactionEntry{UserID: u, PostID: "p2", Value: posts.Dislike, UpdatedAt: created}))
	}

	require.NoError(t, s.DeleteReactionsForPost(ctx, "p1"))

	likes, dislikes, err := s.CountReactions(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, likes+dislikes)

	likes, dislikes, err = s.CountReactions(ctx, "p2")
	require.NoError(t, err)
	assert.Zero(t, likes)
	assert.Equal(t, 2, dislikes)
}

func testUserEmailUniqueness(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	u := &posts.User{
		ID: "u1", Nickname: "Alice", Email: "alice@example.com",
		PasswordHash: "hash", Role: posts.RoleNormal, CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, s.PutUser(ctx, u))

	got, err := s.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, posts.UserID("u1"), got.ID)
	assert.Equal(t, posts.RoleNormal, got.Role)
	assert.Equal(t, "hash", got.PasswordHash)

	// Same user may be rewritten.
	u.Nickname = "Ally"
	require.NoError(t, s.PutUser(ctx, u))
	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ally", got.Nickname)

	// A different user may not take the email.
	err = s.PutUser(ctx, &posts.User{ID: "u2", Nickname: "Eve", Email: "alice@example.com", PasswordHash: "x", Role: posts.RoleNormal, CreatedAt: created, UpdatedAt: created})
	assert.ErrorIs(t, err, posts.ErrConflict)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func testTxCommit(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	newPost(t, s, "p1")

	err := s.WithTx(ctx, func(tx posts.Store) error {
		p, err := tx.GetPost(ctx, "p1")
		if err != nil {
			return err
		}
		p.Likes++
		if err := tx.PutReaction(ctx, posts.ReactionEntry{UserID: "u1", PostID: "p1", Value: posts.Like, UpdatedAt: created}); err != nil {
			return err
		}
		return tx.PutPost(ctx, p)
	})
	require.NoError(t, err)

	p, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Likes)
	e, err := s.GetReaction(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func testTxRollback(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	newPost(t, s, "p1")
	boom := errors.New("boom")

	// GIVEN: A transaction that writes both sides and then fails
	err := s.WithTx(ctx, func(tx posts.Store) error {
		p, err := tx.GetPost(ctx, "p1")
		if err != nil {
			return err
		}
		p.Likes = 5
		if err := tx.PutPost(ctx, p); err != nil {
			return err
		}
		if err := tx.PutReaction(ctx, posts.ReactionEntry{UserID: "u1", PostID: "p1", Value: posts.Like, UpdatedAt: created}); err != nil {
			return err
		}
		return boom
	})

	// THEN: The callback error comes back and neither write is visible
	require.ErrorIs(t, err, boom)

	p, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, p.Likes)
	e, err := s.GetReaction(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func testEngineConcurrentUsers(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	newPost(t, s, "p1")
	engine := posts.NewEngine(s, nil, nil)

	const n = 16
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		user := posts.UserID(fmt.Sprintf("user-%d", i))
		g.Go(func() error {
			if _, err := engine.React(ctx, "p1", user, posts.Like); err != nil {
				return err
			}
			// Every other user switches to dislike.
			if i%2 == 0 {
				_, err := engine.React(ctx, "p1", user, posts.Dislike)
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	p, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	likes, dislikes, err := s.CountReactions(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, n/2, p.Likes)
	assert.Equal(t, n/2, p.Dislikes)
	assert.Equal(t, likes, p.Likes)
	assert.Equal(t, dislikes, p.Dislikes)
}

func testEditsDuringReactions(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	svc := posts.NewService(s, posts.IDGeneratorFunc(func() string { return "p1" }), posts.Options{})
	post, err := svc.CreatePost(ctx, creator, "first draft")
	require.NoError(t, err)

	const reacters, editors, editsEach = 12, 4, 3
	edits := make(map[string]bool)
	for e := 0; e < editors; e++ {
		for k := 0; k < editsEach; k++ {
			edits[fmt.Sprintf("edit %d.%d", e, k)] = true
		}
	}

	// GIVEN: Likes from many users and edits by the creator, all at once
	var g errgroup.Group
	for i := 0; i < reacters; i++ {
		user := posts.Identity{ID: posts.UserID(fmt.Sprintf("reacter-%d", i)), Role: posts.RoleNormal}
		g.Go(func() error {
			_, err := svc.React(ctx, user, post.ID, posts.Like)
			return err
		})
	}
	for e := 0; e < editors; e++ {
		e := e
		g.Go(func() error {
			for k := 0; k < editsEach; k++ {
				if _, err := svc.EditPost(ctx, creator, post.ID, fmt.Sprintf("edit %d.%d", e, k)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// THEN: No like was lost to an edit and the content is one of the edits
	p, err := s.GetPost(ctx, post.ID)
	require.NoError(t, err)
	likes, dislikes, err := s.CountReactions(ctx, post.ID)
	require.NoError(t, err)

	assert.Equal(t, reacters, p.Likes)
	assert.Equal(t, likes, p.Likes)
	assert.Equal(t, dislikes, p.Dislikes)
	assert.True(t, edits[p.Content], "content %q is not one of the edits", p.Content)
}

func testAuditDuringReactions(t *testing.T, s posts.TxStore) {
	ctx := context.Background()
	newPost(t, s, "p1")
	engine := posts.NewEngine(s, nil, nil)
	auditor := posts.NewAuditor(s, nil)
	auditor.Locks = engine.Locks

	// GIVEN: Users toggling likes while audits run
	stop := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(stop)
		wg.Wait()
	}()
	for i := 0; i < 4; i++ {
		user := posts.UserID(fmt.Sprintf("toggler-%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := engine.React(ctx, "p1", user, posts.Like); err != nil {
					t.Errorf("react: %v", err)
					return
				}
			}
		}()
	}

	// THEN: No pass reports drift
	for i := 0; i < 30; i++ {
		report, err := auditor.Audit(ctx)
		require.NoError(t, err)
		require.True(t, report.Consistent(), "pass %d reported %+v", i, report.Drift)
	}
}
