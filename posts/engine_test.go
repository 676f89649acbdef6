package posts_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/postboard/posts"
	memstore "github.com/warp/postboard/posts/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// sequentialIDs returns p1, p2, ... so tests can name posts up front.
func sequentialIDs() posts.IDGenerator {
	var (
		mu sync.Mutex
		n  int
	)
	return posts.IDGeneratorFunc(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("p%d", n)
	})
}

type recordingRecorder struct {
	mu         sync.Mutex
	outcomes   []posts.Outcome
	violations int
	ops        map[string]int
}

func (r *recordingRecorder) ReactionApplied(o posts.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingRecorder) InvariantViolation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations++
}

func (r *recordingRecorder) Operation(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = make(map[string]int)
	}
	key := op + ":ok"
	if err != nil {
		key = op + ":err"
	}
	r.ops[key]++
}

func (r *recordingRecorder) ObserveReact(time.Duration) {}

func newTestService(t *testing.T) (*posts.Service, *memstore.TxMemory, *recordingRecorder) {
	t.Helper()
	store := memstore.NewTxMemory()
	rec := &recordingRecorder{}
	svc := posts.NewService(store, sequentialIDs(), posts.Options{
		Recorder: rec,
		Now:      func() time.Time { return fixedNow },
	})
	return svc, store, rec
}

func seedPost(t *testing.T, svc *posts.Service, author posts.Identity) *posts.Post {
	t.Helper()
	p, err := svc.CreatePost(context.Background(), author, "hello world")
	require.NoError(t, err)
	return p
}

// assertConsistent recounts the ledger and compares it with the counters.
func assertConsistent(t *testing.T, store posts.Store, postID posts.PostID) *posts.Post {
	t.Helper()
	ctx := context.Background()
	p, err := store.GetPost(ctx, postID)
	require.NoError(t, err)
	require.NotNil(t, p)

	likes, dislikes, err := store.CountReactions(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, likes, p.Likes, "likes counter vs ledger")
	assert.Equal(t, dislikes, p.Dislikes, "dislikes counter vs ledger")
	return p
}

// =============================================================================
// TOGGLE SEQUENCE TESTS
// =============================================================================

func TestEngine_LikeThenLikeAgain_Reverses(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	post := seedPost(t, svc, alice)

	// GIVEN: Bob likes the post
	res, err := svc.React(ctx, bob, post.ID, posts.Like)
	require.NoError(t, err)
	assert.Equal(t, posts.OutcomeApplied, res.Outcome)
	assert.Equal(t, posts.StateLiked, res.State)
	assert.Equal(t, 1, res.Post.Likes)

	// WHEN: Bob likes it again
	res, err = svc.React(ctx, bob, post.ID, posts.Like)
	require.NoError(t, err)

	// THEN: The like is removed and the ledger entry is gone
	assert.Equal(t, posts.OutcomeReversed, res.Outcome)
	assert.Equal(t, posts.StateNone, res.State)
	assert.Equal(t, "like removed", res.Message)
	assert.Equal(t, 0, res.Post.Likes)

	entry, err := store.GetReaction(ctx, bob.ID, post.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assertConsistent(t, store, post.ID)
}

func TestEngine_SwitchLikeToDislike(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx := context.Background()
	post := seedPost(t, svc, alice)

	_, err := svc.React(ctx, bob, post.ID, posts.Like)
	require.NoError(t, err)

	res, err := svc.React(ctx, bob, post.ID, posts.Dislike)
	require.NoError(t, err)

	assert.Equal(t, posts.OutcomeSwitched, res.Outcome)
	assert.Equal(t, 0, res.Post.Likes)
	assert.Equal(t, 1, res.Post.Dislikes)

	entry, err := store.GetReaction(ctx, bob.ID, post.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, posts.Dislike, entry.Value)

	assertConsistent(t, store, post.ID)
	assert.Equal(t, []posts.Outcome{posts.OutcomeApplied, posts.OutcomeSwitched}, rec.outcomes)
}

func TestEngine_LongSequenceStaysConsistent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	post := seedPost(t, svc, alice)

	users := []posts.Identity{alice, bob, admin}
	seq := []posts.Reaction{posts.Like, posts.Dislike, posts.Dislike, posts.Like, posts.Like, posts.Dislike, posts.Like}

	for i, desired := range seq {
		for j, u := range users {
			// Offset per user so states diverge.
			r := desired
			if (i+j)%2 == 1 {
				if r == posts.Like {
					r = posts.Dislike
				} else {
					r = posts.Like
				}
			}
			_, err := svc.React(ctx, u, post.ID, r)
			require.NoError(t, err)
			assertConsistent(t, store, post.ID)
		}
	}
}

func TestEngine_OwnPostCanBeReacted(t *testing.T) {
	svc, _, _ := newTestService(t)
	post := seedPost(t, svc, alice)

	res, err := svc.React(context.Background(), alice, post.ID, posts.Dislike)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Post.Dislikes)
}

// =============================================================================
// ERROR PATH TESTS
// =============================================================================

func TestEngine_UnknownPost_NotFound(t *testing.T) {
	svc, store, _ := newTestService(t)

	_, err := svc.React(context.Background(), bob, "missing", posts.Like)
	assert.ErrorIs(t, err, posts.ErrNotFound)

	entry, err := store.GetReaction(context.Background(), bob.ID, "missing")
	require.NoError(t, err)
	assert.Nil(t, entry, "no ledger entry for a missing post")
}

func TestEngine_InvalidReaction(t *testing.T) {
	svc, _, _ := newTestService(t)
	post := seedPost(t, svc, alice)

	_, err := svc.React(context.Background(), bob, post.ID, posts.Reaction(""))
	assert.ErrorIs(t, err, posts.ErrValidation)
}

func TestEngine_MissingIdentity(t *testing.T) {
	svc, _, _ := newTestService(t)
	post := seedPost(t, svc, alice)

	_, err := svc.React(context.Background(), posts.Identity{}, post.ID, posts.Like)
	assert.ErrorIs(t, err, posts.ErrUnauthenticated)
}

func TestEngine_InvariantViolation_RollsBack(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx := context.Background()
	post := seedPost(t, svc, alice)

	// GIVEN: A ledger entry that the counters never saw
	require.NoError(t, store.PutReaction(ctx, posts.ReactionEntry{
		UserID: bob.ID, PostID: post.ID, Value: posts.Like, UpdatedAt: fixedNow,
	}))

	// WHEN: Bob switches to dislike, which must decrement likes from 0
	_, err := svc.React(ctx, bob, post.ID, posts.Dislike)

	// THEN: The toggle fails and nothing was written
	require.ErrorIs(t, err, posts.ErrInvariantViolation)

	stored, err := store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Likes)
	assert.Equal(t, 0, stored.Dislikes)

	entry, err := store.GetReaction(ctx, bob.ID, post.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, posts.Like, entry.Value, "ledger entry left as it was")

	assert.Equal(t, 1, rec.violations)
	assert.Empty(t, rec.outcomes)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestEngine_ConcurrentDistinctUsers(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	post := seedPost(t, svc, alice)

	const n = 50
	var g errgroup.Group
	for i := 0; i < n; i++ {
		user := posts.Identity{ID: posts.UserID(fmt.Sprintf("user-%d", i)), Role: posts.RoleNormal}
		g.Go(func() error {
			_, err := svc.React(ctx, user, post.ID, posts.Like)
			return err
		})
	}
	require.NoError(t, g.Wait())

	p := assertConsistent(t, store, post.ID)
	assert.Equal(t, n, p.Likes)
	assert.Equal(t, 0, svc.Engine.Locks.Len())
}

func TestEngine_ConcurrentSameUserToggles(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	post := seedPost(t, svc, alice)

	// An even number of like toggles from one user always ends in NONE.
	const n = 40
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := svc.React(ctx, bob, post.ID, posts.Like)
			return err
		})
	}
	require.NoError(t, g.Wait())

	p := assertConsistent(t, store, post.ID)
	assert.Equal(t, 0, p.Likes)
	assert.Equal(t, 0, p.Dislikes)
}

func TestEngine_ConcurrentMixedReactions(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	post := seedPost(t, svc, alice)

	var g errgroup.Group
	for i := 0; i < 30; i++ {
		user := posts.Identity{ID: posts.UserID(fmt.Sprintf("user-%d", i%6))}
		desired := posts.ReactionFromBool(i%3 != 0)
		g.Go(func() error {
			_, err := svc.React(ctx, user, post.ID, desired)
			return err
		})
	}
	require.NoError(t, g.Wait())

	p := assertConsistent(t, store, post.ID)
	assert.LessOrEqual(t, p.Likes+p.Dislikes, 6, "at most one entry per user")
}

func TestEngine_OpenTransactionDoesNotBlockOtherPosts(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	busy := seedPost(t, svc, alice)
	other := seedPost(t, svc, alice)

	// GIVEN: A transaction on one post that stays open
	entered := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- store.WithTx(ctx, func(tx posts.Store) error {
			p, err := tx.GetPost(ctx, busy.ID)
			if err != nil {
				return err
			}
			close(entered)
			<-release
			return tx.PutPost(ctx, p)
		})
	}()
	<-entered

	// WHEN: Someone reacts to a different post
	done := make(chan error, 1)
	go func() {
		_, err := svc.React(ctx, bob, other.ID, posts.Like)
		done <- err
	}()

	// THEN: It commits without waiting for the open transaction
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(release)
		t.Fatal("react on an unrelated post waited for an open transaction")
	}
	close(release)
	require.NoError(t, <-held)
	assertConsistent(t, store, other.ID)
}

func TestEngine_RacingTransactionLosesCleanly(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	post := seedPost(t, svc, alice)

	// GIVEN: A transaction that read the post before a toggle committed
	err := store.WithTx(ctx, func(tx posts.Store) error {
		p, err := tx.GetPost(ctx, post.ID)
		if err != nil {
			return err
		}
		_, err = svc.React(ctx, bob, post.ID, posts.Like)
		require.NoError(t, err)

		// WHEN: It writes its stale copy back
		return tx.PutPost(ctx, p)
	})

	// THEN: The stale write is refused and the toggle survives
	require.ErrorIs(t, err, posts.ErrConcurrentModification)
	p := assertConsistent(t, store, post.ID)
	assert.Equal(t, 1, p.Likes)
}
