package posts_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/postboard/posts"
)

func TestAudit_ConsistentAfterToggles(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	p1 := seedPost(t, svc, alice)
	p2 := seedPost(t, svc, bob)

	for _, step := range []struct {
		who  posts.Identity
		post posts.PostID
		r    posts.Reaction
	}{
		{bob, p1.ID, posts.Like},
		{admin, p1.ID, posts.Dislike},
		{alice, p2.ID, posts.Like},
		{alice, p2.ID, posts.Dislike},
	} {
		_, err := svc.React(ctx, step.who, step.post, step.r)
		require.NoError(t, err)
	}

	report, err := posts.NewAuditor(store, nil).Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 2, report.Checked)
	assert.NotNil(t, report.Drift)
}

func TestAudit_ReportsDrift(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	good := seedPost(t, svc, alice)
	bad := seedPost(t, svc, alice)

	// GIVEN: Counters written behind the engine's back
	p, err := store.GetPost(ctx, bad.ID)
	require.NoError(t, err)
	p.Likes = 4
	require.NoError(t, store.PutPost(ctx, p))
	require.NoError(t, store.PutReaction(ctx, posts.ReactionEntry{UserID: bob.ID, PostID: bad.ID, Value: posts.Dislike}))

	// WHEN
	auditor := posts.NewAuditor(store, nil)
	auditor.Concurrency = 1
	report, err := auditor.Audit(ctx)

	// THEN: Only the tampered post is reported, with both views of it
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	require.Len(t, report.Drift, 1)
	assert.Equal(t, posts.Drift{
		PostID:         bad.ID,
		CachedLikes:    4,
		LedgerLikes:    0,
		CachedDislikes: 0,
		LedgerDislikes: 1,
	}, report.Drift[0])
	assert.NotEqual(t, good.ID, report.Drift[0].PostID)

	// Audit never repairs.
	stored, err := store.GetPost(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Likes)
}

func TestAudit_NoDriftWhileReactionsCommit(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	post := seedPost(t, svc, alice)

	auditor := posts.NewAuditor(store, nil)
	auditor.Locks = svc.Engine.Locks

	// GIVEN: Users toggling likes on the audited post
	stop := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(stop)
		wg.Wait()
	}()
	for i := 0; i < 8; i++ {
		user := posts.Identity{ID: posts.UserID(fmt.Sprintf("toggler-%d", i)), Role: posts.RoleNormal}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := svc.React(ctx, user, post.ID, posts.Like); err != nil {
					t.Errorf("react: %v", err)
					return
				}
			}
		}()
	}

	// WHEN / THEN: Every pass sees counters and ledger from the same moment
	for i := 0; i < 200; i++ {
		report, err := auditor.Audit(ctx)
		require.NoError(t, err)
		require.True(t, report.Consistent(), "pass %d reported %+v", i, report.Drift)
		require.Equal(t, 1, report.Checked)
	}
}

func TestAudit_SkipsPostDeletedDuringPass(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	kept := seedPost(t, svc, alice)
	gone := seedPost(t, svc, alice)

	// GIVEN: A post that disappears between listing and recount
	listing := &listThenDelete{TxStore: store, victim: gone.ID}

	// WHEN
	report, err := posts.NewAuditor(listing, nil).Audit(ctx)

	// THEN
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 1, report.Checked)
	p, err := store.GetPost(ctx, kept.ID)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

// listThenDelete deletes victim right after handing out the post listing.
type listThenDelete struct {
	posts.TxStore
	victim posts.PostID
}

func (l *listThenDelete) ListPosts(ctx context.Context) ([]*posts.Post, error) {
	all, err := l.TxStore.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	return all, l.TxStore.DeletePost(ctx, l.victim)
}
