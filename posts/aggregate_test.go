package posts_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/postboard/posts"
)

var (
	alice = posts.Identity{ID: "alice", Nickname: "Alice", Role: posts.RoleNormal}
	bob   = posts.Identity{ID: "bob", Nickname: "Bob", Role: posts.RoleNormal}
	admin = posts.Identity{ID: "root", Nickname: "Root", Role: posts.RoleAdmin}

	fixedNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
)

// =============================================================================
// AGGREGATE TESTS
// =============================================================================

func TestNewPost_ZeroCounters(t *testing.T) {
	p, err := posts.NewPost("p1", alice, "hello", fixedNow)
	require.NoError(t, err)

	assert.Equal(t, posts.UserID("alice"), p.CreatorID)
	assert.Equal(t, "Alice", p.CreatorNickname)
	assert.Zero(t, p.Likes)
	assert.Zero(t, p.Dislikes)
	assert.Zero(t, p.Comments)
	assert.Equal(t, fixedNow, p.CreatedAt)
	assert.Equal(t, fixedNow, p.UpdatedAt)
}

func TestNewPost_BlankContentRejected(t *testing.T) {
	_, err := posts.NewPost("p1", alice, "   ", fixedNow)

	var verr *posts.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)
}

func TestPost_DecrementBelowZero(t *testing.T) {
	// GIVEN: A post with no reactions
	p, err := posts.NewPost("p1", alice, "hello", fixedNow)
	require.NoError(t, err)

	// WHEN: Decrementing either counter
	likeErr := p.DecrementLike()
	dislikeErr := p.DecrementDislike()

	// THEN: Both fail as invariant violations and the counters stay at zero
	var ive *posts.InvariantViolationError
	require.ErrorAs(t, likeErr, &ive)
	assert.Equal(t, "likes", ive.Counter)
	assert.Equal(t, -1, ive.Value)
	assert.ErrorIs(t, dislikeErr, posts.ErrInvariantViolation)
	assert.Zero(t, p.Likes)
	assert.Zero(t, p.Dislikes)
}

func TestPost_ApplyTransition_Switch(t *testing.T) {
	p, err := posts.NewPost("p1", alice, "hello", fixedNow)
	require.NoError(t, err)
	p.Likes = 1

	tr, err := posts.NextTransition(posts.StateLiked, posts.Dislike)
	require.NoError(t, err)
	require.NoError(t, p.ApplyTransition(tr))

	assert.Equal(t, 0, p.Likes)
	assert.Equal(t, 1, p.Dislikes)
}

func TestPost_ApplyTransition_FailsOnDrift(t *testing.T) {
	// GIVEN: The ledger says LIKED but the counter is already zero
	p, err := posts.NewPost("p1", alice, "hello", fixedNow)
	require.NoError(t, err)

	tr, err := posts.NextTransition(posts.StateLiked, posts.Dislike)
	require.NoError(t, err)

	// WHEN / THEN: The decrement fails before the increment runs
	assert.ErrorIs(t, p.ApplyTransition(tr), posts.ErrInvariantViolation)
	assert.Zero(t, p.Dislikes)
}

func TestPost_SetContent_KeepsCounters(t *testing.T) {
	p, err := posts.NewPost("p1", alice, "hello", fixedNow)
	require.NoError(t, err)
	p.Likes, p.Dislikes = 3, 2

	require.NoError(t, p.SetContent("updated"))
	assert.Equal(t, "updated", p.Content)
	assert.Equal(t, 3, p.Likes)
	assert.Equal(t, 2, p.Dislikes)

	assert.ErrorIs(t, p.SetContent(""), posts.ErrValidation)
	assert.Equal(t, "updated", p.Content)
}

// =============================================================================
// POLICY TESTS
// =============================================================================

func TestPolicy(t *testing.T) {
	post := posts.Post{ID: "p1", CreatorID: alice.ID}

	assert.True(t, posts.CanEdit(alice, post))
	assert.False(t, posts.CanEdit(bob, post))
	assert.False(t, posts.CanEdit(admin, post), "admins cannot edit other people's posts")
	assert.False(t, posts.CanEdit(posts.Identity{}, posts.Post{}), "empty identity never matches an empty creator")

	assert.True(t, posts.CanDelete(alice, post))
	assert.False(t, posts.CanDelete(bob, post))
	assert.True(t, posts.CanDelete(admin, post))
}
