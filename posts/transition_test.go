package posts_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/postboard/posts"
)

// =============================================================================
// TRANSITION TABLE TESTS
// =============================================================================

func TestNextTransition_AllCells(t *testing.T) {
	cases := []struct {
		from          posts.State
		desired       posts.Reaction
		to            posts.State
		likesDelta    int
		dislikesDelta int
		outcome       posts.Outcome
	}{
		{posts.StateNone, posts.Like, posts.StateLiked, 1, 0, posts.OutcomeApplied},
		{posts.StateNone, posts.Dislike, posts.StateDisliked, 0, 1, posts.OutcomeApplied},
		{posts.StateLiked, posts.Like, posts.StateNone, -1, 0, posts.OutcomeReversed},
		{posts.StateLiked, posts.Dislike, posts.StateDisliked, -1, 1, posts.OutcomeSwitched},
		{posts.StateDisliked, posts.Like, posts.StateLiked, 1, -1, posts.OutcomeSwitched},
		{posts.StateDisliked, posts.Dislike, posts.StateNone, 0, -1, posts.OutcomeReversed},
	}

	for _, tc := range cases {
		t.Run(tc.from.String()+"_"+string(tc.desired), func(t *testing.T) {
			tr, err := posts.NextTransition(tc.from, tc.desired)
			require.NoError(t, err)

			assert.Equal(t, tc.from, tr.From)
			assert.Equal(t, tc.desired, tr.Desired)
			assert.Equal(t, tc.to, tr.To)
			assert.Equal(t, tc.likesDelta, tr.LikesDelta)
			assert.Equal(t, tc.dislikesDelta, tr.DislikesDelta)
			assert.Equal(t, tc.outcome, tr.Outcome)
		})
	}
}

func TestNextTransition_DeltasMatchLedgerChange(t *testing.T) {
	// Each cell must move the counters by exactly the change in ledger
	// membership, otherwise the cached counters drift.
	likeWeight := func(s posts.State) int {
		if s == posts.StateLiked {
			return 1
		}
		return 0
	}
	dislikeWeight := func(s posts.State) int {
		if s == posts.StateDisliked {
			return 1
		}
		return 0
	}

	for _, from := range []posts.State{posts.StateNone, posts.StateLiked, posts.StateDisliked} {
		for _, desired := range []posts.Reaction{posts.Like, posts.Dislike} {
			tr, err := posts.NextTransition(from, desired)
			require.NoError(t, err)
			assert.Equal(t, likeWeight(tr.To)-likeWeight(from), tr.LikesDelta, "%s/%s", from, desired)
			assert.Equal(t, dislikeWeight(tr.To)-dislikeWeight(from), tr.DislikesDelta, "%s/%s", from, desired)
		}
	}
}

func TestNextTransition_LedgerValue(t *testing.T) {
	tr, err := posts.NextTransition(posts.StateNone, posts.Dislike)
	require.NoError(t, err)
	v, ok := tr.LedgerValue()
	assert.True(t, ok)
	assert.Equal(t, posts.Dislike, v)

	tr, err = posts.NextTransition(posts.StateLiked, posts.Like)
	require.NoError(t, err)
	_, ok = tr.LedgerValue()
	assert.False(t, ok, "toggle-off clears the entry")
}

func TestNextTransition_RejectsUnknownReaction(t *testing.T) {
	_, err := posts.NextTransition(posts.StateNone, posts.Reaction("LOVE"))

	var verr *posts.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, posts.ErrValidation)
}

func TestNextTransition_RejectsUnknownState(t *testing.T) {
	_, err := posts.NextTransition(posts.State(7), posts.Like)
	assert.ErrorIs(t, err, posts.ErrInvariantViolation)
}

func TestOutcome_Message(t *testing.T) {
	assert.Equal(t, "like applied", posts.OutcomeApplied.Message(posts.Like))
	assert.Equal(t, "dislike removed", posts.OutcomeReversed.Message(posts.Dislike))
	assert.Equal(t, "reaction switched", posts.OutcomeSwitched.Message(posts.Like))
}

func TestStateOf(t *testing.T) {
	s, err := posts.StateOf(nil)
	require.NoError(t, err)
	assert.Equal(t, posts.StateNone, s)

	s, err = posts.StateOf(&posts.ReactionEntry{Value: posts.Like})
	require.NoError(t, err)
	assert.Equal(t, posts.StateLiked, s)

	_, err = posts.StateOf(&posts.ReactionEntry{UserID: "u", PostID: "p", Value: "MEH"})
	assert.ErrorIs(t, err, posts.ErrInvariantViolation)
}

func TestReactionFromBool(t *testing.T) {
	assert.Equal(t, posts.Like, posts.ReactionFromBool(true))
	assert.Equal(t, posts.Dislike, posts.ReactionFromBool(false))
	assert.False(t, posts.Reaction("like").Valid(), "values are upper case")
}
