/*
transition.go - The reaction transition table

PURPOSE:
  Every reaction toggle is decided here and nowhere else. The table maps
  (current ledger state, desired reaction) to the next state, the ledger
  write, the counter deltas and the outcome tag.

TABLE:
  current \ desired | LIKE                          | DISLIKE
  ------------------+-------------------------------+-------------------------------
  NONE              | LIKED    likes+1     Applied  | DISLIKED dislikes+1  Applied
  LIKED             | NONE     likes-1     Reversed | DISLIKED likes-1 dislikes+1 Switched
  DISLIKED          | LIKED    dislikes-1 likes+1 Switched | NONE dislikes-1 Reversed

  Requesting the reaction already held is a toggle-off (Reversed).

SEE ALSO:
  - engine.go: applies the transition to ledger and aggregate atomically
  - aggregate.go: Post.ApplyTransition
*/
package posts

import "fmt"

// Transition is one cell of the table.
type Transition struct {
	From          State
	Desired       Reaction
	To            State
	LikesDelta    int
	DislikesDelta int
	Outcome       Outcome
}

// LedgerValue is the value the ledger holds after the transition.
// ok is false when the entry must be cleared.
func (t Transition) LedgerValue() (value Reaction, ok bool) {
	switch t.To {
	case StateLiked:
		return Like, true
	case StateDisliked:
		return Dislike, true
	}
	return "", false
}

const (
	desiredLike = iota
	desiredDislike
)

// transitions is indexed by [State][desired]. Six cells, all filled.
var transitions = [3][2]Transition{
	StateNone: {
		desiredLike:    {From: StateNone, Desired: Like, To: StateLiked, LikesDelta: +1, Outcome: OutcomeApplied},
		desiredDislike: {From: StateNone, Desired: Dislike, To: StateDisliked, DislikesDelta: +1, Outcome: OutcomeApplied},
	},
	StateLiked: {
		desiredLike:    {From: StateLiked, Desired: Like, To: StateNone, LikesDelta: -1, Outcome: OutcomeReversed},
		desiredDislike: {From: StateLiked, Desired: Dislike, To: StateDisliked, LikesDelta: -1, DislikesDelta: +1, Outcome: OutcomeSwitched},
	},
	StateDisliked: {
		desiredLike:    {From: StateDisliked, Desired: Like, To: StateLiked, LikesDelta: +1, DislikesDelta: -1, Outcome: OutcomeSwitched},
		desiredDislike: {From: StateDisliked, Desired: Dislike, To: StateNone, DislikesDelta: -1, Outcome: OutcomeReversed},
	},
}

// NextTransition looks up the cell for (current, desired).
func NextTransition(current State, desired Reaction) (Transition, error) {
	var col int
	switch desired {
	case Like:
		col = desiredLike
	case Dislike:
		col = desiredDislike
	default:
		return Transition{}, &ValidationError{Field: "like", Message: fmt.Sprintf("unsupported reaction %q", desired)}
	}
	if current < StateNone || current > StateDisliked {
		return Transition{}, fmt.Errorf("%w: unknown ledger state %v", ErrInvariantViolation, current)
	}
	return transitions[current][col], nil
}
