/*
Package posts provides the post aggregate and the reaction engine.

PURPOSE:
  Holds the domain types of the service: posts with cached like/dislike
  counters, the per-(user, post) reaction ledger, identities and users.
  The engine keeps the cached counters exactly derivable from the ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Post: the aggregate, owner of its counters and content
  - Reaction: LIKE or DISLIKE, the value of a ledger entry
  - State: NONE / LIKED / DISLIKED, the ledger state of one (user, post)
  - Identity: trusted output of credential resolution
  - User: account record, source of the current nickname

INVARIANT:
  Post.Likes    == count of ledger entries (*, post) with value Like
  Post.Dislikes == count of ledger entries (*, post) with value Dislike

SEE ALSO:
  - aggregate.go: counter and content mutators
  - transition.go: the reaction transition table
  - engine.go: applies transitions atomically
*/
package posts

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PostID string

type UserID string

// ReactionKey identifies one ledger entry.
type ReactionKey struct {
	UserID UserID
	PostID PostID
}

func (k ReactionKey) String() string {
	return string(k.UserID) + "/" + string(k.PostID)
}

// =============================================================================
// REACTION - Value of a ledger entry
// =============================================================================

type Reaction string

const (
	Like    Reaction = "LIKE"
	Dislike Reaction = "DISLIKE"
)

func (r Reaction) Valid() bool {
	return r == Like || r == Dislike
}

// ReactionFromBool maps the wire flag (like: true/false) to a Reaction.
func ReactionFromBool(like bool) Reaction {
	if like {
		return Like
	}
	return Dislike
}

// ReactionEntry is one row of the reaction ledger.
type ReactionEntry struct {
	UserID    UserID
	PostID    PostID
	Value     Reaction
	UpdatedAt time.Time
}

func (e ReactionEntry) Key() ReactionKey {
	return ReactionKey{UserID: e.UserID, PostID: e.PostID}
}

// =============================================================================
// STATE - What the ledger currently holds for one (user, post)
// =============================================================================

type State int

const (
	StateNone State = iota
	StateLiked
	StateDisliked
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateLiked:
		return "LIKED"
	case StateDisliked:
		return "DISLIKED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateOf converts a ledger lookup result into a State. nil means no entry.
func StateOf(entry *ReactionEntry) (State, error) {
	if entry == nil {
		return StateNone, nil
	}
	switch entry.Value {
	case Like:
		return StateLiked, nil
	case Dislike:
		return StateDisliked, nil
	}
	return StateNone, fmt.Errorf("%w: ledger entry %s holds unknown value %q",
		ErrInvariantViolation, entry.Key(), entry.Value)
}

// =============================================================================
// OUTCOME - Human-facing result of a reaction toggle
// =============================================================================

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeReversed Outcome = "reversed"
	OutcomeSwitched Outcome = "switched"
)

// Message renders the outcome for the reaction the caller asked for.
func (o Outcome) Message(desired Reaction) string {
	noun := "like"
	if desired == Dislike {
		noun = "dislike"
	}
	switch o {
	case OutcomeApplied:
		return noun + " applied"
	case OutcomeReversed:
		return noun + " removed"
	case OutcomeSwitched:
		return "reaction switched"
	}
	return string(o)
}

// =============================================================================
// IDENTITY AND USERS
// =============================================================================

type Role string

const (
	RoleNormal Role = "NORMAL"
	RoleAdmin  Role = "ADMIN"
)

func (r Role) Valid() bool {
	return r == RoleNormal || r == RoleAdmin
}

// Identity is produced by a Resolver and trusted once resolved.
type Identity struct {
	ID       UserID
	Nickname string
	Role     Role
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// User is an account record.
type User struct {
	ID           UserID
	Nickname     string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) Identity() Identity {
	return Identity{ID: u.ID, Nickname: u.Nickname, Role: u.Role}
}
