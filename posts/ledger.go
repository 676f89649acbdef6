/*
ledger.go - The reaction ledger

PURPOSE:
  The ledger is the source of truth for reactions: for every (user, post)
  it holds at most one value. Post counters are a cache derived from it.

CRITICAL INVARIANTS:
  1. EXCLUSIVE: one entry per (user, post), LIKE or DISLIKE, never both
  2. ENGINE-ONLY: entries are written by the reaction engine alone
  3. DERIVABLE: counting entries per post reproduces the post counters

SEE ALSO:
  - store.go: Low-level persistence interface
  - engine.go: Writes the ledger and the counters together
  - audit.go: Recounts the ledger and compares with the counters
*/
package posts

import (
	"context"
	"fmt"
	"time"
)

// Ledger is a view of the reaction entries in a Store.
type Ledger struct {
	Store ReactionStore
}

func NewLedger(store ReactionStore) *Ledger {
	return &Ledger{Store: store}
}

// State returns the current state of (userID, postID).
func (l *Ledger) State(ctx context.Context, userID UserID, postID PostID) (State, error) {
	entry, err := l.Store.GetReaction(ctx, userID, postID)
	if err != nil {
		return StateNone, fmt.Errorf("load reaction %s/%s: %w", userID, postID, err)
	}
	return StateOf(entry)
}

// Apply writes the ledger side of a transition: set the new value, or clear
// the entry when the transition ends in StateNone.
func (l *Ledger) Apply(ctx context.Context, userID UserID, postID PostID, t Transition, now time.Time) error {
	value, ok := t.LedgerValue()
	if !ok {
		if err := l.Store.DeleteReaction(ctx, userID, postID); err != nil {
			return fmt.Errorf("clear reaction %s/%s: %w", userID, postID, err)
		}
		return nil
	}
	entry := ReactionEntry{UserID: userID, PostID: postID, Value: value, UpdatedAt: now}
	if err := l.Store.PutReaction(ctx, entry); err != nil {
		return fmt.Errorf("write reaction %s/%s: %w", userID, postID, err)
	}
	return nil
}

// Counts recounts a post's entries.
func (l *Ledger) Counts(ctx context.Context, postID PostID) (likes, dislikes int, err error) {
	likes, dislikes, err = l.Store.CountReactions(ctx, postID)
	if err != nil {
		return 0, 0, fmt.Errorf("count reactions of %s: %w", postID, err)
	}
	return likes, dislikes, nil
}
