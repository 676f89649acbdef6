/*
engine.go - The reaction engine

PURPOSE:
  Toggles a user's reaction on a post. Reads the ledger state, looks the
  transition up in the table, and writes the ledger and the post counters
  as one unit.

REQUEST FLOW:
  1. Validate the desired reaction
  2. Lock the post in-process; other posts never contend
  3. WithTx: load post, load ledger state, look up transition,
     mutate aggregate, write ledger, persist post
  4. Unlock, report post + outcome

CONCURRENCY:
  Every toggle rewrites the post's counters, so toggles on one post are
  serialized by the post's keyed mutex, the same one edits and deletes
  take. Toggles on different posts only meet inside the store, which runs
  their transactions side by side (SQLite excepted: one writer at a time).
  The transaction re-reads the post, so a second process sharing the store
  loses a race with ErrConcurrentModification instead of a counter.

SEE ALSO:
  - transition.go: The table
  - keylock.go: Per-key mutexes
*/
package posts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Recorder receives engine and service events. metrics.Metrics implements it.
type Recorder interface {
	ReactionApplied(outcome Outcome)
	InvariantViolation()
	Operation(op string, err error)
	ObserveReact(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ReactionApplied(Outcome) {}
func (nopRecorder) InvariantViolation() {}
func (nopRecorder) Operation(string, error) {}
func (nopRecorder) ObserveReact(time.Duration) {}

// ReactResult is what a toggle reports back.
type ReactResult struct {
	Post    *Post
	Outcome Outcome
	State   State // ledger state after the toggle
	Message string
}

// Engine applies reaction transitions.
type Engine struct {
	Store    TxStore
	Locks    *KeyedMutex
	Logger   *zap.SugaredLogger
	Recorder Recorder
	Now      Clock
}

// NewEngine creates an engine with its own lock table.
func NewEngine(store TxStore, logger *zap.SugaredLogger, recorder Recorder) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Engine{
		Store:    store,
		Locks:    NewKeyedMutex(),
		Logger:   logger,
		Recorder: recorder,
		Now:      systemClock,
	}
}

// React toggles userID's reaction on postID.
func (e *Engine) React(ctx context.Context, postID PostID, userID UserID, desired Reaction) (ReactResult, error) {
	started := time.Now()
	defer func() { e.Recorder.ObserveReact(time.Since(started)) }()

	if !desired.Valid() {
		return ReactResult{}, &ValidationError{Field: "like", Message: "must be a boolean"}
	}
	if postID == "" {
		return ReactResult{}, &ValidationError{Field: "id", Message: "is required"}
	}
	if userID == "" {
		return ReactResult{}, &ValidationError{Field: "user", Message: "is required"}
	}

	unlock := e.Locks.Lock(postLockKey(postID))
	defer unlock()

	var result ReactResult
	err := e.Store.WithTx(ctx, func(tx Store) error {
		post, err := tx.GetPost(ctx, postID)
		if err != nil {
			return fmt.Errorf("load post %s: %w", postID, err)
		}
		if post == nil {
			return notFound("post", string(postID))
		}

		ledger := NewLedger(tx)
		current, err := ledger.State(ctx, userID, postID)
		if err != nil {
			return err
		}

		t, err := NextTransition(current, desired)
		if err != nil {
			return err
		}

		if err := post.ApplyTransition(t); err != nil {
			return err
		}
		if err := ledger.Apply(ctx, userID, postID, t, e.Now()); err != nil {
			return err
		}
		if err := tx.PutPost(ctx, post); err != nil {
			return fmt.Errorf("persist post %s: %w", postID, err)
		}

		result = ReactResult{
			Post:    post,
			Outcome: t.Outcome,
			State:   t.To,
			Message: t.Outcome.Message(desired),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			e.Recorder.InvariantViolation()
			e.Logger.Errorw("reaction ledger and counters disagree",
				"post_id", postID,
				"user_id", userID,
				"desired", desired,
				"error", err,
			)
		}
		e.Recorder.Operation("react", err)
		return ReactResult{}, err
	}

	e.Recorder.ReactionApplied(result.Outcome)
	e.Recorder.Operation("react", nil)
	e.Logger.Debugw("reaction toggled",
		"post_id", postID,
		"user_id", userID,
		"outcome", result.Outcome,
		"state", result.State.String(),
	)
	return result, nil
}
