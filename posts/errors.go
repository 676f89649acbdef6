/*
errors.go - Centralized error types for the posts domain

PURPOSE:
  All error types in one place. Stores and the API layer classify failures
  with errors.Is / errors.As against the sentinels below.

ERROR CATEGORIES:
  1. Client errors - validation, unauthenticated, forbidden, not found, conflict
  2. Consistency errors - invariant violation (ledger/counter drift)
  3. Store errors - concurrent modification, wrapped driver errors

INVARIANT VIOLATIONS:
  ErrInvariantViolation signals a prior bug, never a user error. It is
  logged loudly and surfaced; nothing in this package repairs the drift.

SEE ALSO:
  - aggregate.go: raises InvariantViolationError and ValidationError
  - api/errors.go: HTTP status mapping
*/
package posts

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or missing input.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthenticated is returned when a credential cannot be verified.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when an identity may not act on a post.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when a referenced post or user doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique attribute is already taken.
	ErrConflict = errors.New("conflict")

	// ErrInvariantViolation is returned when ledger and counters disagree.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConcurrentModification is returned when a store transaction lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("'%s' %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InvariantViolationError reports a counter that would leave its valid range.
type InvariantViolationError struct {
	PostID  PostID
	Counter string // "likes" or "dislikes"
	Value   int    // value the counter would have taken
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: post %s %s would become %d", e.PostID, e.Counter, e.Value)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// OrphanedPostError is returned by listing when a post's creator is gone.
type OrphanedPostError struct {
	PostID    PostID
	CreatorID UserID
}

func (e *OrphanedPostError) Error() string {
	return fmt.Sprintf("creator %s of post %s not found", e.CreatorID, e.PostID)
}

func (e *OrphanedPostError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request, not the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
