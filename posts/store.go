/*
store.go - Persistence interface for posts, users and the reaction ledger

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations use SQLite, Badger, or in-memory storage.

KEY INTERFACES:
  Store:    point lookups and writes for posts, reactions and users
  TxStore:  Store plus WithTx for atomic read-modify-write
  Resolver: credential -> Identity (external collaborator)

ABSENCE CONVENTION:
  Getters return (nil, nil) when the record doesn't exist. Only real
  storage failures produce an error.

ATOMICITY:
  The reaction engine reads the ledger entry and the post, then writes both,
  inside a single WithTx call. Implementations must isolate that callback
  from concurrent WithTx callbacks touching the same post.

IMPLEMENTATIONS:
  - posts/store/memory.go: In-memory for testing/dev
  - store/sqlite/sqlite.go: SQLite
  - store/badger/badger.go: Embedded BadgerDB

SEE ALSO:
  - ledger.go: Reaction ledger on top of Store
  - engine.go: The only caller that writes reactions
*/
package posts

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for persistence
// =============================================================================

type Store interface {
	PostStore
	ReactionStore
	UserStore
}

type PostStore interface {
	GetPost(ctx context.Context, id PostID) (*Post, error)
	PutPost(ctx context.Context, post *Post) error
	DeletePost(ctx context.Context, id PostID) error

	// ListPosts returns all posts, in no particular order.
	ListPosts(ctx context.Context) ([]*Post, error)
}

type ReactionStore interface {
	GetReaction(ctx context.Context, userID UserID, postID PostID) (*ReactionEntry, error)
	PutReaction(ctx context.Context, entry ReactionEntry) error
	DeleteReaction(ctx context.Context, userID UserID, postID PostID) error

	// DeleteReactionsForPost clears every ledger entry of a post.
	DeleteReactionsForPost(ctx context.Context, postID PostID) error

	// CountReactions counts ledger entries of a post by value.
	CountReactions(ctx context.Context, postID PostID) (likes int, dislikes int, err error)
}

type UserStore interface {
	GetUser(ctx context.Context, id UserID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// PutUser inserts or updates. A different user with the same email
	// yields ErrConflict.
	PutUser(ctx context.Context, user *User) error
	ListUsers(ctx context.Context) ([]*User, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Resolver verifies an opaque credential.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

type IDGenerator interface {
	NewID() string
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() string

func (f IDGeneratorFunc) NewID() string { return f() }

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
