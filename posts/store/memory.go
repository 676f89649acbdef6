/*
Package store provides the in-memory posts.TxStore.

PURPOSE:
  Development and test backend. Memory keeps the committed maps behind one
  RWMutex that is held only for the duration of a single read or write.

TRANSACTIONS:
  TxMemory transactions are optimistic. A transaction reads through to the
  committed maps and buffers its own writes. Each key it reads is stamped
  with the version it saw; Commit takes the write lock just long enough to
  compare the stamps and apply the buffer. If a stamp moved, the buffer is
  dropped and the commit fails with posts.ErrConcurrentModification.
  Rollback is dropping the buffer.

  Range reads (a post's ledger, all posts, all users) stamp a range key
  that every write inside the range bumps.

SEE ALSO:
  - posts/store.go: Interface definitions
  - store/badger/badger.go: Same optimistic model, on disk
*/
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/warp/postboard/posts"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	posts     map[posts.PostID]posts.Post
	reactions map[posts.ReactionKey]posts.ReactionEntry
	users     map[posts.UserID]posts.User
	emails    map[string]posts.UserID

	// versions maps a key (see the *VersionKey helpers) to the clock
	// value of its last write. Absent means never written.
	versions map[string]uint64
	clock    uint64
}

func NewMemory() *Memory {
	return &Memory{
		posts:     make(map[posts.PostID]posts.Post),
		reactions: make(map[posts.ReactionKey]posts.ReactionEntry),
		users:     make(map[posts.UserID]posts.User),
		emails:    make(map[string]posts.UserID),
		versions:  make(map[string]uint64),
	}
}

// Posts

func (m *Memory) GetPost(_ context.Context, id posts.PostID) (*posts.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPostLocked(id), nil
}

func (m *Memory) PutPost(_ context.Context, post *posts.Post) error {
	if err := checkPost(post); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storePostLocked(*post)
	return nil
}

func (m *Memory) DeletePost(_ context.Context, id posts.PostID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletePostLocked(id)
	return nil
}

func (m *Memory) ListPosts(_ context.Context) ([]*posts.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPostsLocked(), nil
}

// Reactions

func (m *Memory) GetReaction(_ context.Context, userID posts.UserID, postID posts.PostID) (*posts.ReactionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReactionLocked(posts.ReactionKey{UserID: userID, PostID: postID}), nil
}

func (m *Memory) PutReaction(_ context.Context, entry posts.ReactionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeReactionLocked(entry)
	return nil
}

func (m *Memory) DeleteReaction(_ context.Context, userID posts.UserID, postID posts.PostID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteReactionLocked(posts.ReactionKey{UserID: userID, PostID: postID})
	return nil
}

func (m *Memory) DeleteReactionsForPost(_ context.Context, postID posts.PostID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.reactions {
		if k.PostID == postID {
			m.deleteReactionLocked(k)
		}
	}
	return nil
}

func (m *Memory) CountReactions(_ context.Context, postID posts.PostID) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var likes, dislikes int
	for k, e := range m.reactions {
		if k.PostID == postID {
			tally(e, &likes, &dislikes)
		}
	}
	return likes, dislikes, nil
}

// Users

func (m *Memory) GetUser(_ context.Context, id posts.UserID) (*posts.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUserLocked(id), nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (*posts.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[normalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return m.getUserLocked(id), nil
}

func (m *Memory) PutUser(_ context.Context, user *posts.User) error {
	if err := checkUser(user); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.emails[normalizeEmail(user.Email)]; ok && owner != user.ID {
		return fmt.Errorf("email %q already registered: %w", user.Email, posts.ErrConflict)
	}
	m.storeUserLocked(*user)
	return nil
}

func (m *Memory) ListUsers(_ context.Context) ([]*posts.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUsersLocked(), nil
}

// Locked helpers. Callers hold m.mu; the store* and delete* helpers need
// it for writing.

func (m *Memory) bumpLocked(keys ...string) {
	m.clock++
	for _, k := range keys {
		m.versions[k] = m.clock
	}
}

func (m *Memory) getPostLocked(id posts.PostID) *posts.Post {
	p, ok := m.posts[id]
	if !ok {
		return nil
	}
	return &p
}

func (m *Memory) storePostLocked(p posts.Post) {
	m.posts[p.ID] = p
	m.bumpLocked(postVersionKey(p.ID), allPostsKey)
}

func (m *Memory) deletePostLocked(id posts.PostID) {
	if _, ok := m.posts[id]; !ok {
		return
	}
	delete(m.posts, id)
	m.bumpLocked(postVersionKey(id), allPostsKey)
}

func (m *Memory) listPostsLocked() []*posts.Post {
	result := make([]*posts.Post, 0, len(m.posts))
	for _, p := range m.posts {
		p := p
		result = append(result, &p)
	}
	return result
}

func (m *Memory) getReactionLocked(key posts.ReactionKey) *posts.ReactionEntry {
	e, ok := m.reactions[key]
	if !ok {
		return nil
	}
	return &e
}

func (m *Memory) storeReactionLocked(e posts.ReactionEntry) {
	m.reactions[e.Key()] = e
	m.bumpLocked(reactionVersionKey(e.Key()), ledgerVersionKey(e.PostID))
}

func (m *Memory) deleteReactionLocked(key posts.ReactionKey) {
	if _, ok := m.reactions[key]; !ok {
		return
	}
	delete(m.reactions, key)
	m.bumpLocked(reactionVersionKey(key), ledgerVersionKey(key.PostID))
}

func (m *Memory) getUserLocked(id posts.UserID) *posts.User {
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	return &u
}

// storeUserLocked writes u and moves its email index entry. Uniqueness is
// the caller's check.
func (m *Memory) storeUserLocked(u posts.User) {
	email := normalizeEmail(u.Email)
	if prev, ok := m.users[u.ID]; ok {
		old := normalizeEmail(prev.Email)
		if old != email && m.emails[old] == u.ID {
			delete(m.emails, old)
			m.bumpLocked(emailVersionKey(old))
		}
	}
	m.users[u.ID] = u
	m.emails[email] = u.ID
	m.bumpLocked(userVersionKey(u.ID), emailVersionKey(email), allUsersKey)
}

func (m *Memory) listUsersLocked() []*posts.User {
	result := make([]*posts.User, 0, len(m.users))
	for _, u := range m.users {
		u := u
		result = append(result, &u)
	}
	return result
}

func checkPost(post *posts.Post) error {
	if post == nil || post.ID == "" {
		return fmt.Errorf("put post: missing id")
	}
	return nil
}

func checkUser(user *posts.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("put user: missing id")
	}
	return nil
}

func tally(e posts.ReactionEntry, likes, dislikes *int) {
	switch e.Value {
	case posts.Like:
		*likes++
	case posts.Dislike:
		*dislikes++
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Version keys

const (
	allPostsKey = "posts"
	allUsersKey = "users"
)

func postVersionKey(id posts.PostID) string { return "post/" + string(id) }

func ledgerVersionKey(id posts.PostID) string { return "ledger/" + string(id) }

func reactionVersionKey(k posts.ReactionKey) string {
	return "reaction/" + string(k.PostID) + "/" + string(k.UserID)
}

func userVersionKey(id posts.UserID) string { return "user/" + string(id) }

func emailVersionKey(email string) string { return "email/" + email }

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within an optimistic transaction. Transactions on
// disjoint keys never wait for each other.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(posts.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		parent:    tm.Memory,
		seen:      make(map[string]uint64),
		posts:     make(map[posts.PostID]*posts.Post),
		reactions: make(map[posts.ReactionKey]*posts.ReactionEntry),
		users:     make(map[posts.UserID]*posts.User),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

// memoryTx is the Store handed to a WithTx callback. A nil entry in one of
// the buffers marks a delete. Like a database transaction it is not meant
// for concurrent use.
type memoryTx struct {
	parent *Memory
	seen   map[string]uint64

	posts     map[posts.PostID]*posts.Post
	reactions map[posts.ReactionKey]*posts.ReactionEntry
	users     map[posts.UserID]*posts.User
}

// observeLocked stamps key with the version first seen. Caller holds
// parent.mu.
func (tx *memoryTx) observeLocked(key string) {
	if _, ok := tx.seen[key]; !ok {
		tx.seen[key] = tx.parent.versions[key]
	}
}

func (tx *memoryTx) commit() error {
	m := tx.parent
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, v := range tx.seen {
		if m.versions[key] != v {
			return fmt.Errorf("%s changed during the transaction: %w", key, posts.ErrConcurrentModification)
		}
	}
	if err := tx.checkEmailsLocked(); err != nil {
		return err
	}

	for id, p := range tx.posts {
		if p == nil {
			m.deletePostLocked(id)
			continue
		}
		m.storePostLocked(*p)
	}
	for k, e := range tx.reactions {
		if e == nil {
			m.deleteReactionLocked(k)
			continue
		}
		m.storeReactionLocked(*e)
	}
	for _, u := range tx.users {
		m.storeUserLocked(*u)
	}
	return nil
}

// checkEmailsLocked rejects the commit before anything is applied if a
// buffered user would take an email another user keeps.
func (tx *memoryTx) checkEmailsLocked() error {
	for _, u := range tx.users {
		email := normalizeEmail(u.Email)
		owner, ok := tx.parent.emails[email]
		if !ok || owner == u.ID {
			continue
		}
		if moved, ok := tx.users[owner]; ok && normalizeEmail(moved.Email) != email {
			continue
		}
		return fmt.Errorf("email %q already registered: %w", u.Email, posts.ErrConflict)
	}
	return nil
}

// Posts

func (tx *memoryTx) GetPost(_ context.Context, id posts.PostID) (*posts.Post, error) {
	if p, ok := tx.posts[id]; ok {
		return copyPost(p), nil
	}
	tx.parent.mu.RLock()
	defer tx.parent.mu.RUnlock()
	tx.observeLocked(postVersionKey(id))
	return tx.parent.getPostLocked(id), nil
}

func (tx *memoryTx) PutPost(_ context.Context, post *posts.Post) error {
	if err := checkPost(post); err != nil {
		return err
	}
	tx.posts[post.ID] = copyPost(post)
	return nil
}

func (tx *memoryTx) DeletePost(_ context.Context, id posts.PostID) error {
	tx.posts[id] = nil
	return nil
}

func (tx *memoryTx) ListPosts(_ context.Context) ([]*posts.Post, error) {
	tx.parent.mu.RLock()
	tx.observeLocked(allPostsKey)
	committed := tx.parent.listPostsLocked()
	tx.parent.mu.RUnlock()

	result := make([]*posts.Post, 0, len(committed)+len(tx.posts))
	for _, p := range committed {
		if _, ok := tx.posts[p.ID]; !ok {
			result = append(result, p)
		}
	}
	for _, p := range tx.posts {
		if p != nil {
			result = append(result, copyPost(p))
		}
	}
	return result, nil
}

// Reactions

func (tx *memoryTx) GetReaction(_ context.Context, userID posts.UserID, postID posts.PostID) (*posts.ReactionEntry, error) {
	key := posts.ReactionKey{UserID: userID, PostID: postID}
	if e, ok := tx.reactions[key]; ok {
		if e == nil {
			return nil, nil
		}
		c := *e
		return &c, nil
	}
	tx.parent.mu.RLock()
	defer tx.parent.mu.RUnlock()
	tx.observeLocked(reactionVersionKey(key))
	return tx.parent.getReactionLocked(key), nil
}

func (tx *memoryTx) PutReaction(_ context.Context, entry posts.ReactionEntry) error {
	tx.reactions[entry.Key()] = &entry
	return nil
}

func (tx *memoryTx) DeleteReaction(_ context.Context, userID posts.UserID, postID posts.PostID) error {
	tx.reactions[posts.ReactionKey{UserID: userID, PostID: postID}] = nil
	return nil
}

func (tx *memoryTx) DeleteReactionsForPost(_ context.Context, postID posts.PostID) error {
	tx.parent.mu.RLock()
	tx.observeLocked(ledgerVersionKey(postID))
	var keys []posts.ReactionKey
	for k := range tx.parent.reactions {
		if k.PostID == postID {
			keys = append(keys, k)
		}
	}
	tx.parent.mu.RUnlock()

	for _, k := range keys {
		tx.reactions[k] = nil
	}
	for k := range tx.reactions {
		if k.PostID == postID {
			tx.reactions[k] = nil
		}
	}
	return nil
}

func (tx *memoryTx) CountReactions(_ context.Context, postID posts.PostID) (int, int, error) {
	var likes, dislikes int

	tx.parent.mu.RLock()
	tx.observeLocked(ledgerVersionKey(postID))
	for k, e := range tx.parent.reactions {
		if k.PostID != postID {
			continue
		}
		if _, ok := tx.reactions[k]; !ok {
			tally(e, &likes, &dislikes)
		}
	}
	tx.parent.mu.RUnlock()

	for k, e := range tx.reactions {
		if k.PostID == postID && e != nil {
			tally(*e, &likes, &dislikes)
		}
	}
	return likes, dislikes, nil
}

// Users

func (tx *memoryTx) GetUser(_ context.Context, id posts.UserID) (*posts.User, error) {
	if u, ok := tx.users[id]; ok {
		c := *u
		return &c, nil
	}
	tx.parent.mu.RLock()
	defer tx.parent.mu.RUnlock()
	tx.observeLocked(userVersionKey(id))
	return tx.parent.getUserLocked(id), nil
}

func (tx *memoryTx) GetUserByEmail(ctx context.Context, email string) (*posts.User, error) {
	email = normalizeEmail(email)
	for _, u := range tx.users {
		if normalizeEmail(u.Email) == email {
			c := *u
			return &c, nil
		}
	}

	tx.parent.mu.RLock()
	tx.observeLocked(emailVersionKey(email))
	id, ok := tx.parent.emails[email]
	tx.parent.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	u, err := tx.GetUser(ctx, id)
	if err != nil || u == nil || normalizeEmail(u.Email) != email {
		// Moved to another address earlier in this transaction.
		return nil, err
	}
	return u, nil
}

func (tx *memoryTx) PutUser(ctx context.Context, user *posts.User) error {
	if err := checkUser(user); err != nil {
		return err
	}
	owner, err := tx.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return err
	}
	if owner != nil && owner.ID != user.ID {
		return fmt.Errorf("email %q already registered: %w", user.Email, posts.ErrConflict)
	}
	c := *user
	tx.users[user.ID] = &c
	return nil
}

func (tx *memoryTx) ListUsers(_ context.Context) ([]*posts.User, error) {
	tx.parent.mu.RLock()
	tx.observeLocked(allUsersKey)
	committed := tx.parent.listUsersLocked()
	tx.parent.mu.RUnlock()

	result := make([]*posts.User, 0, len(committed)+len(tx.users))
	for _, u := range committed {
		if _, ok := tx.users[u.ID]; !ok {
			result = append(result, u)
		}
	}
	for _, u := range tx.users {
		c := *u
		result = append(result, &c)
	}
	return result, nil
}

func copyPost(p *posts.Post) *posts.Post {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
