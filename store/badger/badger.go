/*
Package badger provides an embedded BadgerDB implementation of posts.TxStore.

PURPOSE:
  A single-binary deployment option with no SQL engine. Records are JSON
  values under prefixed keys.

KEY LAYOUT:
  post/<post_id>                      -> postRecord
  reaction/<post_id>/<user_id>        -> reactionRecord
  user/<user_id>                      -> userRecord
  user-email/<lowercased email>       -> user_id

  Reactions are keyed post first so a post's ledger is one prefix scan
  (recount, delete cascade).

CONCURRENCY:
  Badger transactions are optimistic and run side by side. Every key a
  callback reads is checked again at Commit; if another transaction wrote
  one of them first, Commit fails and the error is reported as
  posts.ErrConcurrentModification, never retried. The posts engine locks
  per post, so in practice only racing writers outside it (two signups
  for one email) see that error.

SEE ALSO:
  - posts/store.go: Interface definitions
  - store/sqlite/sqlite.go: SQL implementation of the same interface
*/
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/warp/postboard/posts"
)

// Config configures Open.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	InMemory bool

	SyncWrites bool

	// Logger receives Badger's internal logs. Nil disables them.
	Logger *zap.SugaredLogger

	// GCInterval enables periodic value log GC when positive.
	GCInterval time.Duration

	GCDiscardRatio float64
}

func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(strings.TrimSpace(format), args...)
}

// Store implements posts.TxStore on BadgerDB.
type Store struct {
	db     *badger.DB
	logger *zap.SugaredLogger

	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens (or creates) a Badger database.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = zap.NewNop().Sugar()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.startGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// OpenInMemory opens a throwaway database.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

func (s *Store) startGC(interval time.Duration, ratio float64) {
	s.stopGC = make(chan struct{})
	s.doneGC = make(chan struct{})

	go func() {
		defer close(s.doneGC)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopGC:
				return
			case <-ticker.C:
				err := s.db.RunValueLogGC(ratio)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warnw("badger value log GC error", "error", err)
				}
			}
		}
	}()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a read-write Badger transaction.
func (s *Store) WithTx(ctx context.Context, fn func(posts.Store) error) error {
	return s.update(ctx, fn)
}

// update runs fn in a write transaction.
func (s *Store) update(ctx context.Context, fn func(posts.Store) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(&txnStore{txn: txn}); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("commit: %w", posts.ErrConcurrentModification)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) view(ctx context.Context, fn func(*txnStore) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&txnStore{txn: txn})
	})
}

func (s *Store) write(ctx context.Context, fn func(posts.Store) error) error {
	return s.update(ctx, fn)
}

// =============================================================================
// STORE METHODS - single-operation transactions
// =============================================================================

func (s *Store) GetPost(ctx context.Context, id posts.PostID) (p *posts.Post, err error) {
	err = s.view(ctx, func(t *txnStore) error {
		p, err = t.GetPost(ctx, id)
		return err
	})
	return p, err
}

func (s *Store) PutPost(ctx context.Context, post *posts.Post) error {
	return s.write(ctx, func(t posts.Store) error { return t.PutPost(ctx, post) })
}

func (s *Store) DeletePost(ctx context.Context, id posts.PostID) error {
	return s.write(ctx, func(t posts.Store) error { return t.DeletePost(ctx, id) })
}

func (s *Store) ListPosts(ctx context.Context) (result []*posts.Post, err error) {
	err = s.view(ctx, func(t *txnStore) error {
		result, err = t.ListPosts(ctx)
		return err
	})
	return result, err
}

func (s *Store) GetReaction(ctx context.Context, userID posts.UserID, postID posts.PostID) (e *posts.ReactionEntry, err error) {
	err = s.view(ctx, func(t *txnStore) error {
		e, err = t.GetReaction(ctx, userID, postID)
		return err
	})
	return e, err
}

func (s *Store) PutReaction(ctx context.Context, entry posts.ReactionEntry) error {
	return s.write(ctx, func(t posts.Store) error { return t.PutReaction(ctx, entry) })
}

func (s *Store) DeleteReaction(ctx context.Context, userID posts.UserID, postID posts.PostID) error {
	return s.write(ctx, func(t posts.Store) error { return t.DeleteReaction(ctx, userID, postID) })
}

func (s *Store) DeleteReactionsForPost(ctx context.Context, postID posts.PostID) error {
	return s.write(ctx, func(t posts.Store) error { return t.DeleteReactionsForPost(ctx, postID) })
}

func (s *Store) CountReactions(ctx context.Context, postID posts.PostID) (likes, dislikes int, err error) {
	err = s.view(ctx, func(t *txnStore) error {
		likes, dislikes, err = t.CountReactions(ctx, postID)
		return err
	})
	return likes, dislikes, err
}

func (s *Store) GetUser(ctx context.Context, id posts.UserID) (u *posts.User, err error) {
	err = s.view(ctx, func(t *txnStore) error {
		u, err = t.GetUser(ctx, id)
		return err
	})
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (u *posts.User, err error) {
	err = s.view(ctx, func(t *txnStore) error {
		u, err = t.GetUserByEmail(ctx, email)
		return err
	})
	return u, err
}

func (s *Store) PutUser(ctx context.Context, user *posts.User) error {
	return s.write(ctx, func(t posts.Store) error { return t.PutUser(ctx, user) })
}

func (s *Store) ListUsers(ctx context.Context) (result []*posts.User, err error) {
	err = s.view(ctx, func(t *txnStore) error {
		result, err = t.ListUsers(ctx)
		return err
	})
	return result, err
}

// =============================================================================
// TXN STORE - posts.Store over one *badger.Txn
// =============================================================================

type txnStore struct {
	txn *badger.Txn
}

func (t *txnStore) GetPost(_ context.Context, id posts.PostID) (*posts.Post, error) {
	var rec postRecord
	found, err := t.get(postKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.toPost(), nil
}

func (t *txnStore) PutPost(_ context.Context, post *posts.Post) error {
	if post == nil || post.ID == "" {
		return errors.New("put post: missing id")
	}
	return t.set(postKey(post.ID), newPostRecord(post))
}

func (t *txnStore) DeletePost(_ context.Context, id posts.PostID) error {
	return t.delete(postKey(id))
}

func (t *txnStore) ListPosts(_ context.Context) ([]*posts.Post, error) {
	var result []*posts.Post
	err := t.scan([]byte(postPrefix), func(val []byte) error {
		var rec postRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode post: %w", err)
		}
		result = append(result, rec.toPost())
		return nil
	})
	return result, err
}

func (t *txnStore) GetReaction(_ context.Context, userID posts.UserID, postID posts.PostID) (*posts.ReactionEntry, error) {
	var rec reactionRecord
	found, err := t.get(reactionKey(postID, userID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.toEntry(), nil
}

func (t *txnStore) PutReaction(_ context.Context, e posts.ReactionEntry) error {
	return t.set(reactionKey(e.PostID, e.UserID), reactionRecord{
		UserID:    string(e.UserID),
		PostID:    string(e.PostID),
		Value:     string(e.Value),
		UpdatedAt: e.UpdatedAt,
	})
}

func (t *txnStore) DeleteReaction(_ context.Context, userID posts.UserID, postID posts.PostID) error {
	return t.delete(reactionKey(postID, userID))
}

func (t *txnStore) DeleteReactionsForPost(_ context.Context, postID posts.PostID) error {
	prefix := reactionPrefix(postID)

	var keys [][]byte
	it := t.txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

func (t *txnStore) CountReactions(_ context.Context, postID posts.PostID) (likes, dislikes int, err error) {
	err = t.scan(reactionPrefix(postID), func(val []byte) error {
		var rec reactionRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode reaction: %w", err)
		}
		switch posts.Reaction(rec.Value) {
		case posts.Like:
			likes++
		case posts.Dislike:
			dislikes++
		}
		return nil
	})
	return likes, dislikes, err
}

func (t *txnStore) GetUser(_ context.Context, id posts.UserID) (*posts.User, error) {
	var rec userRecord
	found, err := t.get(userKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.toUser(), nil
}

func (t *txnStore) GetUserByEmail(ctx context.Context, email string) (*posts.User, error) {
	item, err := t.txn.Get(emailKey(email))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get email index: %w", err)
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("read email index: %w", err)
	}
	return t.GetUser(ctx, posts.UserID(id))
}

func (t *txnStore) PutUser(ctx context.Context, user *posts.User) error {
	if user == nil || user.ID == "" {
		return errors.New("put user: missing id")
	}

	owner, err := t.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return err
	}
	if owner != nil && owner.ID != user.ID {
		return fmt.Errorf("email %q already registered: %w", user.Email, posts.ErrConflict)
	}

	prev, err := t.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if prev != nil && normalizeEmail(prev.Email) != normalizeEmail(user.Email) {
		if err := t.delete(emailKey(prev.Email)); err != nil {
			return err
		}
	}

	if err := t.txn.Set(emailKey(user.Email), []byte(user.ID)); err != nil {
		return fmt.Errorf("set email index: %w", err)
	}
	return t.set(userKey(user.ID), newUserRecord(user))
}

func (t *txnStore) ListUsers(_ context.Context) ([]*posts.User, error) {
	var result []*posts.User
	err := t.scan([]byte(userPrefix), func(val []byte) error {
		var rec userRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
		result = append(result, rec.toUser())
		return nil
	})
	return result, err
}

// get decodes key into dst. found is false when the key is absent.
func (t *txnStore) get(key []byte, dst any) (found bool, err error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (t *txnStore) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := t.txn.Set(key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (t *txnStore) delete(key []byte) error {
	if err := t.txn.Delete(key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t *txnStore) scan(prefix []byte, fn func(val []byte) error) error {
	it := t.txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// KEYS AND RECORDS
// =============================================================================

const (
	postPrefix        = "post/"
	reactionKeyPrefix = "reaction/"
	userPrefix        = "user/"
	emailKeyPrefix    = "user-email/"
)

func postKey(id posts.PostID) []byte { return []byte(postPrefix + string(id)) }

func reactionPrefix(postID posts.PostID) []byte {
	return []byte(reactionKeyPrefix + string(postID) + "/")
}

func reactionKey(postID posts.PostID, userID posts.UserID) []byte {
	return append(reactionPrefix(postID), string(userID)...)
}

func userKey(id posts.UserID) []byte { return []byte(userPrefix + string(id)) }

func emailKey(email string) []byte { return []byte(emailKeyPrefix + normalizeEmail(email)) }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type postRecord struct {
	ID              string    `json:"id"`
	CreatorID       string    `json:"creator_id"`
	CreatorNickname string    `json:"creator_nickname"`
	Content         string    `json:"content"`
	Likes           int       `json:"likes"`
	Dislikes        int       `json:"dislikes"`
	Comments        int       `json:"comments"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newPostRecord(p *posts.Post) postRecord {
	return postRecord{
		ID:              string(p.ID),
		CreatorID:       string(p.CreatorID),
		CreatorNickname: p.CreatorNickname,
		Content:         p.Content,
		Likes:           p.Likes,
		Dislikes:        p.Dislikes,
		Comments:        p.Comments,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (r postRecord) toPost() *posts.Post {
	return &posts.Post{
		ID:              posts.PostID(r.ID),
		CreatorID:       posts.UserID(r.CreatorID),
		CreatorNickname: r.CreatorNickname,
		Content:         r.Content,
		Likes:           r.Likes,
		Dislikes:        r.Dislikes,
		Comments:        r.Comments,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type reactionRecord struct {
	UserID    string    `json:"user_id"`
	PostID    string    `json:"post_id"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r reactionRecord) toEntry() *posts.ReactionEntry {
	return &posts.ReactionEntry{
		UserID:    posts.UserID(r.UserID),
		PostID:    posts.PostID(r.PostID),
		Value:     posts.Reaction(r.Value),
		UpdatedAt: r.UpdatedAt,
	}
}

type userRecord struct {
	ID           string    `json:"id"`
	Nickname     string    `json:"nickname"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newUserRecord(u *posts.User) userRecord {
	return userRecord{
		ID:           string(u.ID),
		Nickname:     u.Nickname,
		Email:        normalizeEmail(u.Email),
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (r userRecord) toUser() *posts.User {
	return &posts.User{
		ID:           posts.UserID(r.ID),
		Nickname:     r.Nickname,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         posts.Role(r.Role),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}
