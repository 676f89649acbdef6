/*
Package sqlite provides a SQLite-backed implementation of posts.TxStore.

PURPOSE:
  Persists users, posts and the reaction ledger in SQLite. The same schema
  runs on PostgreSQL with minor dialect changes (upsert syntax).

KEY TABLES:
  users:          accounts; email is unique
  posts:          post content plus the cached like/dislike counters
  likes_dislikes: the reaction ledger, one row per (user_id, post_id)

LEDGER CONSTRAINTS:
  - PRIMARY KEY (user_id, post_id): at most one reaction per pair
  - CHECK (value IN ('LIKE','DISLIKE')): no third state on disk
  - FOREIGN KEY post_id ON DELETE CASCADE: deleting a post clears its rows
  - CHECK (likes >= 0 AND dislikes >= 0) on posts

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection, so
  WithTx callbacks run one at a time. SQLite admits one writer anyway, so
  this is the only backend whose transactions on different posts queue.
  A "database is locked" error from another process surfaces as
  posts.ErrConcurrentModification.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/postboard.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). NewFromDB skips it so tests can drive
  the connection with go-sqlmock.

SEE ALSO:
  - posts/store.go: Interface definitions
  - posts/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/postboard/posts"
)

// Store implements posts.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := NewFromDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewFromDB wraps an already opened database without migrating it.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		nickname TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'NORMAL',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL,
		creator_nickname TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		likes INTEGER NOT NULL DEFAULT 0 CHECK (likes >= 0),
		dislikes INTEGER NOT NULL DEFAULT 0 CHECK (dislikes >= 0),
		comments INTEGER NOT NULL DEFAULT 0 CHECK (comments >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_posts_created_at
		ON posts(created_at DESC);

	-- Reaction ledger: the source of truth for posts.likes / posts.dislikes
	CREATE TABLE IF NOT EXISTS likes_dislikes (
		user_id TEXT NOT NULL,
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		value TEXT NOT NULL CHECK (value IN ('LIKE', 'DISLIKE')),
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, post_id)
	);

	-- Recount by post (audit, delete cascade)
	CREATE INDEX IF NOT EXISTS idx_likes_dislikes_post
		ON likes_dislikes(post_id, value);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// POSTS
// =============================================================================

const postColumns = `id, creator_id, creator_nickname, content, likes, dislikes, comments, created_at, updated_at`

func (s *Store) GetPost(ctx context.Context, id posts.PostID) (*posts.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPost(ctx, s.db, id)
}

func (s *Store) PutPost(ctx context.Context, post *posts.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putPost(ctx, s.db, post)
}

func (s *Store) DeletePost(ctx context.Context, id posts.PostID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deletePost(ctx, s.db, id)
}

func (s *Store) ListPosts(ctx context.Context) ([]*posts.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPosts(ctx, s.db)
}

func getPost(ctx context.Context, q querier, id posts.PostID) (*posts.Post, error) {
	row := q.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get post", err)
	}
	return p, nil
}

func putPost(ctx context.Context, q querier, p *posts.Post) error {
	query := `
		INSERT INTO posts (` + postColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			likes = excluded.likes,
			dislikes = excluded.dislikes,
			comments = excluded.comments,
			creator_nickname = excluded.creator_nickname,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		p.ID,
		p.CreatorID,
		p.CreatorNickname,
		p.Content,
		p.Likes,
		p.Dislikes,
		p.Comments,
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return classify("put post", err)
	}
	return nil
}

func deletePost(ctx context.Context, q querier, id posts.PostID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id); err != nil {
		return classify("delete post", err)
	}
	return nil
}

func listPosts(ctx context.Context, q querier) ([]*posts.Post, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+postColumns+` FROM posts ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, classify("list posts", err)
	}
	defer rows.Close()

	var result []*posts.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (*posts.Post, error) {
	var (
		p                  posts.Post
		createdAt, updated string
	)
	err := row.Scan(
		&p.ID,
		&p.CreatorID,
		&p.CreatorNickname,
		&p.Content,
		&p.Likes,
		&p.Dislikes,
		&p.Comments,
		&createdAt,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// REACTION LEDGER
// =============================================================================

func (s *Store) GetReaction(ctx context.Context, userID posts.UserID, postID posts.PostID) (*posts.ReactionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReaction(ctx, s.db, userID, postID)
}

func (s *Store) PutReaction(ctx context.Context, entry posts.ReactionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putReaction(ctx, s.db, entry)
}

func (s *Store) DeleteReaction(ctx context.Context, userID posts.UserID, postID posts.PostID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteReaction(ctx, s.db, userID, postID)
}

func (s *Store) DeleteReactionsForPost(ctx context.Context, postID posts.PostID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteReactionsForPost(ctx, s.db, postID)
}

func (s *Store) CountReactions(ctx context.Context, postID posts.PostID) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countReactions(ctx, s.db, postID)
}

func getReaction(ctx context.Context, q querier, userID posts.UserID, postID posts.PostID) (*posts.ReactionEntry, error) {
	var (
		e       posts.ReactionEntry
		value   string
		updated string
	)
	err := q.QueryRowContext(ctx,
		`SELECT user_id, post_id, value, updated_at FROM likes_dislikes WHERE user_id = ? AND post_id = ?`,
		userID, postID,
	).Scan(&e.UserID, &e.PostID, &value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get reaction", err)
	}
	e.Value = posts.Reaction(value)
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}

func putReaction(ctx context.Context, q querier, e posts.ReactionEntry) error {
	query := `
		INSERT INTO likes_dislikes (user_id, post_id, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, post_id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	if _, err := q.ExecContext(ctx, query, e.UserID, e.PostID, string(e.Value), formatTime(e.UpdatedAt)); err != nil {
		return classify("put reaction", err)
	}
	return nil
}

func deleteReaction(ctx context.Context, q querier, userID posts.UserID, postID posts.PostID) error {
	_, err := q.ExecContext(ctx, `DELETE FROM likes_dislikes WHERE user_id = ? AND post_id = ?`, userID, postID)
	if err != nil {
		return classify("delete reaction", err)
	}
	return nil
}

func deleteReactionsForPost(ctx context.Context, q querier, postID posts.PostID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM likes_dislikes WHERE post_id = ?`, postID); err != nil {
		return classify("delete reactions", err)
	}
	return nil
}

func countReactions(ctx context.Context, q querier, postID posts.PostID) (int, int, error) {
	var likes, dislikes int
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN value = 'LIKE' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN value = 'DISLIKE' THEN 1 ELSE 0 END), 0)
		FROM likes_dislikes
		WHERE post_id = ?
	`, postID).Scan(&likes, &dislikes)
	if err != nil {
		return 0, 0, classify("count reactions", err)
	}
	return likes, dislikes, nil
}

// =============================================================================
// USERS
// =============================================================================

const userColumns = `id, nickname, email, password_hash, role, created_at, updated_at`

func (s *Store) GetUser(ctx context.Context, id posts.UserID) (*posts.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUser(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*posts.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUser(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE email = ?`, normalizeEmail(email))
}

func (s *Store) PutUser(ctx context.Context, user *posts.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putUser(ctx, s.db, user)
}

func (s *Store) ListUsers(ctx context.Context) ([]*posts.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUsers(ctx, s.db)
}

func getUser(ctx context.Context, q querier, query string, arg any) (*posts.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get user", err)
	}
	return u, nil
}

func putUser(ctx context.Context, q querier, u *posts.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			nickname = excluded.nickname,
			email = excluded.email,
			password_hash = excluded.password_hash,
			role = excluded.role,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		u.ID,
		u.Nickname,
		normalizeEmail(u.Email),
		u.PasswordHash,
		string(u.Role),
		formatTime(u.CreatedAt),
		formatTime(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("email %q already registered: %w", u.Email, posts.ErrConflict)
		}
		return classify("put user", err)
	}
	return nil
}

func listUsers(ctx context.Context, q querier) ([]*posts.User, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+userColumns+` FROM users`)
	if err != nil {
		return nil, classify("list users", err)
	}
	defer rows.Close()

	var result []*posts.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func scanUser(row scanner) (*posts.User, error) {
	var (
		u                  posts.User
		role               string
		createdAt, updated string
	)
	if err := row.Scan(&u.ID, &u.Nickname, &u.Email, &u.PasswordHash, &role, &createdAt, &updated); err != nil {
		return nil, err
	}
	u.Role = posts.Role(role)
	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &u, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store posts.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// txStore is the posts.Store handed to a WithTx callback.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetPost(ctx context.Context, id posts.PostID) (*posts.Post, error) {
	return getPost(ctx, ts.tx, id)
}

func (ts *txStore) PutPost(ctx context.Context, post *posts.Post) error {
	return putPost(ctx, ts.tx, post)
}

func (ts *txStore) DeletePost(ctx context.Context, id posts.PostID) error {
	return deletePost(ctx, ts.tx, id)
}

func (ts *txStore) ListPosts(ctx context.Context) ([]*posts.Post, error) {
	return listPosts(ctx, ts.tx)
}

func (ts *txStore) GetReaction(ctx context.Context, userID posts.UserID, postID posts.PostID) (*posts.ReactionEntry, error) {
	return getReaction(ctx, ts.tx, userID, postID)
}

func (ts *txStore) PutReaction(ctx context.Context, entry posts.ReactionEntry) error {
	return putReaction(ctx, ts.tx, entry)
}

func (ts *txStore) DeleteReaction(ctx context.Context, userID posts.UserID, postID posts.PostID) error {
	return deleteReaction(ctx, ts.tx, userID, postID)
}

func (ts *txStore) DeleteReactionsForPost(ctx context.Context, postID posts.PostID) error {
	return deleteReactionsForPost(ctx, ts.tx, postID)
}

func (ts *txStore) CountReactions(ctx context.Context, postID posts.PostID) (int, int, error) {
	return countReactions(ctx, ts.tx, postID)
}

func (ts *txStore) GetUser(ctx context.Context, id posts.UserID) (*posts.User, error) {
	return getUser(ctx, ts.tx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (ts *txStore) GetUserByEmail(ctx context.Context, email string) (*posts.User, error) {
	return getUser(ctx, ts.tx, `SELECT `+userColumns+` FROM users WHERE email = ?`, normalizeEmail(email))
}

func (ts *txStore) PutUser(ctx context.Context, user *posts.User) error {
	return putUser(ctx, ts.tx, user)
}

func (ts *txStore) ListUsers(ctx context.Context) ([]*posts.User, error) {
	return listUsers(ctx, ts.tx)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// classify wraps a driver error, mapping lock contention to
// posts.ErrConcurrentModification.
func classify(op string, err error) error {
	if isLockedError(err) {
		return fmt.Errorf("%s: %w: %v", op, posts.ErrConcurrentModification, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isLockedError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "SQLITE_BUSY"))
}
