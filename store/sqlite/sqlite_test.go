package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/postboard/posts"
	"github.com/warp/postboard/posts/storetest"
	"github.com/warp/postboard/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newMockStore(t *testing.T) (*sqlite.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.NewFromDB(db), mock
}

// =============================================================================
// REAL DATABASE
// =============================================================================

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) posts.TxStore {
		return newTestStore(t)
	})
}

func TestStore_ListPostsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	author := posts.Identity{ID: "alice", Nickname: "Alice"}

	older, err := posts.NewPost("a", author, "older", mustTime(t, "2024-03-10T09:00:00Z"))
	require.NoError(t, err)
	newer, err := posts.NewPost("b", author, "newer", mustTime(t, "2024-03-11T09:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, store.PutPost(ctx, older))
	require.NoError(t, store.PutPost(ctx, newer))

	all, err := store.ListPosts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, posts.PostID("b"), all[0].ID)
	assert.Equal(t, posts.PostID("a"), all[1].ID)
}

func TestStore_ReactionRequiresPost(t *testing.T) {
	// GIVEN: Foreign keys are enforced
	store := newTestStore(t)

	// WHEN: Writing a ledger entry for a post that does not exist
	err := store.PutReaction(context.Background(), posts.ReactionEntry{UserID: "u1", PostID: "ghost", Value: posts.Like})

	// THEN: The database refuses it
	assert.Error(t, err)
}

func TestStore_DeletePostCascadesLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := posts.NewPost("p1", posts.Identity{ID: "alice"}, "hello", mustTime(t, "2024-03-10T09:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, store.PutPost(ctx, p))
	require.NoError(t, store.PutReaction(ctx, posts.ReactionEntry{UserID: "u1", PostID: "p1", Value: posts.Like}))

	require.NoError(t, store.DeletePost(ctx, "p1"))

	e, err := store.GetReaction(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStore_NegativeCounterRejected(t *testing.T) {
	store := newTestStore(t)

	p, err := posts.NewPost("p1", posts.Identity{ID: "alice"}, "hello", mustTime(t, "2024-03-10T09:00:00Z"))
	require.NoError(t, err)
	p.Likes = -1

	assert.Error(t, store.PutPost(context.Background(), p))
}

func TestStore_FileDatabaseSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postboard.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	p, err := posts.NewPost("p1", posts.Identity{ID: "alice"}, "hello", mustTime(t, "2024-03-10T09:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, store.PutPost(ctx, p))
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.GetPost(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Content)
}

// =============================================================================
// DRIVER FAILURES
// =============================================================================

func TestStore_LockedCommitIsConcurrentModification(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := store.WithTx(context.Background(), func(posts.Store) error { return nil })

	assert.ErrorIs(t, err, posts.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CallbackErrorRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(posts.Store) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DuplicateEmailIsConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(errors.New("UNIQUE constraint failed: users.email"))

	err := store.PutUser(context.Background(), &posts.User{ID: "u2", Email: "a@example.com"})

	assert.ErrorIs(t, err, posts.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MissingPostIsNil(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM posts WHERE id = ?")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	p, err := store.GetPost(context.Background(), "p1")

	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountReactionsBusy(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM likes_dislikes")).
		WithArgs("p1").
		WillReturnError(errors.New("SQLITE_BUSY"))

	_, _, err := store.CountReactions(context.Background(), "p1")

	assert.ErrorIs(t, err, posts.ErrConcurrentModification)
}

func TestStore_CountReactions(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM likes_dislikes")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"likes", "dislikes"}).AddRow(3, 1))

	likes, dislikes, err := store.CountReactions(context.Background(), "p1")

	require.NoError(t, err)
	assert.Equal(t, 3, likes)
	assert.Equal(t, 1, dislikes)
}
