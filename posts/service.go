/*
service.go - Operations exposed to the request layer

PURPOSE:
  CreatePost, EditPost, DeletePost, React and ListPosts. Each takes an
  already resolved Identity plus its payload and returns a value or a
  tagged error (see errors.go).

AUTHORIZATION:
  EditPost and DeletePost load the post, consult policy.go, and return
  ErrForbidden before touching anything else. React is open to any
  authenticated identity.

SEE ALSO:
  - engine.go: React delegates here
  - listing.go: ListPosts delegates here
  - api/handlers.go: HTTP wrappers
*/
package posts

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Service bundles the post operations.
type Service struct {
	Store    TxStore
	IDs      IDGenerator
	Engine   *Engine
	Lister   *Lister
	Logger   *zap.SugaredLogger
	Recorder Recorder
	Now      Clock
}

// Options configures NewService. Zero values get defaults.
type Options struct {
	Logger   *zap.SugaredLogger
	Recorder Recorder
	Orphans  OrphanPolicy
	Now      Clock
}

func NewService(store TxStore, ids IDGenerator, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Orphans == "" {
		opts.Orphans = OrphanFail
	}
	if opts.Now == nil {
		opts.Now = systemClock
	}

	engine := NewEngine(store, opts.Logger, opts.Recorder)
	engine.Now = opts.Now

	return &Service{
		Store:    store,
		IDs:      ids,
		Engine:   engine,
		Lister:   &Lister{Store: store, Orphans: opts.Orphans, Logger: opts.Logger},
		Logger:   opts.Logger,
		Recorder: opts.Recorder,
		Now:      opts.Now,
	}
}

// =============================================================================
// POST OPERATIONS
// =============================================================================

// CreatePost stores a new post authored by id.
func (s *Service) CreatePost(ctx context.Context, id Identity, content string) (*Post, error) {
	if err := requireIdentity(id); err != nil {
		return nil, err
	}

	post, err := NewPost(PostID(s.IDs.NewID()), id, content, s.Now())
	if err != nil {
		s.Recorder.Operation("create", err)
		return nil, err
	}
	if err := s.Store.PutPost(ctx, post); err != nil {
		err = fmt.Errorf("insert post: %w", err)
		s.Recorder.Operation("create", err)
		return nil, err
	}

	s.Recorder.Operation("create", nil)
	s.Logger.Infow("post created", "post_id", post.ID, "creator_id", post.CreatorID)
	return post, nil
}

// EditPost replaces the content of a post owned by id. Counters are left
// exactly as stored.
func (s *Service) EditPost(ctx context.Context, id Identity, postID PostID, content string) (*Post, error) {
	if err := requireIdentity(id); err != nil {
		return nil, err
	}

	unlock := s.Engine.Locks.Lock(postLockKey(postID))
	defer unlock()

	var edited *Post
	err := s.Store.WithTx(ctx, func(tx Store) error {
		post, err := loadPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		if !CanEdit(id, *post) {
			return fmt.Errorf("only the creator can edit post %s: %w", postID, ErrForbidden)
		}
		if err := post.SetContent(content); err != nil {
			return err
		}
		post.TouchUpdatedAt(s.Now())
		if err := tx.PutPost(ctx, post); err != nil {
			return fmt.Errorf("update post %s: %w", postID, err)
		}
		edited = post
		return nil
	})
	s.Recorder.Operation("edit", err)
	if err != nil {
		return nil, err
	}

	s.Logger.Infow("post edited", "post_id", postID, "editor_id", id.ID)
	return edited, nil
}

// DeletePost removes a post and its ledger entries.
func (s *Service) DeletePost(ctx context.Context, id Identity, postID PostID) error {
	if err := requireIdentity(id); err != nil {
		return err
	}

	unlock := s.Engine.Locks.Lock(postLockKey(postID))
	defer unlock()

	err := s.Store.WithTx(ctx, func(tx Store) error {
		post, err := loadPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		if !CanDelete(id, *post) {
			return fmt.Errorf("only the creator or an admin can delete post %s: %w", postID, ErrForbidden)
		}
		if err := tx.DeleteReactionsForPost(ctx, postID); err != nil {
			return fmt.Errorf("delete reactions of %s: %w", postID, err)
		}
		if err := tx.DeletePost(ctx, postID); err != nil {
			return fmt.Errorf("delete post %s: %w", postID, err)
		}
		return nil
	})
	s.Recorder.Operation("delete", err)
	if err != nil {
		return err
	}

	s.Logger.Infow("post deleted", "post_id", postID, "deleted_by", id.ID, "role", id.Role)
	return nil
}

// React toggles id's reaction on a post.
func (s *Service) React(ctx context.Context, id Identity, postID PostID, desired Reaction) (ReactResult, error) {
	if err := requireIdentity(id); err != nil {
		return ReactResult{}, err
	}
	return s.Engine.React(ctx, postID, id.ID, desired)
}

// ListPosts returns all posts with their creators' current nicknames.
func (s *Service) ListPosts(ctx context.Context, id Identity) ([]PostView, error) {
	if err := requireIdentity(id); err != nil {
		return nil, err
	}
	views, err := s.Lister.List(ctx)
	s.Recorder.Operation("list", err)
	return views, err
}

// =============================================================================
// HELPERS
// =============================================================================

func requireIdentity(id Identity) error {
	if id.ID == "" {
		return fmt.Errorf("missing identity: %w", ErrUnauthenticated)
	}
	return nil
}

func loadPost(ctx context.Context, store PostStore, postID PostID) (*Post, error) {
	if postID == "" {
		return nil, &ValidationError{Field: "id", Message: "is required"}
	}
	post, err := store.GetPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("load post %s: %w", postID, err)
	}
	if post == nil {
		return nil, notFound("post", string(postID))
	}
	return post, nil
}
