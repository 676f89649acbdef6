package posts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// OrphanPolicy decides what listing does with a post whose creator is gone.
type OrphanPolicy string

const (
	// OrphanFail aborts the whole listing.
	OrphanFail OrphanPolicy = "fail"
	// OrphanSkip leaves the post out and logs a warning.
	OrphanSkip OrphanPolicy = "skip"
)

func ParseOrphanPolicy(s string) (OrphanPolicy, error) {
	switch p := OrphanPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case OrphanFail, OrphanSkip:
		return p, nil
	case "":
		return OrphanFail, nil
	}
	return "", &ValidationError{Field: "listing.orphans", Message: fmt.Sprintf("must be fail or skip, got %q", s)}
}

// PostView is a post joined with its creator's current nickname.
type PostView struct {
	Post
	CreatorName string
}

// Lister composes post listings.
type Lister struct {
	Store   Store
	Orphans OrphanPolicy
	Logger  *zap.SugaredLogger
}

// List returns every post, newest first, with creator names resolved now
// rather than taken from the snapshot stored on the post.
func (l *Lister) List(ctx context.Context) ([]PostView, error) {
	posts, err := l.Store.ListPosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	users, err := l.Store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	nicknames := make(map[UserID]string, len(users))
	for _, u := range users {
		nicknames[u.ID] = u.Nickname
	}

	views := make([]PostView, 0, len(posts))
	for _, p := range posts {
		name, ok := nicknames[p.CreatorID]
		if !ok {
			orphan := &OrphanedPostError{PostID: p.ID, CreatorID: p.CreatorID}
			if l.Orphans == OrphanSkip {
				l.logger().Warnw("skipping post with missing creator",
					"post_id", p.ID,
					"creator_id", p.CreatorID,
				)
				continue
			}
			return nil, orphan
		}
		views = append(views, PostView{Post: *p, CreatorName: name})
	}

	sort.SliceStable(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.After(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

func (l *Lister) logger() *zap.SugaredLogger {
	if l.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return l.Logger
}
