package posts

import (
	"strings"
	"time"
)

// =============================================================================
// POST AGGREGATE
// =============================================================================

// Post owns its content and cached counters. Counters only move through the
// mutators below; none of them performs I/O.
type Post struct {
	ID        PostID
	CreatorID UserID
	Content   string
	Likes     int
	Dislikes  int
	Comments  int

	// CreatorNickname is a snapshot taken at creation. Listing resolves the
	// current nickname instead; this field is advisory.
	CreatorNickname string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPost builds a fresh post with zero counters.
func NewPost(id PostID, creator Identity, content string, now time.Time) (*Post, error) {
	p := &Post{
		ID:              id,
		CreatorID:       creator.ID,
		CreatorNickname: creator.Nickname,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.SetContent(content); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Post) IncrementLike() error {
	p.Likes++
	return nil
}

func (p *Post) DecrementLike() error {
	if p.Likes <= 0 {
		return &InvariantViolationError{PostID: p.ID, Counter: "likes", Value: p.Likes - 1}
	}
	p.Likes--
	return nil
}

func (p *Post) IncrementDislike() error {
	p.Dislikes++
	return nil
}

func (p *Post) DecrementDislike() error {
	if p.Dislikes <= 0 {
		return &InvariantViolationError{PostID: p.ID, Counter: "dislikes", Value: p.Dislikes - 1}
	}
	p.Dislikes--
	return nil
}

// SetContent replaces the body. Empty or blank content is rejected.
func (p *Post) SetContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Message: "must not be empty"}
	}
	p.Content = content
	return nil
}

func (p *Post) TouchUpdatedAt(now time.Time) {
	p.UpdatedAt = now
}

// ApplyTransition moves the counters by the transition's deltas.
// Decrements run first so a failing transition leaves nothing half-applied
// on the increment side; callers discard the post on error anyway.
func (p *Post) ApplyTransition(t Transition) error {
	steps := make([]func() error, 0, 2)
	if t.LikesDelta < 0 {
		steps = append(steps, p.DecrementLike)
	}
	if t.DislikesDelta < 0 {
		steps = append(steps, p.DecrementDislike)
	}
	if t.LikesDelta > 0 {
		steps = append(steps, p.IncrementLike)
	}
	if t.DislikesDelta > 0 {
		steps = append(steps, p.IncrementDislike)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
