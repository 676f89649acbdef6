/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the posts domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Request types carry go-playground/validator tags; decodeAndValidate in
  handlers.go enforces them before any service call.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/postboard/posts"
)

// =============================================================================
// USERS
// =============================================================================

type SignupRequest struct {
	Nickname string `json:"nickname" validate:"required,min=2"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// =============================================================================
// POSTS
// =============================================================================

type CreatePostRequest struct {
	Content string `json:"content" validate:"required"`
}

type EditPostRequest struct {
	Content string `json:"content" validate:"required"`
}

// ReactRequest is the body of PUT /api/posts/{id}/like. Like must be a JSON
// boolean: true means like, false means dislike.
type ReactRequest struct {
	Like *bool `json:"like" validate:"required"`
}

type CreatorDTO struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// PostDTO represents a post in API responses.
type PostDTO struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Likes     int        `json:"likes"`
	Dislikes  int        `json:"dislikes"`
	Comments  int        `json:"comments"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`
	Creator   CreatorDTO `json:"creator"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type EditPostResponse struct {
	Message string  `json:"message"`
	Post    PostDTO `json:"post"`
}

type ReactResponse struct {
	Message string  `json:"message"`
	Outcome string  `json:"outcome"`
	State   string  `json:"state"`
	Post    PostDTO `json:"post"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

// toPostDTO uses nickname for the creator; callers pass the resolved
// current nickname when they have it.
func toPostDTO(p posts.Post, nickname string) PostDTO {
	return PostDTO{
		ID:        string(p.ID),
		Content:   p.Content,
		Likes:     p.Likes,
		Dislikes:  p.Dislikes,
		Comments:  p.Comments,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.UTC().Format(time.RFC3339),
		Creator: CreatorDTO{
			ID:       string(p.CreatorID),
			Nickname: nickname,
		},
	}
}

func toPostDTOs(views []posts.PostView) []PostDTO {
	dtos := make([]PostDTO, len(views))
	for i, v := range views {
		dtos[i] = toPostDTO(v.Post, v.CreatorName)
	}
	return dtos
}
