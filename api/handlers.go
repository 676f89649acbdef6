/*
handlers.go - HTTP API handlers for postboard

PURPOSE:
  Exposes the posts service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the posts and identity packages.

ENDPOINTS:
  Users:
    POST   /api/users/signup           Register, returns a token
    POST   /api/users/login            Returns a token
    POST   /api/users/logout           Revokes the session of the caller

  Posts (authenticated):
    GET    /api/posts                  List posts, newest first
    POST   /api/posts                  Create post
    PUT    /api/posts/{id}             Edit content (creator only)
    DELETE /api/posts/{id}             Delete (creator or admin)
    PUT    /api/posts/{id}/like        Toggle like / dislike

  Admin:
    GET    /api/admin/audit            Ledger vs counter audit
    GET    /api/admin/audit/last       Latest scheduled audit report

REQUEST FLOW:
  1. Authenticate middleware resolves the identity
  2. Decode and validate the body
  3. Call the service
  4. Serialize response, or map the error (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/postboard/identity"
	"github.com/warp/postboard/posts"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service  *posts.Service
	Accounts *identity.Accounts
	Auditor  *posts.Auditor
	Resolver posts.Resolver
	Logger   *zap.SugaredLogger

	// Scheduler is optional; without it /admin/audit/last is always 404.
	Scheduler *AuditScheduler

	validate *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(svc *posts.Service, accounts *identity.Accounts, auditor *posts.Auditor, resolver posts.Resolver, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		Service:  svc,
		Accounts: accounts,
		Auditor:  auditor,
		Resolver: resolver,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// Signup registers a new user.
// POST /api/users/signup
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}

	token, err := h.Accounts.Signup(r.Context(), req.Nickname, req.Email, req.Password)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, TokenResponse{Token: token})
}

// Login exchanges credentials for a token.
// POST /api/users/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}

	token, err := h.Accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

// Logout revokes the caller's session.
// POST /api/users/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Accounts.Logout(r.Context(), r.Header.Get("Authorization")); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// POST HANDLERS
// =============================================================================

// ListPosts returns all posts with current creator nicknames.
// GET /api/posts
func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	views, err := h.Service.ListPosts(r.Context(), h.identity(r))
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostDTOs(views))
}

// CreatePost creates a post authored by the caller.
// POST /api/posts
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req CreatePostRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}

	id := h.identity(r)
	post, err := h.Service.CreatePost(r.Context(), id, req.Content)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPostDTO(*post, id.Nickname))
}

// EditPost replaces a post's content.
// PUT /api/posts/{id}
func (h *Handler) EditPost(w http.ResponseWriter, r *http.Request) {
	var req EditPostRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}

	id := h.identity(r)
	post, err := h.Service.EditPost(r.Context(), id, postIDParam(r), req.Content)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, EditPostResponse{
		Message: "post edited",
		Post:    toPostDTO(*post, id.Nickname),
	})
}

// DeletePost removes a post and its reactions.
// DELETE /api/posts/{id}
func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeletePost(r.Context(), h.identity(r), postIDParam(r)); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "post deleted"})
}

// React toggles the caller's like or dislike.
// PUT /api/posts/{id}/like
func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	var req ReactRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}

	res, err := h.Service.React(r.Context(), h.identity(r), postIDParam(r), posts.ReactionFromBool(*req.Like))
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ReactResponse{
		Message: res.Message,
		Outcome: string(res.Outcome),
		State:   res.State.String(),
		Post:    toPostDTO(*res.Post, res.Post.CreatorNickname),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Audit recounts every post's ledger.
// GET /api/admin/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.Audit(r.Context())
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LastAudit returns the report of the latest scheduled pass.
// GET /api/admin/audit/last
func (h *Handler) LastAudit(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "audit scheduler is disabled", nil)
		return
	}
	report, ok := h.Scheduler.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no scheduled audit has completed yet", nil)
		return
	}
	w.Header().Set("X-Next-Audit", h.Scheduler.NextRunTime().UTC().Format(time.RFC3339))
	writeJSON(w, http.StatusOK, report)
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) identity(r *http.Request) posts.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func postIDParam(r *http.Request) posts.PostID {
	return posts.PostID(strings.TrimSpace(chi.URLParam(r, "id")))
}

// decodeAndValidate reads a JSON body into dst and runs validator tags.
// Every failure is a *posts.ValidationError.
func (h *Handler) decodeAndValidate(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &typeErr):
			msg := "has the wrong type"
			if typeErr.Type.Kind() == reflect.Bool {
				msg = "must be a boolean"
			}
			return &posts.ValidationError{Field: typeErr.Field, Message: msg}
		case errors.Is(err, io.EOF):
			return &posts.ValidationError{Message: "request body is required"}
		default:
			return &posts.ValidationError{Message: "invalid JSON body"}
		}
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(dst, verrs[0])
		}
		return &posts.ValidationError{Message: err.Error()}
	}
	return nil
}

func fieldError(dst any, fe validator.FieldError) error {
	field := strings.ToLower(fe.StructField())
	switch fe.Tag() {
	case "required":
		if _, ok := dst.(*ReactRequest); ok {
			return &posts.ValidationError{Field: field, Message: "must be a boolean"}
		}
		return &posts.ValidationError{Field: field, Message: "is required"}
	case "min":
		return &posts.ValidationError{Field: field, Message: fmt.Sprintf("must have at least %s characters", fe.Param())}
	case "max":
		return &posts.ValidationError{Field: field, Message: fmt.Sprintf("must have at most %s characters", fe.Param())}
	case "email":
		return &posts.ValidationError{Field: field, Message: "must be a valid email"}
	}
	return &posts.ValidationError{Field: field, Message: fmt.Sprintf("failed %s validation", fe.Tag())}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
