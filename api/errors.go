package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/postboard/posts"
)

// statusFor maps the posts error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, posts.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, posts.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, posts.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, posts.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, posts.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, posts.ErrInvariantViolation):
		return http.StatusInternalServerError, "invariant_violation"
	case errors.Is(err, posts.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeDomainError writes err with its mapped status. Server-side failures
// are logged and their details hidden from the client.
func writeDomainError(w http.ResponseWriter, logger *zap.SugaredLogger, err error) {
	status, code := statusFor(err)

	resp := ErrorResponse{Error: err.Error(), Code: code}
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "error", err, "code", code)
		resp.Error = http.StatusText(status)
		resp.Details = code
	} else {
		switch {
		case posts.IsClientError(err):
			logger.Debugw("request rejected", "error", err, "code", code)
		case errors.Is(err, posts.ErrConcurrentModification):
			logger.Warnw("request lost a write race", "error", err)
		}
		var verr *posts.ValidationError
		if errors.As(err, &verr) && verr.Field != "" {
			resp.Details = map[string]string{"field": verr.Field}
		}
	}
	writeJSON(w, status, resp)
}
