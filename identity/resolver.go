package identity

import (
	"context"
	"strings"

	"github.com/warp/postboard/posts"
)

// TokenResolver implements posts.Resolver on top of JWTManager. When
// Sessions is set, tokens must also map to a live session.
type TokenResolver struct {
	Tokens   *JWTManager
	Sessions Sessions
}

// Resolve accepts a raw token or "Bearer <token>".
func (r *TokenResolver) Resolve(ctx context.Context, credential string) (posts.Identity, error) {
	claims, err := r.claims(ctx, credential)
	if err != nil {
		return posts.Identity{}, err
	}
	return claims.Identity(), nil
}

func (r *TokenResolver) claims(ctx context.Context, credential string) (*Claims, error) {
	token := StripBearer(credential)
	if token == "" {
		return nil, &posts.ValidationError{Field: "token", Message: "is required"}
	}

	claims, err := r.Tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	if r.Sessions != nil {
		if err := r.Sessions.Check(ctx, claims.SessionID(), posts.UserID(claims.Subject)); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

// StripBearer trims whitespace and an optional case-insensitive "Bearer " prefix.
func StripBearer(credential string) string {
	credential = strings.TrimSpace(credential)
	if len(credential) >= 7 && strings.EqualFold(credential[:7], "bearer ") {
		credential = strings.TrimSpace(credential[7:])
	}
	return credential
}
