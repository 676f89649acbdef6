/*
Package identity turns credentials into posts.Identity values.

PURPOSE:
  Issues and verifies signed tokens, hashes passwords, and optionally
  tracks sessions in Redis so a token can be revoked before it expires.

TOKEN FORMAT:
  HS256 JWT. Claims:
    sub  - user id
    jti  - session id (Redis key when sessions are enabled)
    nick - nickname at issue time
    role - NORMAL or ADMIN
    iat, exp

SEE ALSO:
  - resolver.go: posts.Resolver implementation
  - accounts.go: signup / login / logout
*/
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/postboard/posts"
)

// DefaultTokenTTL is used when NewJWTManager gets a non-positive ttl.
const DefaultTokenTTL = 24 * time.Hour

// Claims is the JWT payload.
type Claims struct {
	Nickname string     `json:"nick"`
	Role     posts.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity converts claims back into the domain value.
func (c *Claims) Identity() posts.Identity {
	return posts.Identity{
		ID:       posts.UserID(c.Subject),
		Nickname: c.Nickname,
		Role:     c.Role,
	}
}

// SessionID is the jti claim.
func (c *Claims) SessionID() string {
	return c.ID
}

// JWTManager signs and verifies tokens with one shared secret.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTManager(secret string, ttl time.Duration) (*JWTManager, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTManager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL is how long issued tokens stay valid.
func (m *JWTManager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a token for id bound to sessionID.
func (m *JWTManager) Issue(id posts.Identity, sessionID string) (string, error) {
	now := m.now()
	claims := Claims{
		Nickname: id.Nickname,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.ID),
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Parse verifies signature and expiry. Any failure wraps
// posts.ErrUnauthenticated.
func (m *JWTManager) Parse(token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) {
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w: %v", posts.ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", posts.ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject: %w", posts.ErrUnauthenticated)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("token has unknown role %q: %w", claims.Role, posts.ErrUnauthenticated)
	}
	return &claims, nil
}
