package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/warp/postboard/posts"
)

// Sessions tracks which issued tokens are still live.
type Sessions interface {
	Create(ctx context.Context, sessionID string, userID posts.UserID, ttl time.Duration) error
	Check(ctx context.Context, sessionID string, userID posts.UserID) error
	Revoke(ctx context.Context, sessionID string) error
}

// Cmdable is the subset of the go-redis client used here. Both
// *redis.Client and *redis.ClusterClient satisfy it.
type Cmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisSessions stores session id -> user id with the token's ttl.
type RedisSessions struct {
	rdb    Cmdable
	prefix string
}

func NewRedisSessions(rdb Cmdable) *RedisSessions {
	return &RedisSessions{rdb: rdb, prefix: "postboard:session:"}
}

func (s *RedisSessions) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisSessions) Create(ctx context.Context, sessionID string, userID posts.UserID, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.key(sessionID), string(userID), ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Check fails with posts.ErrUnauthenticated when the session was revoked,
// expired, or belongs to someone else.
func (s *RedisSessions) Check(ctx context.Context, sessionID string, userID posts.UserID) error {
	owner, err := s.rdb.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("session %s not active: %w", sessionID, posts.ErrUnauthenticated)
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if posts.UserID(owner) != userID {
		return fmt.Errorf("session %s belongs to another user: %w", sessionID, posts.ErrUnauthenticated)
	}
	return nil
}

func (s *RedisSessions) Revoke(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// NewRedisClient opens a client and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}
