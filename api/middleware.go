package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/postboard/posts"
)

type ctxKey int

const identityKey ctxKey = iota

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(ctx context.Context) (posts.Identity, bool) {
	id, ok := ctx.Value(identityKey).(posts.Identity)
	return id, ok
}

func withIdentity(ctx context.Context, id posts.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Authenticate resolves the Authorization header before the handler runs.
func Authenticate(resolver posts.Resolver, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				logger.Debugw("authentication failed",
					"path", r.URL.Path,
					"request_id", middleware.GetReqID(r.Context()),
					"error", err,
				)
				writeDomainError(w, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin must run after Authenticate.
func RequireAdmin(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok || !id.IsAdmin() {
				writeError(w, http.StatusForbidden, "admin role required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HTTPRecorder receives per-request measurements. metrics.Metrics
// implements it.
type HTTPRecorder interface {
	HTTPRequest(method, route string, status int, d time.Duration)
}

// RequestLogger logs one line per request and feeds rec when not nil.
func RequestLogger(logger *zap.SugaredLogger, rec HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(started)

			var route string
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			if rec != nil {
				rec.HTTPRequest(r.Method, route, status, elapsed)
			}

			logger.Infow("request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", elapsed,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// =============================================================================
// RATE LIMITING - token bucket per client IP
// =============================================================================

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per client address.
type RateLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	clients  map[string]*ipLimiter
	idleTTL  time.Duration
	lastScan time.Time
	now      func() time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*ipLimiter),
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether the client at addr may proceed.
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evictIdle(now)

	c, ok := rl.clients[addr]
	if !ok {
		c = &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[addr] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	if now.Sub(rl.lastScan) < rl.idleTTL {
		return
	}
	rl.lastScan = now
	for addr, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idleTTL {
			delete(rl.clients, addr)
		}
	}
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
