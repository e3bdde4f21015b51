// Package ratelimit provides kv-backed fixed-window rate limiting for
// the Midswap API. Counters live in the shared kv store, so limits hold
// across replicas when the store is Postgres-backed.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/midswap/midswap/internal/kv"
	"github.com/midswap/midswap/internal/logging"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerWindow is the max requests per key per window.
	RequestsPerWindow int64
	// Window is the fixed counting window.
	Window time.Duration
}

// DefaultConfig allows one request per second on average.
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: 60,
		Window:            time.Minute,
	}
}

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	store kv.Store
	cfg   Config
}

// New creates a rate limiter over the given kv store.
func New(store kv.Store, cfg Config) *Limiter {
	return &Limiter{store: store, cfg: cfg}
}

func limitKey(scope, key string) string {
	return "ratelimit:" + scope + ":" + key
}

// Allow counts one request against key within scope and reports whether
// it fits the window. Store failures allow the request; losing rate
// limiting briefly beats serving 500s.
func (l *Limiter) Allow(ctx context.Context, scope, key string) bool {
	count, err := l.store.Incr(ctx, limitKey(scope, key), l.cfg.Window)
	if err != nil {
		logging.L(ctx).Warn("rate limit counter failed", "scope", scope, "error", err)
		return true
	}
	return count <= l.cfg.RequestsPerWindow
}

// Middleware rate limits by client IP, counted per scope so heavy reads
// cannot starve writes.
func (l *Limiter) Middleware(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.Request.Context(), scope, c.ClientIP()) {
			c.Header("Retry-After", fmt.Sprintf("%d", int(l.cfg.Window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
