package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter throttles the HTTP endpoints that start or grow billable
// work. Counters live in Redis when a client is configured so every
// instance shares them; otherwise each process keeps token buckets.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redis:   redisClient,
		limit:   limit,
		window:  window,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Middleware rejects crawler user agents and callers over the limit.
func (r *RateLimiter) Middleware(e *core.RequestEvent) error {
	if r.isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
		return e.JSON(http.StatusForbidden, map[string]string{
			"error": "Access denied",
		})
	}

	key := identifier(e)
	if !r.Allow(e.Request.Context(), key) {
		slog.Warn("rate limit exceeded", "key", key, "path", e.Request.URL.Path)
		return e.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "Rate limit exceeded. Please try again later.",
		})
	}
	return e.Next()
}

// Allow counts one request for key. A Redis failure lets the request
// through.
func (r *RateLimiter) Allow(ctx context.Context, key string) bool {
	if r.redis == nil {
		return r.bucket(key).Allow()
	}

	redisKey := fmt.Sprintf("ratelimit:%s", key)
	count, err := r.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		slog.Error("rate limit counter", "key", key, "error", err)
		return true
	}
	if count == 1 {
		r.redis.Expire(ctx, redisKey, r.window)
	}
	return count <= int64(r.limit)
}

func (r *RateLimiter) bucket(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.buckets[key]
	if !ok {
		every := rate.Every(r.window / time.Duration(r.limit))
		l = rate.NewLimiter(every, r.limit)
		r.buckets[key] = l
	}
	return l
}

// identifier keys authenticated callers by user and everyone else by IP.
func identifier(e *core.RequestEvent) string {
	if e.Auth != nil {
		return "user:" + e.Auth.Id
	}
	return "ip:" + e.RealIP()
}

func (r *RateLimiter) isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
