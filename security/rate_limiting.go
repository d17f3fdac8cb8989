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
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	rateWindow     = time.Minute
	visitorTimeout = 10 * time.Minute
)

// RateLimiter counts requests per user in a shared Redis window. When Redis is
// unreachable it falls back to a token bucket per identifier on this instance.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	logger *slog.Logger

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func NewRateLimiter(redisClient *redis.Client, perMinute int, logger *slog.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &RateLimiter{
		redis:    redisClient,
		limit:    perMinute,
		logger:   logger,
		visitors: make(map[string]*rate.Limiter),
	}
}

// QueueRateLimit rejects suspicious clients and callers over the per-minute limit.
func (r *RateLimiter) QueueRateLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return router.NewApiError(http.StatusForbidden, "Access denied", nil)
		}

		if !r.Allow(e.Request.Context(), identifier(e)) {
			return router.NewApiError(http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", nil)
		}

		return e.Next()
	}
}

// Allow reports whether id may make another request in the current window.
func (r *RateLimiter) Allow(ctx context.Context, id string) bool {
	key := fmt.Sprintf("ratelimit:%s", id)

	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		r.logger.Warn("Rate limit store unavailable, using local limiter", "error", err)
		return r.getLimiter(id).Allow()
	}
	if count == 1 {
		r.redis.Expire(ctx, key, rateWindow)
	}
	return count <= int64(r.limit)
}

// Get or create the local limiter for an identifier
func (r *RateLimiter) getLimiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, exists := r.visitors[id]; exists {
		return limiter
	}

	limiter := rate.NewLimiter(rate.Every(rateWindow/time.Duration(r.limit)), r.limit)
	r.visitors[id] = limiter

	time.AfterFunc(visitorTimeout, func() {
		r.mu.Lock()
		delete(r.visitors, id)
		r.mu.Unlock()
	})

	return limiter
}

func identifier(e *core.RequestEvent) string {
	if e.Auth != nil {
		return "user:" + e.Auth.Id
	}
	return "ip:" + e.RemoteIP()
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
