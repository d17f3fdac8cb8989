// Package store keeps queue membership and seat locks in Redis.
// Every mutation is a single Lua script or MULTI block, so concurrent instances never read-then-write.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticket-queue/internal/status"
	"ticket-queue/utils"

	"github.com/redis/go-redis/v9"
)

const (
	eventsKey    = "queue:events"
	lockIndexKey = "locks:expiry"

	// Waiting queues have no TTL of their own; this only reclaims abandoned keys.
	queueBackstop = 24 * time.Hour
)

func waitingKey(eventID string) string { return fmt.Sprintf("queue:%s:waiting", eventID) }
func activeKey(eventID string) string  { return fmt.Sprintf("queue:%s:active", eventID) }
func seqKey(eventID string) string     { return fmt.Sprintf("queue:%s:seq", eventID) }

type RedisStore struct {
	client  *redis.Client
	breaker *utils.CircuitBreaker
	now     func() time.Time
}

// NewRedisStore wraps client. A nil breaker gets the default settings.
func NewRedisStore(client *redis.Client, breaker *utils.CircuitBreaker) *RedisStore {
	if breaker == nil {
		breaker = utils.NewCircuitBreaker(BreakerSettings("redis"))
	}
	return &RedisStore{
		client:  client,
		breaker: breaker,
		now:     time.Now,
	}
}

// BreakerSettings returns breaker settings that ignore cache misses and caller cancellation.
func BreakerSettings(name string) utils.BreakerSettings {
	return utils.BreakerSettings{
		Name:        name,
		MinRequests: 20,
		OpenTimeout: 10 * time.Second,
		IsFailure:   IsStoreFailure,
	}
}

// IsStoreFailure reports errors that say something about the store's health.
func IsStoreFailure(err error) bool {
	return err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
}

func (s *RedisStore) Breaker() *utils.CircuitBreaker {
	return s.breaker
}

// do runs fn through the breaker and maps every store failure onto ErrStoreUnavailable.
func (s *RedisStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.breaker.Execute(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}
}

func (s *RedisStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func toInt(v any) int {
	n, _ := v.(int64)
	return int(n)
}

func toInt64(v any) int64 {
	n, _ := v.(int64)
	return n
}

func toStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func replyError(script string, vals []any) error {
	return fmt.Errorf("%s script: unexpected reply %v", script, vals)
}
