package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"ticket-queue/models"

	"github.com/redis/go-redis/v9"
)

// Acquire takes key for holder. It returns false when a different holder owns an unexpired lock,
// and true when the lock was created or already belonged to holder (the TTL is renewed).
func (s *RedisStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := acquireScript.Run(ctx, s.client,
			[]string{key, lockIndexKey},
			holder, s.nowMillis(), ttl.Milliseconds(),
		).Int()
		if err != nil {
			return err
		}
		acquired = n == 1
		return nil
	})
	return acquired, err
}

// Release deletes key only while holder owns it. It reports whether anything was deleted.
func (s *RedisStore) Release(ctx context.Context, key, holder string) (bool, error) {
	var released bool
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, s.client, []string{key, lockIndexKey}, holder).Int()
		if err != nil {
			return err
		}
		released = n == 1
		return nil
	})
	return released, err
}

// Get returns the current lock on key, or nil when it is absent or past its expiry.
func (s *RedisStore) Get(ctx context.Context, key string) (*models.SeatLock, error) {
	var lock *models.SeatLock
	err := s.do(ctx, func(ctx context.Context) error {
		vals, err := s.client.HMGet(ctx, key, "holder", "acquired_at", "expires_at").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(vals) != 3 {
			return nil
		}

		holder, _ := vals[0].(string)
		if holder == "" {
			return nil
		}
		acquiredAt := parseMillis(vals[1])
		expiresAt := parseMillis(vals[2])
		if !expiresAt.After(s.now()) {
			return nil
		}

		lock = &models.SeatLock{Key: key, Holder: holder, AcquiredAt: acquiredAt, ExpiresAt: expiresAt}
		return nil
	})
	return lock, err
}

// SweepExpired removes up to limit locks whose expires_at has passed.
func (s *RedisStore) SweepExpired(ctx context.Context, limit int) (int, error) {
	var removed int
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := sweepLocksScript.Run(ctx, s.client, []string{lockIndexKey}, s.nowMillis(), limit).Int()
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}

func parseMillis(v any) time.Time {
	s, _ := v.(string)
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
