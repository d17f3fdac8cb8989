package store

import (
	"context"
	"time"

	"ticket-queue/models"

	"github.com/redis/go-redis/v9"
)

// CheckIn admits userID or places it at the back of the queue, atomically against capacity.
// Repeated calls return the caller's current state. When the caller's own session had
// lapsed, its slot goes to the head of the queue and those users come back in Promoted.
func (s *RedisStore) CheckIn(ctx context.Context, eventID, userID string, capacity int, sessionTTL time.Duration) (models.CheckInResult, error) {
	var res models.CheckInResult
	err := s.do(ctx, func(ctx context.Context) error {
		vals, err := checkInScript.Run(ctx, s.client,
			[]string{activeKey(eventID), waitingKey(eventID), seqKey(eventID), eventsKey},
			userID, s.nowMillis(), sessionTTL.Milliseconds(), capacity, eventID, queueBackstop.Milliseconds(),
		).Slice()
		if err != nil {
			return err
		}
		if len(vals) != 5 {
			return replyError("check-in", vals)
		}

		res = models.CheckInResult{
			Admitted:    toInt(vals[0]) == 1,
			Position:    toInt(vals[1]),
			QueueSize:   toInt(vals[2]),
			ActiveCount: toInt(vals[3]),
			Capacity:    capacity,
			Promoted:    toStrings(vals[4]),
		}
		return nil
	})
	return res, err
}

// Leave removes userID from the event and promotes into any slot that frees up.
func (s *RedisStore) Leave(ctx context.Context, eventID, userID string, capacity int, sessionTTL time.Duration) (models.LeaveResult, error) {
	var res models.LeaveResult
	err := s.do(ctx, func(ctx context.Context) error {
		vals, err := leaveScript.Run(ctx, s.client,
			[]string{activeKey(eventID), waitingKey(eventID)},
			userID, s.nowMillis(), sessionTTL.Milliseconds(), capacity, sessionTTL.Milliseconds()*2,
		).Slice()
		if err != nil {
			return err
		}
		if len(vals) != 3 {
			return replyError("leave", vals)
		}

		res = models.LeaveResult{
			WasActive: toInt(vals[0]) == 1,
			WasQueued: toInt(vals[1]) == 1,
			Promoted:  toStrings(vals[2]),
		}
		return nil
	})
	return res, err
}

func (s *RedisStore) Status(ctx context.Context, eventID, userID string) (models.QueueStatus, error) {
	res := models.QueueStatus{Status: models.QueueStateNone}
	err := s.do(ctx, func(ctx context.Context) error {
		vals, err := statusScript.Run(ctx, s.client,
			[]string{activeKey(eventID), waitingKey(eventID)},
			userID, s.nowMillis(),
		).Slice()
		if err != nil {
			return err
		}
		if len(vals) != 4 {
			return replyError("status", vals)
		}

		switch {
		case toInt(vals[0]) == 1:
			expiresAt := time.UnixMilli(toInt64(vals[3])).UTC()
			res = models.QueueStatus{Status: models.QueueStateActive, ExpiresAt: &expiresAt}
		case toInt(vals[1]) > 0:
			res = models.QueueStatus{Status: models.QueueStateQueued, Position: toInt(vals[1]), QueueSize: toInt(vals[2])}
		}
		return nil
	})
	return res, err
}

// Sweep drops expired active sessions for one event and promotes waiting users into their slots.
func (s *RedisStore) Sweep(ctx context.Context, eventID string, capacity int, sessionTTL time.Duration) (models.SweepResult, error) {
	var res models.SweepResult
	err := s.do(ctx, func(ctx context.Context) error {
		vals, err := sweepQueueScript.Run(ctx, s.client,
			[]string{activeKey(eventID), waitingKey(eventID), eventsKey},
			s.nowMillis(), sessionTTL.Milliseconds(), capacity, eventID, sessionTTL.Milliseconds()*2,
		).Slice()
		if err != nil {
			return err
		}
		if len(vals) != 2 {
			return replyError("sweep", vals)
		}

		res = models.SweepResult{Expired: toStrings(vals[0]), Promoted: toStrings(vals[1])}
		return nil
	})
	return res, err
}

// Clear removes every session and queue entry of the event in one MULTI block.
func (s *RedisStore) Clear(ctx context.Context, eventID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, activeKey(eventID), waitingKey(eventID), seqKey(eventID))
			pipe.SRem(ctx, eventsKey, eventID)
			return nil
		})
		return err
	})
}

// Waiting lists queued users in FIFO order.
func (s *RedisStore) Waiting(ctx context.Context, eventID string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.do(ctx, func(ctx context.Context) error {
		users, err := s.client.ZRange(ctx, waitingKey(eventID), 0, -1).Result()
		if err != nil {
			return err
		}

		entries = make([]models.QueueEntry, len(users))
		for i, user := range users {
			entries[i] = models.QueueEntry{EventID: eventID, UserID: user, Position: i + 1}
		}
		return nil
	})
	return entries, err
}

// Counts returns the active and waiting set sizes.
func (s *RedisStore) Counts(ctx context.Context, eventID string) (active, waiting int, err error) {
	err = s.do(ctx, func(ctx context.Context) error {
		cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZCard(ctx, activeKey(eventID))
			pipe.ZCard(ctx, waitingKey(eventID))
			return nil
		})
		if err != nil {
			return err
		}

		active = int(cmds[0].(*redis.IntCmd).Val())
		waiting = int(cmds[1].(*redis.IntCmd).Val())
		return nil
	})
	return active, waiting, err
}

// Events lists events that currently have queue state.
func (s *RedisStore) Events(ctx context.Context) ([]string, error) {
	var events []string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		events, err = s.client.SMembers(ctx, eventsKey).Result()
		return err
	})
	return events, err
}
