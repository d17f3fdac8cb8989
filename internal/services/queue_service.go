package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ticket-queue/config"
	"ticket-queue/internal/notify"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/monitoring"
)

// QueueStore keeps admission state in the shared store. Every call is atomic.
type QueueStore interface {
	CheckIn(ctx context.Context, eventID, userID string, capacity int, sessionTTL time.Duration) (models.CheckInResult, error)
	Leave(ctx context.Context, eventID, userID string, capacity int, sessionTTL time.Duration) (models.LeaveResult, error)
	Status(ctx context.Context, eventID, userID string) (models.QueueStatus, error)
	Sweep(ctx context.Context, eventID string, capacity int, sessionTTL time.Duration) (models.SweepResult, error)
	Clear(ctx context.Context, eventID string) error
	Waiting(ctx context.Context, eventID string) ([]models.QueueEntry, error)
	Counts(ctx context.Context, eventID string) (active, waiting int, err error)
	Events(ctx context.Context) ([]string, error)
}

// CapacityLookup returns how many users may hold an active session for an event.
type CapacityLookup interface {
	Capacity(ctx context.Context, eventID string) int
}

// FixedCapacity applies the same capacity to every event.
type FixedCapacity int

func (c FixedCapacity) Capacity(context.Context, string) int { return int(c) }

type QueueService struct {
	store    QueueStore
	notifier notify.Notifier
	capacity CapacityLookup
	monitor  *monitoring.Monitor
	logger   *slog.Logger

	sessionTTL      time.Duration
	waitPerPosition time.Duration
	now             func() time.Time
}

func NewQueueService(store QueueStore, notifier notify.Notifier, capacity CapacityLookup, monitor *monitoring.Monitor, cfg *config.Config, logger *slog.Logger) *QueueService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if capacity == nil {
		capacity = FixedCapacity(cfg.ActiveCapacityPerEvent)
	}
	return &QueueService{
		store:           store,
		notifier:        notifier,
		capacity:        capacity,
		monitor:         monitor,
		logger:          logger,
		sessionTTL:      cfg.SessionTTL,
		waitPerPosition: cfg.WaitPerPosition,
		now:             time.Now,
	}
}

func validateIDs(eventID, userID string) error {
	if eventID == "" {
		return fmt.Errorf("%w: event id is required", status.ErrInvalidArgument)
	}
	if userID == "" {
		return fmt.Errorf("%w: user id is required", status.ErrInvalidArgument)
	}
	return nil
}

// CheckIn admits the user when a slot is free and nobody is waiting, otherwise
// queues them. Calling it again returns the user's current state.
func (s *QueueService) CheckIn(ctx context.Context, eventID, userID string) (*models.CheckInResult, error) {
	if err := validateIDs(eventID, userID); err != nil {
		return nil, err
	}

	res, err := s.store.CheckIn(ctx, eventID, userID, s.capacity.Capacity(ctx, eventID), s.sessionTTL)
	if err != nil {
		s.monitor.TrackQueueOperation("check_in", eventID, "error")
		return nil, fmt.Errorf("check in %s for %s: %w", userID, eventID, err)
	}
	if len(res.Promoted) > 0 {
		s.afterPromotion(ctx, eventID, res.Promoted, false)
	}

	if res.Admitted {
		s.monitor.TrackQueueOperation("check_in", eventID, "admitted")
		s.logger.Debug("User admitted", "event_id", eventID, "user_id", userID, "active", res.ActiveCount)
		return &res, nil
	}

	res.EstimatedWaitSeconds = s.estimatedWait(res.Position)
	s.monitor.TrackQueueOperation("check_in", eventID, "queued")
	s.logger.Debug("User queued", "event_id", eventID, "user_id", userID, "position", res.Position, "queue_size", res.QueueSize)
	s.notify(ctx, s.positionMessage(eventID, userID, res.Position, res.QueueSize))

	return &res, nil
}

// Leave drops the user's session or queue entry. Freed slots go to the head of the queue.
func (s *QueueService) Leave(ctx context.Context, eventID, userID string) error {
	if err := validateIDs(eventID, userID); err != nil {
		return err
	}

	res, err := s.store.Leave(ctx, eventID, userID, s.capacity.Capacity(ctx, eventID), s.sessionTTL)
	if err != nil {
		s.monitor.TrackQueueOperation("leave", eventID, "error")
		return fmt.Errorf("leave %s for %s: %w", userID, eventID, err)
	}

	s.monitor.TrackQueueOperation("leave", eventID, "ok")
	if res.WasActive || res.WasQueued {
		s.logger.Debug("User left", "event_id", eventID, "user_id", userID, "was_active", res.WasActive, "promoted", len(res.Promoted))
	}
	s.afterPromotion(ctx, eventID, res.Promoted, res.Changed())
	return nil
}

// Status is the authoritative view for clients that missed a push.
func (s *QueueService) Status(ctx context.Context, eventID, userID string) (*models.QueueStatus, error) {
	if err := validateIDs(eventID, userID); err != nil {
		return nil, err
	}

	st, err := s.store.Status(ctx, eventID, userID)
	if err != nil {
		return nil, fmt.Errorf("queue status of %s for %s: %w", userID, eventID, err)
	}
	return &st, nil
}

// AdminClear drops every session and queue entry for the event. No one is notified.
func (s *QueueService) AdminClear(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("%w: event id is required", status.ErrInvalidArgument)
	}

	if err := s.store.Clear(ctx, eventID); err != nil {
		s.monitor.TrackQueueOperation("admin_clear", eventID, "error")
		return fmt.Errorf("clear queue for %s: %w", eventID, err)
	}

	s.monitor.TrackQueueOperation("admin_clear", eventID, "ok")
	s.logger.Info("Queue cleared", "event_id", eventID)
	return nil
}

func (s *QueueService) Info(ctx context.Context, eventID string) (*models.QueueInfo, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id is required", status.ErrInvalidArgument)
	}

	active, waiting, err := s.store.Counts(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("queue info for %s: %w", eventID, err)
	}

	capacity := s.capacity.Capacity(ctx, eventID)
	return &models.QueueInfo{
		EventID:     eventID,
		QueueSize:   waiting,
		ActiveCount: active,
		Capacity:    capacity,
		Available:   max(capacity-active, 0),
	}, nil
}

// Sweep expires stale sessions for every event with queue state and promotes into the freed slots.
func (s *QueueService) Sweep(ctx context.Context) (int, error) {
	start := time.Now()

	events, err := s.store.Events(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queue events: %w", err)
	}

	var errs []error
	expired := 0
	for _, eventID := range events {
		n, err := s.SweepEvent(ctx, eventID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		expired += n
	}

	s.monitor.ObserveSweep("queue", time.Since(start), expired)
	if expired > 0 {
		s.logger.Info("Queue sweep finished", "events", len(events), "expired", expired)
	}
	return expired, errors.Join(errs...)
}

func (s *QueueService) SweepEvent(ctx context.Context, eventID string) (int, error) {
	res, err := s.store.Sweep(ctx, eventID, s.capacity.Capacity(ctx, eventID), s.sessionTTL)
	if err != nil {
		return 0, fmt.Errorf("sweep queue for %s: %w", eventID, err)
	}

	if len(res.Expired) > 0 {
		s.logger.Debug("Expired active sessions", "event_id", eventID, "count", len(res.Expired))
	}
	s.afterPromotion(ctx, eventID, res.Promoted, len(res.Promoted) > 0)
	return len(res.Expired), nil
}

// afterPromotion tells promoted users they may enter and, when positions moved,
// sends every remaining user their new place.
func (s *QueueService) afterPromotion(ctx context.Context, eventID string, promoted []string, shifted bool) {
	for _, userID := range promoted {
		s.notify(ctx, models.QueueMessage{
			Type:    models.MessageEntryAllowed,
			EventID: eventID,
			UserID:  userID,
		})
	}
	s.monitor.TrackPromotions(eventID, len(promoted))

	if shifted {
		s.broadcastPositions(ctx, eventID)
	}
}

func (s *QueueService) broadcastPositions(ctx context.Context, eventID string) {
	entries, err := s.store.Waiting(ctx, eventID)
	if err != nil {
		s.logger.Warn("Failed to read queue for position updates", "event_id", eventID, "error", err)
		return
	}

	for _, entry := range entries {
		s.notify(ctx, s.positionMessage(eventID, entry.UserID, entry.Position, len(entries)))
	}
}

func (s *QueueService) positionMessage(eventID, userID string, position, queueSize int) models.QueueMessage {
	return models.QueueMessage{
		Type:                 models.MessageQueueUpdated,
		EventID:              eventID,
		UserID:               userID,
		Position:             position,
		QueueSize:            queueSize,
		EstimatedWaitSeconds: s.estimatedWait(position),
	}
}

func (s *QueueService) estimatedWait(position int) int {
	return int((time.Duration(position) * s.waitPerPosition).Seconds())
}

// notify is best effort; clients fall back to Status.
func (s *QueueService) notify(ctx context.Context, msg models.QueueMessage) {
	msg.ID = uuid.NewString()
	msg.SentAt = s.now().UTC()

	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Warn("Failed to deliver queue notification",
			"type", msg.Type,
			"event_id", msg.EventID,
			"user_id", msg.UserID,
			"error", err,
		)
	}
}
