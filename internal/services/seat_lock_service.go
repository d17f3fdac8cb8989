package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticket-queue/config"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/monitoring"
)

// LockStore holds exclusive, expiring locks in the shared store.
type LockStore interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) (bool, error)
	Get(ctx context.Context, key string) (*models.SeatLock, error)
	SweepExpired(ctx context.Context, limit int) (int, error)
}

type SeatLockService struct {
	store   LockStore
	monitor *monitoring.Monitor
	logger  *slog.Logger

	seatTTL   time.Duration
	ticketTTL time.Duration
	batchSize int
}

func NewSeatLockService(store LockStore, monitor *monitoring.Monitor, cfg *config.Config, logger *slog.Logger) *SeatLockService {
	return &SeatLockService{
		store:     store,
		monitor:   monitor,
		logger:    logger,
		seatTTL:   cfg.SeatLockTTL,
		ticketTTL: cfg.TicketLockTTL,
		batchSize: cfg.SweepBatchSize,
	}
}

func validateLockKey(key, holder string) error {
	if !strings.HasPrefix(key, "seat:") && !strings.HasPrefix(key, "ticket:") {
		return fmt.Errorf("%w: unsupported lock key %q", status.ErrInvalidArgument, key)
	}
	if holder == "" {
		return fmt.Errorf("%w: holder is required", status.ErrInvalidArgument)
	}
	return nil
}

// Acquire takes key for holder. It fails with status.ErrAlreadyLocked while another
// holder's lock is live. Acquiring a lock the holder already owns renews it.
// A non-positive ttl uses the default for the key's kind.
func (s *SeatLockService) Acquire(ctx context.Context, key, holder string, ttl time.Duration) error {
	if err := validateLockKey(key, holder); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL(key)
	}

	ok, err := s.store.Acquire(ctx, key, holder, ttl)
	if err != nil {
		s.monitor.TrackSeatLock("acquire", "error")
		s.logger.Error("Failed to acquire lock", "key", key, "holder", holder, "error", err)
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		s.monitor.TrackSeatLock("acquire", "contended")
		s.logger.Debug("Lock held by another holder", "key", key, "holder", holder)
		return fmt.Errorf("acquire %s: %w", key, status.ErrAlreadyLocked)
	}

	s.monitor.TrackSeatLock("acquire", "ok")
	s.monitor.ObserveSeatLockTTL(ttl)
	return nil
}

func (s *SeatLockService) AcquireSeat(ctx context.Context, eventID, seatID, holder string) error {
	return s.Acquire(ctx, models.SeatLockKey(eventID, seatID), holder, s.seatTTL)
}

func (s *SeatLockService) AcquireTicketType(ctx context.Context, ticketTypeID, holder string) error {
	return s.Acquire(ctx, models.TicketLockKey(ticketTypeID), holder, s.ticketTTL)
}

// AcquireSeats locks every seat or none of them. On failure only the locks taken by
// this call are released; seats the holder already had stay locked.
func (s *SeatLockService) AcquireSeats(ctx context.Context, eventID string, seatIDs []string, holder string) error {
	acquired := make([]string, 0, len(seatIDs))
	for _, seatID := range seatIDs {
		key := models.SeatLockKey(eventID, seatID)
		prev, err := s.Holder(ctx, key)
		if err != nil {
			s.releaseAll(ctx, acquired, holder)
			return err
		}
		if err := s.Acquire(ctx, key, holder, s.seatTTL); err != nil {
			s.releaseAll(ctx, acquired, holder)
			return err
		}
		if !prev.HeldBy(holder) {
			acquired = append(acquired, key)
		}
	}
	return nil
}

// Release drops key when holder owns it. Releasing a missing lock or someone else's lock is a no-op.
func (s *SeatLockService) Release(ctx context.Context, key, holder string) error {
	if err := validateLockKey(key, holder); err != nil {
		return err
	}

	released, err := s.store.Release(ctx, key, holder)
	if err != nil {
		s.monitor.TrackSeatLock("release", "error")
		return fmt.Errorf("release %s: %w", key, err)
	}

	if released {
		s.monitor.TrackSeatLock("release", "ok")
	} else {
		s.monitor.TrackSeatLock("release", "noop")
	}
	return nil
}

// ReleaseAll releases every key, continuing past failures.
func (s *SeatLockService) ReleaseAll(ctx context.Context, keys []string, holder string) error {
	var errs []error
	for _, key := range keys {
		if err := s.Release(ctx, key, holder); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *SeatLockService) releaseAll(ctx context.Context, keys []string, holder string) {
	if err := s.ReleaseAll(ctx, keys, holder); err != nil {
		s.logger.Warn("Failed to roll back locks", "holder", holder, "error", err)
	}
}

// Holder returns the live lock on key, or nil.
func (s *SeatLockService) Holder(ctx context.Context, key string) (*models.SeatLock, error) {
	lock, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", key, err)
	}
	return lock, nil
}

// Verify fails with status.ErrSeatNotLocked unless holder owns a live lock on key.
func (s *SeatLockService) Verify(ctx context.Context, key, holder string) error {
	lock, err := s.Holder(ctx, key)
	if err != nil {
		return err
	}
	if !lock.HeldBy(holder) {
		return fmt.Errorf("%s: %w", key, status.ErrSeatNotLocked)
	}
	return nil
}

// Sweep deletes expired locks left behind by the store's own expiry.
func (s *SeatLockService) Sweep(ctx context.Context) (int, error) {
	start := time.Now()

	n, err := s.store.SweepExpired(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}

	s.monitor.ObserveSweep("locks", time.Since(start), n)
	if n > 0 {
		s.logger.Info("Lock sweep finished", "removed", n)
	}
	return n, nil
}

func (s *SeatLockService) defaultTTL(key string) time.Duration {
	if strings.HasPrefix(key, "ticket:") {
		return s.ticketTTL
	}
	return s.seatTTL
}
