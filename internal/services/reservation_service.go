package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/security"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"ticket-queue/config"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/monitoring"
)

const (
	idAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	numberAlphabet = "0123456789ABCDEF"

	reservationColumns = "id, reservation_number, user_id, event_id, total_amount, status, payment_ref, cancel_reason, expires_at, confirmed_at, created, updated"
)

// DB is the relational store. PocketBase's non-concurrent handle satisfies it.
type DB interface {
	dbx.Builder
	Transactional(f func(*dbx.Tx) error) error
}

// PriceLookup reads current prices.
type PriceLookup interface {
	Seats(ctx context.Context, eventID string, seatIDs []string) ([]models.Seat, error)
	TicketTypes(ctx context.Context, eventID string, ticketTypeIDs []string) ([]models.TicketType, error)
}

// LockVerifier checks and releases the locks backing a reservation.
type LockVerifier interface {
	Verify(ctx context.Context, key, holder string) error
	ReleaseAll(ctx context.Context, keys []string, holder string) error
}

// SessionReleaser ends a user's active queue session.
type SessionReleaser interface {
	Leave(ctx context.Context, eventID, userID string) error
}

type CreateReservationInput struct {
	UserID  string                  `json:"userId"`
	EventID string                  `json:"eventId"`
	SeatIDs []string                `json:"seatIds"`
	Tickets []models.TicketQuantity `json:"tickets"`
}

type ReservationService struct {
	db       DB
	catalog  PriceLookup
	locks    LockVerifier
	sessions SessionReleaser
	monitor  *monitoring.Monitor
	logger   *slog.Logger

	reservationTTL time.Duration
	maxSeats       int
	batchSize      int
	now            func() time.Time
}

func NewReservationService(db DB, catalog PriceLookup, locks LockVerifier, sessions SessionReleaser, monitor *monitoring.Monitor, cfg *config.Config, logger *slog.Logger) *ReservationService {
	return &ReservationService{
		db:             db,
		catalog:        catalog,
		locks:          locks,
		sessions:       sessions,
		monitor:        monitor,
		logger:         logger,
		reservationTTL: cfg.ReservationTTL,
		maxSeats:       cfg.MaxSeatsPerReservation,
		batchSize:      cfg.SweepBatchSize,
		now:            time.Now,
	}
}

func (s *ReservationService) validate(in CreateReservationInput) error {
	if err := validateIDs(in.EventID, in.UserID); err != nil {
		return err
	}
	if len(in.SeatIDs) == 0 && len(in.Tickets) == 0 {
		return fmt.Errorf("%w: at least one seat or ticket is required", status.ErrInvalidArgument)
	}

	seen := make(map[string]bool, len(in.SeatIDs))
	for _, id := range in.SeatIDs {
		if id == "" || seen[id] {
			return fmt.Errorf("%w: seat ids must be unique and non-empty", status.ErrInvalidArgument)
		}
		seen[id] = true
	}

	count := len(in.SeatIDs)
	seenTypes := make(map[string]bool, len(in.Tickets))
	for _, t := range in.Tickets {
		if t.TicketTypeID == "" || t.Quantity <= 0 {
			return fmt.Errorf("%w: ticket type and a positive quantity are required", status.ErrInvalidArgument)
		}
		if seenTypes[t.TicketTypeID] {
			return fmt.Errorf("%w: ticket type %s listed twice", status.ErrInvalidArgument, t.TicketTypeID)
		}
		seenTypes[t.TicketTypeID] = true
		count += t.Quantity
	}
	if count > s.maxSeats {
		return fmt.Errorf("%w: at most %d seats per reservation", status.ErrInvalidArgument, s.maxSeats)
	}
	return nil
}

// Create records a pending reservation for seats and tickets the user currently holds locks on.
// Each seat moves from available to held in the same transaction, so a seat is never
// in two live reservations. The total comes from current prices. Ticket-type locks are
// released once the row is written; seat locks stay until confirmation, cancellation or expiry.
func (s *ReservationService) Create(ctx context.Context, in CreateReservationInput) (*models.Reservation, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}

	ticketKeys := make([]string, 0, len(in.Tickets))
	for _, t := range in.Tickets {
		key := models.TicketLockKey(t.TicketTypeID)
		if err := s.locks.Verify(ctx, key, in.UserID); err != nil {
			return nil, err
		}
		ticketKeys = append(ticketKeys, key)
	}

	items, err := s.priceItems(ctx, in)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &models.Reservation{
		ID:                security.RandomStringWithAlphabet(15, idAlphabet),
		ReservationNumber: reservationNumber(now),
		UserID:            in.UserID,
		EventID:           in.EventID,
		Status:            models.ReservationPending,
		ExpiresAt:         dateTime(now.Add(s.reservationTTL)),
		Created:           dateTime(now),
		Updated:           dateTime(now),
		TotalAmount:       decimal.Zero,
	}
	for i := range items {
		items[i].ID = security.RandomStringWithAlphabet(15, idAlphabet)
		items[i].ReservationID = r.ID
		r.TotalAmount = r.TotalAmount.Add(items[i].Subtotal())
	}
	r.Items = items

	err = s.db.Transactional(func(tx *dbx.Tx) error {
		if err := s.moveSeats(ctx, tx, in.EventID, in.SeatIDs, models.SeatHeld, freeSeat...); err != nil {
			return err
		}
		// Locks are checked after the seats are claimed, inside the same transaction.
		for _, seatID := range in.SeatIDs {
			if err := s.locks.Verify(ctx, models.SeatLockKey(in.EventID, seatID), in.UserID); err != nil {
				return err
			}
		}

		for _, t := range in.Tickets {
			if err := s.checkAvailability(ctx, tx, t, now); err != nil {
				return err
			}
		}

		if _, err := tx.Insert("reservations", dbx.Params{
			"id":                 r.ID,
			"reservation_number": r.ReservationNumber,
			"user_id":            r.UserID,
			"event_id":           r.EventID,
			"total_amount":       r.TotalAmount,
			"status":             string(r.Status),
			"payment_ref":        "",
			"cancel_reason":      "",
			"expires_at":         r.ExpiresAt,
			"confirmed_at":       r.ConfirmedAt,
			"created":            r.Created,
			"updated":            r.Updated,
		}).WithContext(ctx).Execute(); err != nil {
			return err
		}

		for _, item := range r.Items {
			if _, err := tx.Insert("reservation_items", dbx.Params{
				"id":             item.ID,
				"reservation_id": item.ReservationID,
				"seat_id":        item.SeatID,
				"ticket_type_id": item.TicketTypeID,
				"quantity":       item.Quantity,
				"unit_price":     item.UnitPrice,
			}).WithContext(ctx).Execute(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create reservation for %s: %w", in.UserID, err)
	}

	if err := s.locks.ReleaseAll(ctx, ticketKeys, in.UserID); err != nil {
		s.logger.Warn("Failed to release ticket locks", "reservation_id", r.ID, "error", err)
	}

	s.monitor.TrackReservationTransition("", string(models.ReservationPending))
	s.logger.Info("Reservation created",
		"reservation_id", r.ID,
		"reservation_number", r.ReservationNumber,
		"user_id", r.UserID,
		"event_id", r.EventID,
		"total", r.TotalAmount.String(),
	)
	return r, nil
}

// priceItems builds one item per seat and one per general-admission line at current prices.
func (s *ReservationService) priceItems(ctx context.Context, in CreateReservationInput) ([]models.ReservationItem, error) {
	items := make([]models.ReservationItem, 0, len(in.SeatIDs)+len(in.Tickets))

	seats, err := s.catalog.Seats(ctx, in.EventID, in.SeatIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Seat, len(seats))
	for _, seat := range seats {
		byID[seat.ID] = seat
	}
	for _, seatID := range in.SeatIDs {
		seat, ok := byID[seatID]
		if !ok {
			return nil, fmt.Errorf("%w: seat %s does not belong to event %s", status.ErrInvalidArgument, seatID, in.EventID)
		}
		items = append(items, models.ReservationItem{
			SeatID:       seat.ID,
			TicketTypeID: seat.TicketTypeID,
			Quantity:     1,
			UnitPrice:    seat.Price,
		})
	}

	ids := make([]string, 0, len(in.Tickets))
	for _, t := range in.Tickets {
		ids = append(ids, t.TicketTypeID)
	}
	ticketTypes, err := s.catalog.TicketTypes(ctx, in.EventID, ids)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(ticketTypes))
	for _, tt := range ticketTypes {
		prices[tt.ID] = tt.Price
	}
	for _, t := range in.Tickets {
		price, ok := prices[t.TicketTypeID]
		if !ok {
			return nil, fmt.Errorf("%w: ticket type %s does not belong to event %s", status.ErrInvalidArgument, t.TicketTypeID, in.EventID)
		}
		items = append(items, models.ReservationItem{
			TicketTypeID: t.TicketTypeID,
			Quantity:     t.Quantity,
			UnitPrice:    price,
		})
	}
	return items, nil
}

// checkAvailability counts unexpired pending reservations against the remaining stock.
func (s *ReservationService) checkAvailability(ctx context.Context, tx *dbx.Tx, t models.TicketQuantity, now time.Time) error {
	var remaining int
	err := tx.NewQuery(`
		SELECT tt.available_quantity - COALESCE((
			SELECT SUM(ri.quantity)
			FROM reservation_items ri
			JOIN reservations r ON r.id = ri.reservation_id
			WHERE ri.ticket_type_id = tt.id
				AND r.status = 'pending'
				AND r.expires_at > {:now}
		), 0)
		FROM ticket_types tt
		WHERE tt.id = {:id}
	`).Bind(dbx.Params{"id": t.TicketTypeID, "now": dateTime(now)}).WithContext(ctx).Row(&remaining)
	if err != nil {
		return fmt.Errorf("check availability of %s: %w", t.TicketTypeID, err)
	}
	if remaining < t.Quantity {
		return fmt.Errorf("ticket type %s has %d left: %w", t.TicketTypeID, remaining, status.ErrInsufficientInventory)
	}
	return nil
}

func (s *ReservationService) Get(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Confirm marks a pending reservation paid and takes its inventory. Exactly one of
// several concurrent confirmations succeeds; the rest get status.ErrAlreadyConfirmed.
func (s *ReservationService) Confirm(ctx context.Context, id, paymentRef string, paidAmount decimal.Decimal) (*models.Reservation, error) {
	var r *models.Reservation
	err := s.db.Transactional(func(tx *dbx.Tx) error {
		var err error
		r, err = s.load(ctx, tx, id)
		if err != nil {
			return err
		}

		switch r.Status {
		case models.ReservationConfirmed:
			return status.ErrAlreadyConfirmed
		case models.ReservationExpired:
			return status.ErrReservationExpired
		case models.ReservationCancelled:
			return status.ErrInvalidTransition
		}

		now := s.now().UTC()
		if !r.ExpiresAt.Time().After(now) {
			return status.ErrReservationExpired
		}
		if !paidAmount.Equal(r.TotalAmount) {
			return fmt.Errorf("paid %s, total %s: %w", paidAmount, r.TotalAmount, status.ErrAmountMismatch)
		}

		ok, err := s.transition(ctx, tx, id, models.ReservationPending, models.ReservationConfirmed, dbx.Params{
			"payment_ref":  paymentRef,
			"confirmed_at": dateTime(now),
			"updated":      dateTime(now),
		})
		if err != nil {
			return err
		}
		if !ok {
			return status.ErrAlreadyConfirmed
		}

		if err := s.moveSeats(ctx, tx, r.EventID, r.SeatIDs(), models.SeatSold, models.SeatHeld); err != nil {
			return err
		}
		for ticketTypeID, q := range quantities(r.Items) {
			if err := s.takeInventory(ctx, tx, ticketTypeID, q); err != nil {
				return err
			}
		}

		r.Status = models.ReservationConfirmed
		r.PaymentRef = paymentRef
		r.ConfirmedAt = dateTime(now)
		r.Updated = dateTime(now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm reservation %s: %w", id, err)
	}

	s.monitor.TrackReservationTransition(string(models.ReservationPending), string(models.ReservationConfirmed))
	s.logger.Info("Reservation confirmed", "reservation_id", id, "payment_ref", paymentRef, "user_id", r.UserID)

	s.releaseLocks(ctx, r)
	s.endSession(ctx, r)
	return r, nil
}

// Cancel moves a pending or confirmed reservation to cancelled. Cancelling a
// confirmed reservation returns its inventory and seats.
func (s *ReservationService) Cancel(ctx context.Context, id, reason string) (*models.Reservation, error) {
	return s.cancel(ctx, id, reason, true)
}

// CancelPending cancels id only while it is still pending. Paid reservations are
// left alone and reported as status.ErrInvalidTransition.
func (s *ReservationService) CancelPending(ctx context.Context, id, reason string) (*models.Reservation, error) {
	return s.cancel(ctx, id, reason, false)
}

func (s *ReservationService) cancel(ctx context.Context, id, reason string, allowConfirmed bool) (*models.Reservation, error) {
	var (
		r    *models.Reservation
		from models.ReservationStatus
	)
	err := s.db.Transactional(func(tx *dbx.Tx) error {
		var err error
		r, err = s.load(ctx, tx, id)
		if err != nil {
			return err
		}

		from = r.Status
		if !from.CanTransitionTo(models.ReservationCancelled) || (from == models.ReservationConfirmed && !allowConfirmed) {
			return fmt.Errorf("%s to %s: %w", from, models.ReservationCancelled, status.ErrInvalidTransition)
		}

		now := s.now().UTC()
		ok, err := s.transition(ctx, tx, id, from, models.ReservationCancelled, dbx.Params{
			"cancel_reason": reason,
			"updated":       dateTime(now),
		})
		if err != nil {
			return err
		}
		if !ok {
			return status.ErrInvalidTransition
		}

		held := models.SeatHeld
		if from == models.ReservationConfirmed {
			held = models.SeatSold
		}
		if err := s.moveSeats(ctx, tx, r.EventID, r.SeatIDs(), models.SeatAvailable, held, ""); err != nil {
			return err
		}

		if from == models.ReservationConfirmed {
			for ticketTypeID, q := range quantities(r.Items) {
				if err := s.restoreInventory(ctx, tx, ticketTypeID, q); err != nil {
					return err
				}
			}
		}

		r.Status = models.ReservationCancelled
		r.CancelReason = reason
		r.Updated = dateTime(now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel reservation %s: %w", id, err)
	}

	s.monitor.TrackReservationTransition(string(from), string(models.ReservationCancelled))
	s.logger.Info("Reservation cancelled", "reservation_id", id, "from", from, "reason", reason)

	if from == models.ReservationPending {
		s.releaseLocks(ctx, r)
	}
	return r, nil
}

// Sweep expires pending reservations past their deadline, releasing their locks and queue sessions.
// Running it again, or on several instances at once, expires each reservation once.
func (s *ReservationService) Sweep(ctx context.Context) (int, error) {
	start := time.Now()

	var rows []struct {
		ID string `db:"id"`
	}
	err := s.db.Select("id").
		From("reservations").
		Where(dbx.HashExp{"status": string(models.ReservationPending)}).
		AndWhere(dbx.NewExp("expires_at <= {:now}", dbx.Params{"now": dateTime(s.now().UTC())})).
		OrderBy("expires_at ASC").
		Limit(int64(s.batchSize)).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	var errs []error
	expired := 0
	for _, row := range rows {
		ok, err := s.expire(ctx, row.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}

	s.monitor.ObserveSweep("reservations", time.Since(start), expired)
	if expired > 0 {
		s.logger.Info("Reservation sweep finished", "expired", expired)
	}
	return expired, errors.Join(errs...)
}

// expire reports whether this call performed the transition.
func (s *ReservationService) expire(ctx context.Context, id string) (bool, error) {
	var r *models.Reservation
	expired := false
	err := s.db.Transactional(func(tx *dbx.Tx) error {
		var err error
		r, err = s.load(ctx, tx, id)
		if err != nil {
			return err
		}

		now := dateTime(s.now().UTC())
		res, err := tx.Update("reservations",
			dbx.Params{"status": string(models.ReservationExpired), "updated": now},
			dbx.And(
				dbx.HashExp{"id": id, "status": string(models.ReservationPending)},
				dbx.NewExp("expires_at <= {:now}", dbx.Params{"now": now}),
			),
		).WithContext(ctx).Execute()
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		expired = n == 1
		if !expired {
			return nil
		}
		return s.moveSeats(ctx, tx, r.EventID, r.SeatIDs(), models.SeatAvailable, models.SeatHeld, "")
	})
	if err != nil {
		return false, fmt.Errorf("expire reservation %s: %w", id, err)
	}
	if !expired {
		return false, nil
	}

	r.Status = models.ReservationExpired
	s.monitor.TrackReservationTransition(string(models.ReservationPending), string(models.ReservationExpired))
	s.logger.Info("Reservation expired", "reservation_id", id, "user_id", r.UserID, "event_id", r.EventID)

	s.releaseLocks(ctx, r)
	s.endSession(ctx, r)
	return true, nil
}

func (s *ReservationService) load(ctx context.Context, db dbx.Builder, id string) (*models.Reservation, error) {
	r := &models.Reservation{}
	err := db.NewQuery("SELECT " + reservationColumns + " FROM reservations WHERE id = {:id} LIMIT 1").
		Bind(dbx.Params{"id": id}).
		WithContext(ctx).
		One(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, status.ErrReservationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation %s: %w", id, err)
	}

	err = db.Select("id", "reservation_id", "seat_id", "ticket_type_id", "quantity", "unit_price").
		From("reservation_items").
		Where(dbx.HashExp{"reservation_id": id}).
		OrderBy("id ASC").
		WithContext(ctx).
		All(&r.Items)
	if err != nil {
		return nil, fmt.Errorf("load items of %s: %w", id, err)
	}
	return r, nil
}

// transition applies a status change only while the row still has status from.
func (s *ReservationService) transition(ctx context.Context, tx *dbx.Tx, id string, from, to models.ReservationStatus, fields dbx.Params) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, status.ErrInvalidTransition
	}

	fields["status"] = string(to)
	res, err := tx.Update("reservations", fields,
		dbx.HashExp{"id": id, "status": string(from)},
	).WithContext(ctx).Execute()
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// freeSeat lists the statuses a seat can be claimed from. Rows written before
// seats carried a status have it empty.
var freeSeat = []models.SeatStatus{models.SeatAvailable, ""}

// moveSeats sets the status of seatIDs to to, but only for seats currently in one
// of from. Unless every seat moves it returns status.ErrSeatUnavailable, and the
// caller's transaction rolls back.
func (s *ReservationService) moveSeats(ctx context.Context, tx *dbx.Tx, eventID string, seatIDs []string, to models.SeatStatus, from ...models.SeatStatus) error {
	if len(seatIDs) == 0 {
		return nil
	}

	statuses := make([]any, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	res, err := tx.Update("seats",
		dbx.Params{"status": string(to)},
		dbx.And(
			dbx.HashExp{"event_id": eventID},
			dbx.In("id", toAny(seatIDs)...),
			dbx.In("status", statuses...),
		),
	).WithContext(ctx).Execute()
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(seatIDs) {
		return fmt.Errorf("%d of %d seats not %v: %w", len(seatIDs)-int(n), len(seatIDs), from, status.ErrSeatUnavailable)
	}
	return nil
}

func (s *ReservationService) takeInventory(ctx context.Context, tx *dbx.Tx, ticketTypeID string, q int) error {
	res, err := tx.NewQuery(`
		UPDATE ticket_types
		SET available_quantity = available_quantity - {:q}
		WHERE id = {:id} AND available_quantity >= {:q}
	`).Bind(dbx.Params{"id": ticketTypeID, "q": q}).WithContext(ctx).Execute()
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("ticket type %s: %w", ticketTypeID, status.ErrInsufficientInventory)
	}
	return nil
}

func (s *ReservationService) restoreInventory(ctx context.Context, tx *dbx.Tx, ticketTypeID string, q int) error {
	res, err := tx.NewQuery(`
		UPDATE ticket_types
		SET available_quantity = available_quantity + {:q}
		WHERE id = {:id} AND available_quantity + {:q} <= total_quantity
	`).Bind(dbx.Params{"id": ticketTypeID, "q": q}).WithContext(ctx).Execute()
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("restore %d of ticket type %s would exceed its total", q, ticketTypeID)
	}
	return nil
}

func (s *ReservationService) releaseLocks(ctx context.Context, r *models.Reservation) {
	if err := s.locks.ReleaseAll(ctx, r.LockKeys(), r.UserID); err != nil {
		s.logger.Warn("Failed to release reservation locks", "reservation_id", r.ID, "error", err)
	}
}

func (s *ReservationService) endSession(ctx context.Context, r *models.Reservation) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.Leave(ctx, r.EventID, r.UserID); err != nil {
		s.logger.Warn("Failed to end queue session", "reservation_id", r.ID, "user_id", r.UserID, "error", err)
	}
}

// quantities sums item quantities per ticket type.
func quantities(items []models.ReservationItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, item := range items {
		out[item.TicketTypeID] += item.Quantity
	}
	return out
}

func reservationNumber(now time.Time) string {
	return fmt.Sprintf("TK%d%s", now.UnixMilli(), security.RandomStringWithAlphabet(5, numberAlphabet))
}

func dateTime(t time.Time) types.DateTime {
	dt, _ := types.ParseDateTime(t)
	return dt
}
