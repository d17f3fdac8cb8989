package models

import (
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// CanTransitionTo reports whether the state machine allows moving from s to next.
// Nothing ever moves back to pending.
func (s ReservationStatus) CanTransitionTo(next ReservationStatus) bool {
	switch s {
	case ReservationPending:
		return next == ReservationConfirmed || next == ReservationCancelled || next == ReservationExpired
	case ReservationConfirmed:
		return next == ReservationCancelled
	default:
		return false
	}
}

func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationCancelled || s == ReservationExpired
}

type Reservation struct {
	ID                string            `db:"id" json:"id"`
	ReservationNumber string            `db:"reservation_number" json:"reservationNumber"`
	UserID            string            `db:"user_id" json:"userId"`
	EventID           string            `db:"event_id" json:"eventId"`
	TotalAmount       decimal.Decimal   `db:"total_amount" json:"totalAmount"`
	Status            ReservationStatus `db:"status" json:"status"`
	PaymentRef        string            `db:"payment_ref" json:"paymentRef,omitempty"`
	CancelReason      string            `db:"cancel_reason" json:"cancelReason,omitempty"`
	ExpiresAt         types.DateTime    `db:"expires_at" json:"expiresAt"`
	ConfirmedAt       types.DateTime    `db:"confirmed_at" json:"confirmedAt"`
	Created           types.DateTime    `db:"created" json:"created"`
	Updated           types.DateTime    `db:"updated" json:"updated"`

	Items []ReservationItem `db:"-" json:"items"`
}

// SeatIDs lists the seats held by the reservation, skipping general-admission items.
func (r *Reservation) SeatIDs() []string {
	ids := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		if item.SeatID != "" {
			ids = append(ids, item.SeatID)
		}
	}
	return ids
}

// LockKeys returns the lock keys that back the reservation's items.
func (r *Reservation) LockKeys() []string {
	keys := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		keys = append(keys, item.LockKey(r.EventID))
	}
	return keys
}

type ReservationItem struct {
	ID            string          `db:"id" json:"id"`
	ReservationID string          `db:"reservation_id" json:"reservationId"`
	SeatID        string          `db:"seat_id" json:"seatId,omitempty"`
	TicketTypeID  string          `db:"ticket_type_id" json:"ticketTypeId"`
	Quantity      int             `db:"quantity" json:"quantity"`
	UnitPrice     decimal.Decimal `db:"unit_price" json:"unitPrice"`
}

func (i ReservationItem) LockKey(eventID string) string {
	if i.SeatID != "" {
		return SeatLockKey(eventID, i.SeatID)
	}
	return TicketLockKey(i.TicketTypeID)
}

func (i ReservationItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// TicketQuantity requests general-admission units of a ticket type.
type TicketQuantity struct {
	TicketTypeID string `json:"ticketTypeId"`
	Quantity     int    `json:"quantity"`
}

type TicketType struct {
	ID                string          `db:"id" json:"id"`
	EventID           string          `db:"event_id" json:"eventId"`
	Name              string          `db:"name" json:"name"`
	Price             decimal.Decimal `db:"price" json:"price"`
	TotalQuantity     int             `db:"total_quantity" json:"totalQuantity"`
	AvailableQuantity int             `db:"available_quantity" json:"availableQuantity"`
}

// SeatStatus tracks who owns a seat in the relational store. Locks only cover the
// selection window; the status is what keeps a seat from being reserved twice.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatHeld      SeatStatus = "held"
	SeatSold      SeatStatus = "sold"
)

type Seat struct {
	ID           string          `db:"id" json:"id"`
	EventID      string          `db:"event_id" json:"eventId"`
	TicketTypeID string          `db:"ticket_type_id" json:"ticketTypeId"`
	Section      string          `db:"section" json:"section"`
	Row          string          `db:"row" json:"row"`
	Number       int             `db:"number" json:"number"`
	Price        decimal.Decimal `db:"price" json:"price"`
	Status       SeatStatus      `db:"status" json:"status"`
}
