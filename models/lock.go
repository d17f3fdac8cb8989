package models

import (
	"fmt"
	"time"
)

// SeatLock is an exclusive hold on a seat or a ticket type.
type SeatLock struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (l *SeatLock) TTL() time.Duration {
	return l.ExpiresAt.Sub(l.AcquiredAt)
}

func (l *SeatLock) HeldBy(holder string) bool {
	return l != nil && l.Holder == holder
}

func SeatLockKey(eventID, seatID string) string {
	return fmt.Sprintf("seat:%s:%s", eventID, seatID)
}

func TicketLockKey(ticketTypeID string) string {
	return fmt.Sprintf("ticket:%s", ticketTypeID)
}
