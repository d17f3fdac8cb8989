package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageQueueUpdated MessageType = "queue-updated"
	MessageEntryAllowed MessageType = "entry-allowed"
)

// QueueMessage is pushed to a queued or newly admitted user.
type QueueMessage struct {
	ID                   string      `json:"id"`
	Type                 MessageType `json:"type"`
	EventID              string      `json:"eventId"`
	UserID               string      `json:"userId"`
	Position             int         `json:"position,omitempty"`
	QueueSize            int         `json:"queueSize,omitempty"`
	EstimatedWaitSeconds int         `json:"estimatedWaitSeconds,omitempty"`
	SentAt               time.Time   `json:"sentAt"`
}

const (
	PaymentPaid   = "paid"
	PaymentFailed = "failed"
)

// PaymentNotification is what the payment collaborator sends once a payment settles.
type PaymentNotification struct {
	ReservationID string          `json:"reservation_id"`
	PaymentRef    string          `json:"payment_ref"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
}
