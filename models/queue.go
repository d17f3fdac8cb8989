package models

import (
	"time"
)

type QueueState string

const (
	QueueStateActive QueueState = "active"
	QueueStateQueued QueueState = "queued"
	QueueStateNone   QueueState = "none"
)

// QueueEntry is a waiting user; Position is 1-based.
type QueueEntry struct {
	EventID  string `json:"eventId"`
	UserID   string `json:"userId"`
	Position int    `json:"position"`
}

type ActiveSession struct {
	EventID   string    `json:"eventId"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CheckInResult struct {
	Admitted             bool `json:"admitted"`
	Position             int  `json:"position,omitempty"`
	QueueSize            int  `json:"queueSize,omitempty"`
	ActiveCount          int  `json:"activeCount"`
	Capacity             int  `json:"capacity"`
	EstimatedWaitSeconds int  `json:"estimatedWaitSeconds,omitempty"`

	// Promoted lists waiting users admitted into a slot the caller's lapsed session freed.
	Promoted []string `json:"-"`
}

type QueueStatus struct {
	Status    QueueState `json:"status"`
	Position  int        `json:"position,omitempty"`
	QueueSize int        `json:"queueSize,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type QueueInfo struct {
	EventID     string `json:"eventId"`
	QueueSize   int    `json:"queueSize"`
	ActiveCount int    `json:"activeCount"`
	Capacity    int    `json:"capacity"`
	Available   int    `json:"available"`
}

// LeaveResult reports what a leave removed and who was promoted into the freed slots.
type LeaveResult struct {
	WasActive bool
	WasQueued bool
	Promoted  []string
}

// Changed reports whether queue positions may have shifted.
func (r LeaveResult) Changed() bool {
	return r.WasActive || r.WasQueued || len(r.Promoted) > 0
}

type SweepResult struct {
	Expired  []string
	Promoted []string
}
