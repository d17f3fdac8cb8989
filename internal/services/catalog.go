package services

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"

	"ticket-queue/models"
)

// Catalog reads events, seats and ticket types from the relational store.
type Catalog struct {
	db              dbx.Builder
	defaultCapacity int
}

func NewCatalog(db dbx.Builder, defaultCapacity int) *Catalog {
	return &Catalog{db: db, defaultCapacity: defaultCapacity}
}

// Capacity returns the event's queue_threshold, or the default when it is unset or unreadable.
func (c *Catalog) Capacity(ctx context.Context, eventID string) int {
	var row struct {
		QueueThreshold int `db:"queue_threshold"`
	}

	err := c.db.Select("queue_threshold").
		From("events").
		Where(dbx.HashExp{"id": eventID}).
		WithContext(ctx).
		One(&row)
	if err != nil || row.QueueThreshold <= 0 {
		return c.defaultCapacity
	}
	return row.QueueThreshold
}

// Seats returns the requested seats of eventID. Unknown ids are left out.
func (c *Catalog) Seats(ctx context.Context, eventID string, seatIDs []string) ([]models.Seat, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}

	var seats []models.Seat
	err := c.db.Select("id", "event_id", "ticket_type_id", "section", "row", "number", "price", "status").
		From("seats").
		Where(dbx.HashExp{"event_id": eventID}).
		AndWhere(dbx.In("id", toAny(seatIDs)...)).
		WithContext(ctx).
		All(&seats)
	if err != nil {
		return nil, fmt.Errorf("load seats for %s: %w", eventID, err)
	}
	return seats, nil
}

// TicketTypes returns the requested ticket types of eventID. Unknown ids are left out.
func (c *Catalog) TicketTypes(ctx context.Context, eventID string, ticketTypeIDs []string) ([]models.TicketType, error) {
	if len(ticketTypeIDs) == 0 {
		return nil, nil
	}

	var ticketTypes []models.TicketType
	err := c.db.Select("id", "event_id", "name", "price", "total_quantity", "available_quantity").
		From("ticket_types").
		Where(dbx.HashExp{"event_id": eventID}).
		AndWhere(dbx.In("id", toAny(ticketTypeIDs)...)).
		WithContext(ctx).
		All(&ticketTypes)
	if err != nil {
		return nil, fmt.Errorf("load ticket types for %s: %w", eventID, err)
	}
	return ticketTypes, nil
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
