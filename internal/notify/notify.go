// Package notify delivers queue messages to users over PubNub and WebSockets.
package notify

import (
	"context"
	"errors"
	"fmt"

	"ticket-queue/models"
	"ticket-queue/monitoring"
)

const (
	TransportPubNub    = "pubnub"
	TransportWebSocket = "websocket"
)

// Notifier pushes one message to the user it addresses.
type Notifier interface {
	Notify(ctx context.Context, msg models.QueueMessage) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, models.QueueMessage) error { return nil }

type target struct {
	name     string
	notifier Notifier
}

// Fanout sends each message to every registered transport. A failing transport
// does not stop delivery through the others.
type Fanout struct {
	targets []target
	monitor *monitoring.Monitor
}

func NewFanout(monitor *monitoring.Monitor) *Fanout {
	return &Fanout{monitor: monitor}
}

func (f *Fanout) Add(name string, n Notifier) *Fanout {
	f.targets = append(f.targets, target{name: name, notifier: n})
	return f
}

func (f *Fanout) Len() int {
	return len(f.targets)
}

func (f *Fanout) Notify(ctx context.Context, msg models.QueueMessage) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.notifier.Notify(ctx, msg); err != nil {
			f.monitor.TrackNotification(string(msg.Type), t.name, "error")
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		f.monitor.TrackNotification(string(msg.Type), t.name, "ok")
	}
	return errors.Join(errs...)
}

// UserChannel is the per-user PubNub channel.
func UserChannel(userID string) string {
	return "user-" + userID
}
