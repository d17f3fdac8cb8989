package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-queue/models"
)

// Channel carries queue messages between instances.
const Channel = "queue-events"

// RedisPublisher hands messages to every instance's Relay, so a user connected to
// any instance receives them.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, channel: Channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, msg models.QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Relay forwards messages published on Channel to the local Hub.
type Relay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRelay(client *redis.Client, hub *Hub, logger *slog.Logger) *Relay {
	return &Relay{
		client:     client,
		channel:    Channel,
		hub:        hub,
		logger:     logger,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run forwards messages until ctx is done. A failed subscription is retried with
// exponential backoff; the wait resets once a subscription succeeds.
func (r *Relay) Run(ctx context.Context) {
	wait := r.minBackoff
	for {
		subscribed, err := r.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			wait = r.minBackoff
		}
		r.logger.Warn("Queue relay disconnected, retrying", "channel", r.channel, "retry_in", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		wait = min(wait*2, r.maxBackoff)
	}
}

// listen reports whether the subscription was established before it ended.
func (r *Relay) listen(ctx context.Context) (bool, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("Queue relay subscribed", "channel", r.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case m, ok := <-messages:
			if !ok {
				return true, fmt.Errorf("subscription to %s closed", r.channel)
			}
			r.forward(m.Payload)
		}
	}
}

func (r *Relay) forward(payload string) {
	var msg models.QueueMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("Dropping malformed queue message", "error", err)
		return
	}
	r.hub.Deliver(msg)
}
