package notify

import (
	"context"
	"fmt"

	pubnub "github.com/pubnub/go/v7"

	"ticket-queue/models"
)

// Publisher sends a message on a PubNub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

type pubnubPublisher struct {
	pn *pubnub.PubNub
}

// NewPubNubPublisher adapts a PubNub client to Publisher.
func NewPubNubPublisher(pn *pubnub.PubNub) Publisher {
	return &pubnubPublisher{pn: pn}
}

func (p *pubnubPublisher) Publish(ctx context.Context, channel string, message any) error {
	_, status, err := p.pn.PublishWithContext(ctx).
		Channel(channel).
		Message(message).
		Execute()
	if err != nil {
		return err
	}
	if status.Error != nil {
		return status.Error
	}
	return nil
}

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UserID       string
}

// NewPubNubClient builds a client the same way for publishing and for the payment listener.
func NewPubNubClient(cfg PubNubConfig) *pubnub.PubNub {
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnConfig.PublishKey = cfg.PublishKey
	pnConfig.SubscribeKey = cfg.SubscribeKey
	pnConfig.SecretKey = cfg.SecretKey
	return pubnub.NewPubNub(pnConfig)
}

// PubNub publishes each message on the addressed user's channel.
type PubNub struct {
	publisher Publisher
}

func NewPubNub(publisher Publisher) *PubNub {
	return &PubNub{publisher: publisher}
}

func (p *PubNub) Notify(ctx context.Context, msg models.QueueMessage) error {
	if msg.UserID == "" {
		return fmt.Errorf("pubnub: message %s has no user", msg.ID)
	}
	return p.publisher.Publish(ctx, UserChannel(msg.UserID), msg)
}
