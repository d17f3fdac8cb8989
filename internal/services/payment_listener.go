package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go/v7"
	"github.com/shopspring/decimal"

	"ticket-queue/internal/status"
	"ticket-queue/models"
)

// PaymentReservations is the part of ReservationService that settles payments.
type PaymentReservations interface {
	Confirm(ctx context.Context, id, paymentRef string, paidAmount decimal.Decimal) (*models.Reservation, error)
	CancelPending(ctx context.Context, id, reason string) (*models.Reservation, error)
}

// PaymentListener applies payment notifications published by the payment collaborator.
type PaymentListener struct {
	reservations PaymentReservations
	logger       *slog.Logger
}

func NewPaymentListener(reservations PaymentReservations, logger *slog.Logger) *PaymentListener {
	return &PaymentListener{reservations: reservations, logger: logger}
}

// Listen subscribes to channel and handles messages until ctx is done.
func (l *PaymentListener) Listen(ctx context.Context, pn *pubnub.PubNub, channel string) {
	listener := pubnub.NewListener()
	pn.AddListener(listener)
	pn.Subscribe().
		Channels([]string{channel}).
		Execute()

	defer func() {
		pn.Unsubscribe().Channels([]string{channel}).Execute()
		pn.RemoveListener(listener)
	}()

	l.logger.Info("Listening for payment notifications", "channel", channel)

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-listener.Status:
			if st != nil && st.Error {
				l.logger.Warn("Payment channel status error", "category", st.Category, "channel", channel)
			}
		case message := <-listener.Message:
			if message == nil {
				continue
			}
			if err := l.Handle(ctx, message.Message); err != nil && !status.IsExpected(err) {
				l.logger.Error("Failed to apply payment notification", "channel", channel, "error", err)
			}
		}
	}
}

// Handle decodes one notification and confirms or cancels its reservation.
func (l *PaymentListener) Handle(ctx context.Context, payload any) error {
	n, err := decodePayment(payload)
	if err != nil {
		return err
	}
	if n.ReservationID == "" {
		return fmt.Errorf("%w: payment notification without reservation id", status.ErrInvalidArgument)
	}

	switch n.Status {
	case models.PaymentPaid:
		r, err := l.reservations.Confirm(ctx, n.ReservationID, n.PaymentRef, n.Amount)
		if err != nil {
			return err
		}
		l.logger.Info("Payment applied", "reservation_id", r.ID, "payment_ref", n.PaymentRef)
	case models.PaymentFailed:
		_, err := l.reservations.CancelPending(ctx, n.ReservationID, "payment failed")
		if errors.Is(err, status.ErrInvalidTransition) {
			// Already paid, cancelled or expired. A late failure must not undo a payment.
			l.logger.Info("Payment failure ignored, reservation not pending", "reservation_id", n.ReservationID)
			return nil
		}
		if err != nil {
			return err
		}
		l.logger.Info("Payment failed, reservation cancelled", "reservation_id", n.ReservationID)
	default:
		return fmt.Errorf("%w: unknown payment status %q", status.ErrInvalidArgument, n.Status)
	}
	return nil
}

func decodePayment(payload any) (models.PaymentNotification, error) {
	var n models.PaymentNotification

	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return n, fmt.Errorf("%w: %v", status.ErrInvalidArgument, err)
		}
	}

	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("%w: payment notification: %v", status.ErrInvalidArgument, err)
	}
	return n, nil
}
