// Package verification delivers verification codes. The provider call happens
// before the transaction; the outcome (sent or failed) is then committed
// together with the ledger entry and the matching outbox event.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rbalashov/microshop/libs/consumer"
	"github.com/rbalashov/microshop/libs/events"
	"github.com/rbalashov/microshop/libs/ratelimit"
	"github.com/rbalashov/microshop/libs/retry"
	"github.com/rbalashov/microshop/services/notification-service/internal/email"
	"github.com/rbalashov/microshop/services/notification-service/internal/sms"
	"github.com/rbalashov/microshop/services/notification-service/internal/storage"
)

const TopicNotificationEvents = "notification.events"

const (
	EventVerificationRequested = "verification.requested.v1"
	EventNotificationSent      = "notification.sent.v1"
	EventNotificationFailed    = "notification.failed.v1"
)

type verificationRequestedPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`
	Code   string `json:"code"`
}

type NotificationOutcomePayload struct {
	NotificationID string `json:"notification_id"`
	Kind           string `json:"kind"`
	Channel        string `json:"channel"`
	Recipient      string `json:"recipient"`
	Reason         string `json:"reason,omitempty"`
}

type notificationStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, n storage.Notification) error
}

type outboxWriter interface {
	Write(ctx context.Context, tx pgx.Tx, topic string, env events.Envelope) error
}

type Handler struct {
	notifications notificationStore
	outbox        outboxWriter
	limiter       *ratelimit.Limiter
	email         email.Sender
	sms           sms.Sender
	logger        *slog.Logger
}

func NewHandler(notifications notificationStore, outboxRepo outboxWriter, limiter *ratelimit.Limiter, emailSender email.Sender, smsSender sms.Sender, logger *slog.Logger) *Handler {
	return &Handler{
		notifications: notifications,
		outbox:        outboxRepo,
		limiter:       limiter,
		email:         emailSender,
		sms:           smsSender,
		logger:        logger,
	}
}

func (h *Handler) Handle(ctx context.Context, env events.Envelope, scope *consumer.Scope) consumer.Result {
	var payload verificationRequestedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return consumer.Failure(retry.Permanent(fmt.Errorf("decode verification.requested payload: %w", err)))
	}
	if payload.Email == "" && payload.Phone == "" {
		return consumer.Failure(retry.Permanent(fmt.Errorf("verification.requested event %s has no recipient", env.EventID)))
	}

	channel, recipient := storage.ChannelEmail, payload.Email
	if payload.Email == "" {
		channel, recipient = storage.ChannelSMS, payload.Phone
	}

	// A redelivered or replayed request inside the cooldown window is
	// recorded as suppressed instead of spamming the recipient.
	cooldown, err := h.limiter.CheckCooldown(ctx, recipient)
	if err != nil {
		return consumer.Failure(fmt.Errorf("cooldown check for %s: %w", recipient, err))
	}

	notification := storage.Notification{
		ID:            uuid.NewString(),
		Kind:          storage.KindVerification,
		Channel:       channel,
		Recipient:     recipient,
		CorrelationID: env.CorrelationID,
	}

	var sendErr error
	switch {
	case !cooldown.Allowed():
		notification.Status = storage.StatusSuppressed
	default:
		sendErr = h.send(ctx, channel, recipient, payload.Code)
		if sendErr != nil {
			notification.Status = storage.StatusFailed
		} else {
			notification.Status = storage.StatusSent
		}
	}

	result := scope.Atomic(ctx, func(tx pgx.Tx) error {
		if err := h.notifications.InsertTx(ctx, tx, notification); err != nil {
			return err
		}
		if notification.Status == storage.StatusSuppressed {
			return nil
		}

		eventType := EventNotificationSent
		reason := ""
		if notification.Status == storage.StatusFailed {
			eventType = EventNotificationFailed
			reason = sendErr.Error()
		}
		outcome, err := env.Derive(eventType, "1.0", "notification", notification.ID, NotificationOutcomePayload{
			NotificationID: notification.ID,
			Kind:           notification.Kind,
			Channel:        notification.Channel,
			Recipient:      notification.Recipient,
			Reason:         reason,
		})
		if err != nil {
			return retry.Permanent(err)
		}
		return h.outbox.Write(ctx, tx, TopicNotificationEvents, outcome)
	})
	if !result.Applied() {
		return result
	}

	if notification.Status == storage.StatusSent {
		if err := h.limiter.RecordSent(ctx, recipient); err != nil {
			h.logger.Warn("failed to record verification send", "err", err)
		}
	}
	h.logger.Info("verification notification recorded",
		"notification_id", notification.ID, "recipient", recipient,
		"status", notification.Status, "correlation_id", env.CorrelationID)
	return result
}

func (h *Handler) send(ctx context.Context, channel, recipient, code string) error {
	if channel == storage.ChannelSMS {
		return h.sms.Send(ctx, recipient, "Your Microshop verification code: "+code)
	}
	return h.email.Send(recipient, "Verify your Microshop account",
		fmt.Sprintf("Your verification code is %s.\n", code))
}
