// Package welcome greets every freshly registered customer: the notification
// record and the sent event commit atomically, the email itself goes out
// through the task queue after the commit.
package welcome

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rbalashov/microshop/libs/consumer"
	"github.com/rbalashov/microshop/libs/events"
	"github.com/rbalashov/microshop/libs/retry"
	"github.com/rbalashov/microshop/libs/tasks"
	"github.com/rbalashov/microshop/services/notification-service/internal/email"
	"github.com/rbalashov/microshop/services/notification-service/internal/storage"
)

const TopicNotificationEvents = "notification.events"

const (
	EventCustomerRegistered = "customer.registered.v1"
	EventNotificationSent   = "notification.sent.v1"
)

type customerRegisteredPayload struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
}

type NotificationSentPayload struct {
	NotificationID string `json:"notification_id"`
	Kind           string `json:"kind"`
	Channel        string `json:"channel"`
	Recipient      string `json:"recipient"`
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
	queue         *tasks.Queue
	sender        email.Sender
	logger        *slog.Logger
}

func NewHandler(notifications notificationStore, outboxRepo outboxWriter, queue *tasks.Queue, sender email.Sender, logger *slog.Logger) *Handler {
	return &Handler{
		notifications: notifications,
		outbox:        outboxRepo,
		queue:         queue,
		sender:        sender,
		logger:        logger,
	}
}

func (h *Handler) Handle(ctx context.Context, env events.Envelope, scope *consumer.Scope) consumer.Result {
	var payload customerRegisteredPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return consumer.Failure(retry.Permanent(fmt.Errorf("decode customer.registered payload: %w", err)))
	}
	if payload.Email == "" {
		return consumer.Failure(retry.Permanent(fmt.Errorf("customer.registered event %s missing email", env.EventID)))
	}

	notification := storage.Notification{
		ID:            uuid.NewString(),
		Kind:          storage.KindWelcome,
		Channel:       storage.ChannelEmail,
		Recipient:     payload.Email,
		Status:        storage.StatusSent,
		CorrelationID: env.CorrelationID,
	}

	result := scope.Atomic(ctx, func(tx pgx.Tx) error {
		if err := h.notifications.InsertTx(ctx, tx, notification); err != nil {
			return err
		}
		sent, err := env.Derive(EventNotificationSent, "1.0", "notification", notification.ID, NotificationSentPayload{
			NotificationID: notification.ID,
			Kind:           notification.Kind,
			Channel:        notification.Channel,
			Recipient:      notification.Recipient,
		})
		if err != nil {
			return retry.Permanent(err)
		}
		return h.outbox.Write(ctx, tx, TopicNotificationEvents, sent)
	})
	if !result.Applied() {
		return result
	}

	// Best effort after commit; a lost email never rolls back the record.
	name := payload.FullName
	recipient := payload.Email
	accepted := h.queue.Enqueue("welcome-email", func(context.Context) error {
		return h.sender.Send(recipient, "Welcome to Microshop",
			fmt.Sprintf("Hi %s,\n\nyour customer account is ready.\n", displayName(name)))
	})
	if !accepted {
		h.logger.Warn("welcome email dropped, task queue shut down",
			"notification_id", notification.ID, "recipient", recipient)
	}
	h.logger.Info("welcome notification recorded",
		"notification_id", notification.ID, "recipient", recipient, "correlation_id", env.CorrelationID)
	return result
}

func displayName(fullName string) string {
	if fullName == "" {
		return "there"
	}
	return fullName
}
