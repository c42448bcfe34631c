// Package activation marks a user account active once customer-service has
// confirmed the customer profile.
package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/rbalashov/microshop/libs/consumer"
	"github.com/rbalashov/microshop/libs/events"
	"github.com/rbalashov/microshop/libs/retry"
	"github.com/rbalashov/microshop/services/identity-service/internal/storage"
)

const EventCustomerRegistered = "customer.registered.v1"

type customerRegisteredPayload struct {
	CustomerID string `json:"customer_id"`
	UserID     string `json:"user_id"`
}

type Handler struct {
	users  *storage.UserRepository
	logger *slog.Logger
}

func NewHandler(users *storage.UserRepository, logger *slog.Logger) *Handler {
	return &Handler{users: users, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, env events.Envelope, scope *consumer.Scope) consumer.Result {
	var payload customerRegisteredPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return consumer.Failure(retry.Permanent(fmt.Errorf("decode customer.registered payload: %w", err)))
	}
	if payload.UserID == "" {
		return consumer.Failure(retry.Permanent(fmt.Errorf("customer.registered event %s missing user_id", env.EventID)))
	}

	return scope.Atomic(ctx, func(tx pgx.Tx) error {
		activated, err := h.users.ActivateTx(ctx, tx, payload.UserID)
		if err != nil {
			return err
		}
		if !activated {
			// A customer profile exists for a user this service never
			// created. That is a correctness bug, not a retry candidate.
			return retry.Permanent(fmt.Errorf("%w: customer %s references unknown user %s",
				consumer.ErrInconsistentState, payload.CustomerID, payload.UserID))
		}
		h.logger.Info("user activated", "user_id", payload.UserID, "correlation_id", env.CorrelationID)
		return nil
	})
}
