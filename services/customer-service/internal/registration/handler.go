// Package registration builds a customer profile for every newly registered
// user and announces it on customer.events.
package registration

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
	"github.com/rbalashov/microshop/services/customer-service/internal/identity"
	"github.com/rbalashov/microshop/services/customer-service/internal/storage"
)

const TopicCustomerEvents = "customer.events"

const (
	EventUserRegistered     = "user.registered.v1"
	EventCustomerRegistered = "customer.registered.v1"
)

type userRegisteredPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type CustomerRegisteredPayload struct {
	CustomerID string `json:"customer_id"`
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
}

type userLookup interface {
	GetUser(ctx context.Context, userID string) identity.LookupResult
}

type customerStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, customer storage.Customer) (bool, error)
}

type outboxWriter interface {
	Write(ctx context.Context, tx pgx.Tx, topic string, env events.Envelope) error
}

type Handler struct {
	users     userLookup
	customers customerStore
	outbox    outboxWriter
	logger    *slog.Logger
}

func NewHandler(users userLookup, customers customerStore, outboxRepo outboxWriter, logger *slog.Logger) *Handler {
	return &Handler{users: users, customers: customers, outbox: outboxRepo, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, env events.Envelope, scope *consumer.Scope) consumer.Result {
	var payload userRegisteredPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return consumer.Failure(retry.Permanent(fmt.Errorf("decode user.registered payload: %w", err)))
	}
	if payload.UserID == "" {
		return consumer.Failure(retry.Permanent(fmt.Errorf("user.registered event %s missing user_id", env.EventID)))
	}

	// Enrichment happens before the transaction so no connection is held
	// across the network call.
	lookup := h.users.GetUser(ctx, payload.UserID)
	switch {
	case lookup.Failed():
		return consumer.Failure(fmt.Errorf("enrich user %s: %w", payload.UserID, lookup.Err()))
	case lookup.NotFound():
		// identity-service published the registration, so the user record
		// must exist. A 404 here means the two services disagree.
		return consumer.Failure(retry.Permanent(fmt.Errorf("%w: registered user %s unknown to identity-service",
			consumer.ErrInconsistentState, payload.UserID)))
	}
	user := lookup.User()

	customer := storage.Customer{
		ID:       uuid.NewString(),
		UserID:   user.UserID,
		Email:    user.Email,
		FullName: user.FullName,
	}

	return scope.Atomic(ctx, func(tx pgx.Tx) error {
		inserted, err := h.customers.CreateTx(ctx, tx, customer)
		if err != nil {
			return err
		}
		if !inserted {
			// The profile exists from an earlier delivery. The transaction
			// is still healthy, so the ledger entry can commit.
			return consumer.ErrAlreadyApplied
		}

		registered, err := env.Derive(EventCustomerRegistered, "1.0", "customer", customer.ID, CustomerRegisteredPayload{
			CustomerID: customer.ID,
			UserID:     customer.UserID,
			Email:      customer.Email,
			FullName:   customer.FullName,
		})
		if err != nil {
			return retry.Permanent(err)
		}
		if err := h.outbox.Write(ctx, tx, TopicCustomerEvents, registered); err != nil {
			return err
		}

		h.logger.Info("customer registered",
			"customer_id", customer.ID, "user_id", customer.UserID, "correlation_id", env.CorrelationID)
		return nil
	})
}
