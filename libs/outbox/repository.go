// Package outbox implements the transactional outbox: events are staged in
// the same database transaction as the state change that produced them, and
// a relay forwards them to Kafka after commit. Delivery is at-least-once;
// consumers dedup via their inbox ledger.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rbalashov/microshop/libs/db"
	"github.com/rbalashov/microshop/libs/events"
	otelx "github.com/rbalashov/microshop/libs/otel"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Write stages env for delivery to topic inside the caller's open
// transaction. It never talks to the broker.
func (r *Repository) Write(ctx context.Context, tx pgx.Tx, topic string, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode outbox envelope: %w", err)
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (topic, event_id, event_type, aggregate_id, correlation_id, causation_id, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, topic, env.EventID, env.EventType, env.AggregateID, env.CorrelationID, env.CausationID, payload, traceparent, tracestate)
	return err
}

// Record is one staged outbox row. Payload is the serialized envelope exactly
// as it will appear on the wire.
type Record struct {
	ID            int64
	Topic         string
	EventID       string
	EventType     string
	AggregateID   string
	CorrelationID string
	CausationID   string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

// FetchUnpublished locks up to limit pending rows in creation order. Row
// locks keep concurrent relay instances off each other's batches while
// preserving per-aggregate order within a batch.
func (r *Repository) FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, topic, event_id, event_type, aggregate_id, correlation_id, causation_id, payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rcd Record
		if err := rows.Scan(&rcd.ID, &rcd.Topic, &rcd.EventID, &rcd.EventType, &rcd.AggregateID, &rcd.CorrelationID, &rcd.CausationID, &rcd.Payload, &rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}
