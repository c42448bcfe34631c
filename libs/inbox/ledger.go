// Package inbox is the idempotency ledger: the durable set of event ids a
// service has already processed. The primary key on event_id, not application
// logic, decides races between concurrent redeliveries.
package inbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rbalashov/microshop/libs/db"
)

// ErrAlreadyProcessed reports that the ledger already holds the event id.
var ErrAlreadyProcessed = errors.New("event already processed")

type Ledger struct {
	pool *db.Pool
}

func NewLedger(pool *db.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Exists is the cheap pre-check run outside any transaction. A false answer
// is only advisory; Record inside the business transaction is authoritative.
func (l *Ledger) Exists(ctx context.Context, eventID string) (bool, error) {
	var found bool
	err := l.pool.QueryRow(ctx, `
		SELECT true FROM processed_events WHERE event_id = $1
	`, eventID).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return found, nil
}

// Record inserts the processed marker inside the caller's transaction and
// returns ErrAlreadyProcessed on the unique-constraint violation, which is
// how the losing side of a redelivery race finds out.
func (l *Ledger) Record(ctx context.Context, tx pgx.Tx, eventID, eventType string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyProcessed
	}
	return err
}
