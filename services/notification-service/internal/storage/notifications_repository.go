package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rbalashov/microshop/libs/db"
)

const (
	KindWelcome      = "welcome"
	KindVerification = "verification"

	ChannelEmail = "email"
	ChannelSMS   = "sms"

	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusSuppressed = "suppressed"
)

type Notification struct {
	ID            string
	Kind          string
	Channel       string
	Recipient     string
	Status        string
	CorrelationID string
	CreatedAt     time.Time
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, n Notification) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO notifications (id, kind, channel, recipient, status, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, n.Kind, n.Channel, n.Recipient, n.Status, n.CorrelationID)
	return err
}

func (r *Repository) ListByRecipient(ctx context.Context, recipient string) ([]Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, channel, recipient, status, correlation_id, created_at
		FROM notifications
		WHERE recipient = $1
		ORDER BY created_at DESC
	`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Kind, &n.Channel, &n.Recipient, &n.Status, &n.CorrelationID, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
