package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rbalashov/microshop/libs/db"
)

// PostgresStore keeps one rate_limit_events row per consumed action.
type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) RequestsSince(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT requested_at
		FROM rate_limit_events
		WHERE key = $1 AND requested_at >= $2
		ORDER BY requested_at
	`, key, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stamps []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		stamps = append(stamps, at)
	}
	return stamps, rows.Err()
}

func (s *PostgresStore) Add(ctx context.Context, key string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rate_limit_events (key, requested_at)
		VALUES ($1, $2)
	`, key, at)
	return err
}

func (s *PostgresStore) Last(ctx context.Context, key string) (time.Time, bool, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT max(requested_at) FROM rate_limit_events WHERE key = $1
	`, key).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM rate_limit_events WHERE requested_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
