package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rbalashov/microshop/libs/db"
)

type Customer struct {
	ID        string
	UserID    string
	Email     string
	FullName  string
	CreatedAt time.Time
}

type CustomerRepository struct {
	pool *db.Pool
}

func NewCustomerRepository(pool *db.Pool) *CustomerRepository {
	return &CustomerRepository{pool: pool}
}

// CreateTx inserts the profile and reports whether a row was written. A
// duplicate user_id is absorbed by ON CONFLICT instead of raising a
// constraint violation, which would abort the caller's transaction and take
// the staged ledger entry down with it.
func (r *CustomerRepository) CreateTx(ctx context.Context, tx pgx.Tx, customer Customer) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO customers (id, user_id, email, full_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`, customer.ID, customer.UserID, customer.Email, customer.FullName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *CustomerRepository) GetByID(ctx context.Context, id string) (Customer, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

func (r *CustomerRepository) GetByUserID(ctx context.Context, userID string) (Customer, error) {
	return r.get(ctx, `WHERE user_id = $1`, userID)
}

func (r *CustomerRepository) get(ctx context.Context, where string, arg any) (Customer, error) {
	var customer Customer
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, email, full_name, created_at
		FROM customers
	`+where, arg).Scan(&customer.ID, &customer.UserID, &customer.Email, &customer.FullName, &customer.CreatedAt)
	if err != nil {
		return Customer{}, err
	}
	return customer, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
