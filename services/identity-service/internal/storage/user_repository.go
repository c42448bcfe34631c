package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rbalashov/microshop/libs/db"
)

const (
	StatusPendingVerification = "pending_verification"
	StatusActive              = "active"
)

type User struct {
	ID               string
	Email            string
	FullName         string
	PasswordHash     string
	Status           string
	VerificationCode string
	CreatedAt        time.Time
}

type UserRepository struct {
	pool *db.Pool
}

func NewUserRepository(pool *db.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) CreateTx(ctx context.Context, tx pgx.Tx, user User) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO users (id, email, full_name, password_hash, status, verification_code)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.FullName, user.PasswordHash, user.Status, user.VerificationCode)
	return err
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (User, error) {
	return r.get(ctx, `WHERE email = $1`, email)
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (User, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

func (r *UserRepository) get(ctx context.Context, where string, arg any) (User, error) {
	var user User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, full_name, password_hash, status, verification_code, created_at
		FROM users
	`+where, arg).Scan(&user.ID, &user.Email, &user.FullName, &user.PasswordHash, &user.Status, &user.VerificationCode, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ActivateTx marks the account active and reports whether the user existed.
func (r *UserRepository) ActivateTx(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE users SET status = $2 WHERE id = $1
	`, id, StatusActive)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
