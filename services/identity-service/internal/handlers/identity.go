package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/rbalashov/microshop/libs/events"
	"github.com/rbalashov/microshop/libs/ratelimit"
	"github.com/rbalashov/microshop/services/identity-service/internal/storage"
)

const TopicIdentityEvents = "identity.events"

const (
	EventUserRegistered        = "user.registered.v1"
	EventVerificationRequested = "verification.requested.v1"
)

type UserRegisteredPayload struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

type VerificationRequestedPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Code   string `json:"code"`
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type userStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, user storage.User) error
	GetByEmail(ctx context.Context, email string) (storage.User, error)
	GetByID(ctx context.Context, id string) (storage.User, error)
}

type outboxWriter interface {
	Write(ctx context.Context, tx pgx.Tx, topic string, env events.Envelope) error
}

type IdentityHandler struct {
	pool    txBeginner
	users   userStore
	outbox  outboxWriter
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

func NewIdentityHandler(pool txBeginner, users userStore, outboxRepo outboxWriter, limiter *ratelimit.Limiter, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{
		pool:    pool,
		users:   users,
		outbox:  outboxRepo,
		limiter: limiter,
		logger:  logger,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type registerResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

func (h *IdentityHandler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Password = strings.TrimSpace(req.Password)
	req.FullName = strings.TrimSpace(req.FullName)
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}

	user := storage.User{
		ID:               uuid.NewString(),
		Email:            req.Email,
		FullName:         req.FullName,
		PasswordHash:     hash,
		Status:           storage.StatusPendingVerification,
		VerificationCode: newVerificationCode(),
	}

	ctx := r.Context()
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		http.Error(w, "failed to start transaction", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.users.CreateTx(ctx, tx, user); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			http.Error(w, "email already registered", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	registered, err := events.New(EventUserRegistered, "1.0", "user", user.ID, UserRegisteredPayload{
		UserID:   user.ID,
		Email:    user.Email,
		FullName: user.FullName,
	})
	if err != nil {
		http.Error(w, "failed to build event", http.StatusInternalServerError)
		return
	}
	if err := h.outbox.Write(ctx, tx, TopicIdentityEvents, registered); err != nil {
		http.Error(w, "failed to enqueue event", http.StatusInternalServerError)
		return
	}

	// The first verification email is caused by the registration itself.
	verification, err := registered.Derive(EventVerificationRequested, "1.0", "user", user.ID, VerificationRequestedPayload{
		UserID: user.ID,
		Email:  user.Email,
		Code:   user.VerificationCode,
	})
	if err != nil {
		http.Error(w, "failed to build event", http.StatusInternalServerError)
		return
	}
	if err := h.outbox.Write(ctx, tx, TopicIdentityEvents, verification); err != nil {
		http.Error(w, "failed to enqueue event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit transaction", http.StatusInternalServerError)
		return
	}

	if err := h.limiter.RecordSent(ctx, user.Email); err != nil {
		h.logger.Warn("failed to record verification send", "err", err)
	}

	writeJSON(w, http.StatusCreated, registerResponse{UserID: user.ID, Status: user.Status})
}

type resendRequest struct {
	Email string `json:"email"`
}

func (h *IdentityHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req resendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	user, err := h.users.GetByEmail(ctx, email)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "unknown email", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if user.Status == storage.StatusActive {
		http.Error(w, "account already verified", http.StatusConflict)
		return
	}

	cooldown, err := h.limiter.CheckCooldown(ctx, email)
	if err != nil {
		http.Error(w, "rate limit check failed", http.StatusInternalServerError)
		return
	}
	if !cooldown.Allowed() {
		w.Header().Set("Retry-After", strconv.Itoa(int(cooldown.Wait().Seconds()+0.5)))
		http.Error(w, "resend requested too soon", http.StatusTooManyRequests)
		return
	}

	window, err := h.limiter.Check(ctx, email)
	if err != nil {
		http.Error(w, "rate limit check failed", http.StatusInternalServerError)
		return
	}
	if !window.Allowed() {
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(window.RetryAfter()).Seconds()+0.5)))
		http.Error(w, "resend limit reached", http.StatusTooManyRequests)
		return
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		http.Error(w, "failed to start transaction", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	env, err := events.New(EventVerificationRequested, "1.0", "user", user.ID, VerificationRequestedPayload{
		UserID: user.ID,
		Email:  user.Email,
		Code:   user.VerificationCode,
	})
	if err != nil {
		http.Error(w, "failed to build event", http.StatusInternalServerError)
		return
	}
	if err := h.outbox.Write(ctx, tx, TopicIdentityEvents, env); err != nil {
		http.Error(w, "failed to enqueue event", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit transaction", http.StatusInternalServerError)
		return
	}

	// The check above never consumes budget; the send is recorded here,
	// after the resend is committed.
	if err := h.limiter.RecordSent(ctx, email); err != nil {
		h.logger.Warn("failed to record verification send", "err", err)
	}

	w.WriteHeader(http.StatusAccepted)
}

type userResponse struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// GetUser serves the cross-service lookup used by customer-service.
func (h *IdentityHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/users/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "user id required", http.StatusBadRequest)
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		UserID:    user.ID,
		Email:     user.Email,
		FullName:  user.FullName,
		Status:    user.Status,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func newVerificationCode() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
