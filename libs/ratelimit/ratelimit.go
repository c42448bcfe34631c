// Package ratelimit bounds resend-style actions per key (an email address or
// user id) with a trailing-window counter and a per-key cooldown. Checking
// and recording are separate steps: a caller may check without committing to
// the action.
package ratelimit

import (
	"context"
	"time"

	"github.com/rbalashov/microshop/libs/config"
)

// Store persists one row per consumed action. RequestsSince returns
// timestamps in ascending order.
type Store interface {
	RequestsSince(ctx context.Context, key string, since time.Time) ([]time.Time, error)
	Add(ctx context.Context, key string, at time.Time) error
	Last(ctx context.Context, key string) (time.Time, bool, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Decision is the windowed-counter verdict.
type Decision struct {
	allowed    bool
	remaining  int
	retryAfter time.Time
}

func (d Decision) Allowed() bool { return d.allowed }

// Remaining is how many further actions the window admits after this one.
// Only meaningful when Allowed.
func (d Decision) Remaining() int { return d.remaining }

// RetryAfter is when the oldest in-window action expires. Only meaningful
// when not Allowed.
func (d Decision) RetryAfter() time.Time { return d.retryAfter }

// CooldownDecision is the minimum-interval verdict.
type CooldownDecision struct {
	allowed bool
	wait    time.Duration
}

func (d CooldownDecision) Allowed() bool       { return d.allowed }
func (d CooldownDecision) Wait() time.Duration { return d.wait }

type Config struct {
	Window   time.Duration
	Limit    int
	Cooldown time.Duration
	Enabled  bool
}

func ConfigFromEnv() Config {
	return Config{
		Window:   config.Seconds("RATE_LIMIT_WINDOW_SECONDS", time.Hour),
		Limit:    config.Int("RATE_LIMIT_MAX_REQUESTS", 3),
		Cooldown: config.Seconds("RATE_LIMIT_COOLDOWN_SECONDS", 60*time.Second),
		Enabled:  config.Bool("RATE_LIMIT_ENABLED", true),
	}
}

type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func NewLimiter(store Store, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Limiter{store: store, cfg: cfg, now: time.Now}
}

// Check counts actions for key inside the trailing window. It never records
// anything; call RecordSent once the action is actually taken.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	if !l.cfg.Enabled {
		return Decision{allowed: true, remaining: l.cfg.Limit}, nil
	}
	now := l.now()
	stamps, err := l.store.RequestsSince(ctx, key, now.Add(-l.cfg.Window))
	if err != nil {
		return Decision{}, err
	}
	if len(stamps) >= l.cfg.Limit {
		return Decision{retryAfter: stamps[0].Add(l.cfg.Window)}, nil
	}
	return Decision{allowed: true, remaining: l.cfg.Limit - len(stamps) - 1}, nil
}

// CheckCooldown compares now to the most recent recorded action for key.
func (l *Limiter) CheckCooldown(ctx context.Context, key string) (CooldownDecision, error) {
	if !l.cfg.Enabled {
		return CooldownDecision{allowed: true}, nil
	}
	last, ok, err := l.store.Last(ctx, key)
	if err != nil {
		return CooldownDecision{}, err
	}
	if !ok {
		return CooldownDecision{allowed: true}, nil
	}
	next := last.Add(l.cfg.Cooldown)
	now := l.now()
	if !now.Before(next) {
		return CooldownDecision{allowed: true}, nil
	}
	return CooldownDecision{wait: next.Sub(now)}, nil
}

// RecordSent consumes one unit of budget for key.
func (l *Limiter) RecordSent(ctx context.Context, key string) error {
	if !l.cfg.Enabled {
		return nil
	}
	return l.store.Add(ctx, key, l.now())
}
