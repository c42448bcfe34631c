// Package retry wraps event handling at the consumption boundary with
// bounded exponential-backoff retry.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes the backoff schedule. The defaults produce the delays
// 1s, 2s, 4s, 8s, 16s before the final attempt.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	MaxRetries int
}

func DefaultPolicy() Policy {
	return Policy{
		Base:       1 * time.Second,
		Multiplier: 2.0,
		Cap:        16 * time.Second,
		MaxRetries: 5,
	}
}

// BackOff builds the deterministic schedule for this policy. Randomization is
// off so redelivery timing is predictable and testable.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Cap
	b.RandomizationFactor = 0
	return b
}

// Permanent marks err as non-retryable: the executor returns it immediately
// without consuming further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type Executor struct {
	policy Policy
	logger *slog.Logger
}

func NewExecutor(logger *slog.Logger, policy Policy) *Executor {
	if policy.Base <= 0 {
		policy = DefaultPolicy()
	}
	return &Executor{policy: policy, logger: logger}
}

// Do runs op until it succeeds, returns a permanent error, or the retry
// budget (MaxRetries redeliveries after the first attempt) is exhausted.
// Each failed attempt is logged with its number and the upcoming delay.
func (e *Executor) Do(ctx context.Context, name string, op func(context.Context) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			attempt++
			return struct{}{}, op(ctx)
		},
		backoff.WithBackOff(e.policy.BackOff()),
		backoff.WithMaxTries(uint(e.policy.MaxRetries+1)),
		backoff.WithNotify(func(opErr error, wait time.Duration) {
			e.logger.Warn("handler attempt failed, backing off",
				"op", name,
				"attempt", attempt,
				"retry_in", wait.String(),
				"err", opErr,
			)
		}),
	)
	return err
}
