package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultPolicyBackoffSequence(t *testing.T) {
	b := DefaultPolicy().BackOff()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	var total time.Duration
	for i, expected := range want {
		got := b.NextBackOff()
		if got != expected {
			t.Fatalf("delay %d: expected %s, got %s", i+1, expected, got)
		}
		total += got
	}
	if total != 31*time.Second {
		t.Fatalf("expected total delay 31s, got %s", total)
	}
	// The cap holds for any further delay.
	if got := b.NextBackOff(); got != 16*time.Second {
		t.Fatalf("expected capped delay 16s, got %s", got)
	}
}

func TestDoRetriesUntilBudgetExhausted(t *testing.T) {
	exec := NewExecutor(discardLogger(), Policy{
		Base:       time.Millisecond,
		Multiplier: 2.0,
		Cap:        4 * time.Millisecond,
		MaxRetries: 5,
	})

	calls := 0
	err := exec.Do(context.Background(), "always-fails", func(context.Context) error {
		calls++
		return errors.New("transient failure")
	})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	// One initial attempt plus MaxRetries redeliveries.
	if calls != 6 {
		t.Fatalf("expected 6 attempts, got %d", calls)
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	exec := NewExecutor(discardLogger(), Policy{
		Base:       time.Millisecond,
		Multiplier: 2.0,
		Cap:        4 * time.Millisecond,
		MaxRetries: 5,
	})

	calls := 0
	err := exec.Do(context.Background(), "succeeds-third", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoPermanentErrorShortCircuits(t *testing.T) {
	exec := NewExecutor(discardLogger(), Policy{
		Base:       time.Millisecond,
		Multiplier: 2.0,
		Cap:        4 * time.Millisecond,
		MaxRetries: 5,
	})

	fatal := errors.New("ledger says processed but record missing")
	calls := 0
	err := exec.Do(context.Background(), "inconsistent", func(context.Context) error {
		calls++
		return Permanent(fatal)
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected wrapped fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error must not be retried, got %d attempts", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	exec := NewExecutor(discardLogger(), Policy{
		Base:       50 * time.Millisecond,
		Multiplier: 2.0,
		Cap:        time.Second,
		MaxRetries: 5,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := exec.Do(ctx, "cancelled", func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls > 2 {
		t.Fatalf("cancellation should stop retries early, got %d attempts", calls)
	}
}
