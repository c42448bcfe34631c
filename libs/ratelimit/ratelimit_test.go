package ratelimit

import (
	"context"
	"testing"
	"time"
)

func fixedLimiter(t *testing.T, cfg Config, start time.Time) (*Limiter, *MemoryStore, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	l := NewLimiter(store, cfg)
	now := start
	l.now = func() time.Time { return now }
	return l, store, &now
}

func TestWindowedLimit(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, _, now := fixedLimiter(t, Config{Window: time.Hour, Limit: 3, Cooldown: time.Minute, Enabled: true}, start)

	wantRemaining := []int{2, 1, 0}
	for i, want := range wantRemaining {
		d, err := l.Check(ctx, "a@b.c")
		if err != nil {
			t.Fatalf("check %d failed: %v", i+1, err)
		}
		if !d.Allowed() {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if d.Remaining() != want {
			t.Fatalf("call %d: expected remaining %d, got %d", i+1, want, d.Remaining())
		}
		if err := l.RecordSent(ctx, "a@b.c"); err != nil {
			t.Fatalf("record %d failed: %v", i+1, err)
		}
		*now = now.Add(time.Minute)
	}

	d, err := l.Check(ctx, "a@b.c")
	if err != nil {
		t.Fatalf("4th check failed: %v", err)
	}
	if d.Allowed() {
		t.Fatal("4th call should be denied")
	}
	// Oldest call was at start; the window frees up an hour later.
	if want := start.Add(time.Hour); !d.RetryAfter().Equal(want) {
		t.Fatalf("expected retryAfter %s, got %s", want, d.RetryAfter())
	}
}

func TestWindowSlides(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, _, now := fixedLimiter(t, Config{Window: time.Hour, Limit: 3, Cooldown: time.Minute, Enabled: true}, start)

	for i := 0; i < 3; i++ {
		if err := l.RecordSent(ctx, "k"); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	*now = start.Add(61 * time.Minute)
	d, err := l.Check(ctx, "k")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !d.Allowed() || d.Remaining() != 2 {
		t.Fatalf("expected full budget once window passed, got allowed=%v remaining=%d", d.Allowed(), d.Remaining())
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, _, _ := fixedLimiter(t, Config{Window: time.Hour, Limit: 1, Cooldown: time.Minute, Enabled: true}, start)

	if err := l.RecordSent(ctx, "first"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if d, _ := l.Check(ctx, "first"); d.Allowed() {
		t.Fatal("first key should be exhausted")
	}
	if d, _ := l.Check(ctx, "second"); !d.Allowed() {
		t.Fatal("second key should be untouched")
	}
}

func TestCooldown(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, _, now := fixedLimiter(t, Config{Window: time.Hour, Limit: 3, Cooldown: time.Minute, Enabled: true}, start)

	d, err := l.CheckCooldown(ctx, "a@b.c")
	if err != nil || !d.Allowed() {
		t.Fatalf("first cooldown check should allow: allowed=%v err=%v", d.Allowed(), err)
	}
	if err := l.RecordSent(ctx, "a@b.c"); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	*now = start.Add(20 * time.Second)
	d, err = l.CheckCooldown(ctx, "a@b.c")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if d.Allowed() {
		t.Fatal("check inside cooldown should block")
	}
	if d.Wait() != 40*time.Second {
		t.Fatalf("expected 40s wait, got %s", d.Wait())
	}

	*now = start.Add(time.Minute)
	if d, _ = l.CheckCooldown(ctx, "a@b.c"); !d.Allowed() {
		t.Fatal("check after cooldown should allow")
	}
}

func TestCheckDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, _, _ := fixedLimiter(t, Config{Window: time.Hour, Limit: 3, Cooldown: time.Minute, Enabled: true}, start)

	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "k")
		if err != nil || !d.Allowed() || d.Remaining() != 2 {
			t.Fatalf("repeated checks must not consume budget: allowed=%v remaining=%d err=%v", d.Allowed(), d.Remaining(), err)
		}
	}
}

func TestDisabledAlwaysAllows(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, store, _ := fixedLimiter(t, Config{Window: time.Hour, Limit: 1, Cooldown: time.Minute, Enabled: false}, start)

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "k")
		if err != nil || !d.Allowed() {
			t.Fatalf("disabled limiter must allow: %v", err)
		}
		cd, err := l.CheckCooldown(ctx, "k")
		if err != nil || !cd.Allowed() {
			t.Fatalf("disabled cooldown must allow: %v", err)
		}
		if err := l.RecordSent(ctx, "k"); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if stamps, _ := store.RequestsSince(ctx, "k", time.Time{}); len(stamps) != 0 {
		t.Fatalf("disabled limiter must not record, got %d rows", len(stamps))
	}
}

func TestPruneDropsExpiredRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	old := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	recent := old.Add(2 * time.Hour)
	_ = store.Add(ctx, "k", old)
	_ = store.Add(ctx, "k", recent)

	deleted, err := store.DeleteBefore(ctx, old.Add(time.Hour))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}
	stamps, _ := store.RequestsSince(ctx, "k", time.Time{})
	if len(stamps) != 1 || !stamps[0].Equal(recent) {
		t.Fatalf("expected only the recent row to survive, got %v", stamps)
	}
}
