package config

import (
	"testing"
	"time"
)

func TestIntFallback(t *testing.T) {
	t.Setenv("TEST_INT", "12")
	if got := Int("TEST_INT", 3); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := Int("TEST_INT_MISSING", 3); got != 3 {
		t.Fatalf("expected fallback 3, got %d", got)
	}
	t.Setenv("TEST_INT", "not-a-number")
	if got := Int("TEST_INT", 3); got != 3 {
		t.Fatalf("expected fallback on garbage, got %d", got)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	if !Bool("TEST_BOOL", false) {
		t.Fatal("expected true for yes")
	}
	t.Setenv("TEST_BOOL", "off")
	if Bool("TEST_BOOL", true) {
		t.Fatal("expected false for off")
	}
	if !Bool("TEST_BOOL_MISSING", true) {
		t.Fatal("expected fallback true")
	}
}

func TestSeconds(t *testing.T) {
	t.Setenv("TEST_SECONDS", "90")
	if got := Seconds("TEST_SECONDS", time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := Seconds("TEST_SECONDS_MISSING", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", got)
	}
}

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "8081")
	p, err := Port("TEST_PORT", "8080")
	if err != nil || p != "8081" {
		t.Fatalf("expected 8081, got %q err=%v", p, err)
	}
	t.Setenv("TEST_PORT", "70000")
	if _, err := Port("TEST_PORT", "8080"); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
