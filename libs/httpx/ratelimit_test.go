package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterEnforcesLimitPerClient(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), rl.Middleware())

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("10.0.0.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d, want 200", i+1, rec.Code)
		}
	}

	rec := do("10.0.0.1:1234")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 response missing Retry-After header")
	}

	// A different client address gets its own window.
	if rec := do("10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Fatalf("other client: got status %d, want 200", rec.Code)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	rl := NewRateLimiter(1, 5*time.Millisecond)

	if ok, _ := rl.allow("a"); !ok {
		t.Fatal("first request denied")
	}
	if ok, _ := rl.allow("a"); ok {
		t.Fatal("second request in window allowed")
	}

	time.Sleep(10 * time.Millisecond)
	if ok, _ := rl.allow("a"); !ok {
		t.Fatal("request after window expiry denied")
	}
}

func TestClientKeyPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientKey(req); got != "203.0.113.7" {
		t.Fatalf("clientKey = %q, want first forwarded address", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := clientKey(req); got != "10.0.0.9" {
		t.Fatalf("clientKey = %q, want remote host", got)
	}
}
