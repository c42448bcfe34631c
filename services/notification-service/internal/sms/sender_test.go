package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookSenderPostsMessage(t *testing.T) {
	var got map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, "tok-1")
	if err := sender.Send(context.Background(), "+15550100", "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got["to"] != "+15550100" || got["body"] != "hello" {
		t.Fatalf("unexpected payload %v", got)
	}
	if auth != "Bearer tok-1" {
		t.Fatalf("unexpected authorization %q", auth)
	}
}

func TestWebhookSenderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider down", http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, "")
	if err := sender.Send(context.Background(), "+15550100", "hello"); err == nil {
		t.Fatal("expected error for non-2xx status")
	}
}

func TestWebhookSenderRequiresURL(t *testing.T) {
	sender := NewWebhookSender("  ", "tok")
	if err := sender.Send(context.Background(), "+15550100", "hello"); err == nil {
		t.Fatal("expected error without a configured url")
	}
}
