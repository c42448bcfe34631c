package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rbalashov/microshop/services/notification-service/internal/storage"
)

type NotificationHandler struct {
	notifications *storage.Repository
	logger        *slog.Logger
}

func NewNotificationHandler(notifications *storage.Repository, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, logger: logger}
}

type notificationResponse struct {
	NotificationID string `json:"notification_id"`
	Kind           string `json:"kind"`
	Channel        string `json:"channel"`
	Recipient      string `json:"recipient"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// List serves the delivery history for one recipient, newest first.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recipient := strings.TrimSpace(r.URL.Query().Get("recipient"))
	if recipient == "" {
		http.Error(w, "recipient query parameter required", http.StatusBadRequest)
		return
	}

	notifications, err := h.notifications.ListByRecipient(r.Context(), recipient)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	out := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, notificationResponse{
			NotificationID: n.ID,
			Kind:           n.Kind,
			Channel:        n.Channel,
			Recipient:      n.Recipient,
			Status:         n.Status,
			CreatedAt:      n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}
