package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rbalashov/microshop/services/customer-service/internal/storage"
)

type CustomerHandler struct {
	customers *storage.CustomerRepository
	logger    *slog.Logger
}

func NewCustomerHandler(customers *storage.CustomerRepository, logger *slog.Logger) *CustomerHandler {
	return &CustomerHandler{customers: customers, logger: logger}
}

type customerResponse struct {
	CustomerID string `json:"customer_id"`
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
	CreatedAt  string `json:"created_at"`
}

func (h *CustomerHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/customers/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "customer id required", http.StatusBadRequest)
		return
	}

	customer, err := h.customers.GetByID(r.Context(), id)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "customer not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, customerResponse{
		CustomerID: customer.ID,
		UserID:     customer.UserID,
		Email:      customer.Email,
		FullName:   customer.FullName,
		CreatedAt:  customer.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
