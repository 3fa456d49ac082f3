// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

// SignatureHeader carries the provider's HMAC-SHA256 hex digest of the body
const SignatureHeader = "Inventum-Billing-Signature"

// maxBodyBytes caps webhook payload size
const maxBodyBytes = 1 << 20

// Handler receives billing provider deliveries
type Handler struct {
	guard  *Guard
	secret []byte
}

// NewHandler creates a webhook handler. secret is the shared signing key
// configured at the billing provider.
func NewHandler(guard *Guard, secret string) *Handler {
	return &Handler{guard: guard, secret: []byte(secret)}
}

// RegisterRoutes registers webhook routes with a gorilla/mux router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/billing", h.HandleDelivery).Methods("POST")
}

// HandleDelivery verifies, parses, and dispatches one provider delivery.
// Duplicates and permanently unprocessable events return 2xx so the
// provider stops redelivering; transient failures return 5xx to trigger the
// provider's retry schedule.
func (h *Handler) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		promSignatureFailures.Inc()
		writeError(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		writeError(w, "Malformed event", http.StatusBadRequest)
		return
	}

	switch env.EventType {
	case EventInvoicePaid:
		ev, err := ParseInvoicePaid(env)
		if err != nil {
			writeError(w, "Malformed event", http.StatusBadRequest)
			return
		}
		if err := h.guard.HandleInvoicePaid(r.Context(), ev); err != nil {
			writeError(w, "Event processing failed", http.StatusInternalServerError)
			return
		}
	case EventSubscriptionUpdated:
		ev, err := ParseSubscriptionUpdated(env)
		if err != nil {
			writeError(w, "Malformed event", http.StatusBadRequest)
			return
		}
		if err := h.guard.HandleSubscriptionUpdated(r.Context(), ev); err != nil {
			writeError(w, "Event processing failed", http.StatusInternalServerError)
			return
		}
	default:
		// Unsubscribed event types are acknowledged and dropped
	}

	writeJSON(w, http.StatusOK, map[string]string{"received": env.EventID})
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	if len(h.secret) == 0 || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// Sign computes the hex HMAC-SHA256 digest of body under secret. Exported
// for provider simulators and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
