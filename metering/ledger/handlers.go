// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

// Handler provides HTTP handlers for the usage ledger APIs. These are the
// endpoints the report-generation workflow calls around each run.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers ledger routes with a gorilla/mux router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/reservations", h.CreateReservation).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/reports/{id}/steps", h.RecordStep).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/reports/{id}/finalize", h.FinalizeReport).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/accounts/{id}/usage", h.GetUsage).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/accounts/{id}/chat-usage", h.IncrementChatUsage).Methods("POST", "OPTIONS")
}

// CreateReservationRequest is the request body for a reservation attempt
type CreateReservationRequest struct {
	AccountID       string `json:"account_id"`
	ReportID        string `json:"report_id"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

// CreateReservation handles POST /api/v1/reservations
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	if handlePreflight(w, r) {
		return
	}

	var req CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	decision, err := h.service.Reserve(r.Context(), req.AccountID, req.ReportID, req.EstimatedTokens)
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrAccountNotFound) {
		writeError(w, "Invalid reservation request", http.StatusBadRequest)
		return
	}
	if err != nil {
		// Infrastructure failure; never leak store detail to clients.
		writeError(w, "Usage service unavailable", http.StatusServiceUnavailable)
		return
	}

	status := http.StatusCreated
	if !decision.Granted {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, decision)
}

// RecordStepRequest is the request body for recording one step's usage
type RecordStepRequest struct {
	AccountID    string `json:"account_id"`
	StepName     string `json:"step_name"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Model        string `json:"model,omitempty"`
}

// RecordStep handles POST /api/v1/reports/{id}/steps. Always returns 202:
// step recording is best-effort and must never fail the workflow step that
// called it.
func (h *Handler) RecordStep(w http.ResponseWriter, r *http.Request) {
	if handlePreflight(w, r) {
		return
	}

	reportID := mux.Vars(r)["id"]

	var req RecordStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.StepName == "" {
		writeError(w, "step_name is required", http.StatusBadRequest)
		return
	}

	h.service.RecordStep(r.Context(), &StepUsage{
		ReportID:     reportID,
		AccountID:    req.AccountID,
		StepName:     req.StepName,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		Model:        req.Model,
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// FinalizeRequest is the request body for settling a report's billing
type FinalizeRequest struct {
	AccountID string        `json:"account_id"`
	Outcome   ReportOutcome `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
}

// FinalizeReport handles POST /api/v1/reports/{id}/finalize
func (h *Handler) FinalizeReport(w http.ResponseWriter, r *http.Request) {
	if handlePreflight(w, r) {
		return
	}

	reportID := mux.Vars(r)["id"]

	var req FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var amount *BilledAmount
	var err error
	switch req.Outcome {
	case OutcomeCompleted:
		amount, err = h.service.Finalize(r.Context(), reportID, req.AccountID)
	case OutcomeFailed, OutcomeCancelled:
		// Cancellation bills the same way as failure: work already
		// performed consumed real resources.
		amount, err = h.service.FinalizePartial(r.Context(), reportID, req.AccountID, req.Reason)
	default:
		writeError(w, "outcome must be completed, failed, or cancelled", http.StatusBadRequest)
		return
	}

	if errors.Is(err, ErrReportNotFound) {
		writeError(w, "Report not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, ErrInvalidInput) {
		writeError(w, "Invalid finalize request", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "Usage service unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, amount)
}

// GetUsage handles GET /api/v1/accounts/{id}/usage
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	if handlePreflight(w, r) {
		return
	}

	accountID := mux.Vars(r)["id"]

	snapshot, err := h.service.Snapshot(r.Context(), accountID)
	if errors.Is(err, ErrNoActivePeriod) {
		writeError(w, "subscription_required", http.StatusPaymentRequired)
		return
	}
	if err != nil {
		writeError(w, "Usage service unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// IncrementChatUsageRequest is the request body for chat token commits
type IncrementChatUsageRequest struct {
	Tokens int64 `json:"tokens"`
}

// IncrementChatUsage handles POST /api/v1/accounts/{id}/chat-usage
func (h *Handler) IncrementChatUsage(w http.ResponseWriter, r *http.Request) {
	if handlePreflight(w, r) {
		return
	}

	accountID := mux.Vars(r)["id"]

	var req IncrementChatUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	counters, err := h.service.IncrementChatUsage(r.Context(), accountID, req.Tokens)
	if errors.Is(err, ErrInvalidInput) {
		writeError(w, "tokens must be positive", http.StatusBadRequest)
		return
	}
	if errors.Is(err, ErrNoActivePeriod) {
		writeError(w, "subscription_required", http.StatusPaymentRequired)
		return
	}
	if err != nil {
		writeError(w, "Usage service unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, counters)
}

func handlePreflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
