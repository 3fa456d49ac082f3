// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func setupTestHandler() (*mux.Router, *MockRepository) {
	repo := NewMockRepository()
	service := NewService(repo, nil)
	handler := NewHandler(service)
	r := mux.NewRouter()
	handler.RegisterRoutes(r)
	return r, repo
}

func TestRegisterRoutes(t *testing.T) {
	r, _ := setupTestHandler()

	routes := []struct {
		path   string
		method string
	}{
		{"/api/v1/reservations", "POST"},
		{"/api/v1/reports/rep-1/steps", "POST"},
		{"/api/v1/reports/rep-1/finalize", "POST"},
		{"/api/v1/accounts/acct-1/usage", "GET"},
		{"/api/v1/accounts/acct-1/chat-usage", "POST"},
	}

	for _, route := range routes {
		req := httptest.NewRequest(route.method, route.path, nil)
		match := &mux.RouteMatch{}
		if !r.Match(req, match) {
			t.Errorf("route %s %s not registered", route.method, route.path)
		}
	}
}

func postJSON(t *testing.T, r *mux.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestCreateReservationHandler(t *testing.T) {
	r, repo := setupTestHandler()
	seedSubscribedAccount(repo, "acct-1", 180_000)

	rr := postJSON(t, r, "/api/v1/reservations", CreateReservationRequest{
		AccountID:       "acct-1",
		ReportID:        "rep-1",
		EstimatedTokens: 140_000,
	})

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body = %s", rr.Code, rr.Body.String())
	}

	var decision AdmissionDecision
	if err := json.Unmarshal(rr.Body.Bytes(), &decision); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decision.Granted || decision.Reservation == nil {
		t.Errorf("unexpected decision: %+v", decision)
	}
}

// Denials surface the structured reason with 402, never a raw store error.
func TestCreateReservationHandlerDenied(t *testing.T) {
	r, repo := setupTestHandler()
	seedSubscribedAccount(repo, "acct-1", 100_000)

	rr := postJSON(t, r, "/api/v1/reservations", CreateReservationRequest{
		AccountID:       "acct-1",
		ReportID:        "rep-1",
		EstimatedTokens: 200_000,
	})

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body = %s", rr.Code, rr.Body.String())
	}

	var decision AdmissionDecision
	if err := json.Unmarshal(rr.Body.Bytes(), &decision); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decision.Granted || decision.Reason != DenialInsufficientTokens {
		t.Errorf("unexpected decision: %+v", decision)
	}
}

func TestCreateReservationHandlerBadBody(t *testing.T) {
	r, _ := setupTestHandler()

	req := httptest.NewRequest("POST", "/api/v1/reservations", bytes.NewReader([]byte("{")))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestRecordStepHandler(t *testing.T) {
	r, repo := setupTestHandler()
	seedSubscribedAccount(repo, "acct-1", 180_000)

	rr := postJSON(t, r, "/api/v1/reports/rep-1/steps", RecordStepRequest{
		AccountID:    "acct-1",
		StepName:     "AN3",
		InputTokens:  12_000,
		OutputTokens: 8_000,
		Model:        "claude-sonnet-4",
	})

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body = %s", rr.Code, rr.Body.String())
	}

	steps := repo.steps["rep-1"]
	if len(steps) != 1 {
		t.Fatalf("steps recorded = %d, want 1", len(steps))
	}
	if s := steps["AN3"]; s.TotalTokens != 20_000 {
		t.Errorf("total_tokens = %d, want 20000", s.TotalTokens)
	}
}

func TestRecordStepHandlerMissingStepName(t *testing.T) {
	r, _ := setupTestHandler()

	rr := postJSON(t, r, "/api/v1/reports/rep-1/steps", RecordStepRequest{AccountID: "acct-1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestFinalizeHandlerOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		outcome     ReportOutcome
		steps       int
		wantTokens  int64
		wantReports int
	}{
		{"completed", OutcomeCompleted, 7, 140_000, 1},
		{"failed", OutcomeFailed, 3, 60_000, 0},
		{"cancelled bills like failure", OutcomeCancelled, 3, 60_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, repo := setupTestHandler()
			seedSubscribedAccount(repo, "acct-1", 180_000)

			for i := 0; i < tt.steps; i++ {
				postJSON(t, r, "/api/v1/reports/rep-1/steps", RecordStepRequest{
					AccountID:    "acct-1",
					StepName:     fmt.Sprintf("AN%d", i),
					InputTokens:  12_000,
					OutputTokens: 8_000,
				})
			}

			rr := postJSON(t, r, "/api/v1/reports/rep-1/finalize", FinalizeRequest{
				AccountID: "acct-1",
				Outcome:   tt.outcome,
			})
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200, body = %s", rr.Code, rr.Body.String())
			}

			var amount BilledAmount
			if err := json.Unmarshal(rr.Body.Bytes(), &amount); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if amount.Tokens != tt.wantTokens {
				t.Errorf("billed = %d, want %d", amount.Tokens, tt.wantTokens)
			}

			period, _ := repo.ActivePeriod(context.Background(), "acct-1")
			if period.ReportsCount != tt.wantReports {
				t.Errorf("reports_count = %d, want %d", period.ReportsCount, tt.wantReports)
			}
		})
	}
}

func TestFinalizeHandlerInvalidOutcome(t *testing.T) {
	r, _ := setupTestHandler()

	rr := postJSON(t, r, "/api/v1/reports/rep-1/finalize", FinalizeRequest{
		AccountID: "acct-1",
		Outcome:   "exploded",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestGetUsageHandler(t *testing.T) {
	r, repo := setupTestHandler()
	seedSubscribedAccount(repo, "acct-1", 180_000)
	repo.periods["acct-1"].TokensUsed = 45_000

	req := httptest.NewRequest("GET", "/api/v1/accounts/acct-1/usage", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rr.Code, rr.Body.String())
	}

	// The response body must parse back through the snapshot contract.
	snap, err := SnapshotFromJSON(rr.Body.Bytes())
	if err != nil {
		t.Fatalf("SnapshotFromJSON: %v", err)
	}
	if snap.Remaining != 135_000 || !snap.Allowed {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestGetUsageHandlerNoPeriod(t *testing.T) {
	r, _ := setupTestHandler()

	req := httptest.NewRequest("GET", "/api/v1/accounts/acct-x/usage", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("subscription_required")) {
		t.Errorf("body should carry the fixed denial vocabulary, got %s", rr.Body.String())
	}
}

func TestIncrementChatUsageHandler(t *testing.T) {
	r, repo := setupTestHandler()
	seedSubscribedAccount(repo, "acct-1", 180_000)

	rr := postJSON(t, r, "/api/v1/accounts/acct-1/chat-usage", IncrementChatUsageRequest{Tokens: 2_500})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rr.Code, rr.Body.String())
	}

	var counters UsageCounters
	if err := json.Unmarshal(rr.Body.Bytes(), &counters); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if counters.ChatTokensUsed != 2_500 {
		t.Errorf("chat_tokens_used = %d, want 2500", counters.ChatTokensUsed)
	}

	rr = postJSON(t, r, "/api/v1/accounts/acct-1/chat-usage", IncrementChatUsageRequest{Tokens: 0})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for zero tokens", rr.Code)
	}
}
