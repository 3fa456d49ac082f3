// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

// Package ledger owns the authoritative token and report usage accounting
// for Inventum accounts: per-period budgets, reservation-based admission
// control, per-step usage capture, and exactly-once billing reconciliation
// when a report terminates.
package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PeriodStatus is the lifecycle state of a UsagePeriod
type PeriodStatus string

const (
	PeriodActive    PeriodStatus = "active"
	PeriodCompleted PeriodStatus = "completed"
)

// ReservationStatus is the lifecycle state of a Reservation
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCompleted ReservationStatus = "completed"
	ReservationExpired   ReservationStatus = "expired"
)

// ReportOutcome is the terminal state a report reached when its usage is
// reconciled
type ReportOutcome string

const (
	OutcomeCompleted ReportOutcome = "completed"
	OutcomeFailed    ReportOutcome = "failed"
	OutcomeCancelled ReportOutcome = "cancelled"
)

// DenialReason is the structured reason attached to a rejected admission.
// These map 1:1 to the fixed user-facing message vocabulary; raw database
// errors are never surfaced as denial reasons.
type DenialReason string

const (
	DenialInsufficientTokens   DenialReason = "insufficient_tokens"
	DenialSubscriptionRequired DenialReason = "subscription_required"
	DenialFirstReportUsed      DenialReason = "first_report_used"
)

// DefaultReservationTTL bounds how long a crashed workflow can hold tokens
// before the sweeper releases them.
const DefaultReservationTTL = 2 * time.Hour

// softOveragePercent marks the tolerated transient overshoot of
// tokens_limit. Admission is strict, but actual-work increments always
// land, so estimate error can push usage past the limit; beyond this cap
// the overshoot is flagged for audit.
const softOveragePercent = 110

// UsagePeriod is one account's budget and consumption for one billing
// cycle. At most one period per account is active at a time.
type UsagePeriod struct {
	ID             int64        `json:"id,omitempty"`
	AccountID      string       `json:"account_id"`
	PeriodStart    time.Time    `json:"period_start"`
	PeriodEnd      time.Time    `json:"period_end"`
	TokensUsed     int64        `json:"tokens_used"`
	TokensLimit    int64        `json:"tokens_limit"`
	ReportsCount   int          `json:"reports_count"`
	ChatTokensUsed int64        `json:"chat_tokens_used"`
	Status         PeriodStatus `json:"status"`
}

// Remaining returns the unconsumed token budget. Never negative; actual
// usage may overshoot the limit when real consumption exceeded the
// admission estimate.
func (p *UsagePeriod) Remaining() int64 {
	if p.TokensUsed >= p.TokensLimit {
		return 0
	}
	return p.TokensLimit - p.TokensUsed
}

// Percentage returns consumed budget as a percentage of the limit.
func (p *UsagePeriod) Percentage() float64 {
	if p.TokensLimit <= 0 {
		return 0
	}
	return float64(p.TokensUsed) / float64(p.TokensLimit) * 100
}

// StepUsage records the tokens consumed by one generation step of one
// report. Keyed by (report, step); re-recording a step overwrites.
type StepUsage struct {
	ReportID     string    `json:"report_id"`
	AccountID    string    `json:"account_id"`
	StepName     string    `json:"step_name"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	Model        string    `json:"model,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// Reservation is a time-bounded hold against an account's remaining budget,
// created before billable work starts.
type Reservation struct {
	ID             string            `json:"id"`
	ReportID       string            `json:"report_id"`
	AccountID      string            `json:"account_id"`
	ReservedTokens int64             `json:"reserved_tokens"`
	Status         ReservationStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// AccountBilling is the subscription state that gates admission.
type AccountBilling struct {
	AccountID       string `json:"account_id"`
	CustomerID      string `json:"customer_id,omitempty"`
	SubscriptionID  string `json:"subscription_id,omitempty"`
	FirstReportUsed bool   `json:"first_report_used"`
}

// HasSubscription reports whether the account carries a paid subscription.
func (a *AccountBilling) HasSubscription() bool {
	return a.SubscriptionID != ""
}

// AdmissionDecision is the result of a reservation attempt.
type AdmissionDecision struct {
	Granted     bool         `json:"granted"`
	Reason      DenialReason `json:"reason,omitempty"`
	Reservation *Reservation `json:"reservation,omitempty"`
	// FreeReport marks an admission granted on the one-free-report path,
	// which carries no token reservation.
	FreeReport bool `json:"free_report,omitempty"`
}

// UsageCounters is what the ledger returns after an increment.
type UsageCounters struct {
	TokensUsed     int64   `json:"tokens_used"`
	TokensLimit    int64   `json:"tokens_limit"`
	ReportsCount   int     `json:"reports_count"`
	ChatTokensUsed int64   `json:"chat_tokens_used"`
	Percentage     float64 `json:"percentage"`
}

// OverSoftCap reports whether usage has overshot the limit beyond the
// tolerated transient overage
func (c *UsageCounters) OverSoftCap() bool {
	return c.TokensLimit > 0 && c.TokensUsed*100 > c.TokensLimit*softOveragePercent
}

// BilledAmount is the result of a finalize. Calling finalize again for the
// same report returns the same amount with AlreadySettled set.
type BilledAmount struct {
	ReportID       string `json:"report_id"`
	Tokens         int64  `json:"tokens"`
	Steps          int    `json:"steps"`
	AlreadySettled bool   `json:"already_settled,omitempty"`
}

// UsageSnapshot is the usage-check response shape consumed by clients.
type UsageSnapshot struct {
	AccountID      string  `json:"account_id,omitempty"`
	Allowed        bool    `json:"allowed"`
	TokensUsed     int64   `json:"tokens_used"`
	TokensLimit    int64   `json:"tokens_limit"`
	Remaining      int64   `json:"remaining"`
	Percentage     float64 `json:"percentage"`
	ReportsCount   int     `json:"reports_count"`
	ChatTokensUsed int64   `json:"chat_tokens_used"`
	PeriodEnd      string  `json:"period_end"`
}

// SnapshotFromJSON parses a usage snapshot from an untrusted JSON payload.
// Fields crossing the JSON boundary may arrive as numbers, strings, or be
// absent entirely; each one is coerced and defaulted per field rather than
// trusting shape.
func SnapshotFromJSON(data []byte) (*UsageSnapshot, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid usage snapshot payload: %w", err)
	}

	s := &UsageSnapshot{
		Allowed:        coerceBool(raw["allowed"]),
		TokensUsed:     coerceInt64(raw["tokens_used"]),
		TokensLimit:    coerceInt64(raw["tokens_limit"]),
		Remaining:      coerceInt64(raw["remaining"]),
		Percentage:     coerceFloat(raw["percentage"]),
		ReportsCount:   int(coerceInt64(raw["reports_count"])),
		ChatTokensUsed: coerceInt64(raw["chat_tokens_used"]),
		PeriodEnd:      coerceString(raw["period_end"]),
	}

	if s.Remaining == 0 && s.TokensLimit > s.TokensUsed {
		s.Remaining = s.TokensLimit - s.TokensUsed
	}

	return s, nil
}

func coerceBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	default:
		return false
	}
}

func coerceInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func coerceFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func coerceString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// TotalOf sums the total tokens across recorded steps.
func TotalOf(steps []StepUsage) int64 {
	var total int64
	for _, s := range steps {
		total += s.TotalTokens
	}
	return total
}
