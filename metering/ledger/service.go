// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inventum/platform/common/retry"
	"inventum/platform/metering/pricing"
	"inventum/platform/shared/logger"
)

// FailedReportMessage is the fixed, non-technical status shown to users when
// a report fails mid-generation. Internal error detail stays in the logs.
const FailedReportMessage = "Your report failed. Please submit a new analysis request. You were only billed for the steps that completed."

// Service composes admission control, step usage recording, and billing
// reconciliation over the ledger repository. It is stateless; all
// cross-request coordination happens in the store.
type Service struct {
	repo           Repository
	log            *logger.Logger
	retryPolicy    retry.Policy
	reservationTTL time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithReservationTTL overrides the default reservation TTL
func WithReservationTTL(ttl time.Duration) Option {
	return func(s *Service) { s.reservationTTL = ttl }
}

// WithRetryPolicy overrides the retry policy for idempotent ledger writes
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.retryPolicy = p }
}

// NewService creates a ledger service
func NewService(repo Repository, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.New("ledger")
	}
	s := &Service{
		repo:           repo,
		log:            log,
		retryPolicy:    retry.DefaultPolicy(),
		reservationTTL: DefaultReservationTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve attempts to admit a report generation by reserving its estimated
// token budget. Denials are decisions, not errors: only infrastructure
// failures return a non-nil error.
func (s *Service) Reserve(ctx context.Context, accountID, reportID string, estimatedTokens int64) (*AdmissionDecision, error) {
	if accountID == "" || reportID == "" || estimatedTokens <= 0 {
		return nil, ErrInvalidInput
	}

	billing, err := s.repo.AccountBilling(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("admission check failed: %w", err)
	}

	if !billing.HasSubscription() {
		return s.reserveFreeReport(ctx, billing, reportID)
	}

	res, err := s.repo.TryReserve(ctx, accountID, reportID, estimatedTokens, s.reservationTTL)
	if errors.Is(err, ErrInsufficientBudget) {
		promAdmissionDecisions.WithLabelValues(string(DenialInsufficientTokens)).Inc()
		s.log.Info(accountID, reportID, "Reservation denied: insufficient tokens", map[string]interface{}{
			"estimated_tokens": estimatedTokens,
		})
		return &AdmissionDecision{Granted: false, Reason: DenialInsufficientTokens}, nil
	}
	if errors.Is(err, ErrNoActivePeriod) {
		// Subscribed but the first invoice has not landed yet.
		promAdmissionDecisions.WithLabelValues(string(DenialSubscriptionRequired)).Inc()
		return &AdmissionDecision{Granted: false, Reason: DenialSubscriptionRequired}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reservation failed: %w", err)
	}

	promAdmissionDecisions.WithLabelValues("granted").Inc()
	s.log.Info(accountID, reportID, "Reservation granted", map[string]interface{}{
		"reserved_tokens": res.ReservedTokens,
		"reservation_id":  res.ID,
		"expires_at":      res.ExpiresAt,
	})

	return &AdmissionDecision{Granted: true, Reservation: res}, nil
}

// reserveFreeReport handles accounts without a subscription: exactly one
// free report, claimed atomically so concurrent attempts cannot both win.
func (s *Service) reserveFreeReport(ctx context.Context, billing *AccountBilling, reportID string) (*AdmissionDecision, error) {
	if billing.FirstReportUsed {
		promAdmissionDecisions.WithLabelValues(string(DenialFirstReportUsed)).Inc()
		return &AdmissionDecision{Granted: false, Reason: DenialFirstReportUsed}, nil
	}

	claimed, err := s.repo.MarkFirstReportUsed(ctx, billing.AccountID)
	if err != nil {
		return nil, fmt.Errorf("free report claim failed: %w", err)
	}
	if !claimed {
		// Lost the race to a concurrent request.
		promAdmissionDecisions.WithLabelValues(string(DenialFirstReportUsed)).Inc()
		return &AdmissionDecision{Granted: false, Reason: DenialFirstReportUsed}, nil
	}

	promAdmissionDecisions.WithLabelValues("granted_free").Inc()
	s.log.Info(billing.AccountID, reportID, "Free report admission granted", nil)

	return &AdmissionDecision{Granted: true, FreeReport: true}, nil
}

// RecordStep persists one step's token usage. Best-effort: the step upsert
// is idempotent, so it is retried on transient failure, but a persistent
// failure is logged and counted rather than propagated. Losing the report
// is worse than losing a few tokens of billing accuracy.
func (s *Service) RecordStep(ctx context.Context, step *StepUsage) {
	if step == nil || step.ReportID == "" || step.StepName == "" {
		s.log.Warn("", "", "Dropping step usage record with missing keys", nil)
		return
	}
	if step.TotalTokens == 0 {
		step.TotalTokens = step.InputTokens + step.OutputTokens
	}
	if step.CompletedAt.IsZero() {
		step.CompletedAt = time.Now().UTC()
	}

	err := s.retryPolicy.Do(ctx, func(ctx context.Context) error {
		return s.repo.UpsertStepUsage(ctx, step)
	})
	if err != nil {
		promStepRecordFailures.Inc()
		s.log.ErrorWithErr(step.AccountID, step.ReportID, "Failed to persist step usage", err, map[string]interface{}{
			"step_name":    step.StepName,
			"total_tokens": step.TotalTokens,
		})
		return
	}

	s.log.Debug(step.AccountID, step.ReportID, "Recorded step usage", map[string]interface{}{
		"step_name":     step.StepName,
		"input_tokens":  step.InputTokens,
		"output_tokens": step.OutputTokens,
	})
}

// Finalize settles billing for a successfully completed report: sums all
// recorded steps, commits the total once, and counts the report against the
// period's report allowance. Idempotent: a second call returns the same
// billed amount without double-charging.
func (s *Service) Finalize(ctx context.Context, reportID, accountID string) (*BilledAmount, error) {
	return s.finalize(ctx, reportID, accountID, OutcomeCompleted, "")
}

// FinalizePartial settles billing for a failed or cancelled report. Only
// steps that actually ran are billed; steps never reached contribute zero.
// A report that failed before any step completed bills zero and still
// releases its reservation.
func (s *Service) FinalizePartial(ctx context.Context, reportID, accountID, reasonMessage string) (*BilledAmount, error) {
	if reasonMessage == "" {
		reasonMessage = FailedReportMessage
	}
	return s.finalize(ctx, reportID, accountID, OutcomeFailed, reasonMessage)
}

func (s *Service) finalize(ctx context.Context, reportID, accountID string, outcome ReportOutcome, statusMessage string) (*BilledAmount, error) {
	if reportID == "" || accountID == "" {
		return nil, ErrInvalidInput
	}

	steps, err := s.repo.StepUsageForReport(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step usage: %w", err)
	}
	total := TotalOf(steps)

	countReport := outcome == OutcomeCompleted

	settled, billed, err := s.repo.FinalizeReport(ctx, reportID, accountID, total, countReport)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize report usage: %w", err)
	}

	amount := &BilledAmount{
		ReportID:       reportID,
		Tokens:         billed,
		Steps:          len(steps),
		AlreadySettled: !settled,
	}

	if !settled {
		s.log.Info(accountID, reportID, "Finalize repeated for settled report (no-op)", map[string]interface{}{
			"billed_tokens": billed,
		})
		return amount, nil
	}

	promFinalizes.WithLabelValues(string(outcome)).Inc()
	promBilledTokens.WithLabelValues(string(outcome)).Add(float64(billed))

	if outcome != OutcomeCompleted {
		// User-visible status update rides on the partial path. Billing
		// already settled, so a failure here only degrades the message.
		if err := s.repo.SetReportStatus(ctx, reportID, string(OutcomeFailed), statusMessage); err != nil {
			s.log.ErrorWithErr(accountID, reportID, "Failed to set report failure status", err, nil)
		}
	}

	var providerCost int64
	for _, st := range steps {
		providerCost += pricing.CostCentiCents(st.Model, st.InputTokens, st.OutputTokens)
	}

	s.log.Info(accountID, reportID, "Report billing settled", map[string]interface{}{
		"outcome":       string(outcome),
		"billed_tokens": billed,
		"steps_billed":  len(steps),
		"provider_cost": pricing.FormatDollars(providerCost),
	})

	return amount, nil
}

// IncrementChatUsage commits chat tokens to the account's active period
func (s *Service) IncrementChatUsage(ctx context.Context, accountID string, tokens int64) (*UsageCounters, error) {
	if accountID == "" || tokens <= 0 {
		return nil, ErrInvalidInput
	}
	counters, err := s.repo.IncrementUsage(ctx, accountID, tokens, false, true)
	if err != nil {
		return nil, err
	}
	if counters.OverSoftCap() {
		s.log.Warn(accountID, "", "Usage overshot the period limit beyond tolerance", map[string]interface{}{
			"tokens_used":  counters.TokensUsed,
			"tokens_limit": counters.TokensLimit,
		})
	}
	return counters, nil
}

// Snapshot returns the account's current usage state for client display
func (s *Service) Snapshot(ctx context.Context, accountID string) (*UsageSnapshot, error) {
	period, err := s.repo.ActivePeriod(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &UsageSnapshot{
		AccountID:      accountID,
		Allowed:        period.TokensUsed < period.TokensLimit,
		TokensUsed:     period.TokensUsed,
		TokensLimit:    period.TokensLimit,
		Remaining:      period.Remaining(),
		Percentage:     period.Percentage(),
		ReportsCount:   period.ReportsCount,
		ChatTokensUsed: period.ChatTokensUsed,
		PeriodEnd:      period.PeriodEnd.UTC().Format(time.RFC3339),
	}, nil
}

// SweepExpiredReservations releases reservations whose TTL elapsed
func (s *Service) SweepExpiredReservations(ctx context.Context) (int64, error) {
	expired, err := s.repo.ExpireReservations(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reservation sweep failed: %w", err)
	}
	if expired > 0 {
		promReservationsExpired.Add(float64(expired))
		s.log.Warn("", "", "Released expired reservations", map[string]interface{}{
			"count": expired,
		})
	}
	return expired, nil
}

// RunSweeper periodically releases expired reservations until the context
// is cancelled. Guarantees a crashed workflow cannot permanently lock a
// fraction of an account's budget.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpiredReservations(ctx); err != nil {
				s.log.ErrorWithErr("", "", "Reservation sweep error", err, nil)
			}
		}
	}
}

// IsHealthy checks if the backing store is reachable
func (s *Service) IsHealthy(ctx context.Context) bool {
	return s.repo.Ping(ctx) == nil
}
