// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package webhook

import (
	"context"
	"fmt"
	"time"

	"inventum/platform/common/retry"
	"inventum/platform/metering/ledger"
	"inventum/platform/metering/plan"
	"inventum/platform/shared/logger"
)

// Ledger is the slice of the usage ledger the webhook guard needs.
// Satisfied by ledger.PostgresRepository.
type Ledger interface {
	AccountByCustomer(ctx context.Context, customerID string) (string, error)
	HasPeriod(ctx context.Context, accountID string, periodStart, periodEnd time.Time, tokensLimit int64) (bool, error)
	ResetPeriod(ctx context.Context, accountID string, tokensLimit int64, periodStart, periodEnd time.Time) error
	UpdateActivePeriodLimit(ctx context.Context, accountID string, tokensLimit int64) (bool, error)
}

// Guard processes billing events with exactly-once effects. All
// dependencies are injected; the guard holds no global state.
type Guard struct {
	store       EventStore
	ledger      Ledger
	plans       *plan.Registry
	log         *logger.Logger
	retryPolicy retry.Policy
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithRetryPolicy overrides the retry policy for the period reset
func WithRetryPolicy(p retry.Policy) GuardOption {
	return func(g *Guard) { g.retryPolicy = p }
}

func NewGuard(store EventStore, l Ledger, plans *plan.Registry, log *logger.Logger, opts ...GuardOption) *Guard {
	g := &Guard{store: store, ledger: l, plans: plans, log: log, retryPolicy: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// commitClaim commits a claim on a path that acknowledges the delivery no
// matter what. A commit miss only means the claim row vanishes; a
// redelivery then re-walks the same terminal path harmlessly.
func (g *Guard) commitClaim(c Claim, accountID, eventID string) {
	if err := c.Commit(); err != nil {
		g.log.Warn(accountID, eventID, "Failed to commit event claim", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// HandleInvoicePaid resets the account's usage period for the new billing
// cycle. The event-id claim makes redelivery a no-op; the period-level
// HasPeriod check additionally absorbs distinct events describing the same
// cycle. Transient reset failures are retried in-process; when the reset
// still fails the claim is rolled back and the error is returned, so the
// provider's redelivery can claim the event again and perform the reset.
func (g *Guard) HandleInvoicePaid(ctx context.Context, ev *InvoicePaidEvent) error {
	claim, ok, err := g.store.Claim(ctx, ev.EventID, EventInvoicePaid)
	if err != nil {
		return fmt.Errorf("invoice.paid %s: %w", ev.EventID, err)
	}
	if !ok {
		promEvents.WithLabelValues(EventInvoicePaid, "duplicate").Inc()
		g.log.Info("", ev.EventID, "Duplicate invoice.paid event, skipping", nil)
		return nil
	}
	committed := false
	defer func() {
		if !committed {
			_ = claim.Rollback()
		}
	}()

	accountID, err := g.ledger.AccountByCustomer(ctx, ev.CustomerID)
	if err != nil {
		promEvents.WithLabelValues(EventInvoicePaid, "error").Inc()
		if err == ledger.ErrAccountNotFound {
			// A retry would fail identically, so keep the claim and
			// acknowledge the delivery rather than loop forever.
			g.log.Warn("", ev.EventID, "No account for billing customer", map[string]interface{}{
				"customer_id": ev.CustomerID,
			})
			g.commitClaim(claim, "", ev.EventID)
			committed = true
			return nil
		}
		return fmt.Errorf("invoice.paid %s: %w", ev.EventID, err)
	}

	limits, err := g.plans.LimitsForPrice(ev.PriceID)
	if err != nil {
		// Fail closed: an unrecognized price never grants an allowance
		promEvents.WithLabelValues(EventInvoicePaid, "error").Inc()
		g.log.ErrorWithErr(accountID, ev.EventID, "Unrecognized price on invoice", err, map[string]interface{}{
			"price_id": ev.PriceID,
		})
		g.commitClaim(claim, accountID, ev.EventID)
		committed = true
		return nil
	}

	exists, err := g.ledger.HasPeriod(ctx, accountID, ev.PeriodStart, ev.PeriodEnd, limits.TokenAllowance)
	if err != nil {
		promEvents.WithLabelValues(EventInvoicePaid, "error").Inc()
		return fmt.Errorf("invoice.paid %s: %w", ev.EventID, err)
	}
	if exists {
		promEvents.WithLabelValues(EventInvoicePaid, "duplicate").Inc()
		g.log.Info(accountID, ev.EventID, "Period already reset for this cycle, skipping", nil)
		g.commitClaim(claim, accountID, ev.EventID)
		committed = true
		return nil
	}

	// ResetPeriod is idempotent, which makes it safe to retry here.
	err = g.retryPolicy.Do(ctx, func(ctx context.Context) error {
		return g.ledger.ResetPeriod(ctx, accountID, limits.TokenAllowance, ev.PeriodStart, ev.PeriodEnd)
	})
	if err != nil {
		promEvents.WithLabelValues(EventInvoicePaid, "error").Inc()
		return fmt.Errorf("invoice.paid %s: reset period: %w", ev.EventID, err)
	}

	// A commit miss after the reset is recoverable: the redelivery reclaims
	// the event and HasPeriod absorbs the second reset.
	if err := claim.Commit(); err != nil {
		promEvents.WithLabelValues(EventInvoicePaid, "error").Inc()
		return fmt.Errorf("invoice.paid %s: commit claim: %w", ev.EventID, err)
	}
	committed = true

	promEvents.WithLabelValues(EventInvoicePaid, "processed").Inc()
	g.log.Info(accountID, ev.EventID, "Usage period reset", map[string]interface{}{
		"tokens_limit": limits.TokenAllowance,
		"period_start": ev.PeriodStart.Format(time.RFC3339),
		"period_end":   ev.PeriodEnd.Format(time.RFC3339),
	})

	// Best effort. The claim row alone is enough to suppress duplicates.
	if err := g.store.MarkProcessed(ctx, ev.EventID); err != nil {
		g.log.Warn(accountID, ev.EventID, "Failed to mark event processed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

// HandleSubscriptionUpdated adjusts the active period's limit after a plan
// change. Usage counters are untouched; only the ceiling moves. When the
// account has no active period the event is acknowledged without effect,
// since the next invoice.paid will establish one at the new limit.
func (g *Guard) HandleSubscriptionUpdated(ctx context.Context, ev *SubscriptionUpdatedEvent) error {
	claim, ok, err := g.store.Claim(ctx, ev.EventID, EventSubscriptionUpdated)
	if err != nil {
		return fmt.Errorf("subscription update %s: %w", ev.EventID, err)
	}
	if !ok {
		promEvents.WithLabelValues(EventSubscriptionUpdated, "duplicate").Inc()
		return nil
	}
	committed := false
	defer func() {
		if !committed {
			_ = claim.Rollback()
		}
	}()

	accountID, err := g.ledger.AccountByCustomer(ctx, ev.CustomerID)
	if err != nil {
		promEvents.WithLabelValues(EventSubscriptionUpdated, "error").Inc()
		if err == ledger.ErrAccountNotFound {
			g.log.Warn("", ev.EventID, "No account for billing customer", map[string]interface{}{
				"customer_id": ev.CustomerID,
			})
			g.commitClaim(claim, "", ev.EventID)
			committed = true
			return nil
		}
		return fmt.Errorf("subscription update %s: %w", ev.EventID, err)
	}

	limits, err := g.plans.LimitsForPrice(ev.PriceID)
	if err != nil {
		promEvents.WithLabelValues(EventSubscriptionUpdated, "error").Inc()
		g.log.ErrorWithErr(accountID, ev.EventID, "Unrecognized price on subscription update", err, map[string]interface{}{
			"price_id": ev.PriceID,
		})
		g.commitClaim(claim, accountID, ev.EventID)
		committed = true
		return nil
	}

	updated, err := g.ledger.UpdateActivePeriodLimit(ctx, accountID, limits.TokenAllowance)
	if err != nil {
		promEvents.WithLabelValues(EventSubscriptionUpdated, "error").Inc()
		return fmt.Errorf("subscription update %s: %w", ev.EventID, err)
	}
	if !updated {
		g.log.Info(accountID, ev.EventID, "No active period, limit change deferred to next invoice", nil)
	} else {
		g.log.Info(accountID, ev.EventID, "Active period limit updated", map[string]interface{}{
			"tokens_limit": limits.TokenAllowance,
		})
	}

	if err := claim.Commit(); err != nil {
		promEvents.WithLabelValues(EventSubscriptionUpdated, "error").Inc()
		return fmt.Errorf("subscription update %s: commit claim: %w", ev.EventID, err)
	}
	committed = true

	promEvents.WithLabelValues(EventSubscriptionUpdated, "processed").Inc()
	if err := g.store.MarkProcessed(ctx, ev.EventID); err != nil {
		g.log.Warn(accountID, ev.EventID, "Failed to mark event processed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}
