// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"time"
)

// Repository defines the persistence contract for the usage ledger. Every
// check-and-write operation is atomic at the store layer: a conditional
// statement or a single transaction, never a read followed by a separate
// write from the application tier.
type Repository interface {
	// Period operations
	ActivePeriod(ctx context.Context, accountID string) (*UsagePeriod, error)
	ResetPeriod(ctx context.Context, accountID string, tokensLimit int64, periodStart, periodEnd time.Time) error
	HasPeriod(ctx context.Context, accountID string, periodStart, periodEnd time.Time, tokensLimit int64) (bool, error)
	UpdateActivePeriodLimit(ctx context.Context, accountID string, tokensLimit int64) (bool, error)
	IncrementUsage(ctx context.Context, accountID string, tokens int64, isReport, isChat bool) (*UsageCounters, error)

	// Account billing state
	AccountBilling(ctx context.Context, accountID string) (*AccountBilling, error)
	AccountByCustomer(ctx context.Context, customerID string) (string, error)
	MarkFirstReportUsed(ctx context.Context, accountID string) (bool, error)

	// Reservation operations
	TryReserve(ctx context.Context, accountID, reportID string, tokens int64, ttl time.Duration) (*Reservation, error)
	ExpireReservations(ctx context.Context, now time.Time) (int64, error)

	// Step usage
	UpsertStepUsage(ctx context.Context, step *StepUsage) error
	StepUsageForReport(ctx context.Context, reportID string) ([]StepUsage, error)

	// FinalizeReport settles a report's billing in one transaction: it
	// claims the report's billing_settled flag, commits totalTokens to the
	// active period, and completes any active reservation. A second call
	// for an already-settled report returns settled=false with the
	// previously billed amount.
	FinalizeReport(ctx context.Context, reportID, accountID string, totalTokens int64, countReport bool) (settled bool, billed int64, err error)

	// SetReportStatus writes a user-visible terminal status on the report
	SetReportStatus(ctx context.Context, reportID, status, message string) error

	// Utility
	Ping(ctx context.Context) error
}
