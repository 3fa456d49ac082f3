// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ActivePeriod returns the account's active usage period
func (r *PostgresRepository) ActivePeriod(ctx context.Context, accountID string) (*UsagePeriod, error) {
	query := `
		SELECT id, account_id, period_start, period_end, tokens_used,
			   tokens_limit, reports_count, chat_tokens_used, status
		FROM usage_periods
		WHERE account_id = $1 AND status = 'active'
	`

	var p UsagePeriod
	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&p.ID, &p.AccountID, &p.PeriodStart, &p.PeriodEnd, &p.TokensUsed,
		&p.TokensLimit, &p.ReportsCount, &p.ChatTokensUsed, &p.Status,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoActivePeriod
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}

	return &p, nil
}

// ResetPeriod supersedes the account's active period and opens a new one
// with the given limit. Runs in a single transaction so there is never a
// moment with two active periods.
func (r *PostgresRepository) ResetPeriod(ctx context.Context, accountID string, tokensLimit int64, periodStart, periodEnd time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE usage_periods SET status = 'completed' WHERE account_id = $1 AND status = 'active'`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete previous period: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_periods (
			account_id, period_start, period_end, tokens_used, tokens_limit,
			reports_count, chat_tokens_used, status
		) VALUES ($1, $2, $3, 0, $4, 0, 0, 'active')
	`, accountID, periodStart, periodEnd, tokensLimit)
	if err != nil {
		return fmt.Errorf("failed to create usage period: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit period reset: %w", err)
	}

	return nil
}

// HasPeriod reports whether a period already exists for the exact
// (account, start, end) tuple with the given limit. Used as the
// defense-in-depth dedupe behind the webhook event-id guard.
func (r *PostgresRepository) HasPeriod(ctx context.Context, accountID string, periodStart, periodEnd time.Time, tokensLimit int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM usage_periods
			WHERE account_id = $1 AND period_start = $2 AND period_end = $3
			  AND tokens_limit = $4
		)
	`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, accountID, periodStart, periodEnd, tokensLimit).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check period existence: %w", err)
	}
	return exists, nil
}

// UpdateActivePeriodLimit changes only the token limit on the active
// period. Period dates and consumed counters are never touched, so a
// mid-cycle plan change takes effect without resetting usage. Returns
// false when the account has no active period.
func (r *PostgresRepository) UpdateActivePeriodLimit(ctx context.Context, accountID string, tokensLimit int64) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE usage_periods SET tokens_limit = $2 WHERE account_id = $1 AND status = 'active'`,
		accountID, tokensLimit,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update period limit: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return rows > 0, nil
}

// IncrementUsage commits consumed tokens to the active period in one
// statement and returns the updated counters. Increments are
// unconditional: the work is already done, so it must be billed even if it
// pushes the period past its limit (admission bounds how far that can go).
func (r *PostgresRepository) IncrementUsage(ctx context.Context, accountID string, tokens int64, isReport, isChat bool) (*UsageCounters, error) {
	reportInc := 0
	if isReport {
		reportInc = 1
	}
	chatTokens := int64(0)
	if isChat {
		chatTokens = tokens
	}

	query := `
		UPDATE usage_periods
		SET tokens_used = tokens_used + $2,
			reports_count = reports_count + $3,
			chat_tokens_used = chat_tokens_used + $4
		WHERE account_id = $1 AND status = 'active'
		RETURNING tokens_used, tokens_limit, reports_count, chat_tokens_used
	`

	var c UsageCounters
	err := r.db.QueryRowContext(ctx, query, accountID, tokens, reportInc, chatTokens).Scan(
		&c.TokensUsed, &c.TokensLimit, &c.ReportsCount, &c.ChatTokensUsed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoActivePeriod
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	if c.TokensLimit > 0 {
		c.Percentage = float64(c.TokensUsed) / float64(c.TokensLimit) * 100
	}

	return &c, nil
}

// AccountBilling returns the subscription state gating admission
func (r *PostgresRepository) AccountBilling(ctx context.Context, accountID string) (*AccountBilling, error) {
	query := `
		SELECT id, billing_customer_id, subscription_id, first_report_used
		FROM accounts
		WHERE id = $1
	`

	var a AccountBilling
	var customerID, subscriptionID sql.NullString
	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&a.AccountID, &customerID, &subscriptionID, &a.FirstReportUsed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account billing: %w", err)
	}

	a.CustomerID = customerID.String
	a.SubscriptionID = subscriptionID.String
	return &a, nil
}

// AccountByCustomer resolves the account owning a billing customer id
func (r *PostgresRepository) AccountByCustomer(ctx context.Context, customerID string) (string, error) {
	var accountID string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE billing_customer_id = $1`, customerID,
	).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve account for customer: %w", err)
	}
	return accountID, nil
}

// MarkFirstReportUsed consumes the one free report. The conditional update
// is the atomic claim: only one concurrent caller sees rows > 0.
func (r *PostgresRepository) MarkFirstReportUsed(ctx context.Context, accountID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET first_report_used = TRUE WHERE id = $1 AND NOT first_report_used`,
		accountID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark first report used: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return rows > 0, nil
}

// TryReserve atomically checks remaining budget and creates a reservation.
// The active period row is locked for the duration of the transaction, so
// two concurrent reservation attempts against a near-exhausted account
// serialize and at most one can win the last slice of budget.
func (r *PostgresRepository) TryReserve(ctx context.Context, accountID, reportID string, tokens int64, ttl time.Duration) (*Reservation, error) {
	if tokens <= 0 {
		return nil, ErrInvalidInput
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reserve transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tokensUsed, tokensLimit int64
	err = tx.QueryRowContext(ctx, `
		SELECT tokens_used, tokens_limit
		FROM usage_periods
		WHERE account_id = $1 AND status = 'active'
		FOR UPDATE
	`, accountID).Scan(&tokensUsed, &tokensLimit)
	if err == sql.ErrNoRows {
		return nil, ErrNoActivePeriod
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock active period: %w", err)
	}

	now := time.Now().UTC()

	var reserved int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(reserved_tokens), 0)
		FROM reservations
		WHERE account_id = $1 AND status = 'active' AND expires_at > $2
	`, accountID, now).Scan(&reserved)
	if err != nil {
		return nil, fmt.Errorf("failed to sum active reservations: %w", err)
	}

	if tokensUsed+reserved+tokens > tokensLimit {
		return nil, ErrInsufficientBudget
	}

	res := &Reservation{
		ID:             uuid.NewString(),
		ReportID:       reportID,
		AccountID:      accountID,
		ReservedTokens: tokens,
		Status:         ReservationActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (
			id, report_id, account_id, reserved_tokens, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, 'active', $5, $6)
	`, res.ID, res.ReportID, res.AccountID, res.ReservedTokens, res.CreatedAt, res.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	return res, nil
}

// ExpireReservations sweeps reservations whose TTL elapsed without a
// finalize, releasing their hold on account budgets.
func (r *PostgresRepository) ExpireReservations(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reservations SET status = 'expired' WHERE status = 'active' AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire reservations: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return rows, nil
}

// UpsertStepUsage persists one step's tokens. Re-recording the same step
// (workflow retry) overwrites the row instead of double-counting.
func (r *PostgresRepository) UpsertStepUsage(ctx context.Context, step *StepUsage) error {
	if step == nil || step.ReportID == "" || step.StepName == "" {
		return ErrInvalidInput
	}

	completedAt := step.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO step_usage (
			report_id, account_id, step_name, input_tokens, output_tokens,
			total_tokens, model, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (report_id, step_name) DO UPDATE SET
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			total_tokens = EXCLUDED.total_tokens,
			model = EXCLUDED.model,
			completed_at = EXCLUDED.completed_at
	`

	_, err := r.db.ExecContext(ctx, query,
		step.ReportID, step.AccountID, step.StepName, step.InputTokens,
		step.OutputTokens, step.TotalTokens, nullString(step.Model), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step usage: %w", err)
	}

	return nil
}

// StepUsageForReport returns all recorded steps for a report in step order
func (r *PostgresRepository) StepUsageForReport(ctx context.Context, reportID string) ([]StepUsage, error) {
	query := `
		SELECT report_id, account_id, step_name, input_tokens, output_tokens,
			   total_tokens, model, completed_at
		FROM step_usage
		WHERE report_id = $1
		ORDER BY completed_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step usage: %w", err)
	}
	defer rows.Close()

	var steps []StepUsage
	for rows.Next() {
		var s StepUsage
		var model sql.NullString
		if err := rows.Scan(
			&s.ReportID, &s.AccountID, &s.StepName, &s.InputTokens,
			&s.OutputTokens, &s.TotalTokens, &model, &s.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step usage: %w", err)
		}
		s.Model = model.String
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step usage: %w", err)
	}

	return steps, nil
}

// FinalizeReport settles a report's billing exactly once. The conditional
// claim on billing_settled is the idempotency gate: a redelivered finalize
// sees zero claimed rows and returns the previously billed amount without
// touching the period.
func (r *PostgresRepository) FinalizeReport(ctx context.Context, reportID, accountID string, totalTokens int64, countReport bool) (bool, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var claimed bool
	var billed int64
	err = tx.QueryRowContext(ctx, `
		UPDATE reports
		SET billing_settled = TRUE, billed_tokens = $2, settled_at = NOW()
		WHERE id = $1 AND NOT billing_settled
		RETURNING billed_tokens
	`, reportID, totalTokens).Scan(&billed)
	if err == sql.ErrNoRows {
		// Already settled (or unknown report): read what was billed before.
		err = tx.QueryRowContext(ctx,
			`SELECT billed_tokens FROM reports WHERE id = $1`, reportID,
		).Scan(&billed)
		if err == sql.ErrNoRows {
			return false, 0, ErrReportNotFound
		}
		if err != nil {
			return false, 0, fmt.Errorf("failed to read settled report: %w", err)
		}
	} else if err != nil {
		return false, 0, fmt.Errorf("failed to claim report billing: %w", err)
	} else {
		claimed = true
	}

	if claimed {
		reportInc := 0
		if countReport {
			reportInc = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE usage_periods
			SET tokens_used = tokens_used + $2, reports_count = reports_count + $3
			WHERE account_id = $1 AND status = 'active'
		`, accountID, totalTokens, reportInc)
		if err != nil {
			return false, 0, fmt.Errorf("failed to commit usage: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE reservations SET status = 'completed'
			WHERE report_id = $1 AND status = 'active'
		`, reportID)
		if err != nil {
			return false, 0, fmt.Errorf("failed to complete reservation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit finalize: %w", err)
	}

	return claimed, billed, nil
}

// SetReportStatus writes a user-visible terminal status on the report
func (r *PostgresRepository) SetReportStatus(ctx context.Context, reportID, status, message string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reports SET status = $2, status_message = $3 WHERE id = $1`,
		reportID, status, message,
	)
	if err != nil {
		return fmt.Errorf("failed to set report status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrReportNotFound
	}

	return nil
}

// ActiveAccountIDs lists accounts that currently have an active usage
// period. Used by the snapshot exporter.
func (r *PostgresRepository) ActiveAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT account_id
		FROM usage_periods
		WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// nullString converts an empty string to NULL for database insertion
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
