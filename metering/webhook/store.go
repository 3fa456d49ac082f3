// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Claim is a pending claim on a webhook event. The claim row stays
// uncommitted until Commit; Rollback releases it so a retried delivery can
// claim the event again.
type Claim interface {
	Commit() error
	Rollback() error
}

// EventStore records which provider events have been claimed for
// processing. Claim must be atomic across instances: when two deliveries of
// the same event race, exactly one caller obtains the claim.
type EventStore interface {
	// Claim attempts to take ownership of an event id. ok is false when
	// another delivery already owns the event. The caller commits the claim
	// once the event's effects are applied, and rolls it back on failure so
	// the claim and the effects stand or fall together.
	Claim(ctx context.Context, eventID, eventType string) (c Claim, ok bool, err error)

	// MarkProcessed records successful completion. Best effort: a miss here
	// leaves the claim row in place, which still suppresses duplicates.
	MarkProcessed(ctx context.Context, eventID string) error
}

// PostgresEventStore implements EventStore on the shared billing database
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Claim inserts the event id under a unique constraint inside an open
// transaction. The conflict IS the duplicate signal: zero rows affected
// means another delivery won the race. A concurrent insert of the same id
// blocks on the unique index until this transaction resolves, then either
// observes the conflict (committed) or wins the claim (rolled back).
func (s *PostgresEventStore) Claim(ctx context.Context, eventID, eventType string) (Claim, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim webhook event: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, claimed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, time.Now().UTC())
	if err != nil {
		_ = tx.Rollback()
		return nil, false, fmt.Errorf("failed to claim webhook event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return nil, false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	if rows == 0 {
		_ = tx.Rollback()
		return nil, false, nil
	}
	return &txClaim{tx: tx}, true, nil
}

type txClaim struct {
	tx *sql.Tx
}

func (c *txClaim) Commit() error   { return c.tx.Commit() }
func (c *txClaim) Rollback() error { return c.tx.Rollback() }

func (s *PostgresEventStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processed_webhook_events
		SET processed_at = $2
		WHERE event_id = $1`,
		eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}
