package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// schema is the ledger table. Applied with CREATE IF NOT EXISTS at
// startup; replicas racing on it is harmless.
const schema = `
CREATE TABLE IF NOT EXISTS dispatch_sessions (
	session_id           TEXT PRIMARY KEY,
	project              TEXT NOT NULL,
	manifest_location    TEXT NOT NULL,
	manifest_fingerprint TEXT NOT NULL,
	outcome              TEXT NOT NULL,
	item_count           INTEGER NOT NULL,
	expected_results     INTEGER NOT NULL,
	failed_count         INTEGER NOT NULL,
	started_at           TIMESTAMPTZ NOT NULL,
	resolved_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_sessions_fingerprint
	ON dispatch_sessions (manifest_fingerprint);
CREATE INDEX IF NOT EXISTS idx_dispatch_sessions_resolved_at
	ON dispatch_sessions (resolved_at DESC);
`

// PostgresLedger persists session outcomes in PostgreSQL
type PostgresLedger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresLedger creates the ledger and ensures its schema exists
func NewPostgresLedger(ctx context.Context, db *sqlx.DB, logger *slog.Logger) (*PostgresLedger, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger schema: %w", err)
	}

	return &PostgresLedger{db: db, logger: logger}, nil
}

// AlreadyDispatched reports whether this manifest content already has a
// fully dispatched session on record
func (l *PostgresLedger) AlreadyDispatched(ctx context.Context, fingerprint string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM dispatch_sessions
			WHERE manifest_fingerprint = $1
			  AND outcome = 'ALL_DISPATCHED'
		)
	`

	var exists bool
	if err := l.db.GetContext(ctx, &exists, query, fingerprint); err != nil {
		return false, fmt.Errorf("failed to check dispatched sessions: %w", err)
	}
	return exists, nil
}

// Record persists one resolved session
func (l *PostgresLedger) Record(ctx context.Context, rec OutcomeRecord) error {
	query := `
		INSERT INTO dispatch_sessions (
			session_id, project, manifest_location, manifest_fingerprint,
			outcome, item_count, expected_results, failed_count,
			started_at, resolved_at
		) VALUES (
			:session_id, :project, :manifest_location, :manifest_fingerprint,
			:outcome, :item_count, :expected_results, :failed_count,
			:started_at, :resolved_at
		)
	`

	if _, err := l.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	l.logger.Debug("Session recorded in ledger",
		slog.String("session_id", rec.SessionID),
		slog.String("outcome", rec.Outcome),
	)

	return nil
}

// Recent returns the latest resolved sessions, newest first
func (l *PostgresLedger) Recent(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT session_id, project, manifest_location, manifest_fingerprint,
		       outcome, item_count, expected_results, failed_count,
		       started_at, resolved_at
		FROM dispatch_sessions
		ORDER BY resolved_at DESC
		LIMIT $1
	`

	var records []OutcomeRecord
	if err := l.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent sessions: %w", err)
	}
	return records, nil
}
