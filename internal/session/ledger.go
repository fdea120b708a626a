package session

import (
	"context"
	"time"
)

// OutcomeRecord is one resolved dispatch session as persisted in the
// ledger
type OutcomeRecord struct {
	SessionID           string    `db:"session_id" json:"session_id"`
	Project             string    `db:"project" json:"project"`
	ManifestLocation    string    `db:"manifest_location" json:"manifest_location"`
	ManifestFingerprint string    `db:"manifest_fingerprint" json:"manifest_fingerprint"`
	Outcome             string    `db:"outcome" json:"outcome"`
	ItemCount           int       `db:"item_count" json:"item_count"`
	ExpectedResults     int       `db:"expected_results" json:"expected_results"`
	FailedCount         int       `db:"failed_count" json:"failed_count"`
	StartedAt           time.Time `db:"started_at" json:"started_at"`
	ResolvedAt          time.Time `db:"resolved_at" json:"resolved_at"`
}

// Ledger records resolved sessions and answers whether a manifest has
// already been fully dispatched. Backing the idempotency check with a
// shared store lets replicated orchestrators skip duplicate rounds of
// job submissions after a redelivery.
type Ledger interface {
	// AlreadyDispatched reports whether the manifest fingerprint has a
	// recorded ALL_DISPATCHED session
	AlreadyDispatched(ctx context.Context, fingerprint string) (bool, error)

	// Record persists one resolved session
	Record(ctx context.Context, rec OutcomeRecord) error

	// Recent returns the latest resolved sessions, newest first
	Recent(ctx context.Context, limit int) ([]OutcomeRecord, error)
}

// NopLedger is used when no database is configured: nothing is
// recorded and no manifest is ever considered already dispatched
type NopLedger struct{}

func (NopLedger) AlreadyDispatched(ctx context.Context, fingerprint string) (bool, error) {
	return false, nil
}

func (NopLedger) Record(ctx context.Context, rec OutcomeRecord) error {
	return nil
}

func (NopLedger) Recent(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	return nil, nil
}
