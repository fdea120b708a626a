package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/chorusproject/chorus/internal/manifest"
	"github.com/chorusproject/chorus/internal/scheduler"
)

// Outcome is the terminal state of one dispatch session
type Outcome string

const (
	// OutcomeAllDispatched means every (engine, batch) job and the
	// aggregator were submitted
	OutcomeAllDispatched Outcome = "ALL_DISPATCHED"
	// OutcomePartialFailure means at least one submission exhausted
	// its retries; the aggregator was not triggered
	OutcomePartialFailure Outcome = "PARTIAL_FAILURE"
	// OutcomeFetchFailed means the manifest could not be fetched or
	// failed validation
	OutcomeFetchFailed Outcome = "FETCH_FAILED"
)

// Record outcomes
const (
	RecordSubmitted = "SUBMITTED"
	RecordFailed    = "FAILED"
)

// Failure reasons for failed records
const (
	ReasonTransient     = "transient"
	ReasonConfiguration = "configuration"
)

// Record is the result of submitting one batch for one engine
type Record struct {
	Engine      string
	BatchIndex  int
	JobHandle   scheduler.JobHandle
	SubmittedAt time.Time
	Outcome     string
	Attempts    int
	// Reason distinguishes exhausted transient errors from requests
	// the scheduler rejected outright; empty for submitted records
	Reason string
	Err    error
}

// Session is the aggregate state for processing one manifest-arrival
// event. Created when a message is accepted, discarded once the event
// is resolved; never shared across events.
type Session struct {
	ID        string
	Manifest  *manifest.Manifest
	Engines   []string
	StartedAt time.Time
	Records   []Record
	// Aggregator is the aggregator submission record, set only when
	// all batch dispatches succeeded
	Aggregator *Record
	// ExpectedResults is the total (engine, batch) job count
	ExpectedResults int
}

// NewSession creates the session for one manifest event
func NewSession(m *manifest.Manifest, engines []string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Manifest:  m,
		Engines:   engines,
		StartedAt: time.Now().UTC(),
	}
}

// FailedRecords returns the records that exhausted their submissions
func (s *Session) FailedRecords() []Record {
	var failed []Record
	for _, r := range s.Records {
		if r.Outcome != RecordSubmitted {
			failed = append(failed, r)
		}
	}
	return failed
}

// AllDispatched reports whether every batch submission succeeded
func (s *Session) AllDispatched() bool {
	if len(s.Records) != s.ExpectedResults {
		return false
	}
	for _, r := range s.Records {
		if r.Outcome != RecordSubmitted {
			return false
		}
	}
	return true
}
