package dispatch

import "errors"

var (
	// ErrPartialFailure marks a session where some batch submissions
	// permanently failed; the aggregator must not run, since it would
	// wait forever for result files that will never appear
	ErrPartialFailure = errors.New("partial dispatch failure")

	// ErrAggregatorFailed marks a session where all batches went out
	// but the aggregator submission itself exhausted its retries
	ErrAggregatorFailed = errors.New("aggregator submission failed")
)
