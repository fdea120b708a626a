package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chorusproject/chorus/internal/batch"
	"github.com/chorusproject/chorus/internal/manifest"
	"github.com/chorusproject/chorus/internal/scheduler"
	"github.com/chorusproject/chorus/internal/session"
)

// AggregatorConfig identifies the job that merges all engine results
type AggregatorConfig struct {
	Template  string
	Container string
}

// CoordinatorConfig holds session processing configuration
type CoordinatorConfig struct {
	Engines    []Engine
	Aggregator AggregatorConfig
	// DefaultBatchSize applies to engines without their own size
	DefaultBatchSize int
	// Concurrency bounds the dispatch fan-out worker pool
	Concurrency int
}

// SessionResult is the terminal decision for one manifest event
type SessionResult struct {
	Outcome Outcome
	// Session is nil when the manifest never fetched
	Session *Session
	// Skipped is set when the ledger shows this manifest content was
	// already fully dispatched, so no jobs were submitted again
	Skipped bool
	// Err carries the cause for FETCH_FAILED and PARTIAL_FAILURE
	Err error
}

// Coordinator drives one manifest event through fetch, batching,
// dispatch fan-out, and the aggregation handoff
type Coordinator struct {
	fetcher    *manifest.Fetcher
	dispatcher *Dispatcher
	ledger     session.Ledger
	bucket     string
	config     CoordinatorConfig
	logger     *slog.Logger
}

// NewCoordinator creates a Coordinator. Zero config fields get defaults.
func NewCoordinator(fetcher *manifest.Fetcher, dispatcher *Dispatcher, ledger session.Ledger, bucket string, config CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if config.DefaultBatchSize <= 0 {
		config.DefaultBatchSize = batch.DefaultMaxSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if ledger == nil {
		ledger = session.NopLedger{}
	}

	return &Coordinator{
		fetcher:    fetcher,
		dispatcher: dispatcher,
		ledger:     ledger,
		bucket:     bucket,
		config:     config,
		logger:     logger,
	}
}

// dispatchJob is one (engine, batch) unit of fan-out work
type dispatchJob struct {
	engine Engine
	batch  batch.Batch
}

// Process runs the session state machine for the manifest at location.
// Fail-closed: the aggregator is submitted only when every single batch
// submission succeeded, because a running aggregator waits indefinitely
// for the result files it was promised.
func (c *Coordinator) Process(ctx context.Context, location string) *SessionResult {
	m, err := c.fetcher.Fetch(ctx, location)
	if err != nil {
		c.logger.Error("Manifest fetch failed",
			slog.String("location", location),
			slog.Any("error", err),
		)
		return &SessionResult{Outcome: OutcomeFetchFailed, Err: err}
	}

	dispatched, err := c.ledger.AlreadyDispatched(ctx, m.Token.Fingerprint)
	if err != nil {
		// Ledger trouble must not block dispatch; worst case is a
		// duplicate round of submissions, which overwrite their own
		// deterministic result keys
		c.logger.Warn("Ledger lookup failed, dispatching anyway",
			slog.String("manifest", m.Token.String()),
			slog.Any("error", err),
		)
	} else if dispatched {
		c.logger.Info("Manifest already fully dispatched, skipping",
			slog.String("manifest", m.Token.String()),
		)
		return &SessionResult{Outcome: OutcomeAllDispatched, Skipped: true}
	}

	engineNames := make([]string, len(c.config.Engines))
	for i, eng := range c.config.Engines {
		engineNames[i] = eng.Name
	}
	sess := NewSession(m, engineNames)

	c.logger.Info("Session started",
		slog.String("session_id", sess.ID),
		slog.String("project", m.Project),
		slog.String("manifest", m.Token.String()),
		slog.Int("items", len(m.Items)),
		slog.Int("engines", len(c.config.Engines)),
	)

	jobs, err := c.planBatches(m)
	if err != nil {
		// Batching is configuration-driven; a bad size is fixable, so
		// the message stays redeliverable
		return &SessionResult{Outcome: OutcomePartialFailure, Session: sess, Err: err}
	}
	sess.ExpectedResults = len(jobs)

	sess.Records = c.fanOut(ctx, m, jobs)

	if !sess.AllDispatched() {
		failed := sess.FailedRecords()
		c.logger.Error("Session has failed dispatches, aggregation skipped",
			slog.String("session_id", sess.ID),
			slog.Int("failed", len(failed)),
			slog.Int("expected", sess.ExpectedResults),
		)
		return &SessionResult{
			Outcome: OutcomePartialFailure,
			Session: sess,
			Err:     fmt.Errorf("%w: %d of %d submissions failed", ErrPartialFailure, len(failed), sess.ExpectedResults),
		}
	}

	aggRecord := c.triggerAggregation(ctx, sess)
	sess.Aggregator = &aggRecord
	if aggRecord.Outcome != RecordSubmitted {
		return &SessionResult{
			Outcome: OutcomePartialFailure,
			Session: sess,
			Err:     fmt.Errorf("%w: %v", ErrAggregatorFailed, aggRecord.Err),
		}
	}

	c.logger.Info("Session complete, aggregator triggered",
		slog.String("session_id", sess.ID),
		slog.String("aggregator_handle", string(aggRecord.JobHandle)),
		slog.Int("expected_results", sess.ExpectedResults),
	)

	return &SessionResult{Outcome: OutcomeAllDispatched, Session: sess}
}

// planBatches partitions the manifest once per engine. Partitioning is
// deterministic, so a redelivered event reproduces the same batches.
func (c *Coordinator) planBatches(m *manifest.Manifest) ([]dispatchJob, error) {
	var jobs []dispatchJob
	for _, eng := range c.config.Engines {
		size := eng.BatchSize
		if size <= 0 {
			size = c.config.DefaultBatchSize
		}

		batches, err := batch.Partition(m.Items, eng.Name, size)
		if err != nil {
			return nil, fmt.Errorf("failed to partition for engine %s: %w", eng.Name, err)
		}

		for _, b := range batches {
			jobs = append(jobs, dispatchJob{engine: eng, batch: b})
		}

		c.logger.Debug("Engine batches planned",
			slog.String("engine", eng.Name),
			slog.Int("batch_size", size),
			slog.Int("batches", len(batches)),
		)
	}
	return jobs, nil
}

// fanOut dispatches all (engine, batch) jobs through a bounded worker
// pool and joins on every outcome before returning. No outcome is
// observed out of order relative to the session decision.
func (c *Coordinator) fanOut(ctx context.Context, m *manifest.Manifest, jobs []dispatchJob) []Record {
	workers := c.config.Concurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobsChan := make(chan dispatchJob)
	recordsChan := make(chan Record, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobsChan {
				recordsChan <- c.dispatcher.Dispatch(ctx, m, job.batch, job.engine)
			}
		}()
	}

	for _, job := range jobs {
		jobsChan <- job
	}
	close(jobsChan)

	wg.Wait()
	close(recordsChan)

	records := make([]Record, 0, len(jobs))
	for record := range recordsChan {
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Engine != records[j].Engine {
			return records[i].Engine < records[j].Engine
		}
		return records[i].BatchIndex < records[j].BatchIndex
	})

	return records
}

// triggerAggregation submits the single aggregator job with the
// expected-results contract: which prefix to poll, how many result
// sets to wait for, and which engines produce them
func (c *Coordinator) triggerAggregation(ctx context.Context, sess *Session) Record {
	m := sess.Manifest

	req := scheduler.LaunchRequest{
		Template:  c.config.Aggregator.Template,
		Container: c.config.Aggregator.Container,
		Environment: map[string]string{
			"S3_BUCKET_NAME":       c.bucket,
			"PROJECT_NAME":         m.Project,
			"MANIFEST_FINGERPRINT": m.Token.Fingerprint,
			"TOTAL_FILES":          strconv.Itoa(len(m.Items)),
			"EXPECTED_RESULTS":     strconv.Itoa(sess.ExpectedResults),
			"EXPECTED_MODELS":      strings.Join(sess.Engines, ","),
			"S3_RESULT_PREFIX":     "results/" + m.Project + "/",
		},
	}

	record := Record{Engine: "aggregator", BatchIndex: -1}

	handle, attempts, err := c.dispatcher.Submit(ctx, req)
	record.Attempts = attempts
	if err != nil {
		record.Outcome = RecordFailed
		record.Err = err
		if scheduler.IsTransient(err) {
			record.Reason = ReasonTransient
		} else {
			record.Reason = ReasonConfiguration
		}

		c.logger.Error("Aggregator submission failed",
			slog.String("session_id", sess.ID),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
		return record
	}

	record.Outcome = RecordSubmitted
	record.JobHandle = handle
	record.SubmittedAt = time.Now().UTC()
	return record
}
