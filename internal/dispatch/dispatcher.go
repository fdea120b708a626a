package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chorusproject/chorus/internal/batch"
	"github.com/chorusproject/chorus/internal/manifest"
	"github.com/chorusproject/chorus/internal/scheduler"
)

// Engine is one named analysis model to run over every batch
type Engine struct {
	Name      string
	Template  string
	Container string
	// BatchSize overrides the shared default when > 0
	BatchSize int
}

// DispatcherConfig holds per-submission retry configuration
type DispatcherConfig struct {
	// MaxAttempts bounds submissions per batch, transient errors only
	MaxAttempts int
	// BaseDelay is the first backoff delay; doubled each attempt
	BaseDelay time.Duration
}

// Dispatcher submits one batch job at a time to the compute scheduler,
// retrying transient errors with exponential backoff. A dispatch never
// returns an error: the outcome lands in the Record so one failing
// batch cannot abort siblings already in flight.
type Dispatcher struct {
	scheduler scheduler.Scheduler
	bucket    string
	config    DispatcherConfig
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. Zero config fields get defaults.
func NewDispatcher(sched scheduler.Scheduler, bucket string, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 4
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 500 * time.Millisecond
	}

	return &Dispatcher{
		scheduler: sched,
		bucket:    bucket,
		config:    config,
		logger:    logger,
	}
}

// Dispatch submits one (engine, batch) job and reports the outcome
func (d *Dispatcher) Dispatch(ctx context.Context, m *manifest.Manifest, b batch.Batch, engine Engine) Record {
	record := Record{
		Engine:     engine.Name,
		BatchIndex: b.Index,
	}

	inputKeys, err := marshalInputKeys(b)
	if err != nil {
		record.Outcome = RecordFailed
		record.Reason = ReasonConfiguration
		record.Err = err
		return record
	}

	req := scheduler.LaunchRequest{
		Template:  engine.Template,
		Container: engine.Container,
		Environment: map[string]string{
			"S3_BUCKET_NAME":       d.bucket,
			"PROJECT_NAME":         m.Project,
			"MODEL_NAME":           engine.Name,
			"S3_OUTPUT_PREFIX":     resultPrefix(m.Project, engine.Name),
			"S3_INPUT_KEYS":        inputKeys,
			"BATCH_INDEX":          strconv.Itoa(b.Index),
			"MANIFEST_FINGERPRINT": m.Token.Fingerprint,
		},
	}

	handle, attempts, err := d.Submit(ctx, req)
	record.Attempts = attempts
	if err != nil {
		record.Outcome = RecordFailed
		record.Err = err
		if scheduler.IsTransient(err) {
			record.Reason = ReasonTransient
		} else {
			record.Reason = ReasonConfiguration
		}

		d.logger.Error("Batch dispatch failed",
			slog.String("engine", engine.Name),
			slog.Int("batch_index", b.Index),
			slog.Int("attempts", attempts),
			slog.String("reason", record.Reason),
			slog.Any("error", err),
		)
		return record
	}

	record.Outcome = RecordSubmitted
	record.JobHandle = handle
	record.SubmittedAt = time.Now().UTC()

	d.logger.Info("Batch dispatched",
		slog.String("engine", engine.Name),
		slog.Int("batch_index", b.Index),
		slog.Int("batch_size", len(b.Items)),
		slog.String("job_handle", string(handle)),
		slog.Int("attempts", attempts),
	)

	return record
}

// Submit sends one launch request with the retry policy: transient
// errors back off exponentially up to MaxAttempts, anything else fails
// immediately. Returns the attempts consumed either way.
func (d *Dispatcher) Submit(ctx context.Context, req scheduler.LaunchRequest) (scheduler.JobHandle, int, error) {
	var lastErr error

	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		handle, err := d.scheduler.SubmitJob(ctx, req)
		if err == nil {
			return handle, attempt, nil
		}

		lastErr = err

		if !scheduler.IsTransient(err) {
			return "", attempt, err
		}

		if attempt < d.config.MaxAttempts {
			delay := d.config.BaseDelay * time.Duration(1<<uint(attempt-1))
			d.logger.Warn("Scheduler submission failed, retrying",
				slog.String("template", req.Template),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", d.config.MaxAttempts),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", attempt, ctx.Err()
			}
		}
	}

	return "", d.config.MaxAttempts, fmt.Errorf("submission failed after %d attempts: %w", d.config.MaxAttempts, lastErr)
}

// marshalInputKeys serializes the batch's storage keys in the shape
// analysis containers expect: a JSON array of {"key": ...} objects
func marshalInputKeys(b batch.Batch) (string, error) {
	type inputKey struct {
		Key string `json:"key"`
	}

	keys := make([]inputKey, len(b.Items))
	for i, item := range b.Items {
		keys[i] = inputKey{Key: item.Key}
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("failed to marshal input keys: %w", err)
	}
	return string(data), nil
}

// resultPrefix is where one engine writes its result files for one
// project. The aggregator polls the store under the project prefix.
func resultPrefix(project, engine string) string {
	return "results/" + project + "/" + engine
}
