package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chorusproject/chorus/internal/dispatch"
	"github.com/chorusproject/chorus/internal/manifest"
	"github.com/chorusproject/chorus/internal/queue"
	"github.com/chorusproject/chorus/internal/session"
)

// Coordinator resolves one manifest location into a session result
type Coordinator interface {
	Process(ctx context.Context, location string) *dispatch.SessionResult
}

// Config holds consumer loop configuration
type Config struct {
	// ManifestSuffix filters uploads; only matching keys are processed
	ManifestSuffix string
	// ReceiveWait is the long-poll bound per receive
	ReceiveWait time.Duration
	// ExtendInterval is how often the in-flight message's visibility
	// is pushed out while a session is processing
	ExtendInterval time.Duration
	// ExtendBy is the visibility extension applied each time
	ExtendBy time.Duration
}

// Consumer is the outer event loop: it long-polls the queue, hands each
// manifest notification to the coordinator, and settles the message
// according to the session outcome. One message is processed to
// completion at a time.
type Consumer struct {
	queue       queue.Queue
	coordinator Coordinator
	ledger      session.Ledger
	config      Config
	consumerID  string
	logger      *slog.Logger
}

// New creates a Consumer. Zero config fields get defaults.
func New(q queue.Queue, coordinator Coordinator, ledger session.Ledger, config Config, consumerID string, logger *slog.Logger) *Consumer {
	if config.ManifestSuffix == "" {
		config.ManifestSuffix = "manifest.json"
	}
	if config.ReceiveWait <= 0 {
		config.ReceiveWait = 20 * time.Second
	}
	if config.ExtendInterval <= 0 {
		config.ExtendInterval = 30 * time.Second
	}
	if config.ExtendBy <= 0 {
		config.ExtendBy = 2 * time.Minute
	}
	if ledger == nil {
		ledger = session.NopLedger{}
	}

	return &Consumer{
		queue:       q,
		coordinator: coordinator,
		ledger:      ledger,
		config:      config,
		consumerID:  consumerID,
		logger:      logger,
	}
}

// Run polls the queue until ctx is canceled. A session in flight when
// shutdown begins is finished before Run returns; only queue transport
// failure makes Run return an error.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer loop started",
		slog.String("consumer_id", c.consumerID),
		slog.String("manifest_suffix", c.config.ManifestSuffix),
	)

	for {
		if ctx.Err() != nil {
			c.logger.Info("Consumer loop stopped - context canceled")
			return nil
		}

		msg, err := c.queue.Receive(ctx, c.config.ReceiveWait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("Consumer loop stopped - context canceled")
				return nil
			}
			c.logger.Error("Queue receive failed",
				slog.Any("error", err),
			)
			return err
		}

		if msg == nil {
			continue
		}

		// The in-flight message is settled even if shutdown starts
		// mid-session; abandoning a half-dispatched session would leave
		// it invisible until the visibility timeout anyway
		c.handleMessage(context.WithoutCancel(ctx), msg)
	}
}

// handleMessage resolves one delivery end to end and settles it
func (c *Consumer) handleMessage(ctx context.Context, msg *queue.Message) {
	c.logger.Info("Notification received",
		slog.String("message_id", msg.ID),
		slog.Int("body_size", len(msg.Body)),
	)

	locations, err := ExtractManifestLocations(msg.Body, c.config.ManifestSuffix)
	if err != nil {
		// Redelivery cannot fix a malformed payload; drop it so it
		// does not block the queue
		c.logger.Error("Malformed notification, deleting",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		c.deleteMessage(ctx, msg)
		return
	}

	if len(locations) == 0 {
		c.logger.Debug("Notification has no manifest uploads, deleting",
			slog.String("message_id", msg.ID),
		)
		c.deleteMessage(ctx, msg)
		return
	}

	// Keep the message invisible while sessions run; large manifests
	// can outlast the queue's default visibility timeout
	stopExtending := c.startVisibilityExtender(ctx, msg)
	defer stopExtending()

	deletable := true
	for _, location := range locations {
		result := c.coordinator.Process(ctx, location)
		c.recordResult(ctx, location, result)

		if !c.resultDeletable(result) {
			deletable = false
		}
	}

	if deletable {
		c.deleteMessage(ctx, msg)
		return
	}

	// Leave the message for redelivery so a later attempt can retry
	c.logger.Warn("Session unresolved, releasing message for redelivery",
		slog.String("message_id", msg.ID),
	)
	if err := c.queue.Release(ctx, msg); err != nil {
		c.logger.Error("Failed to release message",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
	}
}

// resultDeletable decides the acknowledgment policy: delete on full
// dispatch and on terminal fetch failures; keep redeliverable on
// partial failure and on manifests that never became visible
func (c *Consumer) resultDeletable(result *dispatch.SessionResult) bool {
	switch result.Outcome {
	case dispatch.OutcomeAllDispatched:
		return true
	case dispatch.OutcomeFetchFailed:
		return errors.Is(result.Err, manifest.ErrMalformed)
	default:
		return false
	}
}

// recordResult writes the resolved session to the ledger; failures are
// logged and swallowed since the ledger is advisory
func (c *Consumer) recordResult(ctx context.Context, location string, result *dispatch.SessionResult) {
	if result.Session == nil || result.Skipped {
		return
	}

	sess := result.Session
	rec := session.OutcomeRecord{
		SessionID:           sess.ID,
		Project:             sess.Manifest.Project,
		ManifestLocation:    location,
		ManifestFingerprint: sess.Manifest.Token.Fingerprint,
		Outcome:             string(result.Outcome),
		ItemCount:           len(sess.Manifest.Items),
		ExpectedResults:     sess.ExpectedResults,
		FailedCount:         len(sess.FailedRecords()),
		StartedAt:           sess.StartedAt,
		ResolvedAt:          time.Now().UTC(),
	}

	if err := c.ledger.Record(ctx, rec); err != nil {
		c.logger.Warn("Failed to record session in ledger",
			slog.String("session_id", sess.ID),
			slog.Any("error", err),
		)
	}
}

// startVisibilityExtender keeps extending the message's visibility on a
// ticker until the returned stop function is called
func (c *Consumer) startVisibilityExtender(ctx context.Context, msg *queue.Message) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)

		ticker := time.NewTicker(c.config.ExtendInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.queue.ExtendVisibility(ctx, msg, c.config.ExtendBy); err != nil {
					c.logger.Warn("Failed to extend message visibility",
						slog.String("message_id", msg.ID),
						slog.Any("error", err),
					)
				} else {
					c.logger.Debug("Message visibility extended",
						slog.String("message_id", msg.ID),
						slog.Duration("extend_by", c.config.ExtendBy),
					)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, msg *queue.Message) {
	if err := c.queue.Delete(ctx, msg); err != nil {
		c.logger.Error("Failed to delete message",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
	}
}
