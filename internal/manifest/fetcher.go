package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chorusproject/chorus/internal/objectstore"
)

// FetcherConfig holds manifest fetching configuration
type FetcherConfig struct {
	// MaxItems is the largest accepted audio file count per manifest
	MaxItems int
	// NotFoundAttempts bounds re-reads when the object is not yet
	// visible (the event notification can race object visibility)
	NotFoundAttempts int
	// NotFoundDelay is the wait between those re-reads
	NotFoundDelay time.Duration
}

// Fetcher retrieves and validates manifests from the object store
type Fetcher struct {
	store  objectstore.Store
	config FetcherConfig
	logger *slog.Logger
}

// NewFetcher creates a Fetcher. Zero config fields get defaults.
func NewFetcher(store objectstore.Store, config FetcherConfig, logger *slog.Logger) *Fetcher {
	if config.MaxItems <= 0 {
		config.MaxItems = 10000
	}
	if config.NotFoundAttempts <= 0 {
		config.NotFoundAttempts = 3
	}
	if config.NotFoundDelay <= 0 {
		config.NotFoundDelay = 2 * time.Second
	}

	return &Fetcher{
		store:  store,
		config: config,
		logger: logger,
	}
}

// Fetch reads the manifest at location and parses it into a validated
// Manifest. A missing object is retried a bounded number of times
// before ErrNotFound is returned; validation failures return
// ErrMalformed immediately.
func (f *Fetcher) Fetch(ctx context.Context, location string) (*Manifest, error) {
	var data []byte

	for attempt := 1; ; attempt++ {
		var err error
		data, err = f.store.GetObject(ctx, location)
		if err == nil {
			break
		}

		if !errors.Is(err, objectstore.ErrNotFound) {
			return nil, fmt.Errorf("failed to fetch manifest %s: %w", location, err)
		}

		if attempt >= f.config.NotFoundAttempts {
			f.logger.Warn("Manifest never became visible",
				slog.String("location", location),
				slog.Int("attempts", attempt),
			)
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrNotFound, location, attempt)
		}

		f.logger.Debug("Manifest not visible yet, retrying",
			slog.String("location", location),
			slog.Int("attempt", attempt),
			slog.Duration("delay", f.config.NotFoundDelay),
		)

		select {
		case <-time.After(f.config.NotFoundDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m, err := Parse(location, data, f.config.MaxItems)
	if err != nil {
		return nil, err
	}

	f.logger.Info("Manifest fetched",
		slog.String("location", location),
		slog.String("project", m.Project),
		slog.Int("items", len(m.Items)),
	)

	return m, nil
}
