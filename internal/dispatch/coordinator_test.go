package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusproject/chorus/internal/manifest"
	"github.com/chorusproject/chorus/internal/objectstore"
	"github.com/chorusproject/chorus/internal/scheduler"
	"github.com/chorusproject/chorus/internal/session"
)

// fakeLedger is a scripted session.Ledger for coordinator tests
type fakeLedger struct {
	mu         sync.Mutex
	dispatched bool
	lookupErr  error
	recorded   []session.OutcomeRecord
}

func (l *fakeLedger) AlreadyDispatched(ctx context.Context, fingerprint string) (bool, error) {
	return l.dispatched, l.lookupErr
}

func (l *fakeLedger) Record(ctx context.Context, rec session.OutcomeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded = append(l.recorded, rec)
	return nil
}

func (l *fakeLedger) Recent(ctx context.Context, limit int) ([]session.OutcomeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recorded, nil
}

func manifestBody(itemCount int) []byte {
	body := `{"project_name": "amazon-survey-2026", "audio_files": [`
	for i := 0; i < itemCount; i++ {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf("\"audio/%04d.wav\"", i)
	}
	return []byte(body + `]}`)
}

func newTestCoordinator(t *testing.T, sched *fakeScheduler, ledger session.Ledger, itemCount int) *Coordinator {
	t.Helper()

	store := objectstore.NewMemoryStore()
	store.Put("uploads/amazon/manifest.json", manifestBody(itemCount))

	fetcher := manifest.NewFetcher(store, manifest.FetcherConfig{
		NotFoundAttempts: 1,
		NotFoundDelay:    time.Millisecond,
	}, testLogger())

	dispatcher := NewDispatcher(sched, "bird-analysis-data", DispatcherConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
	}, testLogger())

	return NewCoordinator(fetcher, dispatcher, ledger, "bird-analysis-data", CoordinatorConfig{
		Engines: []Engine{
			{Name: "birdnet", Template: "birdnet-task", Container: "birdnet-worker"},
			{Name: "perch", Template: "perch-task", Container: "perch-worker"},
		},
		Aggregator:       AggregatorConfig{Template: "aggregator-task", Container: "aggregator-worker"},
		DefaultBatchSize: 50,
		Concurrency:      4,
	}, testLogger())
}

func TestCoordinator_Process(t *testing.T) {
	t.Run("full dispatch triggers the aggregator", func(t *testing.T) {
		sched := newFakeScheduler()
		c := newTestCoordinator(t, sched, nil, 120)

		result := c.Process(context.Background(), "uploads/amazon/manifest.json")

		assert.Equal(t, OutcomeAllDispatched, result.Outcome)
		assert.False(t, result.Skipped)
		assert.NoError(t, result.Err)

		sess := result.Session
		require.NotNil(t, sess)
		// 120 items at batch size 50 gives 3 batches per engine
		assert.Equal(t, 6, sess.ExpectedResults)
		require.Len(t, sess.Records, 6)
		assert.True(t, sess.AllDispatched())

		// Records come back ordered by engine then batch index
		for i, want := range []struct {
			engine string
			index  int
		}{
			{"birdnet", 0}, {"birdnet", 1}, {"birdnet", 2},
			{"perch", 0}, {"perch", 1}, {"perch", 2},
		} {
			assert.Equal(t, want.engine, sess.Records[i].Engine)
			assert.Equal(t, want.index, sess.Records[i].BatchIndex)
			assert.Equal(t, RecordSubmitted, sess.Records[i].Outcome)
		}

		require.NotNil(t, sess.Aggregator)
		assert.Equal(t, RecordSubmitted, sess.Aggregator.Outcome)

		aggReqs := sched.requestsFor("aggregator-task")
		require.Len(t, aggReqs, 1)
		env := aggReqs[0].Environment
		assert.Equal(t, "bird-analysis-data", env["S3_BUCKET_NAME"])
		assert.Equal(t, "amazon-survey-2026", env["PROJECT_NAME"])
		assert.Equal(t, "120", env["TOTAL_FILES"])
		assert.Equal(t, "6", env["EXPECTED_RESULTS"])
		assert.Equal(t, "birdnet,perch", env["EXPECTED_MODELS"])
		assert.Equal(t, "results/amazon-survey-2026/", env["S3_RESULT_PREFIX"])
	})

	t.Run("any failed batch suppresses the aggregator", func(t *testing.T) {
		sched := newFakeScheduler()
		// Second perch batch fails on every attempt
		sched.failFn = func(req scheduler.LaunchRequest) error {
			if req.Template == "perch-task" && req.Environment["BATCH_INDEX"] == "1" {
				return scheduler.ErrThrottled
			}
			return nil
		}
		c := newTestCoordinator(t, sched, nil, 120)

		result := c.Process(context.Background(), "uploads/amazon/manifest.json")

		assert.Equal(t, OutcomePartialFailure, result.Outcome)
		assert.ErrorIs(t, result.Err, ErrPartialFailure)

		sess := result.Session
		require.NotNil(t, sess)
		assert.False(t, sess.AllDispatched())
		require.Len(t, sess.FailedRecords(), 1)
		assert.Equal(t, ReasonTransient, sess.FailedRecords()[0].Reason)
		assert.Nil(t, sess.Aggregator)

		assert.Empty(t, sched.requestsFor("aggregator-task"))
	})

	t.Run("missing manifest resolves as fetch failed", func(t *testing.T) {
		sched := newFakeScheduler()
		c := newTestCoordinator(t, sched, nil, 10)

		result := c.Process(context.Background(), "uploads/amazon/missing.json")

		assert.Equal(t, OutcomeFetchFailed, result.Outcome)
		assert.ErrorIs(t, result.Err, manifest.ErrNotFound)
		assert.Nil(t, result.Session)
		assert.Empty(t, sched.requests)
	})

	t.Run("malformed manifest resolves as fetch failed", func(t *testing.T) {
		sched := newFakeScheduler()
		c := newTestCoordinator(t, sched, nil, 10)

		store := objectstore.NewMemoryStore()
		store.Put("uploads/bad.json", []byte(`{"project_name": "p", "audio_files": []}`))
		c.fetcher = manifest.NewFetcher(store, manifest.FetcherConfig{}, testLogger())

		result := c.Process(context.Background(), "uploads/bad.json")

		assert.Equal(t, OutcomeFetchFailed, result.Outcome)
		assert.ErrorIs(t, result.Err, manifest.ErrMalformed)
		assert.Empty(t, sched.requests)
	})

	t.Run("already dispatched manifest is skipped", func(t *testing.T) {
		sched := newFakeScheduler()
		ledger := &fakeLedger{dispatched: true}
		c := newTestCoordinator(t, sched, ledger, 120)

		result := c.Process(context.Background(), "uploads/amazon/manifest.json")

		assert.Equal(t, OutcomeAllDispatched, result.Outcome)
		assert.True(t, result.Skipped)
		assert.Nil(t, result.Session)
		assert.Empty(t, sched.requests)
	})

	t.Run("ledger lookup failure does not block dispatch", func(t *testing.T) {
		sched := newFakeScheduler()
		ledger := &fakeLedger{lookupErr: errors.New("connection refused")}
		c := newTestCoordinator(t, sched, ledger, 60)

		result := c.Process(context.Background(), "uploads/amazon/manifest.json")

		assert.Equal(t, OutcomeAllDispatched, result.Outcome)
		assert.False(t, result.Skipped)
		require.NotNil(t, result.Session)
		assert.Equal(t, 4, result.Session.ExpectedResults)
	})

	t.Run("aggregator failure resolves as partial failure", func(t *testing.T) {
		sched := newFakeScheduler()
		sched.errs["aggregator-task"] = []error{
			scheduler.ErrUnavailable, scheduler.ErrUnavailable,
		}
		c := newTestCoordinator(t, sched, nil, 10)

		result := c.Process(context.Background(), "uploads/amazon/manifest.json")

		assert.Equal(t, OutcomePartialFailure, result.Outcome)
		assert.ErrorIs(t, result.Err, ErrAggregatorFailed)

		sess := result.Session
		require.NotNil(t, sess)
		assert.True(t, sess.AllDispatched())
		require.NotNil(t, sess.Aggregator)
		assert.Equal(t, RecordFailed, sess.Aggregator.Outcome)
	})

	t.Run("redelivery reproduces the same batches", func(t *testing.T) {
		first := newFakeScheduler()
		c := newTestCoordinator(t, first, nil, 173)
		r1 := c.Process(context.Background(), "uploads/amazon/manifest.json")

		second := newFakeScheduler()
		c2 := newTestCoordinator(t, second, nil, 173)
		r2 := c2.Process(context.Background(), "uploads/amazon/manifest.json")

		require.Equal(t, OutcomeAllDispatched, r1.Outcome)
		require.Equal(t, OutcomeAllDispatched, r2.Outcome)
		require.Equal(t, len(r1.Session.Records), len(r2.Session.Records))

		firstBatches := make(map[string]string)
		for _, req := range first.requests {
			firstBatches[req.Template+"/"+req.Environment["BATCH_INDEX"]] = req.Environment["S3_INPUT_KEYS"]
		}
		for _, req := range second.requests {
			if req.Template == "aggregator-task" {
				continue
			}
			key := req.Template + "/" + req.Environment["BATCH_INDEX"]
			assert.Equal(t, firstBatches[key], req.Environment["S3_INPUT_KEYS"], key)
		}
	})
}

func TestSession_AllDispatched(t *testing.T) {
	m := testManifest(t, 2)
	sess := NewSession(m, []string{"birdnet"})
	sess.ExpectedResults = 2

	assert.False(t, sess.AllDispatched(), "no records yet")

	sess.Records = []Record{
		{Engine: "birdnet", BatchIndex: 0, Outcome: RecordSubmitted},
		{Engine: "birdnet", BatchIndex: 1, Outcome: RecordFailed},
	}
	assert.False(t, sess.AllDispatched())
	assert.Len(t, sess.FailedRecords(), 1)

	sess.Records[1].Outcome = RecordSubmitted
	assert.True(t, sess.AllDispatched())
	assert.Empty(t, sess.FailedRecords())
}
