package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/session"
	"github.com/docpipe/docpipe/internal/worker"
)

type fakeExtractor struct {
	records []*session.Record
	err     error
}

func (f *fakeExtractor) Extract(ctx context.Context, fileRef string, config map[string]any, report worker.ProgressFunc) ([]*session.Record, error) {
	report(50, "extracting "+fileRef)
	if f.err != nil {
		return nil, f.err
	}
	report(100, "done")
	return f.records, nil
}

// chanSource feeds jobs to a worker from a channel and records terminal
// statuses, standing in for the Redis queue.
type chanSource struct {
	jobs chan *queue.Job

	mu       sync.Mutex
	statuses map[string]constants.JobStatus
	results  map[string]map[string]any
	errs     map[string]string
}

func newChanSource() *chanSource {
	return &chanSource{
		jobs:     make(chan *queue.Job, 4),
		statuses: make(map[string]constants.JobStatus),
		results:  make(map[string]map[string]any),
		errs:     make(map[string]string),
	}
}

func (s *chanSource) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error) {
	select {
	case j := <-s.jobs:
		return j, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) UpdateStatus(ctx context.Context, jobID string, status constants.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[jobID] = status
	if errMsg != "" {
		s.errs[jobID] = errMsg
	}
	return nil
}

func (s *chanSource) UpdateProgress(ctx context.Context, jobID string, percent int, message string) error {
	return nil
}

func (s *chanSource) SetResult(ctx context.Context, jobID string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = result
	return nil
}

func (s *chanSource) status(jobID string) constants.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[jobID]
}

func testStore(t *testing.T) session.Store {
	t.Helper()
	db, err := session.Open(context.Background(), common.DatabaseConfig{DSN: "file::memory:?cache=shared"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})
	require.NoError(t, db.Exec("DELETE FROM records").Error)
	require.NoError(t, db.Exec("DELETE FROM sessions").Error)
	return session.NewStore(db, nil)
}

func TestWorkerExtractsAndPersists(t *testing.T) {
	// A job for demo.pdf is dequeued, the extractor returns two records,
	// and the job finishes completed with session metrics updated.
	store := testStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "demo.pdf", 512, nil, nil)
	require.NoError(t, err)

	extractor := &fakeExtractor{records: []*session.Record{
		{FieldValues: map[string]any{"vendor": "Acme"}, ConfidenceScores: map[string]float64{"vendor": 0.9}},
		{FieldValues: map[string]any{"vendor": "Globex"}, ConfidenceScores: map[string]float64{"vendor": 0.7}, IsFlagged: true},
	}}
	coord := NewCoordinator(store, extractor, nil)

	src := newChanSource()
	w := worker.NewWorker("w1", src, coord.Processor(), 100*time.Millisecond, nil)
	w.Start(ctx)
	defer w.Stop(time.Second)

	src.jobs <- &queue.Job{
		ID:        "job-1",
		FileRef:   "demo.pdf",
		SessionID: sessionID,
		Status:    constants.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !src.status("job-1").Terminal() {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, constants.JobStatusCompleted, src.status("job-1"))

	sess, err := store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "processed", sess.Status)
	assert.Equal(t, 2, sess.TotalRecords)
	assert.Equal(t, 1, sess.FlaggedRecords)
	require.NotNil(t, sess.QualityScore)
	assert.InDelta(t, 0.8, *sess.QualityScore, 1e-9)

	src.mu.Lock()
	result := src.results["job-1"]
	src.mu.Unlock()
	assert.Equal(t, 2, result["record_count"])
	assert.Equal(t, 1, result["flagged_count"])

	recs, err := store.GetRecords(ctx, sessionID, false)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestExtractionFailureMarksSessionFailed(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "bad.pdf", 512, nil, nil)
	require.NoError(t, err)

	coord := NewCoordinator(store, &fakeExtractor{err: errors.New("unreadable document")}, nil)
	job := &queue.Job{ID: "job-x", FileRef: "bad.pdf", SessionID: sessionID}

	_, err = coord.Processor()(ctx, job, func(int, string) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreadable document")

	sess, err := store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "failed", sess.Status)
	assert.Equal(t, 0, sess.TotalRecords)
}

func TestUnknownSessionRefused(t *testing.T) {
	store := testStore(t)
	coord := NewCoordinator(store, &fakeExtractor{}, nil)
	job := &queue.Job{ID: "job-y", FileRef: "demo.pdf", SessionID: "missing"}

	_, err := coord.Processor()(context.Background(), job, func(int, string) {})
	assert.Error(t, err)
}
