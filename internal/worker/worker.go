package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/queue"
)

// JobSource is the slice of the queue a worker needs. *queue.Queue satisfies
// it; tests substitute an in-memory fake.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status constants.JobStatus, errMsg string) error
	UpdateProgress(ctx context.Context, jobID string, percent int, message string) error
	SetResult(ctx context.Context, jobID string, result map[string]any) error
}

// ProgressFunc reports extraction progress back onto the job record.
type ProgressFunc func(percent int, message string)

// Processor is the externally supplied document-processing function. It
// receives the job and a progress callback and returns an opaque result.
// Whatever it does internally, the worker converts any error or panic into
// a failed terminal state.
type Processor func(ctx context.Context, job *queue.Job, report ProgressFunc) (map[string]any, error)

// Worker runs the dequeue/process loop. Shutdown is cooperative: the loop
// checks its context at the top of each iteration and at the blocking
// dequeue, and a job already picked up runs to a natural terminal state.
type Worker struct {
	id             string
	source         JobSource
	process        Processor
	dequeueTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	state  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Worker states reported by Status.
const (
	StateIdle    = "idle"
	StateBusy    = "busy"
	StateStopped = "stopped"
)

// NewWorker creates a stopped worker.
func NewWorker(id string, source JobSource, process Processor, dequeueTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:             id,
		source:         source,
		process:        process,
		dequeueTimeout: dequeueTimeout,
		state:          StateStopped,
		logger:         logger.With("worker", id),
	}
}

// Start launches the worker loop. Starting a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.state = StateIdle
	go w.loop(loopCtx)
	w.logger.Info("worker.started")
}

// Stop asks the loop to exit and waits up to timeout for it. It returns
// false when the worker was still mid-job at the deadline; the job keeps
// running and will still reach a terminal state.
func (w *Worker) Stop(timeout time.Duration) bool {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		w.logger.Info("worker.stopped")
		return true
	case <-time.After(timeout):
		w.logger.Warn("worker.stop.timeout", "timeout", timeout)
		return false
	}
}

// Status returns idle, busy or stopped.
func (w *Worker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s string) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	defer w.setState(StateStopped)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.source.Dequeue(ctx, w.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("worker.dequeue.failed", "err", err)
			continue
		}
		if job == nil {
			// designed suspension point: nothing available, go around
			continue
		}

		w.setState(StateBusy)
		w.run(ctx, job)
		w.setState(StateIdle)
	}
}

// run drives one job to a terminal state. Errors and panics from the
// processor become data on the job record, never an exit of the loop.
func (w *Worker) run(ctx context.Context, job *queue.Job) {
	if err := w.source.UpdateStatus(ctx, job.ID, constants.JobStatusProcessing, ""); err != nil {
		// Lost the record (expired or cancelled underneath us); drop the job.
		w.logger.Warn("worker.claim.failed", "job_id", job.ID, "err", err)
		return
	}
	w.logger.Info("worker.job.start", "job_id", job.ID, "file_ref", job.FileRef)

	result, err := w.invoke(ctx, job)
	if err != nil {
		w.logger.Error("worker.job.failed", "job_id", job.ID, "err", err)
		if serr := w.source.UpdateStatus(ctx, job.ID, constants.JobStatusFailed, err.Error()); serr != nil {
			w.logger.Error("worker.job.fail_status", "job_id", job.ID, "err", serr)
		}
		return
	}

	if err := w.source.SetResult(ctx, job.ID, result); err != nil {
		w.logger.Error("worker.job.result", "job_id", job.ID, "err", err)
		_ = w.source.UpdateStatus(ctx, job.ID, constants.JobStatusFailed, "storing result: "+err.Error())
		return
	}
	if err := w.source.UpdateStatus(ctx, job.ID, constants.JobStatusCompleted, ""); err != nil {
		w.logger.Error("worker.job.complete_status", "job_id", job.ID, "err", err)
		return
	}
	w.logger.Info("worker.job.done", "job_id", job.ID)
}

func (w *Worker) invoke(ctx context.Context, job *queue.Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	report := func(percent int, message string) {
		if perr := w.source.UpdateProgress(ctx, job.ID, percent, message); perr != nil {
			w.logger.Warn("worker.progress.failed", "job_id", job.ID, "err", perr)
		}
	}
	return w.process(ctx, job, report)
}
