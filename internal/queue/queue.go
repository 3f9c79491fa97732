package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/schema"
)

// Queue is a FIFO job queue backed by Redis. Each job lives in a hash at
// <name>:job:<id> with a retention TTL; pending ids sit in the list at
// <name>. BLPop hands an id to at most one caller, which is what enforces
// the one-concurrent-worker-per-job guarantee.
type Queue struct {
	rdb    *redis.Client
	name   string
	jobTTL time.Duration
	logger *slog.Logger
}

// ErrTerminalState is returned when a status update names an edge that does
// not exist in the job state machine.
var ErrTerminalState = errors.New("job is already in a terminal state")

// New creates a Queue. jobTTL bounds how long finished and unfinished job
// bookkeeping survives; it is independent of session retention.
func New(rdb *redis.Client, name string, jobTTL time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{rdb: rdb, name: name, jobTTL: jobTTL, logger: logger}
}

// Ping verifies connectivity to the backing store. Callers treat a failure
// here as fatal at startup.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConnectivity, err)
	}
	return nil
}

func (q *Queue) jobKey(id string) string {
	return q.name + ":job:" + id
}

// Enqueue validates the request, writes the job hash with the retention TTL,
// and appends the id to the pending list. It never blocks.
func (q *Queue) Enqueue(ctx context.Context, fileRef, sessionID string, config map[string]any) (string, error) {
	if strings.TrimSpace(fileRef) == "" {
		return "", common.ValidationErrorf("file_ref is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", common.ValidationErrorf("session_id is required")
	}
	if err := schema.ValidateProcessingConfig(config); err != nil {
		return "", err
	}

	job := &Job{
		ID:        uuid.NewString(),
		FileRef:   fileRef,
		SessionID: sessionID,
		Config:    config,
		Status:    constants.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), job.toHash())
	pipe.Expire(ctx, q.jobKey(job.ID), q.jobTTL)
	pipe.RPush(ctx, q.name, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("queue.enqueue.failed", "file_ref", fileRef, "err", err)
		return "", common.StorageError("enqueue job", err)
	}

	q.logger.Info("queue.enqueue.ok", "job_id", job.ID, "session_id", sessionID, "file_ref", fileRef)
	return job.ID, nil
}

// Dequeue blocks up to timeout for a pending job id and loads its record.
// A nil job with a nil error means the wait timed out; callers are expected
// to loop. An id whose hash already expired is treated the same way.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	vals, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, common.StorageError("dequeue job", err)
	}
	// vals is [listName, id]
	id := vals[1]
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		q.logger.Warn("queue.dequeue.expired", "job_id", id)
		return nil, nil
	}
	return job, nil
}

// Get returns the job record, or nil when unknown or expired.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, common.ValidationErrorf("job_id is required")
	}
	h, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, common.StorageError("load job", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return jobFromHash(h)
}

// UpdateStatus moves the job along one edge of the state machine. Dispatch
// stamps started_at once; terminal states stamp completed_at once. An edge
// that does not exist is refused with ErrTerminalState.
func (q *Queue) UpdateStatus(ctx context.Context, jobID string, status constants.JobStatus, errMsg string) error {
	key := q.jobKey(jobID)
	now := time.Now().UTC().Format(timeLayout)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "status").Result()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("job not found: %s: %w", jobID, common.ErrNotFound)
			}
			return err
		}
		if !constants.JobStatus(current).CanTransition(status) {
			return fmt.Errorf("%s -> %s: %w", current, status, ErrTerminalState)
		}

		fields := map[string]string{"status": string(status)}
		if errMsg != "" {
			fields["error_message"] = errMsg
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			switch status {
			case constants.JobStatusProcessing:
				pipe.HSetNX(ctx, key, "started_at", now)
			case constants.JobStatusCompleted, constants.JobStatusFailed, constants.JobStatusCancelled:
				pipe.HSetNX(ctx, key, "completed_at", now)
			}
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := q.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			q.logger.Error("queue.status.failed", "job_id", jobID, "status", status, "err", err)
			return err
		}
		q.logger.Info("queue.status.ok", "job_id", jobID, "status", status)
		return nil
	}
	return common.StorageError("update status", redis.TxFailedErr)
}

// UpdateProgress writes a clamped progress percentage and optional message.
// Re-applying the same value is safe; workers retry after transient errors.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, percent int, message string) error {
	fields := map[string]string{"progress": fmt.Sprintf("%d", clampProgress(percent))}
	if message != "" {
		fields["progress_message"] = message
	}
	if err := q.rdb.HSet(ctx, q.jobKey(jobID), fields).Err(); err != nil {
		return common.StorageError("update progress", err)
	}
	return nil
}

// SetResult stores the processor's opaque result payload on the job record.
func (q *Queue) SetResult(ctx context.Context, jobID string, result map[string]any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := q.rdb.HSet(ctx, q.jobKey(jobID), "result", string(b)).Err(); err != nil {
		return common.StorageError("set result", err)
	}
	return nil
}

// Cancel marks a still-pending job cancelled and drops it from the pending
// list. A job that was already dispatched (or finished) is refused.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	key := q.jobKey(jobID)
	cancelled := false

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "status").Result()
		if err != nil {
			if err == redis.Nil {
				return nil // unknown or expired: nothing to cancel
			}
			return err
		}
		if constants.JobStatus(current) != constants.JobStatusPending {
			return nil
		}
		now := time.Now().UTC().Format(timeLayout)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(constants.JobStatusCancelled))
			pipe.HSetNX(ctx, key, "completed_at", now)
			pipe.LRem(ctx, q.name, 0, jobID)
			return nil
		})
		if err == nil {
			cancelled = true
		}
		return err
	}

	err := q.rdb.Watch(ctx, txf, key)
	if err != nil && err != redis.TxFailedErr {
		return false, common.StorageError("cancel job", err)
	}
	if cancelled {
		q.logger.Info("queue.cancel.ok", "job_id", jobID)
	}
	return cancelled, nil
}

// Stats reports the pending-list length and job counts grouped by status.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	length, err := q.rdb.LLen(ctx, q.name).Result()
	if err != nil {
		return nil, common.StorageError("queue length", err)
	}
	stats := &Stats{
		QueueLength:    length,
		CountsByStatus: make(map[constants.JobStatus]int),
	}

	iter := q.rdb.Scan(ctx, 0, q.name+":job:*", 100).Iterator()
	for iter.Next(ctx) {
		status, err := q.rdb.HGet(ctx, iter.Val(), "status").Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, common.StorageError("scan jobs", err)
		}
		stats.CountsByStatus[constants.JobStatus(status)]++
	}
	if err := iter.Err(); err != nil {
		return nil, common.StorageError("scan jobs", err)
	}
	return stats, nil
}

// CleanupOlderThan removes job hashes older than age, regardless of state.
// Redis TTLs already expire records on their own; this exists for operators
// who want to force the sweep earlier.
func (q *Queue) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	removed := 0

	iter := q.rdb.Scan(ctx, 0, q.name+":job:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		created, err := q.rdb.HGet(ctx, key, "created_at").Result()
		if err != nil {
			continue
		}
		t, err := time.Parse(timeLayout, created)
		if err != nil || !t.Before(cutoff) {
			continue
		}
		if err := q.rdb.Del(ctx, key).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, common.StorageError("cleanup jobs", err)
	}
	if removed > 0 {
		q.logger.Info("queue.cleanup.ok", "removed", removed)
	}
	return removed, nil
}
