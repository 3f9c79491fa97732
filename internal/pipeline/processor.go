package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/session"
	"github.com/docpipe/docpipe/internal/worker"
)

// DocumentProcessor is the externally supplied extraction function: given a
// file reference and the session's processing config, it returns structured
// records or an error. PDF/DOCX/OCR readers and the confidence scoring live
// behind this boundary.
type DocumentProcessor interface {
	Extract(ctx context.Context, fileRef string, config map[string]any, report worker.ProgressFunc) ([]*session.Record, error)
}

// Coordinator turns extractor output into durable session state. It owns
// the job's side effects: records stored, metrics updated, session status
// advanced.
type Coordinator struct {
	store     session.Store
	extractor DocumentProcessor
	logger    *slog.Logger
}

func NewCoordinator(store session.Store, extractor DocumentProcessor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, extractor: extractor, logger: logger}
}

// Processor adapts the coordinator to the worker's processing contract.
func (c *Coordinator) Processor() worker.Processor {
	return c.processJob
}

func (c *Coordinator) processJob(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (map[string]any, error) {
	if err := c.store.UpdateStatus(ctx, job.SessionID, "processing", nil); err != nil {
		return nil, fmt.Errorf("mark session processing: %w", err)
	}

	records, err := c.extractor.Extract(ctx, job.FileRef, job.Config, report)
	if err != nil {
		c.logger.Error("pipeline.extract.failed", "job_id", job.ID, "session_id", job.SessionID, "err", err)
		if serr := c.store.UpdateStatus(ctx, job.SessionID, "failed", nil); serr != nil {
			c.logger.Error("pipeline.session.status", "session_id", job.SessionID, "err", serr)
		}
		return nil, err
	}

	if err := c.store.StoreRecords(ctx, job.SessionID, records); err != nil {
		return nil, fmt.Errorf("store records: %w", err)
	}

	flagged := 0
	for _, r := range records {
		if r.IsFlagged {
			flagged++
		}
	}
	if err := c.store.UpdateMetrics(ctx, job.SessionID, len(records), flagged); err != nil {
		return nil, fmt.Errorf("update session metrics: %w", err)
	}
	quality := qualityScore(records)
	if err := c.store.UpdateStatus(ctx, job.SessionID, "processed", &quality); err != nil {
		return nil, fmt.Errorf("mark session processed: %w", err)
	}

	c.logger.Info("pipeline.extract.ok", "job_id", job.ID, "session_id", job.SessionID,
		"records", len(records), "flagged", flagged)
	return map[string]any{
		"record_count":  len(records),
		"flagged_count": flagged,
	}, nil
}

// qualityScore averages every record's confidence values. Sessions with no
// scored fields report zero rather than inventing confidence.
func qualityScore(records []*session.Record) float64 {
	var sum float64
	var n int
	for _, r := range records {
		for _, score := range r.ConfidenceScores {
			sum += score
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
