package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/session"
)

// Job is the bookkeeping for one export request. Snapshots of it are what
// callers see; the live copy stays inside the manager's arena.
type Job struct {
	JobID               string                 `json:"job_id"`
	SessionID           string                 `json:"session_id"`
	Filename            string                 `json:"filename"`
	Format              string                 `json:"format"`
	Status              constants.ExportStatus `json:"status"`
	CreatedAt           time.Time              `json:"created_at"`
	TotalRecords        int                    `json:"total_records"`
	ProcessedRecords    int                    `json:"processed_records"`
	ArtifactPath        string                 `json:"artifact_path,omitempty"`
	CompressedPath      string                 `json:"compressed_path,omitempty"`
	DownloadToken       string                 `json:"download_token,omitempty"`
	Compression         string                 `json:"compression"`
	SizeBytes           int64                  `json:"size_bytes"`
	CompressedSizeBytes int64                  `json:"compressed_size_bytes"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
}

// DownloadInfo is what a caller needs to hand a user a working link.
type DownloadInfo struct {
	Token              string    `json:"token"`
	Filename           string    `json:"filename"`
	FileSize           int64     `json:"file_size"`
	ExpiryTime         time.Time `json:"expiry_time"`
	MaxDownloads       int       `json:"max_downloads"`
	RemainingDownloads int       `json:"remaining_downloads"`
}

// Options tunes one export request. Zero values fall back to the manager's
// configured defaults, except DownloadExpiry, where an explicit zero means
// the link is born expired.
type Options struct {
	Compression    string
	Sync           bool
	DownloadExpiry *time.Duration
	MaxDownloads   *int
	Progress       func(processed, total int)
}

// StorageStats summarizes the manager's footprint.
type StorageStats struct {
	Jobs            int                            `json:"jobs"`
	CountsByStatus  map[constants.ExportStatus]int `json:"counts_by_status"`
	ActiveLinks     int                            `json:"active_links"`
	ArtifactBytes   int64                          `json:"artifact_bytes"`
	CompressedBytes int64                          `json:"compressed_bytes"`
}

type jobState struct {
	job    Job
	cancel context.CancelFunc
	opts   Options
}

// Manager owns export jobs end to end: artifact generation, compression,
// download tokens and expiry. One mutex guards every read-modify-write of
// the live-jobs arena and the token table.
type Manager struct {
	cfg    common.ExportConfig
	logger *slog.Logger

	mu    sync.Mutex
	jobs  map[string]*jobState
	links map[string]*DownloadLink // token -> link
	owner map[string]string        // token -> job id
}

// NewManager creates the artifact directories and an empty arena.
func NewManager(cfg common.ExportConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{rawDir(cfg.Dir), compressedDir(cfg.Dir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create export dir %s: %w", dir, err)
		}
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*jobState),
		links:  make(map[string]*DownloadLink),
		owner:  make(map[string]string),
	}, nil
}

func rawDir(base string) string        { return filepath.Join(base, "raw") }
func compressedDir(base string) string { return filepath.Join(base, "compressed") }

// short trims an id for use in artifact filenames.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CreateExport registers an export job for the given records and runs it,
// synchronously when opts.Sync is set, otherwise on its own goroutine.
func (m *Manager) CreateExport(ctx context.Context, sessionID string, records []*session.Record, filename string, opts Options) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", common.ValidationErrorf("session_id is required")
	}
	if strings.TrimSpace(filename) == "" {
		return "", common.ValidationErrorf("filename is required")
	}
	format := constants.NormalizeExt(filepath.Ext(filename))
	if format == "" {
		format = "csv"
	}
	supported := false
	for _, f := range constants.ExportFormats {
		if f == format {
			supported = true
		}
	}
	if !supported {
		return "", common.ValidationErrorf("unsupported export format %q", format)
	}
	if opts.Compression == "" {
		opts.Compression = "none"
	}
	if _, ok := constants.CompressionKinds[opts.Compression]; !ok {
		return "", common.ValidationErrorf("unsupported compression kind %q", opts.Compression)
	}

	jobID := uuid.NewString()
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &jobState{
		job: Job{
			JobID:        jobID,
			SessionID:    sessionID,
			Filename:     filename,
			Format:       format,
			Status:       constants.ExportStatusPending,
			CreatedAt:    time.Now().UTC(),
			TotalRecords: len(records),
			Compression:  opts.Compression,
		},
		cancel: cancel,
		opts:   opts,
	}

	m.mu.Lock()
	m.jobs[jobID] = st
	m.mu.Unlock()
	m.logger.Info("export.create", "job_id", jobID, "session_id", sessionID,
		"records", len(records), "format", format, "compression", opts.Compression, "sync", opts.Sync)

	if opts.Sync {
		m.run(jobCtx, jobID, records)
	} else {
		go m.run(jobCtx, jobID, records)
	}
	return jobID, nil
}

// run drives one export job to a terminal state.
func (m *Manager) run(ctx context.Context, jobID string, records []*session.Record) {
	m.mu.Lock()
	st, ok := m.jobs[jobID]
	if !ok || st.job.Status != constants.ExportStatusPending {
		// cancelled before it ever started
		m.mu.Unlock()
		return
	}
	st.job.Status = constants.ExportStatusProcessing
	sessionID, format, compression := st.job.SessionID, st.job.Format, st.job.Compression
	opts := st.opts
	m.mu.Unlock()

	name := fmt.Sprintf("%s_%s_%d.%s", short(sessionID), short(jobID), time.Now().Unix(), format)
	artifactPath := filepath.Join(rawDir(m.cfg.Dir), name)

	report := func(processed int) {
		m.mu.Lock()
		if s, ok := m.jobs[jobID]; ok {
			s.job.ProcessedRecords = processed
		}
		m.mu.Unlock()
		if opts.Progress != nil {
			opts.Progress(processed, len(records))
		}
	}

	err := writeArtifact(ctx, format, artifactPath, records, m.cfg.BatchSize, m.cfg.BatchThreshold, report)
	if err != nil {
		// partial artifacts are never exposed behind a link
		_ = os.Remove(artifactPath)
		if ctx.Err() != nil {
			m.finish(jobID, func(j *Job) { j.Status = constants.ExportStatusCancelled })
			m.logger.Info("export.cancelled", "job_id", jobID)
			return
		}
		m.fail(jobID, fmt.Errorf("write artifact: %w", err))
		return
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		m.fail(jobID, fmt.Errorf("stat artifact: %w", err))
		return
	}
	finalPath, size := artifactPath, info.Size()

	var compressedPath string
	var compressedSize int64
	if compression != "none" {
		ext := ".gz"
		if compression == "zip" {
			ext = ".zip"
		}
		compressedPath = filepath.Join(compressedDir(m.cfg.Dir), name+ext)
		compressedSize, err = compressArtifact(compression, artifactPath, compressedPath)
		if err != nil {
			_ = os.Remove(artifactPath)
			_ = os.Remove(compressedPath)
			m.fail(jobID, fmt.Errorf("compress artifact: %w", err))
			return
		}
		finalPath = compressedPath
		ratio := 0.0
		if size > 0 {
			ratio = float64(compressedSize) / float64(size)
		}
		m.logger.Info("export.compressed", "job_id", jobID, "kind", compression,
			"size", size, "compressed_size", compressedSize, "ratio", fmt.Sprintf("%.3f", ratio))
	}

	expiry := m.cfg.DownloadExpiry
	if opts.DownloadExpiry != nil {
		expiry = *opts.DownloadExpiry
	}
	maxDownloads := m.cfg.DownloadMax
	if opts.MaxDownloads != nil {
		maxDownloads = *opts.MaxDownloads
	}
	finalSize := size
	if compressedPath != "" {
		finalSize = compressedSize
	}
	link, err := newLink(finalPath, expiry, maxDownloads, finalSize)
	if err != nil {
		m.fail(jobID, err)
		return
	}

	m.mu.Lock()
	if st, ok := m.jobs[jobID]; ok {
		st.job.Status = constants.ExportStatusCompleted
		st.job.ProcessedRecords = st.job.TotalRecords
		st.job.ArtifactPath = artifactPath
		st.job.CompressedPath = compressedPath
		st.job.SizeBytes = size
		st.job.CompressedSizeBytes = compressedSize
		st.job.DownloadToken = link.Token
		m.links[link.Token] = link
		m.owner[link.Token] = jobID
	}
	m.mu.Unlock()
	m.logger.Info("export.completed", "job_id", jobID, "artifact", finalPath, "size", finalSize)
}

func (m *Manager) finish(jobID string, mutate func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.jobs[jobID]; ok && !st.job.Status.Terminal() {
		mutate(&st.job)
	}
}

func (m *Manager) fail(jobID string, err error) {
	m.finish(jobID, func(j *Job) {
		j.Status = constants.ExportStatusFailed
		j.ErrorMessage = err.Error()
	})
	m.logger.Error("export.failed", "job_id", jobID, "err", err)
}

// GetStatus returns a snapshot of the job, or nil when unknown.
func (m *Manager) GetStatus(jobID string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.jobs[jobID]; ok {
		j := st.job
		return &j
	}
	return nil
}

// GetDownloadInfo returns link details for a completed job, or nil when the
// job is unknown or has no usable link.
func (m *Manager) GetDownloadInfo(jobID string) *DownloadInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[jobID]
	if !ok || st.job.Status != constants.ExportStatusCompleted {
		return nil
	}
	link, ok := m.links[st.job.DownloadToken]
	if !ok {
		return nil
	}
	return &DownloadInfo{
		Token:              link.Token,
		Filename:           st.job.Filename,
		FileSize:           link.FileSize,
		ExpiryTime:         link.ExpiryTime,
		MaxDownloads:       link.MaxDownloads,
		RemainingDownloads: link.MaxDownloads - link.DownloadCount,
	}
}

// Download resolves a token to a streamable file, recording one use. A
// refusal always carries its specific reason and never a path.
func (m *Manager) Download(token string) (bool, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[token]
	if !ok {
		return false, DenyInvalidToken, ""
	}
	if reason := link.check(); reason != "" {
		return false, reason, ""
	}
	link.DownloadCount++
	m.logger.Info("export.download", "token", short(token),
		"count", link.DownloadCount, "max", link.MaxDownloads)
	return true, "", link.ArtifactPath
}

// Cancel stops a pending or processing export. A processing job observes
// the cancel at its next batch boundary; terminal jobs are refused.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	st, ok := m.jobs[jobID]
	if !ok || st.job.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	pending := st.job.Status == constants.ExportStatusPending
	if pending {
		st.job.Status = constants.ExportStatusCancelled
	}
	cancel := st.cancel
	m.mu.Unlock()

	cancel()
	m.logger.Info("export.cancel", "job_id", jobID, "was_pending", pending)
	return true
}

// ListForSession returns snapshots of the session's export jobs, newest
// first.
func (m *Manager) ListForSession(sessionID string) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, st := range m.jobs {
		if st.job.SessionID == sessionID {
			j := st.job
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

// CleanupExpired removes export jobs whose download link has expired,
// deleting their artifacts. Missing files are tolerated silently. It
// returns the number of jobs removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	var drop []string
	for token, link := range m.links {
		if link.expired() {
			drop = append(drop, token)
		}
	}
	var paths []string
	for _, token := range drop {
		jobID := m.owner[token]
		if st, ok := m.jobs[jobID]; ok {
			if st.job.ArtifactPath != "" {
				paths = append(paths, st.job.ArtifactPath)
			}
			if st.job.CompressedPath != "" {
				paths = append(paths, st.job.CompressedPath)
			}
			delete(m.jobs, jobID)
		}
		delete(m.links, token)
		delete(m.owner, token)
	}
	m.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
	if len(drop) > 0 {
		m.logger.Info("export.cleanup.ok", "removed", len(drop))
	}
	return len(drop)
}

// RunCleanupLoop sweeps expired exports until ctx is cancelled.
func (m *Manager) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// Stats summarizes the arena and artifact footprint.
func (m *Manager) Stats() StorageStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := StorageStats{
		Jobs:           len(m.jobs),
		CountsByStatus: make(map[constants.ExportStatus]int),
		ActiveLinks:    len(m.links),
	}
	for _, st := range m.jobs {
		stats.CountsByStatus[st.job.Status]++
		stats.ArtifactBytes += st.job.SizeBytes
		stats.CompressedBytes += st.job.CompressedSizeBytes
	}
	return stats
}
