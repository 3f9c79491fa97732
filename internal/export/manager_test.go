package export

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/session"
)

func testManager(t *testing.T, mutate func(*common.ExportConfig)) *Manager {
	t.Helper()
	cfg := common.ExportConfig{
		Dir:             t.TempDir(),
		BatchSize:       1000,
		BatchThreshold:  5000,
		DownloadExpiry:  time.Hour,
		DownloadMax:     10,
		CleanupInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	return m
}

func makeRecords(n int) []*session.Record {
	recs := make([]*session.Record, n)
	for i := range recs {
		recs[i] = &session.Record{
			ID:           fmt.Sprintf("rec-%d", i),
			FieldValues:  map[string]any{"vendor": fmt.Sprintf("v%d", i), "total": i},
			ReviewStatus: session.ReviewStatusPending,
		}
	}
	return recs
}

func TestCreateExportValidation(t *testing.T) {
	m := testManager(t, nil)
	ctx := context.Background()

	_, err := m.CreateExport(ctx, "", makeRecords(1), "out.csv", Options{})
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = m.CreateExport(ctx, "s1", makeRecords(1), "", Options{})
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = m.CreateExport(ctx, "s1", makeRecords(1), "out.parquet", Options{})
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = m.CreateExport(ctx, "s1", makeRecords(1), "out.csv", Options{Compression: "brotli"})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestExportCSVSync(t *testing.T) {
	m := testManager(t, nil)

	id, err := m.CreateExport(context.Background(), "session-1", makeRecords(3), "out.csv", Options{Sync: true})
	require.NoError(t, err)

	job := m.GetStatus(id)
	require.NotNil(t, job)
	assert.Equal(t, constants.ExportStatusCompleted, job.Status)
	assert.Equal(t, 3, job.TotalRecords)
	assert.Equal(t, 3, job.ProcessedRecords)
	assert.NotEmpty(t, job.ArtifactPath)
	assert.NotEmpty(t, job.DownloadToken)
	assert.Greater(t, job.SizeBytes, int64(0))
	assert.Empty(t, job.ErrorMessage)

	f, err := os.Open(job.ArtifactPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4) // header + 3 records
	assert.Equal(t, []string{"record_id", "total", "vendor", "is_flagged", "review_status"}, rows[0])
	assert.Equal(t, "rec-0", rows[1][0])
	assert.Equal(t, "v2", rows[3][2])
}

func TestExportXLSXSync(t *testing.T) {
	m := testManager(t, nil)

	id, err := m.CreateExport(context.Background(), "session-1", makeRecords(5), "out.xlsx", Options{Sync: true})
	require.NoError(t, err)

	job := m.GetStatus(id)
	require.NotNil(t, job)
	assert.Equal(t, constants.ExportStatusCompleted, job.Status)
	info, err := os.Stat(job.ArtifactPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestExportBatchedProgress(t *testing.T) {
	// Scenario: a large record set is chunked, reporting after every batch.
	m := testManager(t, func(cfg *common.ExportConfig) {
		cfg.BatchSize = 5000
		cfg.BatchThreshold = 5000
	})

	var mu sync.Mutex
	var calls []int
	id, err := m.CreateExport(context.Background(), "session-big", makeRecords(12000), "big.csv", Options{
		Sync: true,
		Progress: func(processed, total int) {
			mu.Lock()
			calls = append(calls, processed)
			mu.Unlock()
			assert.LessOrEqual(t, processed, total)
		},
	})
	require.NoError(t, err)

	job := m.GetStatus(id)
	require.NotNil(t, job)
	assert.Equal(t, constants.ExportStatusCompleted, job.Status)
	assert.Equal(t, 12000, job.ProcessedRecords)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, 12000, calls[len(calls)-1])
	for i := 1; i < len(calls); i++ {
		assert.Greater(t, calls[i], calls[i-1])
	}
}

func TestExportGzipCompression(t *testing.T) {
	m := testManager(t, nil)

	id, err := m.CreateExport(context.Background(), "s1", makeRecords(50), "out.csv", Options{Sync: true, Compression: "gzip"})
	require.NoError(t, err)

	job := m.GetStatus(id)
	require.Equal(t, constants.ExportStatusCompleted, job.Status)
	require.NotEmpty(t, job.CompressedPath)
	assert.Greater(t, job.CompressedSizeBytes, int64(0))

	// the compressed derivative round-trips to the raw artifact
	raw, err := os.ReadFile(job.ArtifactPath)
	require.NoError(t, err)
	f, err := os.Open(job.CompressedPath)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	unpacked, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, raw, unpacked)

	// the link serves the compressed artifact
	ok, _, path := m.Download(job.DownloadToken)
	require.True(t, ok)
	assert.Equal(t, job.CompressedPath, path)
}

func TestExportZipCompression(t *testing.T) {
	m := testManager(t, nil)

	id, err := m.CreateExport(context.Background(), "s1", makeRecords(10), "out.csv", Options{Sync: true, Compression: "zip"})
	require.NoError(t, err)

	job := m.GetStatus(id)
	require.Equal(t, constants.ExportStatusCompleted, job.Status)
	require.NotEmpty(t, job.CompressedPath)
	info, err := os.Stat(job.CompressedPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestDownloadTokenLaws(t *testing.T) {
	m := testManager(t, nil)
	one := 1

	id, err := m.CreateExport(context.Background(), "s1", makeRecords(2), "out.csv", Options{Sync: true, MaxDownloads: &one})
	require.NoError(t, err)
	job := m.GetStatus(id)
	require.Equal(t, constants.ExportStatusCompleted, job.Status)

	ok, reason, path := m.Download(job.DownloadToken)
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.NotEmpty(t, path)

	ok, reason, path = m.Download(job.DownloadToken)
	assert.False(t, ok)
	assert.Equal(t, DenyLimitExceeded, reason)
	assert.Empty(t, path)
}

func TestDownloadExpiredImmediately(t *testing.T) {
	m := testManager(t, nil)
	zero := time.Duration(0)

	id, err := m.CreateExport(context.Background(), "s1", makeRecords(2), "out.csv", Options{Sync: true, DownloadExpiry: &zero})
	require.NoError(t, err)
	job := m.GetStatus(id)

	ok, reason, _ := m.Download(job.DownloadToken)
	assert.False(t, ok)
	assert.Equal(t, DenyExpired, reason)
}

func TestDownloadDenialReasons(t *testing.T) {
	m := testManager(t, nil)

	ok, reason, _ := m.Download("no-such-token")
	assert.False(t, ok)
	assert.Equal(t, DenyInvalidToken, reason)

	id, err := m.CreateExport(context.Background(), "s1", makeRecords(2), "out.csv", Options{Sync: true})
	require.NoError(t, err)
	job := m.GetStatus(id)

	require.NoError(t, os.Remove(job.ArtifactPath))
	ok, reason, _ = m.Download(job.DownloadToken)
	assert.False(t, ok)
	assert.Equal(t, DenyFileMissing, reason)
}

func TestConcurrentExportsIsolated(t *testing.T) {
	// Scenario: two exports for different sessions complete with distinct
	// artifacts and tokens, and no cross-contamination of content.
	m := testManager(t, nil)

	recsA := []*session.Record{{ID: "a-1", FieldValues: map[string]any{"vendor": "OnlyInA"}}}
	recsB := []*session.Record{{ID: "b-1", FieldValues: map[string]any{"vendor": "OnlyInB"}}}

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i, in := range []struct {
		session string
		recs    []*session.Record
	}{{"session-a", recsA}, {"session-b", recsB}} {
		wg.Add(1)
		go func(i int, sessionID string, recs []*session.Record) {
			defer wg.Done()
			id, err := m.CreateExport(context.Background(), sessionID, recs, "out.csv", Options{Sync: true})
			assert.NoError(t, err)
			ids[i] = id
		}(i, in.session, in.recs)
	}
	wg.Wait()

	a, b := m.GetStatus(ids[0]), m.GetStatus(ids[1])
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, constants.ExportStatusCompleted, a.Status)
	assert.Equal(t, constants.ExportStatusCompleted, b.Status)
	assert.NotEqual(t, a.ArtifactPath, b.ArtifactPath)
	assert.NotEqual(t, a.DownloadToken, b.DownloadToken)

	contentA, err := os.ReadFile(a.ArtifactPath)
	require.NoError(t, err)
	contentB, err := os.ReadFile(b.ArtifactPath)
	require.NoError(t, err)
	assert.Contains(t, string(contentA), "OnlyInA")
	assert.NotContains(t, string(contentA), "OnlyInB")
	assert.Contains(t, string(contentB), "OnlyInB")
	assert.NotContains(t, string(contentB), "OnlyInA")
}

func TestCancelExport(t *testing.T) {
	m := testManager(t, nil)

	id, err := m.CreateExport(context.Background(), "s1", makeRecords(2), "out.csv", Options{Sync: true})
	require.NoError(t, err)

	// terminal jobs are refused
	assert.False(t, m.Cancel(id))
	assert.False(t, m.Cancel("unknown"))
}

func TestGetDownloadInfo(t *testing.T) {
	m := testManager(t, nil)

	assert.Nil(t, m.GetDownloadInfo("unknown"))

	id, err := m.CreateExport(context.Background(), "s1", makeRecords(2), "report.csv", Options{Sync: true})
	require.NoError(t, err)

	info := m.GetDownloadInfo(id)
	require.NotNil(t, info)
	assert.Equal(t, "report.csv", info.Filename)
	assert.Equal(t, 10, info.MaxDownloads)
	assert.Equal(t, 10, info.RemainingDownloads)
	assert.Greater(t, info.FileSize, int64(0))

	ok, _, _ := m.Download(info.Token)
	require.True(t, ok)
	info = m.GetDownloadInfo(id)
	assert.Equal(t, 9, info.RemainingDownloads)
}

func TestListForSession(t *testing.T) {
	m := testManager(t, nil)
	ctx := context.Background()

	first, err := m.CreateExport(ctx, "s1", makeRecords(1), "a.csv", Options{Sync: true})
	require.NoError(t, err)
	second, err := m.CreateExport(ctx, "s1", makeRecords(1), "b.csv", Options{Sync: true})
	require.NoError(t, err)
	_, err = m.CreateExport(ctx, "s2", makeRecords(1), "c.csv", Options{Sync: true})
	require.NoError(t, err)

	jobs := m.ListForSession("s1")
	require.Len(t, jobs, 2)
	seen := map[string]bool{jobs[0].JobID: true, jobs[1].JobID: true}
	assert.True(t, seen[first])
	assert.True(t, seen[second])
	assert.Empty(t, m.ListForSession("s3"))
}

func TestCleanupExpired(t *testing.T) {
	m := testManager(t, nil)
	zero := time.Duration(0)

	expired, err := m.CreateExport(context.Background(), "s1", makeRecords(2), "dead.csv", Options{Sync: true, DownloadExpiry: &zero})
	require.NoError(t, err)
	alive, err := m.CreateExport(context.Background(), "s1", makeRecords(2), "alive.csv", Options{Sync: true})
	require.NoError(t, err)

	deadPath := m.GetStatus(expired).ArtifactPath
	require.FileExists(t, deadPath)

	removed := m.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Nil(t, m.GetStatus(expired))
	assert.NoFileExists(t, deadPath)
	assert.NotNil(t, m.GetStatus(alive))

	// a second sweep with nothing to do is fine
	assert.Equal(t, 0, m.CleanupExpired())
}

func TestStorageStats(t *testing.T) {
	m := testManager(t, nil)

	_, err := m.CreateExport(context.Background(), "s1", makeRecords(3), "a.csv", Options{Sync: true})
	require.NoError(t, err)
	_, err = m.CreateExport(context.Background(), "s2", makeRecords(3), "b.csv", Options{Sync: true, Compression: "gzip"})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Jobs)
	assert.Equal(t, 2, stats.CountsByStatus[constants.ExportStatusCompleted])
	assert.Equal(t, 2, stats.ActiveLinks)
	assert.Greater(t, stats.ArtifactBytes, int64(0))
	assert.Greater(t, stats.CompressedBytes, int64(0))
}
