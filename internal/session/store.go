package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/schema"
)

// Store is the durable home for sessions and their extracted records.
// Everything is scoped by session id; cross-session queries are not exposed.
type Store interface {
	CreateSession(ctx context.Context, fileName string, fileSize int64, mappings map[string]string, config map[string]any) (string, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessions(ctx context.Context, status string) ([]*Session, error)
	UpdateStatus(ctx context.Context, id, status string, qualityScore *float64) error
	UpdateMetrics(ctx context.Context, id string, total, flagged int) error
	StoreRecords(ctx context.Context, id string, records []*Record) error
	GetRecords(ctx context.Context, id string, flaggedOnly bool) ([]*Record, error)
	UpdateRecord(ctx context.Context, recordID string, patch map[string]any, notes string) (bool, error)
	CleanupOlderThan(ctx context.Context, days int) (int, error)
	Stats(ctx context.Context) (*Stats, error)
}

type store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore wraps an opened gorm handle.
func NewStore(db *gorm.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &store{db: db, logger: logger}
}

func (s *store) CreateSession(ctx context.Context, fileName string, fileSize int64, mappings map[string]string, config map[string]any) (string, error) {
	if strings.TrimSpace(fileName) == "" {
		return "", common.ValidationErrorf("file_name is required")
	}
	if fileSize < 0 {
		return "", common.ValidationErrorf("file_size must be non-negative")
	}
	if err := schema.ValidateProcessingConfig(config); err != nil {
		return "", err
	}

	sess := &Session{
		ID:               uuid.NewString(),
		FileName:         fileName,
		FileSize:         fileSize,
		UploadTime:       time.Now().UTC(),
		Status:           "uploaded",
		ColumnMappings:   mappings,
		ProcessingConfig: config,
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		s.logger.Error("session.create.failed", "file_name", fileName, "err", err)
		return "", common.StorageError("create session", err)
	}
	s.logger.Info("session.create.ok", "session_id", sess.ID, "file_name", fileName, "file_size", fileSize)
	return sess.ID, nil
}

func (s *store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).First(&sess, "session_id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, common.StorageError("load session", err)
	}
	return &sess, nil
}

func (s *store) GetSessions(ctx context.Context, status string) ([]*Session, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var sessions []*Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, common.StorageError("list sessions", err)
	}
	return sessions, nil
}

func (s *store) UpdateStatus(ctx context.Context, id, status string, qualityScore *float64) error {
	updates := map[string]any{"status": status}
	if qualityScore != nil {
		updates["quality_score"] = *qualityScore
	}
	res := s.db.WithContext(ctx).Model(&Session{}).Where("session_id = ?", id).Updates(updates)
	if res.Error != nil {
		s.logger.Error("session.status.failed", "session_id", id, "err", res.Error)
		return common.StorageError("update session status", res.Error)
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	s.logger.Info("session.status.ok", "session_id", id, "status", status)
	return nil
}

func (s *store) UpdateMetrics(ctx context.Context, id string, total, flagged int) error {
	res := s.db.WithContext(ctx).Model(&Session{}).Where("session_id = ?", id).
		Updates(map[string]any{"total_records": total, "flagged_records": flagged})
	if res.Error != nil {
		return common.StorageError("update session metrics", res.Error)
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

// StoreRecords bulk-appends records to a session. Existing records are
// never replaced; re-running an extraction adds rows, it does not overwrite.
func (s *store) StoreRecords(ctx context.Context, id string, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return common.ErrNotFound
	}

	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.SessionID = id
		if r.ReviewStatus == "" {
			r.ReviewStatus = ReviewStatusPending
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(records, 500).Error; err != nil {
		s.logger.Error("session.records.store_failed", "session_id", id, "count", len(records), "err", err)
		return common.StorageError("store records", err)
	}
	s.logger.Info("session.records.stored", "session_id", id, "count", len(records))
	return nil
}

func (s *store) GetRecords(ctx context.Context, id string, flaggedOnly bool) ([]*Record, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", id).Order("created_at ASC")
	if flaggedOnly {
		q = q.Where("is_flagged = ?", true)
	}
	var records []*Record
	if err := q.Find(&records).Error; err != nil {
		return nil, common.StorageError("load records", err)
	}
	return records, nil
}

// UpdateRecord applies a partial patch to the record's field map and marks
// it reviewed. Manual review never re-runs extraction. Returns false when
// the record does not exist.
func (s *store) UpdateRecord(ctx context.Context, recordID string, patch map[string]any, notes string) (bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "record_id = ?", recordID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, common.StorageError("load record", err)
	}

	if rec.FieldValues == nil {
		rec.FieldValues = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		rec.FieldValues[k] = v
	}
	rec.ReviewStatus = ReviewStatusReviewed
	if notes != "" {
		rec.ReviewerNotes = &notes
	}

	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		s.logger.Error("session.record.update_failed", "record_id", recordID, "err", err)
		return false, common.StorageError("update record", err)
	}
	s.logger.Info("session.record.reviewed", "record_id", recordID, "session_id", rec.SessionID)
	return true, nil
}

// CleanupOlderThan removes sessions older than the given number of days,
// records first so referential integrity holds, and reports how many
// sessions went away.
func (s *store) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var ids []string
	if err := s.db.WithContext(ctx).Model(&Session{}).
		Where("created_at < ?", cutoff).Pluck("session_id", &ids).Error; err != nil {
		return 0, common.StorageError("find expired sessions", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN ?", ids).Delete(&Record{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id IN ?", ids).Delete(&Session{}).Error
	})
	if err != nil {
		return 0, common.StorageError("cleanup sessions", err)
	}
	s.logger.Info("session.cleanup.ok", "removed", len(ids), "older_than_days", days)
	return len(ids), nil
}

func (s *store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[string]int64)}
	db := s.db.WithContext(ctx)

	if err := db.Model(&Session{}).Count(&stats.TotalSessions).Error; err != nil {
		return nil, common.StorageError("count sessions", err)
	}
	if err := db.Model(&Record{}).Count(&stats.TotalRecords).Error; err != nil {
		return nil, common.StorageError("count records", err)
	}
	if err := db.Model(&Record{}).Where("is_flagged = ?", true).Count(&stats.FlaggedRecords).Error; err != nil {
		return nil, common.StorageError("count flagged records", err)
	}

	type statusCount struct {
		Status string
		N      int64
	}
	var rows []statusCount
	if err := db.Model(&Session{}).Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return nil, common.StorageError("group sessions", err)
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.N
	}
	return stats, nil
}
