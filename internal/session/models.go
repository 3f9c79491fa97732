package session

import (
	"time"
)

// Session is the durable record of one uploaded file. It outlives the
// transient job that processed it and owns zero or more Records.
type Session struct {
	ID               string            `gorm:"column:session_id;primaryKey;size:36" json:"session_id"`
	FileName         string            `gorm:"size:512;not null" json:"file_name"`
	FileSize         int64             `json:"file_size"`
	UploadTime       time.Time         `json:"upload_time"`
	Status           string            `gorm:"size:64;index" json:"status"`
	QualityScore     *float64          `json:"quality_score,omitempty"`
	TotalRecords     int               `json:"total_records"`
	FlaggedRecords   int               `json:"flagged_records"`
	ColumnMappings   map[string]string `gorm:"serializer:json" json:"column_mappings,omitempty"`
	ProcessingConfig map[string]any    `gorm:"serializer:json" json:"processing_config,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`

	Records []Record `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Session) TableName() string {
	return "sessions"
}

// Review statuses for records.
const (
	ReviewStatusPending  = "pending"
	ReviewStatusReviewed = "reviewed"
)

// Record is one structured row extracted from a session's document. Field
// values and confidence scores are opaque to this core; their shape belongs
// to the external extraction function.
type Record struct {
	ID               string             `gorm:"column:record_id;primaryKey;size:36" json:"record_id"`
	SessionID        string             `gorm:"size:36;index;not null" json:"session_id"`
	FieldValues      map[string]any     `gorm:"serializer:json" json:"field_values"`
	ConfidenceScores map[string]float64 `gorm:"serializer:json" json:"confidence_scores,omitempty"`
	IsFlagged        bool               `gorm:"index" json:"is_flagged"`
	ReviewStatus     string             `gorm:"size:32;default:pending" json:"review_status"`
	ReviewerNotes    *string            `json:"reviewer_notes,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func (Record) TableName() string {
	return "records"
}

// Stats summarizes the store for operators.
type Stats struct {
	TotalSessions  int64            `json:"total_sessions"`
	TotalRecords   int64            `json:"total_records"`
	FlaggedRecords int64            `json:"flagged_records"`
	ByStatus       map[string]int64 `json:"by_status"`
}
