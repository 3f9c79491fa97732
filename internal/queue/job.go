package queue

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/docpipe/docpipe/constants"
)

// Job is the queue's view of one document-extraction task. Identity fields
// are written once at enqueue time; status, progress and result are the only
// mutation paths after that.
type Job struct {
	ID              string                `json:"job_id"`
	FileRef         string                `json:"file_ref"`
	SessionID       string                `json:"session_id"`
	Config          map[string]any        `json:"config,omitempty"`
	Status          constants.JobStatus   `json:"status"`
	Progress        int                   `json:"progress"`
	ProgressMessage string                `json:"progress_message,omitempty"`
	ErrorMessage    string                `json:"error_message,omitempty"`
	Result          map[string]any        `json:"result,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// Stats summarizes the queue for status-polling callers.
type Stats struct {
	QueueLength    int64                       `json:"queue_length"`
	CountsByStatus map[constants.JobStatus]int `json:"counts_by_status"`
}

const timeLayout = time.RFC3339Nano

// toHash flattens the job into the string field map stored in Redis.
func (j *Job) toHash() map[string]string {
	h := map[string]string{
		"job_id":     j.ID,
		"file_ref":   j.FileRef,
		"session_id": j.SessionID,
		"status":     string(j.Status),
		"progress":   strconv.Itoa(j.Progress),
		"created_at": j.CreatedAt.UTC().Format(timeLayout),
	}
	if j.Config != nil {
		if b, err := json.Marshal(j.Config); err == nil {
			h["config"] = string(b)
		}
	}
	return h
}

func jobFromHash(h map[string]string) (*Job, error) {
	j := &Job{
		ID:              h["job_id"],
		FileRef:         h["file_ref"],
		SessionID:       h["session_id"],
		Status:          constants.JobStatus(h["status"]),
		ProgressMessage: h["progress_message"],
		ErrorMessage:    h["error_message"],
	}
	if v := h["progress"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			j.Progress = n
		}
	}
	if v := h["config"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Config); err != nil {
			return nil, err
		}
	}
	if v := h["result"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Result); err != nil {
			return nil, err
		}
	}
	if v := h["created_at"]; v != "" {
		t, err := time.Parse(timeLayout, v)
		if err != nil {
			return nil, err
		}
		j.CreatedAt = t
	}
	if v := h["started_at"]; v != "" {
		if t, err := time.Parse(timeLayout, v); err == nil {
			j.StartedAt = &t
		}
	}
	if v := h["completed_at"]; v != "" {
		if t, err := time.Parse(timeLayout, v); err == nil {
			j.CompletedAt = &t
		}
	}
	return j, nil
}

// clampProgress bounds a reported percentage to [0,100].
func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
