package constants

// JobStatus is the canonical status for queued extraction jobs.
type JobStatus string

// Stable values (these exact strings are stored in the job hash).
const (
	JobStatusPending    JobStatus = "pending"    // accepted, waiting for a worker
	JobStatusProcessing JobStatus = "processing" // held by exactly one worker
	JobStatusCompleted  JobStatus = "completed"  // terminal success
	JobStatusFailed     JobStatus = "failed"     // terminal failure
	JobStatusCancelled  JobStatus = "cancelled"  // terminal, pre-dispatch only
)

// Terminal reports whether no further transition exists out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge s -> next exists in the job
// state machine. pending may move to processing or cancelled; processing
// may move to completed or failed; terminal states have no exits.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusCancelled
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	}
	return false
}

// ExportStatus is the canonical status for export jobs.
type ExportStatus string

const (
	ExportStatusPending    ExportStatus = "pending"
	ExportStatusProcessing ExportStatus = "processing"
	ExportStatusCompleted  ExportStatus = "completed"
	ExportStatusFailed     ExportStatus = "failed"
	ExportStatusCancelled  ExportStatus = "cancelled" // operator action, from pending or processing
)

// Terminal reports whether no further transition exists out of s.
func (s ExportStatus) Terminal() bool {
	switch s {
	case ExportStatusCompleted, ExportStatusFailed, ExportStatusCancelled:
		return true
	}
	return false
}
