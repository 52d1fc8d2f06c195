package queue

import "time"

// AnalysisTask is the unit of work handed from the upload endpoint to the
// analysis worker. It is keyed by the job ID; everything else is a hint so the
// worker can log without a DB round trip.
type AnalysisTask struct {
	JobID       string    `json:"job_id"`
	RecordingID string    `json:"recording_id"`
	UserID      string    `json:"user_id"`
	StorageKey  string    `json:"storage_key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Language    string    `json:"language"`
	TargetText  string    `json:"target_text,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
