package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus represents the lifecycle state of an analysis job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Severity is the coarse classification of detected disfluency intensity
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

var (
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrJobTerminal       = errors.New("job is already in a terminal state")
)

// ParseSeverity validates a severity value coming from the analysis service
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityNone, SeverityMild, SeverityModerate, SeveritySevere:
		return Severity(s), true
	}
	return "", false
}

// IsTerminal returns true for completed and failed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo encodes the one-directional state machine:
// pending -> processing -> completed|failed. Terminal states accept nothing.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	}
	return false
}

// JSONB represents a JSONB array field for PostgreSQL
type JSONB []interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Recording is a persisted audio artifact submitted for analysis
type Recording struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	StorageKey      string    `json:"storage_key" db:"storage_key"`
	Filename        string    `json:"filename" db:"filename"`
	ContentType     string    `json:"content_type" db:"content_type"`
	SizeBytes       int64     `json:"size_bytes" db:"size_bytes"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Language        string    `json:"language" db:"language"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// AnalysisJob tracks one recording's trip through the analysis pipeline.
// Its ID is the identifier handed to the client for status polling.
type AnalysisJob struct {
	ID           string     `json:"id" db:"id"`
	RecordingID  string     `json:"recording_id" db:"recording_id"`
	Status       JobStatus  `json:"status" db:"status"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	Attempts     int        `json:"attempts" db:"attempts"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// AnalysisResult is the one-to-one outcome of a completed job
type AnalysisResult struct {
	ID                   string    `json:"id" db:"id"`
	JobID                string    `json:"job_id" db:"job_id"`
	Transcript           string    `json:"transcript" db:"transcript"`
	TargetTranscript     string    `json:"target_transcript" db:"target_transcript"`
	Severity             Severity  `json:"severity" db:"severity"`
	ConfidenceScore      float64   `json:"confidence_score" db:"confidence_score"`
	MismatchPercentage   float64   `json:"mismatch_percentage" db:"mismatch_percentage"`
	LossScore            float64   `json:"loss_score" db:"loss_score"`
	StutterEvents        JSONB     `json:"stutter_events,omitempty" db:"stutter_events"`
	TotalStutterDuration float64   `json:"total_stutter_duration" db:"total_stutter_duration"`
	StutterFrequency     float64   `json:"stutter_frequency" db:"stutter_frequency"`
	ModelVersion         string    `json:"model_version" db:"model_version"`
	AnalysisSeconds      float64   `json:"analysis_seconds" db:"analysis_seconds"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// StutteringDetected reports whether the analysis found any disfluency
func (r *AnalysisResult) StutteringDetected() bool {
	return r.Severity != SeverityNone
}

// IsTerminal returns true if the job reached completed or failed
func (j *AnalysisJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// MarkProcessing moves the job from pending to processing
func (j *AnalysisJob) MarkProcessing() error {
	if !j.Status.CanTransitionTo(JobStatusProcessing) {
		if j.IsTerminal() {
			return ErrJobTerminal
		}
		return ErrInvalidTransition
	}
	now := time.Now()
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	return nil
}

// MarkCompleted moves the job from processing to completed
func (j *AnalysisJob) MarkCompleted() error {
	if !j.Status.CanTransitionTo(JobStatusCompleted) {
		if j.IsTerminal() {
			return ErrJobTerminal
		}
		return ErrInvalidTransition
	}
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	return nil
}

// MarkFailed moves the job from processing to failed with a user-presentable message
func (j *AnalysisJob) MarkFailed(errorMessage string) error {
	if !j.Status.CanTransitionTo(JobStatusFailed) {
		if j.IsTerminal() {
			return ErrJobTerminal
		}
		return ErrInvalidTransition
	}
	now := time.Now()
	j.Status = JobStatusFailed
	j.ErrorMessage = &errorMessage
	j.CompletedAt = &now
	return nil
}

// IncrementAttempts increases the delivery attempt counter
func (j *AnalysisJob) IncrementAttempts() {
	j.Attempts++
}
