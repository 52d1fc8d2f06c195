package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"speechlab/internal/analysis"
	"speechlab/internal/metrics"
	"speechlab/internal/queue"
	"speechlab/internal/storage"
	"speechlab/pkg/logger"
	"speechlab/pkg/model"
	"speechlab/pkg/resilience"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobStore is the slice of persistent state the processor needs
type JobStore interface {
	GetJobByID(ctx context.Context, id string) (*model.AnalysisJob, error)
	GetRecordingByID(ctx context.Context, id string) (*model.Recording, error)
	TransitionJob(ctx context.Context, jobID string, from, to model.JobStatus, errorMessage *string) (bool, error)
	CreateResult(ctx context.Context, res *model.AnalysisResult) error
}

// BlobStore loads recording bytes for analysis
type BlobStore interface {
	DownloadFile(ctx context.Context, key string) ([]byte, error)
}

type Processor struct {
	db       JobStore
	blobs    BlobStore
	analyzer analysis.Analyzer
	retry    *resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
}

// NewProcessor creates a worker processor. retry may be nil to use defaults
// (3 attempts, exponential backoff from 5s).
func NewProcessor(db JobStore, blobs BlobStore, analyzer analysis.Analyzer, retry *resilience.RetryConfig) *Processor {
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &Processor{
		db:       db,
		blobs:    blobs,
		analyzer: analyzer,
		retry:    retry,
		breaker:  resilience.NewCircuitBreaker(5, 2*time.Minute),
	}
}

// ProcessTask drives one analysis job from pending to a terminal state.
// Returning an error nacks the delivery for requeue; returning nil acks it.
// Only failures that happen before this worker owns the job return errors —
// once the job is in processing, every outcome resolves to completed or
// failed so nothing stays in processing behind a successful ack.
func (p *Processor) ProcessTask(taskData []byte) error {
	var task queue.AnalysisTask
	if err := json.Unmarshal(taskData, &task); err != nil {
		// Poison message: requeueing would loop forever
		logger.Error("Failed to unmarshal task, dropping", zap.Error(err))
		return nil
	}

	logger.Info("Processing analysis task",
		zap.String("job_id", task.JobID),
		zap.String("recording_id", task.RecordingID))

	ctx := context.Background()

	job, err := p.db.GetJobByID(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Recording was deleted after enqueue; the job went with it
			logger.Warn("Job no longer exists, dropping task",
				zap.String("job_id", task.JobID))
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	if job.IsTerminal() {
		// Duplicate delivery after the job already finished
		logger.Info("Job already terminal, ignoring duplicate delivery",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)))
		return nil
	}

	if job.Status == model.JobStatusPending {
		ok, err := p.db.TransitionJob(ctx, job.ID, model.JobStatusPending, model.JobStatusProcessing, nil)
		if err != nil {
			return fmt.Errorf("failed to mark job processing: %w", err)
		}
		if !ok {
			// Lost the race: someone else owns it or it just went terminal
			logger.Info("Job no longer pending, dropping duplicate delivery",
				zap.String("job_id", job.ID))
			return nil
		}
	}
	// A job already in processing is a redelivery after a worker crash;
	// prefetch 1 guarantees no live consumer holds it, so take it over.

	p.runAnalysis(ctx, job, &task)
	return nil
}

// runAnalysis performs the analysis call and always leaves the job terminal
func (p *Processor) runAnalysis(ctx context.Context, job *model.AnalysisJob, task *queue.AnalysisTask) {
	rec, err := p.db.GetRecordingByID(ctx, job.RecordingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.failJob(ctx, job.ID, "Recording no longer exists.")
			return
		}
		p.failJob(ctx, job.ID, "Could not load recording metadata.")
		return
	}

	audio, err := p.downloadWithRetry(ctx, rec.StorageKey)
	if err != nil {
		logger.Error("Failed to download recording",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.String("storage_key", rec.StorageKey))
		p.failJob(ctx, job.ID, "Could not load the audio file for analysis.")
		return
	}

	result, err := p.analyzeWithRetry(ctx, audio, rec, task.TargetText)
	if err != nil {
		logger.Error("Analysis failed",
			zap.Error(err),
			zap.String("job_id", job.ID))
		p.failJob(ctx, job.ID, userFacingAnalysisError(err))
		return
	}

	severity, ok := model.ParseSeverity(result.Severity)
	if !ok {
		logger.Error("Analysis service returned unknown severity",
			zap.String("job_id", job.ID),
			zap.String("severity", result.Severity))
		p.failJob(ctx, job.ID, "Analysis service returned a malformed result.")
		return
	}

	stutterEvents := make(model.JSONB, 0, len(result.StutterTimestamps))
	stutterEvents = append(stutterEvents, result.StutterTimestamps...)

	res := &model.AnalysisResult{
		ID:                   uuid.New().String(),
		JobID:                job.ID,
		Transcript:           result.ActualTranscript,
		TargetTranscript:     result.TargetTranscript,
		Severity:             severity,
		ConfidenceScore:      result.ConfidenceScore,
		MismatchPercentage:   result.MismatchPercentage,
		LossScore:            result.CTCLossScore,
		StutterEvents:        stutterEvents,
		TotalStutterDuration: result.TotalStutterDuration,
		StutterFrequency:     result.StutterFrequency,
		ModelVersion:         result.ModelVersion,
		AnalysisSeconds:      result.AnalysisDuration,
		CreatedAt:            time.Now(),
	}

	// Insert before the status flip so a completed job is never observed
	// without its result
	if err := p.db.CreateResult(ctx, res); err != nil {
		logger.Error("Failed to persist analysis result",
			zap.Error(err),
			zap.String("job_id", job.ID))
		p.failJob(ctx, job.ID, "Could not save the analysis result.")
		return
	}

	ok, err = p.db.TransitionJob(ctx, job.ID, model.JobStatusProcessing, model.JobStatusCompleted, nil)
	if err != nil {
		logger.Error("Failed to mark job completed",
			zap.Error(err),
			zap.String("job_id", job.ID))
		return
	}
	if !ok {
		logger.Warn("Job left processing before completion could be recorded",
			zap.String("job_id", job.ID))
		return
	}

	metrics.IncJob(string(model.JobStatusCompleted))
	logger.Info("Job completed",
		zap.String("job_id", job.ID),
		zap.String("severity", string(severity)),
		zap.Float64("mismatch_pct", res.MismatchPercentage))
}

func (p *Processor) downloadWithRetry(ctx context.Context, key string) ([]byte, error) {
	var audio []byte
	err := resilience.RetryWithExponentialBackoff(ctx, p.retry, func() error {
		var err error
		audio, err = p.blobs.DownloadFile(ctx, key)
		return err
	})
	return audio, err
}

func (p *Processor) analyzeWithRetry(ctx context.Context, audio []byte, rec *model.Recording, targetText string) (*analysis.Result, error) {
	var result *analysis.Result

	err := resilience.RetryWithExponentialBackoff(ctx, p.retry, func() error {
		return p.breaker.Execute(func() error {
			start := time.Now()
			var callErr error
			result, callErr = p.analyzer.AnalyzeAudio(ctx, audio, rec.Filename, rec.ContentType, targetText, rec.Language)
			metrics.ObserveAnalysisCall(time.Since(start), callErr == nil)

			var apiErr *analysis.APIError
			if errors.As(callErr, &apiErr) && !apiErr.Transient() {
				// The service rejected the audio; retrying cannot help
				return resilience.Permanent(callErr)
			}
			return callErr
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// failJob transitions the job to failed with a user-presentable message.
// The guarded update makes this idempotent against duplicate deliveries.
func (p *Processor) failJob(ctx context.Context, jobID, message string) {
	ok, err := p.db.TransitionJob(ctx, jobID, model.JobStatusProcessing, model.JobStatusFailed, &message)
	if err != nil {
		logger.Error("Failed to mark job failed",
			zap.Error(err),
			zap.String("job_id", jobID),
			zap.String("message", message))
		return
	}
	if !ok {
		logger.Warn("Job was not in processing when failure was recorded",
			zap.String("job_id", jobID))
		return
	}

	metrics.IncJob(string(model.JobStatusFailed))
	logger.Info("Job failed",
		zap.String("job_id", jobID),
		zap.String("error", message))
}

// userFacingAnalysisError maps an analysis failure to a message safe to show
func userFacingAnalysisError(err error) string {
	var apiErr *analysis.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Transient() {
			return "Analysis service is unavailable. Please try again later."
		}
		return "The audio could not be analyzed. Please re-record and try again."
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "Analysis service is unavailable. Please try again later."
	}
	return "Analysis did not complete. Please try again later."
}
