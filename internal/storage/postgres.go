package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"time"

	"speechlab/pkg/logger"
	"speechlab/pkg/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist or is not
// visible to the requesting user
var ErrNotFound = errors.New("not found")

type PostgresStorage struct {
	pool *pgxpool.Pool
}

// New PostgreSQL storage instance
func NewPostgresStorage(databaseURL string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	// Run migrations
	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database migrations completed successfully")

	return &PostgresStorage{pool: pool}, nil
}

// Executing database migrations
func runMigrations(databaseURL string) error {
	migrationsPath, err := filepath.Abs("migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	// Create file URL from path (works on both Windows and Unix)
	var migrationsURL string
	if runtime.GOOS == "windows" {
		u := &url.URL{
			Scheme: "file",
			Path:   filepath.ToSlash(migrationsPath),
		}
		migrationsURL = u.String()
	} else {
		migrationsURL = fmt.Sprintf("file://%s", migrationsPath)
	}

	logger.Info("Running migrations", zap.String("path", migrationsURL))

	db := stdlib.OpenDB(*parseConfig(databaseURL))
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		migrationsURL,
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err == migrate.ErrNoChange {
		logger.Info("No new migrations to apply")
	} else {
		logger.Info("Migrations applied successfully")
	}

	return nil
}

// Parses database URL into pgx config
func parseConfig(databaseURL string) *pgx.ConnConfig {
	config, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Failed to parse database URL", zap.Error(err))
	}
	return config
}

// Closes the database connection pool
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

// CreateRecordingWithJob inserts the recording and its pending job atomically.
// A recording never exists without a job, so a crash between the two inserts
// cannot orphan an artifact.
func (s *PostgresStorage) CreateRecordingWithJob(ctx context.Context, rec *model.Recording, job *model.AnalysisJob) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO recordings (
			id, user_id, storage_key, filename, content_type,
			size_bytes, duration_seconds, language, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID,
		rec.UserID,
		rec.StorageKey,
		rec.Filename,
		rec.ContentType,
		rec.SizeBytes,
		rec.DurationSeconds,
		rec.Language,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO analysis_jobs (id, recording_id, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		job.ID,
		job.RecordingID,
		job.Status,
		job.Attempts,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create analysis job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// GetRecordingByID retrieves a recording by its ID
func (s *PostgresStorage) GetRecordingByID(ctx context.Context, id string) (*model.Recording, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, storage_key, filename, content_type,
		       size_bytes, duration_seconds, language, created_at
		FROM recordings
		WHERE id = $1`, id)

	var rec model.Recording
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.StorageKey,
		&rec.Filename,
		&rec.ContentType,
		&rec.SizeBytes,
		&rec.DurationSeconds,
		&rec.Language,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}

	return &rec, nil
}

// RecordingSummary pairs a recording with its job state for list views
type RecordingSummary struct {
	Recording model.Recording `json:"recording"`
	JobID     string          `json:"job_id"`
	Status    model.JobStatus `json:"status"`
}

// ListRecordings returns the user's recordings newest first, with job status
func (s *PostgresStorage) ListRecordings(ctx context.Context, userID string) ([]*RecordingSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.user_id, r.storage_key, r.filename, r.content_type,
		       r.size_bytes, r.duration_seconds, r.language, r.created_at,
		       j.id, j.status
		FROM recordings r
		JOIN analysis_jobs j ON j.recording_id = r.id
		WHERE r.user_id = $1
		ORDER BY r.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var summaries []*RecordingSummary
	for rows.Next() {
		var sum RecordingSummary
		err := rows.Scan(
			&sum.Recording.ID,
			&sum.Recording.UserID,
			&sum.Recording.StorageKey,
			&sum.Recording.Filename,
			&sum.Recording.ContentType,
			&sum.Recording.SizeBytes,
			&sum.Recording.DurationSeconds,
			&sum.Recording.Language,
			&sum.Recording.CreatedAt,
			&sum.JobID,
			&sum.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		summaries = append(summaries, &sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recordings: %w", err)
	}

	return summaries, nil
}

// CountRecordingsByStatus returns per-status counts for the user's recordings
func (s *PostgresStorage) CountRecordingsByStatus(ctx context.Context, userID string) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT j.status, COUNT(*)
		FROM recordings r
		JOIN analysis_jobs j ON j.recording_id = r.id
		WHERE r.user_id = $1
		GROUP BY j.status`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count recordings: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status model.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}

	return counts, nil
}

// DeleteRecording removes the user's recording; the job and result rows go with
// it via ON DELETE CASCADE. Returns the storage key so the caller can remove
// the blob.
func (s *PostgresStorage) DeleteRecording(ctx context.Context, id, userID string) (string, error) {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM recordings
		WHERE id = $1 AND user_id = $2
		RETURNING storage_key`, id, userID)

	var storageKey string
	if err := row.Scan(&storageKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to delete recording: %w", err)
	}

	return storageKey, nil
}

// GetJobByID retrieves an analysis job by its ID
func (s *PostgresStorage) GetJobByID(ctx context.Context, id string) (*model.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, recording_id, status, error_message, attempts,
		       created_at, started_at, completed_at
		FROM analysis_jobs
		WHERE id = $1`, id)

	return scanJob(row)
}

// GetJobForUser retrieves a job only if its recording belongs to the user.
// Unknown and foreign jobs are indistinguishable to the caller.
func (s *PostgresStorage) GetJobForUser(ctx context.Context, jobID, userID string) (*model.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT j.id, j.recording_id, j.status, j.error_message, j.attempts,
		       j.created_at, j.started_at, j.completed_at
		FROM analysis_jobs j
		JOIN recordings r ON r.id = j.recording_id
		WHERE j.id = $1 AND r.user_id = $2`, jobID, userID)

	return scanJob(row)
}

func scanJob(row pgx.Row) (*model.AnalysisJob, error) {
	var job model.AnalysisJob
	err := row.Scan(
		&job.ID,
		&job.RecordingID,
		&job.Status,
		&job.ErrorMessage,
		&job.Attempts,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// TransitionJob moves a job from one status to another with a guarded UPDATE.
// Returns false without error when the job was not in the expected status,
// which is how duplicate deliveries and already-terminal jobs are detected.
func (s *PostgresStorage) TransitionJob(ctx context.Context, jobID string, from, to model.JobStatus, errorMessage *string) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, model.ErrInvalidTransition
	}

	if to == model.JobStatusProcessing {
		ct, err := s.pool.Exec(ctx, `
			UPDATE analysis_jobs
			SET status = $3, started_at = NOW(), attempts = attempts + 1
			WHERE id = $1 AND status = $2`, jobID, from, to)
		if err != nil {
			return false, fmt.Errorf("failed to transition job: %w", err)
		}
		return ct.RowsAffected() > 0, nil
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $3, completed_at = NOW(), error_message = $4
		WHERE id = $1 AND status = $2`, jobID, from, to, errorMessage)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// CreateResult inserts the analysis result. The job_id unique constraint plus
// ON CONFLICT DO NOTHING makes duplicate worker deliveries a no-op.
func (s *PostgresStorage) CreateResult(ctx context.Context, res *model.AnalysisResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_results (
			id, job_id, transcript, target_transcript, severity,
			confidence_score, mismatch_percentage, loss_score,
			stutter_events, total_stutter_duration, stutter_frequency,
			model_version, analysis_seconds, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (job_id) DO NOTHING`,
		res.ID,
		res.JobID,
		res.Transcript,
		res.TargetTranscript,
		res.Severity,
		res.ConfidenceScore,
		res.MismatchPercentage,
		res.LossScore,
		res.StutterEvents,
		res.TotalStutterDuration,
		res.StutterFrequency,
		res.ModelVersion,
		res.AnalysisSeconds,
		res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create analysis result: %w", err)
	}

	return nil
}

// GetResultByJobID retrieves the analysis result for a job
func (s *PostgresStorage) GetResultByJobID(ctx context.Context, jobID string) (*model.AnalysisResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, transcript, target_transcript, severity,
		       confidence_score, mismatch_percentage, loss_score,
		       stutter_events, total_stutter_duration, stutter_frequency,
		       model_version, analysis_seconds, created_at
		FROM analysis_results
		WHERE job_id = $1`, jobID)

	var res model.AnalysisResult
	err := row.Scan(
		&res.ID,
		&res.JobID,
		&res.Transcript,
		&res.TargetTranscript,
		&res.Severity,
		&res.ConfidenceScore,
		&res.MismatchPercentage,
		&res.LossScore,
		&res.StutterEvents,
		&res.TotalStutterDuration,
		&res.StutterFrequency,
		&res.ModelVersion,
		&res.AnalysisSeconds,
		&res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}

	return &res, nil
}

// GetResultForUser retrieves a result only if the underlying recording belongs
// to the user
func (s *PostgresStorage) GetResultForUser(ctx context.Context, resultID, userID string) (*model.AnalysisResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT a.id, a.job_id, a.transcript, a.target_transcript, a.severity,
		       a.confidence_score, a.mismatch_percentage, a.loss_score,
		       a.stutter_events, a.total_stutter_duration, a.stutter_frequency,
		       a.model_version, a.analysis_seconds, a.created_at
		FROM analysis_results a
		JOIN analysis_jobs j ON j.id = a.job_id
		JOIN recordings r ON r.id = j.recording_id
		WHERE a.id = $1 AND r.user_id = $2`, resultID, userID)

	var res model.AnalysisResult
	err := row.Scan(
		&res.ID,
		&res.JobID,
		&res.Transcript,
		&res.TargetTranscript,
		&res.Severity,
		&res.ConfidenceScore,
		&res.MismatchPercentage,
		&res.LossScore,
		&res.StutterEvents,
		&res.TotalStutterDuration,
		&res.StutterFrequency,
		&res.ModelVersion,
		&res.AnalysisSeconds,
		&res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}

	return &res, nil
}

// FailStuckJobs marks jobs that have sat in processing longer than deadline as
// failed. Covers workers that crashed mid-job without reaching the failure path.
func (s *PostgresStorage) FailStuckJobs(ctx context.Context, deadline time.Duration) (int64, error) {
	interval := fmt.Sprintf("%d seconds", int64(deadline.Seconds()))
	ct, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $1, completed_at = NOW(),
		    error_message = 'Processing timed out. Please upload the recording again.'
		WHERE status = $2 AND started_at < NOW() - $3::interval`,
		model.JobStatusFailed, model.JobStatusProcessing, interval)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stuck jobs: %w", err)
	}

	return ct.RowsAffected(), nil
}
