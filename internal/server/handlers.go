package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"speechlab/internal/metrics"
	"speechlab/internal/queue"
	"speechlab/internal/storage"
	"speechlab/pkg/cache"
	"speechlab/pkg/logger"
	"speechlab/pkg/model"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// multipartOverhead covers boundaries, headers and the non-file form fields
// on top of the audio payload itself.
const multipartOverhead = 1 << 20

// terminalStatusTTL bounds how long a completed/failed verdict may be served
// from Redis after the underlying rows change (e.g. the recording is deleted).
const terminalStatusTTL = 5 * time.Minute

type statusResponse struct {
	Status             model.JobStatus `json:"status"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	AnalysisID         string          `json:"analysis_id,omitempty"`
	Severity           model.Severity  `json:"severity,omitempty"`
	MismatchPercentage *float64        `json:"mismatch_percentage,omitempty"`
}

// cachedStatus carries the owner alongside the payload so a cache hit can
// still enforce that jobs are only visible to their owner.
type cachedStatus struct {
	UserID   string         `json:"user_id"`
	Response statusResponse `json:"response"`
}

type cachedAnalysis struct {
	UserID string                `json:"user_id"`
	Result *model.AnalysisResult `json:"result"`
}

func (s *Server) handleRecordPage(w http.ResponseWriter, r *http.Request) {
	data := struct {
		MaxUploadBytes    int64
		MaxRecordSeconds  int
		UploadTimeoutMs   int
		PollIntervalMs    int
		PollMaxAttempts   int
		AllowedExtensions []string
		AcceptExtensions  string
	}{
		MaxUploadBytes:    s.cfg.Upload.MaxSizeBytes,
		MaxRecordSeconds:  s.cfg.Upload.MaxRecordSeconds,
		UploadTimeoutMs:   s.cfg.Upload.ClientTimeout * 1000,
		PollIntervalMs:    s.cfg.Poll.IntervalSeconds * 1000,
		PollMaxAttempts:   s.cfg.Poll.MaxAttempts,
		AllowedExtensions: s.cfg.Upload.AllowedExtensions,
		AcceptExtensions:  strings.Join(s.cfg.Upload.AllowedExtensions, ","),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.recordTmpl.Execute(w, data); err != nil {
		logger.Error("Failed to render record page", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	if !s.limiter.Allow() {
		metrics.IncUpload("rate_limited")
		respondError(w, http.StatusTooManyRequests, "Too many uploads right now. Please wait a moment and try again.")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxSizeBytes+multipartOverhead)
	if err := r.ParseMultipartForm(s.cfg.Upload.MaxSizeBytes + multipartOverhead); err != nil {
		metrics.IncUpload("rejected")
		// An oversized body trips MaxBytesReader before the form parses;
		// anything else is a broken multipart payload.
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, s.sizeLimitMessage())
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid upload request.")
		return
	}

	file, header, err := r.FormFile("audio_file")
	if err != nil {
		metrics.IncUpload("rejected")
		respondError(w, http.StatusBadRequest, "No audio file provided.")
		return
	}
	defer file.Close()

	if header.Size > s.cfg.Upload.MaxSizeBytes {
		metrics.IncUpload("rejected")
		respondError(w, http.StatusRequestEntityTooLarge, s.sizeLimitMessage())
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !s.extensionAllowed(ext) {
		metrics.IncUpload("rejected")
		respondError(w, http.StatusBadRequest, fmt.Sprintf(
			"Unsupported file type %q. Allowed types: %s.", ext, strings.Join(s.cfg.Upload.AllowedExtensions, ", ")))
		return
	}

	language := strings.TrimSpace(r.FormValue("language"))
	if language == "" {
		language = s.cfg.Analysis.DefaultLanguage
	}
	targetText := strings.TrimSpace(r.FormValue("target_transcript"))

	var duration *float64
	if v := r.FormValue("duration_seconds"); v != "" {
		if d, err := strconv.ParseFloat(v, 64); err == nil && d > 0 {
			duration = &d
		}
	}

	rec := &model.Recording{
		ID:              uuid.NewString(),
		UserID:          userID,
		Filename:        header.Filename,
		ContentType:     contentTypeFor(header, ext),
		SizeBytes:       header.Size,
		DurationSeconds: duration,
		Language:        language,
		CreatedAt:       time.Now().UTC(),
	}
	rec.StorageKey = s.blobs.GenerateKey(userID, rec.ID, ext)

	job := &model.AnalysisJob{
		ID:          uuid.NewString(),
		RecordingID: rec.ID,
		Status:      model.JobStatusPending,
		CreatedAt:   rec.CreatedAt,
	}

	if err := s.blobs.UploadFile(r.Context(), rec.StorageKey, file, rec.ContentType); err != nil {
		logger.Error("Failed to store audio", zap.Error(err), zap.String("key", rec.StorageKey))
		metrics.IncUpload("error")
		respondError(w, http.StatusBadGateway, "Could not store the recording. Please try again.")
		return
	}

	if err := s.db.CreateRecordingWithJob(r.Context(), rec, job); err != nil {
		logger.Error("Failed to persist recording", zap.Error(err), zap.String("recording_id", rec.ID))
		s.cleanupBlob(r, rec.StorageKey)
		metrics.IncUpload("error")
		respondError(w, http.StatusInternalServerError, "Could not save the recording. Please try again.")
		return
	}

	task := &queue.AnalysisTask{
		JobID:       job.ID,
		RecordingID: rec.ID,
		UserID:      userID,
		StorageKey:  rec.StorageKey,
		ContentType: rec.ContentType,
		SizeBytes:   rec.SizeBytes,
		Language:    language,
		TargetText:  targetText,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.tasks.PublishTask(r.Context(), task); err != nil {
		// Nothing will ever pick the job up, so take the artifacts back out
		// rather than stranding a forever-pending recording.
		logger.Error("Failed to enqueue analysis task", zap.Error(err), zap.String("job_id", job.ID))
		if _, derr := s.db.DeleteRecording(r.Context(), rec.ID, userID); derr != nil {
			logger.Error("Failed to roll back recording", zap.Error(derr), zap.String("recording_id", rec.ID))
		}
		s.cleanupBlob(r, rec.StorageKey)
		metrics.IncUpload("error")
		respondError(w, http.StatusBadGateway, "Could not queue the recording for analysis. Please try again.")
		return
	}

	metrics.IncUpload("accepted")
	metrics.ObserveUploadSize(rec.SizeBytes)
	logger.Info("Recording accepted",
		zap.String("recording_id", rec.ID),
		zap.String("job_id", job.ID),
		zap.Int64("size_bytes", rec.SizeBytes),
		zap.String("language", language),
	)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"recording_id": job.ID,
		"status":       model.JobStatusPending,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	jobID := chi.URLParam(r, "jobID")

	var cached cachedStatus
	if err := s.cache.Get(r.Context(), cache.JobStatusCacheKey(jobID), &cached); err == nil {
		if cached.UserID == userID {
			respondJSON(w, http.StatusOK, cached.Response)
			return
		}
		// Cached for a different owner: fall through so the DB lookup
		// produces the same 404 an unknown ID gets.
	}

	job, err := s.db.GetJobForUser(r.Context(), jobID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Recording not found.")
		return
	}
	if err != nil {
		logger.Error("Failed to load job", zap.Error(err), zap.String("job_id", jobID))
		respondError(w, http.StatusInternalServerError, "Could not check the status. Please try again.")
		return
	}

	resp := statusResponse{
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
	}
	if job.Status == model.JobStatusCompleted {
		result, err := s.db.GetResultByJobID(r.Context(), job.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Error("Failed to load result", zap.Error(err), zap.String("job_id", jobID))
			respondError(w, http.StatusInternalServerError, "Could not load the analysis. Please try again.")
			return
		}
		if result != nil {
			resp.AnalysisID = result.ID
			resp.Severity = result.Severity
			resp.MismatchPercentage = &result.MismatchPercentage
		}
	}

	if job.Status.IsTerminal() {
		entry := cachedStatus{UserID: userID, Response: resp}
		if err := s.cache.SetWithTTL(r.Context(), cache.JobStatusCacheKey(jobID), entry, terminalStatusTTL); err != nil {
			logger.Warn("Failed to cache job status", zap.Error(err), zap.String("job_id", jobID))
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	summaries, err := s.db.ListRecordings(r.Context(), userID)
	if err != nil {
		logger.Error("Failed to list recordings", zap.Error(err), zap.String("user_id", userID))
		respondError(w, http.StatusInternalServerError, "Could not load recordings. Please try again.")
		return
	}

	counts, err := s.db.CountRecordingsByStatus(r.Context(), userID)
	if err != nil {
		logger.Error("Failed to count recordings", zap.Error(err), zap.String("user_id", userID))
		respondError(w, http.StatusInternalServerError, "Could not load recordings. Please try again.")
		return
	}

	if summaries == nil {
		summaries = []*storage.RecordingSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"recordings": summaries,
		"counts":     counts,
		"total":      len(summaries),
	})
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	recordingID := chi.URLParam(r, "recordingID")

	storageKey, err := s.db.DeleteRecording(r.Context(), recordingID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Recording not found.")
		return
	}
	if err != nil {
		logger.Error("Failed to delete recording", zap.Error(err), zap.String("recording_id", recordingID))
		respondError(w, http.StatusInternalServerError, "Could not delete the recording. Please try again.")
		return
	}

	// The rows are gone either way; a leaked blob is only wasted space.
	if err := s.blobs.DeleteFile(r.Context(), storageKey); err != nil {
		logger.Warn("Failed to delete audio blob", zap.Error(err), zap.String("key", storageKey))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	resultID := chi.URLParam(r, "resultID")

	var cached cachedAnalysis
	if err := s.cache.Get(r.Context(), cache.AnalysisCacheKey(resultID), &cached); err == nil {
		if cached.UserID == userID && cached.Result != nil {
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"success":  true,
				"analysis": cached.Result,
			})
			return
		}
		// Cached for a different owner: same 404 as an unknown id below.
	}

	result, err := s.db.GetResultForUser(r.Context(), resultID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Analysis not found.")
		return
	}
	if err != nil {
		logger.Error("Failed to load analysis", zap.Error(err), zap.String("result_id", resultID))
		respondError(w, http.StatusInternalServerError, "Could not load the analysis. Please try again.")
		return
	}

	// Results are immutable; the TTL only bounds staleness after a delete.
	entry := cachedAnalysis{UserID: userID, Result: result}
	if err := s.cache.SetWithTTL(r.Context(), cache.AnalysisCacheKey(resultID), entry, terminalStatusTTL); err != nil {
		logger.Warn("Failed to cache analysis result", zap.Error(err), zap.String("result_id", resultID))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"analysis": result,
	})
}

func (s *Server) extensionAllowed(ext string) bool {
	for _, allowed := range s.cfg.Upload.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (s *Server) sizeLimitMessage() string {
	return fmt.Sprintf("File is too large. The limit is %d MB.", s.cfg.Upload.MaxSizeBytes/(1024*1024))
}

func (s *Server) cleanupBlob(r *http.Request, key string) {
	if err := s.blobs.DeleteFile(r.Context(), key); err != nil {
		logger.Warn("Failed to clean up audio blob", zap.Error(err), zap.String("key", key))
	}
}

func contentTypeFor(header *multipart.FileHeader, ext string) string {
	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	switch ext {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	default:
		return "audio/webm"
	}
}
