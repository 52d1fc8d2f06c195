// Package server exposes the HTTP surface: the record page, the upload
// endpoint and the status/recordings API the browser client polls.
package server

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"time"

	"speechlab/internal/config"
	"speechlab/internal/queue"
	"speechlab/internal/storage"
	"speechlab/pkg/cache"
	"speechlab/pkg/logger"
	"speechlab/pkg/model"
	"speechlab/pkg/resilience"
	"speechlab/web"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Store is the persistence surface the handlers need
type Store interface {
	CreateRecordingWithJob(ctx context.Context, rec *model.Recording, job *model.AnalysisJob) error
	GetJobForUser(ctx context.Context, jobID, userID string) (*model.AnalysisJob, error)
	GetResultByJobID(ctx context.Context, jobID string) (*model.AnalysisResult, error)
	GetResultForUser(ctx context.Context, resultID, userID string) (*model.AnalysisResult, error)
	ListRecordings(ctx context.Context, userID string) ([]*storage.RecordingSummary, error)
	CountRecordingsByStatus(ctx context.Context, userID string) (map[model.JobStatus]int, error)
	DeleteRecording(ctx context.Context, id, userID string) (string, error)
}

// BlobStore holds the uploaded audio bytes
type BlobStore interface {
	UploadFile(ctx context.Context, key string, body io.Reader, contentType string) error
	DeleteFile(ctx context.Context, key string) error
	GenerateKey(userID, recordingID, extension string) string
}

// TaskPublisher enqueues analysis work for the worker
type TaskPublisher interface {
	PublishTask(ctx context.Context, task *queue.AnalysisTask) error
}

type Server struct {
	cfg      *config.Config
	db       Store
	blobs    BlobStore
	tasks    TaskPublisher
	cache    cache.Cache
	sessions SessionStore
	limiter  *resilience.RateLimiter

	recordTmpl *template.Template
	httpSrv    *http.Server
}

func New(cfg *config.Config, db Store, blobs BlobStore, tasks TaskPublisher, c cache.Cache) (*Server, error) {
	tmpl, err := template.ParseFS(web.Assets, "templates/record.html")
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:        cfg,
		db:         db,
		blobs:      blobs,
		tasks:      tasks,
		cache:      c,
		sessions:   NewRedisSessionStore(c),
		limiter:    resilience.NewRateLimiter(30, time.Minute),
		recordTmpl: tmpl,
	}, nil
}

// Router builds the chi mux. Split out from Run so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRecordPage)
	r.Get("/record", s.handleRecordPage)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/session", s.handleCreateSession)

	staticFS, err := fs.Sub(web.Assets, "static")
	if err == nil {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Post("/upload", s.handleUpload)
		r.Get("/status/{jobID}", s.handleStatus)
		r.Get("/recordings", s.handleListRecordings)
		r.Delete("/recordings/{recordingID}", s.handleDeleteRecording)
		r.Get("/analysis/{resultID}", s.handleGetAnalysis)
	})

	return r
}

// Run blocks serving HTTP until the listener fails or Shutdown is called
func (s *Server) Run() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.HTTP.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	logger.Info("HTTP server listening", zap.String("addr", s.cfg.HTTP.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
