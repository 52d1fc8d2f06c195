package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"speechlab/internal/analysis"
	"speechlab/internal/config"
	"speechlab/internal/queue"
	"speechlab/internal/storage"
	"speechlab/pkg/cache"
	"speechlab/pkg/logger"
	"speechlab/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init(true)
}

// MockStore mocks the persistence surface
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateRecordingWithJob(ctx context.Context, rec *model.Recording, job *model.AnalysisJob) error {
	args := m.Called(ctx, rec, job)
	return args.Error(0)
}

func (m *MockStore) GetJobForUser(ctx context.Context, jobID, userID string) (*model.AnalysisJob, error) {
	args := m.Called(ctx, jobID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AnalysisJob), args.Error(1)
}

func (m *MockStore) GetResultByJobID(ctx context.Context, jobID string) (*model.AnalysisResult, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AnalysisResult), args.Error(1)
}

func (m *MockStore) GetResultForUser(ctx context.Context, resultID, userID string) (*model.AnalysisResult, error) {
	args := m.Called(ctx, resultID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AnalysisResult), args.Error(1)
}

func (m *MockStore) ListRecordings(ctx context.Context, userID string) ([]*storage.RecordingSummary, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*storage.RecordingSummary), args.Error(1)
}

func (m *MockStore) CountRecordingsByStatus(ctx context.Context, userID string) (map[model.JobStatus]int, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[model.JobStatus]int), args.Error(1)
}

func (m *MockStore) DeleteRecording(ctx context.Context, id, userID string) (string, error) {
	args := m.Called(ctx, id, userID)
	return args.String(0), args.Error(1)
}

// MockBlobs mocks the object store
type MockBlobs struct {
	mock.Mock
}

func (m *MockBlobs) UploadFile(ctx context.Context, key string, body io.Reader, contentType string) error {
	args := m.Called(ctx, key, body, contentType)
	return args.Error(0)
}

func (m *MockBlobs) DeleteFile(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockBlobs) GenerateKey(userID, recordingID, extension string) string {
	return "recordings/" + userID + "/" + recordingID + extension
}

// MockQueue mocks the task publisher
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) PublishTask(ctx context.Context, task *queue.AnalysisTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

// fakeCache is an in-memory cache.Cache that mirrors the JSON round-trip the
// Redis implementation performs.
type fakeCache struct {
	mu       sync.Mutex
	data     map[string]interface{}
	setCalls []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]interface{}{}}
}

func (f *fakeCache) Get(ctx context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}) error {
	return f.SetWithTTL(ctx, key, value, 0)
}

func (f *fakeCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	f.setCalls = append(f.setCalls, key)
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeCache) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeCache) Close() error { return nil }

const (
	testToken  = "tok-1"
	testUserID = "user-1"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Upload.MaxSizeBytes = 1 << 20 // 1 MB keeps oversize fixtures small
	cfg.Upload.AllowedExtensions = []string{".wav", ".mp3", ".m4a", ".webm", ".ogg"}
	cfg.Upload.MaxRecordSeconds = 120
	cfg.Upload.ClientTimeout = 300
	cfg.Poll.IntervalSeconds = 2
	cfg.Poll.MaxAttempts = 60
	cfg.Analysis.DefaultLanguage = "english"
	return cfg
}

func newTestServer(t *testing.T, db *MockStore, blobs *MockBlobs, q *MockQueue, c *fakeCache) http.Handler {
	t.Helper()
	srv, err := New(testConfig(), db, blobs, q, c)
	require.NoError(t, err)
	return srv.Router()
}

// withSession seeds the cache so the bearer token resolves to testUserID
func withSession(c *fakeCache) *fakeCache {
	c.data[cache.SessionCacheKey(testToken)] = testUserID
	return c
}

func multipartRequest(t *testing.T, filename string, size int, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := w.CreateFormFile("audio_file", filename)
		require.NoError(t, err)
		_, err = part.Write(bytes.Repeat([]byte("a"), size))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestUpload_HappyPath(t *testing.T) {
	db := new(MockStore)
	blobs := new(MockBlobs)
	q := new(MockQueue)

	var createdJob *model.AnalysisJob
	blobs.On("UploadFile", mock.Anything, mock.Anything, mock.Anything, "audio/wav").Return(nil)
	db.On("CreateRecordingWithJob", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			createdJob = args.Get(2).(*model.AnalysisJob)
		}).Return(nil)
	q.On("PublishTask", mock.Anything, mock.Anything).Return(nil)

	router := newTestServer(t, db, blobs, q, withSession(newFakeCache()))

	req := multipartRequest(t, "sample.wav", 512*1024, map[string]string{
		"language":          "english",
		"target_transcript": "hello world",
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	require.NotNil(t, createdJob)
	assert.Equal(t, createdJob.ID, body["recording_id"])
	assert.Equal(t, string(model.JobStatusPending), body["status"])

	q.AssertCalled(t, "PublishTask", mock.Anything, mock.MatchedBy(func(task *queue.AnalysisTask) bool {
		return task.JobID == createdJob.ID &&
			task.UserID == testUserID &&
			task.Language == "english" &&
			task.TargetText == "hello world"
	}))
}

func TestUpload_MissingAuth(t *testing.T) {
	db := new(MockStore)
	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), newFakeCache())

	req := multipartRequest(t, "sample.wav", 1024, nil)
	req.Header.Del("Authorization")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	db.AssertNotCalled(t, "CreateRecordingWithJob", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_UnknownToken(t *testing.T) {
	router := newTestServer(t, new(MockStore), new(MockBlobs), new(MockQueue), newFakeCache())

	req := multipartRequest(t, "sample.wav", 1024, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpload_NoFile(t *testing.T) {
	db := new(MockStore)
	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), withSession(newFakeCache()))

	req := multipartRequest(t, "", 0, map[string]string{"language": "english"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	db.AssertNotCalled(t, "CreateRecordingWithJob", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_Oversize(t *testing.T) {
	db := new(MockStore)
	blobs := new(MockBlobs)
	router := newTestServer(t, db, blobs, new(MockQueue), withSession(newFakeCache()))

	// 1 MB over the configured 1 MB ceiling
	req := multipartRequest(t, "big.wav", 2<<20, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	db.AssertNotCalled(t, "CreateRecordingWithJob", mock.Anything, mock.Anything, mock.Anything)
	blobs.AssertNotCalled(t, "UploadFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_MalformedMultipart(t *testing.T) {
	db := new(MockStore)
	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), withSession(newFakeCache()))

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("this is not a multipart body"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// A broken body is a bad request, not an oversize rejection
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.NotContains(t, body["error"], "too large")
	db.AssertNotCalled(t, "CreateRecordingWithJob", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_BadExtension(t *testing.T) {
	db := new(MockStore)
	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), withSession(newFakeCache()))

	req := multipartRequest(t, "document.pdf", 1024, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], ".wav")
	db.AssertNotCalled(t, "CreateRecordingWithJob", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_EnqueueFailureRollsBack(t *testing.T) {
	db := new(MockStore)
	blobs := new(MockBlobs)
	q := new(MockQueue)

	var recording *model.Recording
	blobs.On("UploadFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	db.On("CreateRecordingWithJob", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			recording = args.Get(1).(*model.Recording)
		}).Return(nil)
	q.On("PublishTask", mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))
	db.On("DeleteRecording", mock.Anything, mock.Anything, testUserID).Return("key", nil)
	blobs.On("DeleteFile", mock.Anything, mock.Anything).Return(nil)

	router := newTestServer(t, db, blobs, q, withSession(newFakeCache()))

	req := multipartRequest(t, "sample.wav", 1024, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, recording)
	db.AssertCalled(t, "DeleteRecording", mock.Anything, recording.ID, testUserID)
	blobs.AssertCalled(t, "DeleteFile", mock.Anything, recording.StorageKey)
}

func TestStatus_Pending(t *testing.T) {
	db := new(MockStore)
	db.On("GetJobForUser", mock.Anything, "job-1", testUserID).Return(&model.AnalysisJob{
		ID:     "job-1",
		Status: model.JobStatusPending,
	}, nil)

	c := withSession(newFakeCache())
	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), c)

	req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(model.JobStatusPending), body["status"])
	// Non-terminal states are never cached
	assert.NotContains(t, c.setCalls, cache.JobStatusCacheKey("job-1"))
}

func TestStatus_CompletedIncludesResult(t *testing.T) {
	db := new(MockStore)
	db.On("GetJobForUser", mock.Anything, "job-1", testUserID).Return(&model.AnalysisJob{
		ID:     "job-1",
		Status: model.JobStatusCompleted,
	}, nil)
	db.On("GetResultByJobID", mock.Anything, "job-1").Return(&model.AnalysisResult{
		ID:                 "res-1",
		JobID:              "job-1",
		Severity:           model.SeverityMild,
		MismatchPercentage: 12.5,
	}, nil)

	c := withSession(newFakeCache())
	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), c)

	req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(model.JobStatusCompleted), body["status"])
	assert.Equal(t, "res-1", body["analysis_id"])
	assert.Equal(t, string(model.SeverityMild), body["severity"])
	assert.InDelta(t, 12.5, body["mismatch_percentage"], 0.001)
	// Terminal verdicts are cached for subsequent polls
	assert.Contains(t, c.setCalls, cache.JobStatusCacheKey("job-1"))
}

func TestStatus_CacheHitSkipsDB(t *testing.T) {
	db := new(MockStore)
	c := withSession(newFakeCache())
	c.data[cache.JobStatusCacheKey("job-1")] = cachedStatus{
		UserID:   testUserID,
		Response: statusResponse{Status: model.JobStatusFailed},
	}

	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), c)

	req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(model.JobStatusFailed), body["status"])
	db.AssertNotCalled(t, "GetJobForUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestStatus_CacheHitForOtherUserFallsThrough(t *testing.T) {
	db := new(MockStore)
	db.On("GetJobForUser", mock.Anything, "job-1", testUserID).Return(nil, storage.ErrNotFound)

	c := withSession(newFakeCache())
	c.data[cache.JobStatusCacheKey("job-1")] = cachedStatus{
		UserID:   "someone-else",
		Response: statusResponse{Status: model.JobStatusCompleted},
	}

	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), c)

	req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus_UnknownJob(t *testing.T) {
	db := new(MockStore)
	db.On("GetJobForUser", mock.Anything, "nope", testUserID).Return(nil, storage.ErrNotFound)

	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), withSession(newFakeCache()))

	req := httptest.NewRequest(http.MethodGet, "/status/nope", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
}

func TestListRecordings(t *testing.T) {
	db := new(MockStore)
	db.On("ListRecordings", mock.Anything, testUserID).Return([]*storage.RecordingSummary{
		{
			Recording: model.Recording{ID: "rec-1", UserID: testUserID, Filename: "a.wav"},
			JobID:     "job-1",
			Status:    model.JobStatusCompleted,
		},
	}, nil)
	db.On("CountRecordingsByStatus", mock.Anything, testUserID).Return(map[model.JobStatus]int{
		model.JobStatusCompleted: 1,
	}, nil)

	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), withSession(newFakeCache()))

	req := httptest.NewRequest(http.MethodGet, "/recordings", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["total"])
}

func TestDeleteRecording(t *testing.T) {
	db := new(MockStore)
	blobs := new(MockBlobs)
	db.On("DeleteRecording", mock.Anything, "rec-1", testUserID).Return("recordings/user-1/rec-1.wav", nil)
	blobs.On("DeleteFile", mock.Anything, "recordings/user-1/rec-1.wav").Return(nil)

	router := newTestServer(t, db, blobs, new(MockQueue), withSession(newFakeCache()))

	req := httptest.NewRequest(http.MethodDelete, "/recordings/rec-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	blobs.AssertCalled(t, "DeleteFile", mock.Anything, "recordings/user-1/rec-1.wav")
}

func TestDeleteRecording_NotFound(t *testing.T) {
	db := new(MockStore)
	db.On("DeleteRecording", mock.Anything, "rec-x", testUserID).Return("", storage.ErrNotFound)

	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), withSession(newFakeCache()))

	req := httptest.NewRequest(http.MethodDelete, "/recordings/rec-x", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAnalysis(t *testing.T) {
	db := new(MockStore)
	db.On("GetResultForUser", mock.Anything, "res-1", testUserID).Return(&model.AnalysisResult{
		ID:       "res-1",
		JobID:    "job-1",
		Severity: model.SeverityModerate,
	}, nil)

	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), withSession(newFakeCache()))

	req := httptest.NewRequest(http.MethodGet, "/analysis/res-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
}

func TestGetAnalysis_CachesResult(t *testing.T) {
	db := new(MockStore)
	db.On("GetResultForUser", mock.Anything, "res-1", testUserID).Return(&model.AnalysisResult{
		ID:       "res-1",
		JobID:    "job-1",
		Severity: model.SeverityMild,
	}, nil)

	c := withSession(newFakeCache())
	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), c)

	req := httptest.NewRequest(http.MethodGet, "/analysis/res-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, c.setCalls, cache.AnalysisCacheKey("res-1"))
}

func TestGetAnalysis_CacheHitSkipsDB(t *testing.T) {
	db := new(MockStore)
	c := withSession(newFakeCache())
	c.data[cache.AnalysisCacheKey("res-1")] = cachedAnalysis{
		UserID: testUserID,
		Result: &model.AnalysisResult{ID: "res-1", JobID: "job-1", Severity: model.SeveritySevere},
	}

	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), c)

	req := httptest.NewRequest(http.MethodGet, "/analysis/res-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	db.AssertNotCalled(t, "GetResultForUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetAnalysis_CacheHitForOtherUserFallsThrough(t *testing.T) {
	db := new(MockStore)
	db.On("GetResultForUser", mock.Anything, "res-1", testUserID).Return(nil, storage.ErrNotFound)

	c := withSession(newFakeCache())
	c.data[cache.AnalysisCacheKey("res-1")] = cachedAnalysis{
		UserID: "someone-else",
		Result: &model.AnalysisResult{ID: "res-1"},
	}

	router := newTestServer(t, db, new(MockBlobs), new(MockQueue), c)

	req := httptest.NewRequest(http.MethodGet, "/analysis/res-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSession(t *testing.T) {
	c := newFakeCache()
	router := newTestServer(t, new(MockStore), new(MockBlobs), new(MockQueue), c)

	req := httptest.NewRequest(http.MethodPost, "/session", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	// The minted token must resolve through the session store
	var userID string
	require.NoError(t, c.Get(context.Background(), cache.SessionCacheKey(token), &userID))
	assert.Equal(t, body["user_id"], userID)
}

func TestRecordPageRenders(t *testing.T) {
	router := newTestServer(t, new(MockStore), new(MockBlobs), new(MockQueue), newFakeCache())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "speechlabConfig")
	assert.Contains(t, rec.Body.String(), "recorder.js")
}

func TestRecordPageLanguagesSupported(t *testing.T) {
	router := newTestServer(t, new(MockStore), new(MockBlobs), new(MockQueue), newFakeCache())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	optionRe := regexp.MustCompile(`<option value="([a-z]+)"`)
	matches := optionRe.FindAllStringSubmatch(rec.Body.String(), -1)
	require.NotEmpty(t, matches)

	// Every offered language must resolve to its own code, not silently
	// fall back to the default.
	for _, m := range matches {
		lang := m[1]
		if lang == "tamil" {
			continue
		}
		resolved := analysis.ResolveLanguage(lang, "tamil")
		assert.NotEqual(t, "tam", resolved, "language option %q is not supported", lang)
	}
}

func TestHealth(t *testing.T) {
	router := newTestServer(t, new(MockStore), new(MockBlobs), new(MockQueue), newFakeCache())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
