package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"speechlab/pkg/logger"

	"go.uber.org/zap"
)

// Analyzer is the capability the worker depends on. The HTTP client below is
// the production implementation; tests substitute their own.
type Analyzer interface {
	AnalyzeAudio(ctx context.Context, audio []byte, filename, contentType, targetText, language string) (*Result, error)
}

type Client struct {
	analyzeURL      string
	defaultLanguage string
	client          *http.Client
}

// NewClient creates a client for the external stutter-analysis service.
// baseURL may or may not include the /analyze path.
func NewClient(baseURL, defaultLanguage string, timeout time.Duration) *Client {
	analyzeURL := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(analyzeURL, "/analyze") {
		analyzeURL += "/analyze"
	}

	return &Client{
		analyzeURL:      analyzeURL,
		defaultLanguage: defaultLanguage,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// AnalyzeAudio sends the audio to the analysis service and returns the parsed
// result. One call, one attempt: retry policy belongs to the caller.
func (c *Client) AnalyzeAudio(ctx context.Context, audio []byte, filename, contentType, targetText, language string) (*Result, error) {
	langCode := ResolveLanguage(language, c.defaultLanguage)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio part: %w", err)
	}

	if err := mw.WriteField("transcript", targetText); err != nil {
		return nil, fmt.Errorf("failed to write transcript field: %w", err)
	}
	if err := mw.WriteField("language", langCode); err != nil {
		return nil, fmt.Errorf("failed to write language field: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.analyzeURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	logger.Debug("Sending audio to analysis service",
		zap.String("url", c.analyzeURL),
		zap.String("language", langCode),
		zap.Int("size", len(audio)))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call analysis service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis result: %w", err)
	}

	logger.Info("Analysis completed",
		zap.String("severity", result.Severity),
		zap.Float64("mismatch_pct", result.MismatchPercentage),
		zap.Float64("confidence", result.ConfidenceScore))

	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
