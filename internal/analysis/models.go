package analysis

import "fmt"

// Result is the response shape of the external stutter-detection API
type Result struct {
	ActualTranscript     string          `json:"actual_transcript"`
	TargetTranscript     string          `json:"target_transcript"`
	MismatchedChars      []interface{}   `json:"mismatched_chars"`
	MismatchPercentage   float64         `json:"mismatch_percentage"`
	CTCLossScore         float64         `json:"ctc_loss_score"`
	StutterTimestamps    []interface{}   `json:"stutter_timestamps"`
	TotalStutterDuration float64         `json:"total_stutter_duration"`
	StutterFrequency     float64         `json:"stutter_frequency"`
	Severity             string          `json:"severity"`
	ConfidenceScore      float64         `json:"confidence_score"`
	AnalysisDuration     float64         `json:"analysis_duration_seconds"`
	ModelVersion         string          `json:"model_version"`
	LanguageDetected     string          `json:"language_detected,omitempty"`
}

// APIError is a non-2xx response from the analysis service. 4xx codes are
// permanent (bad audio, unsupported language); 5xx are transient.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("analysis API returned status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the call is worth retrying
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500
}
