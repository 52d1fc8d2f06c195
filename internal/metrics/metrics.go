package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speechlab_uploads_total",
			Help: "Upload attempts by outcome (accepted/rejected/error).",
		},
		[]string{"outcome"},
	)

	uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "speechlab_upload_bytes",
			Help:    "Size distribution of accepted uploads.",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 9),
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speechlab_analysis_jobs_total",
			Help: "Analysis jobs reaching a terminal state (completed/failed).",
		},
		[]string{"status"},
	)

	analysisSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "speechlab_analysis_call_seconds",
			Help:    "External analysis call latency in seconds.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 300},
		},
		[]string{"success"},
	)

	jobsReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "speechlab_jobs_reconciled_total",
			Help: "Stuck processing jobs swept to failed by the reconciler.",
		},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			uploadsTotal, uploadBytes, jobsTotal,
			analysisSeconds, jobsReconciled,
		)
	})
}

// IncUpload records an upload attempt outcome
func IncUpload(outcome string) {
	uploadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveUploadSize records the byte size of an accepted upload
func ObserveUploadSize(size int64) {
	uploadBytes.Observe(float64(size))
}

// IncJob records a job reaching a terminal state
func IncJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveAnalysisCall records one external analysis call
func ObserveAnalysisCall(d time.Duration, success bool) {
	analysisSeconds.WithLabelValues(strconv.FormatBool(success)).Observe(d.Seconds())
}

// AddReconciled records jobs swept by the stuck-job reconciler
func AddReconciled(n int64) {
	jobsReconciled.Add(float64(n))
}
