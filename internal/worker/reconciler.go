package worker

import (
	"context"
	"time"

	"speechlab/internal/metrics"
	"speechlab/pkg/logger"

	"go.uber.org/zap"
)

// StuckJobStore sweeps jobs abandoned in processing
type StuckJobStore interface {
	FailStuckJobs(ctx context.Context, deadline time.Duration) (int64, error)
}

// Reconciler periodically fails jobs that have been in processing longer than
// the deadline. A worker that crashes after taking ownership of a job never
// reaches the failure path; without the sweep such jobs would poll as
// processing forever.
type Reconciler struct {
	db       StuckJobStore
	interval time.Duration
	deadline time.Duration
}

func NewReconciler(db StuckJobStore, interval, deadline time.Duration) *Reconciler {
	return &Reconciler{
		db:       db,
		interval: interval,
		deadline: deadline,
	}
}

// Start runs the sweep loop until ctx is cancelled. Run in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	logger.Info("Stuck-job reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("deadline", r.deadline))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stuck-job reconciler stopping")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	swept, err := r.db.FailStuckJobs(ctx, r.deadline)
	if err != nil {
		logger.Error("Stuck-job sweep failed", zap.Error(err))
		return
	}

	if swept > 0 {
		metrics.AddReconciled(swept)
		logger.Warn("Swept stuck jobs to failed", zap.Int64("count", swept))
	}
}
