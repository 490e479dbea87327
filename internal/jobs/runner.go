package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Job is a named unit of periodic background work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// RunPeriodic executes job every Interval until ctx is done. It blocks and
// should be run in a goroutine. Failures are logged and counted; the job keeps
// running on its schedule. metrics may be nil.
func RunPeriodic(ctx context.Context, job Job, metrics *Metrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runOnce(ctx, job, metrics, logger)
		case <-ctx.Done():
			logger.Debug("background job stopped", slog.String("job", job.Name))
			return
		}
	}
}

func runOnce(ctx context.Context, job Job, metrics *Metrics, logger *slog.Logger) {
	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	if metrics != nil {
		metrics.ObserveJobDuration(job.Name, elapsed.Seconds())
	}
	if err == nil {
		if metrics != nil {
			metrics.IncJobsTotal(job.Name, StatusSuccess)
		}
		return
	}

	if metrics != nil {
		metrics.IncJobsTotal(job.Name, StatusFailure)
		metrics.IncJobErrors(job.Name, errorType(err))
	}
	logger.Error("background job failed",
		slog.String("job", job.Name),
		slog.Duration("elapsed", elapsed),
		slog.String("error", err.Error()))
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
