package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/boogie/internal/jobs"
)

// CleanupJob returns a background job that removes records older than expiry
// from repo every interval. Redis expires keys on its own and needs no job.
func CleanupJob(repo *InMemoryRepository, interval, expiry time.Duration, logger *slog.Logger) jobs.Job {
	if logger == nil {
		logger = slog.Default()
	}
	return jobs.Job{
		Name:     jobs.JobTypeIdempotencyCleanup,
		Interval: interval,
		Run: func(context.Context) error {
			if deleted := repo.DeleteOlderThan(expiry); deleted > 0 {
				logger.Info("cleaned up old idempotency keys",
					slog.Int64("deleted", deleted),
					slog.Duration("older_than", expiry))
			}
			return nil
		},
	}
}
