package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger deletes terminal queue items. repository.QueueStore satisfies it.
type Purger interface {
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

// RetentionJob deletes sent, failed and cancelled items once they are older
// than the retention period.
type RetentionJob struct {
	store   Purger
	period  time.Duration
	timeout time.Duration
	metrics *WorkerMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRetentionJob creates a RetentionJob. metrics may be nil.
func NewRetentionJob(store Purger, period time.Duration, metrics *WorkerMetrics, logger *slog.Logger) *RetentionJob {
	return &RetentionJob{
		store:   store,
		period:  period,
		timeout: 10 * time.Minute,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Run performs one purge and returns the number of deleted items.
func (j *RetentionJob) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := j.now()
	cutoff := start.Add(-j.period)
	j.logger.Info("retention purge started", slog.Time("cutoff", cutoff))

	n, err := j.store.PurgeTerminal(ctx, cutoff)
	elapsed := j.now().Sub(start)
	if j.metrics != nil {
		j.metrics.RecordRetentionRun(elapsed.Seconds(), n, err)
	}
	if err != nil {
		j.logger.Error("retention purge failed", slog.Any("error", err))
		return 0, fmt.Errorf("purge terminal items: %w", err)
	}

	j.logger.Info("retention purge completed",
		slog.Int("purged", n),
		slog.Duration("duration", elapsed))
	return n, nil
}

// NewCron creates a cron scheduler in timezone that skips a run while the
// previous one is still going. An invalid timezone falls back to UTC.
func NewCron(timezone string, logger *slog.Logger) *cron.Cron {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Error("invalid timezone, using UTC", slog.String("timezone", timezone), slog.Any("error", err))
		loc = time.UTC
	}
	return cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
}

// ScheduleRetention registers job on c at schedule. Runs use ctx so they
// stop when the worker shuts down.
func ScheduleRetention(ctx context.Context, c *cron.Cron, schedule string, job *RetentionJob) (cron.EntryID, error) {
	id, err := c.AddFunc(schedule, func() {
		_, _ = job.Run(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule retention %q: %w", schedule, err)
	}
	return id, nil
}
