package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-procure/internal/jobs"
)

// KeyPurger drops idempotency keys older than the retention window.
type KeyPurger interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob prunes expired shipment idempotency keys.
type IdempotencyCleanupJob struct {
	store     KeyPurger
	retention time.Duration
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob constructs the cleanup job.
func NewIdempotencyCleanupJob(store KeyPurger, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCleanupJob{store: store, retention: retention, logger: logger, metrics: metrics}
}

// Handler exposes the job as an asynq task handler.
func (j *IdempotencyCleanupJob) Handler() TaskHandler {
	return TaskHandler{Type: TaskIdempotencyCleanup, Handler: asynq.HandlerFunc(j.Handle)}
}

// Cron registers the cleanup task under a cron expression.
func (j *IdempotencyCleanupJob) Cron(spec string) (CronRegistration, error) {
	task, err := NewIdempotencyCleanupTask(j.retention)
	if err != nil {
		return CronRegistration{}, err
	}
	return CronRegistration{Spec: spec, Task: task}, nil
}

// Handle runs one cleanup pass.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, task *asynq.Task) error {
	retention := j.retention
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err == nil && payload.RetentionHours > 0 {
		retention = time.Duration(payload.RetentionHours) * time.Hour
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	tracker := j.metrics.Track(TaskIdempotencyCleanup)
	removed, err := j.store.Cleanup(ctx, retention)
	if err != nil {
		return tracker.End(err)
	}
	j.logger.Info("idempotency keys pruned", slog.Int64("removed", removed), slog.Duration("retention", retention))
	return tracker.End(nil)
}
