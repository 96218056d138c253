package jobs

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPODeliveryDispatch sends a recorded purchase order delivery.
	TaskPODeliveryDispatch = "procurement:po_delivery"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "procurement:idempotency_cleanup"
)

// deliveryTaskNamespace scopes task ids derived from delivery ids.
var deliveryTaskNamespace = uuid.MustParse("6f0c8f0e-3d1a-4f0b-9a39-6b1f2a7c5d10")

// PODeliveryPayload identifies the delivery to dispatch.
type PODeliveryPayload struct {
	DeliveryID      int64 `json:"delivery_id"`
	PurchaseOrderID int64 `json:"purchase_order_id"`
}

// DeliveryTaskID returns the task id for a delivery. Enqueueing the same
// delivery twice is rejected by asynq while the first task is retained.
func DeliveryTaskID(deliveryID int64) string {
	return uuid.NewSHA1(deliveryTaskNamespace, []byte(strconv.FormatInt(deliveryID, 10))).String()
}

// NewPODeliveryTask builds a dispatch task for a delivery.
func NewPODeliveryTask(payload PODeliveryPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPODeliveryDispatch, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(DeliveryTaskID(payload.DeliveryID)),
		asynq.MaxRetry(8),
		asynq.Retention(24*time.Hour),
	), nil
}

// IdempotencyCleanupPayload configures the retention of idempotency keys.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds the periodic cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
