package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-procure/internal/jobs"
	"github.com/odyssey-erp/odyssey-procure/internal/procurement"
)

// DeliverySource loads queued deliveries and records their dispatch.
type DeliverySource interface {
	GetDeliveryDocument(ctx context.Context, deliveryID int64) (procurement.DeliveryDocument, error)
	MarkDeliveryDispatched(ctx context.Context, deliveryID int64, at time.Time) error
}

// DocumentRenderer produces the PDF attached to purchase order email.
type DocumentRenderer interface {
	PurchaseOrderPDF(ctx context.Context, po procurement.PurchaseOrder, lines []procurement.Line, message string) ([]byte, error)
}

// WebhookPoster posts JSON documents to a supplier endpoint.
type WebhookPoster interface {
	Post(ctx context.Context, url, idempotencyKey string, payload any) error
}

// DeliveryDispatchJob transmits purchase order documents over email or webhook.
type DeliveryDispatchJob struct {
	source   DeliverySource
	mailer   Mailer
	webhooks WebhookPoster
	renderer DocumentRenderer
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	now      func() time.Time
}

// DeliveryDispatchConfig bundles the dispatch job dependencies. Renderer is
// optional; without it email is sent without a PDF attachment.
type DeliveryDispatchConfig struct {
	Source   DeliverySource
	Mailer   Mailer
	Webhooks WebhookPoster
	Renderer DocumentRenderer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewDeliveryDispatchJob wires the dispatch job.
func NewDeliveryDispatchJob(cfg DeliveryDispatchConfig) *DeliveryDispatchJob {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryDispatchJob{
		source:   cfg.Source,
		mailer:   cfg.Mailer,
		webhooks: cfg.Webhooks,
		renderer: cfg.Renderer,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// Handler exposes the job as an asynq task handler.
func (j *DeliveryDispatchJob) Handler() TaskHandler {
	return TaskHandler{Type: TaskPODeliveryDispatch, Handler: asynq.HandlerFunc(j.Handle)}
}

// Handle processes a single delivery task.
func (j *DeliveryDispatchJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload PODeliveryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.DeliveryID <= 0 {
		return fmt.Errorf("%w: invalid delivery payload", asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskPODeliveryDispatch)
	return tracker.End(j.dispatch(ctx, payload))
}

func (j *DeliveryDispatchJob) dispatch(ctx context.Context, payload PODeliveryPayload) error {
	doc, err := j.source.GetDeliveryDocument(ctx, payload.DeliveryID)
	if err != nil {
		if errors.Is(err, procurement.ErrNotFound) {
			return fmt.Errorf("%w: delivery %d not found", asynq.SkipRetry, payload.DeliveryID)
		}
		return err
	}
	logger := j.logger.With(
		slog.Int64("delivery_id", doc.Delivery.ID),
		slog.String("purchase_order", doc.PurchaseOrder.Number),
		slog.String("channel", string(doc.Delivery.Channel)),
	)
	if doc.Delivery.DispatchedAt != nil {
		logger.Debug("delivery already dispatched")
		return nil
	}

	switch doc.Delivery.Channel {
	case procurement.ChannelEmail:
		err = j.sendEmail(ctx, doc)
	case procurement.ChannelWebhook:
		err = j.webhooks.Post(ctx, doc.Delivery.WebhookURL, DeliveryTaskID(doc.Delivery.ID), webhookEnvelope{
			Event:         "purchase_order.sent",
			Delivery:      doc.Delivery,
			PurchaseOrder: doc.PurchaseOrder,
			Lines:         doc.Lines,
		})
	default:
		err = fmt.Errorf("%w: unsupported channel %q", asynq.SkipRetry, doc.Delivery.Channel)
	}
	j.metrics.AddDelivery(string(doc.Delivery.Channel), err)
	if err != nil {
		logger.Warn("delivery dispatch failed", slog.Any("error", err))
		return err
	}
	if err := j.source.MarkDeliveryDispatched(ctx, doc.Delivery.ID, j.now().UTC()); err != nil {
		return err
	}
	logger.Info("delivery dispatched")
	return nil
}

type webhookEnvelope struct {
	Event         string                    `json:"event"`
	Delivery      procurement.Delivery      `json:"delivery"`
	PurchaseOrder procurement.PurchaseOrder `json:"purchase_order"`
	Lines         []procurement.Line        `json:"lines"`
}

func (j *DeliveryDispatchJob) sendEmail(ctx context.Context, doc procurement.DeliveryDocument) error {
	po := doc.PurchaseOrder
	msg := MailMessage{
		To:      doc.Delivery.To,
		CC:      doc.Delivery.CC,
		BCC:     doc.Delivery.BCC,
		Subject: fmt.Sprintf("Purchase Order %s", po.Number),
		Body:    emailBody(doc),
	}
	if j.renderer != nil {
		pdf, err := j.renderer.PurchaseOrderPDF(ctx, po, doc.Lines, doc.Delivery.Message)
		if err != nil {
			// the plain text body still carries the full order
			j.logger.Warn("purchase order pdf unavailable", slog.String("purchase_order", po.Number), slog.Any("error", err))
		} else {
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    po.Number + ".pdf",
				ContentType: "application/pdf",
				Data:        pdf,
			})
		}
	}
	return j.mailer.Send(ctx, msg)
}

func emailBody(doc procurement.DeliveryDocument) string {
	po := doc.PurchaseOrder
	var b strings.Builder
	if doc.Delivery.Message != "" {
		b.WriteString(doc.Delivery.Message)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Purchase Order %s (revision %d)\n\n", po.Number, po.RevisionNo)
	for _, line := range doc.Lines {
		fmt.Fprintf(&b, "%d. %s  %s %s x %s %s\n", line.LineNo, line.Description, line.Quantity.String(), line.UOM, line.UnitPrice.String(), po.Currency)
	}
	fmt.Fprintf(&b, "\nSubtotal: %s %s\n", po.Subtotal.String(), po.Currency)
	fmt.Fprintf(&b, "Tax: %s %s\n", po.TaxTotal.String(), po.Currency)
	fmt.Fprintf(&b, "Total: %s %s\n", po.Total.String(), po.Currency)
	return b.String()
}
