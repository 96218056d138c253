package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// SendInput is the delivery request of a send or resend.
type SendInput struct {
	Channel    DeliveryChannel `json:"channel" validate:"required,oneof=email webhook"`
	To         []string        `json:"to" validate:"omitempty,dive,email"`
	CC         []string        `json:"cc" validate:"omitempty,dive,email"`
	BCC        []string        `json:"bcc" validate:"omitempty,dive,email"`
	Message    string          `json:"message" validate:"max=4000"`
	WebhookURL string          `json:"webhook_url" validate:"omitempty,url"`
	Actor      *shared.Actor   `json:"-"`
}

// SendResult carries the sent order and the delivery that was recorded.
type SendResult struct {
	PurchaseOrder PurchaseOrder `json:"purchase_order"`
	Delivery      Delivery      `json:"delivery"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var validationMessages = map[string]string{
	"required": "is required",
	"oneof":    "must be one of: %s",
	"email":    "must be a valid email address",
	"url":      "must be a valid URL",
	"max":      "must be at most %s characters",
	"gt":       "must be greater than %s",
}

// structErrors converts validator output into field-keyed messages.
func structErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var problems fieldErrors
	for _, fe := range verrs {
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		field = strings.NewReplacer("[", ".", "]", "").Replace(field)
		msg, ok := validationMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		if strings.Contains(msg, "%s") {
			msg = fmt.Sprintf(msg, fe.Param())
		}
		problems.add(nil, field, msg)
	}
	return problems.err()
}

func validateSend(in SendInput) error {
	if err := validate.Struct(in); err != nil {
		return structErrors(err)
	}
	var problems fieldErrors
	switch in.Channel {
	case ChannelEmail:
		if len(in.To) == 0 {
			problems.add(nil, "to", "at least one recipient is required")
		}
		for field, list := range map[string][]string{"to": in.To, "cc": in.CC, "bcc": in.BCC} {
			for i, addr := range list {
				at := strings.LastIndex(addr, "@")
				if at < 0 || validate.Var(addr[at+1:], "fqdn") != nil {
					problems.add(nil, fmt.Sprintf("%s.%d", field, i), "email domain must be a fully qualified domain name")
				}
			}
		}
	case ChannelWebhook:
		if in.WebhookURL == "" {
			problems.add(nil, "webhook_url", "is required for webhook deliveries")
		}
	}
	return problems.err()
}

// Send records a delivery and moves a draft or sent purchase order to sent.
// The document itself is dispatched after commit.
func (s *Service) Send(ctx context.Context, poID int64, in SendInput) (SendResult, error) {
	if err := validateSend(in); err != nil {
		return SendResult{}, err
	}
	var out SendResult
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		po, err := tx.LockPurchaseOrder(ctx, poID)
		if err != nil {
			return err
		}
		if err := guardBuyer(in.Actor, po.CompanyID); err != nil {
			return err
		}
		if !po.Status.CanTransitionTo(POStatusSent) {
			return newValidation(ErrInvalidTransition, "status", "only draft or sent purchase orders can be sent")
		}
		if !po.AckStatus.CanTransitionTo(AckStatusSent) {
			return newValidation(ErrInvalidTransition, "ack_status", fmt.Sprintf("purchase order acknowledgement is %s", po.AckStatus))
		}
		now := s.now()
		delivery := Delivery{
			PurchaseOrderID: po.ID,
			Channel:         in.Channel,
			To:              in.To,
			CC:              in.CC,
			BCC:             in.BCC,
			Message:         in.Message,
			WebhookURL:      in.WebhookURL,
			SentAt:          now,
			CreatedBy:       shared.IDOf(in.Actor),
		}
		delivery.ID, err = tx.InsertDelivery(ctx, delivery)
		if err != nil {
			return err
		}
		before := poSnapshot(po)
		resend := po.Status == POStatusSent
		po.Status = POStatusSent
		po.AckStatus = AckStatusSent
		po.SentAt = timePtr(now)
		if err := tx.UpdatePurchaseOrderState(ctx, po); err != nil {
			return err
		}
		summary := fmt.Sprintf("Purchase order %s sent via %s", po.Number, in.Channel)
		if resend {
			summary = fmt.Sprintf("Purchase order %s resent via %s", po.Number, in.Channel)
		}
		if _, err := s.recordEvent(ctx, tx, po, eventInput{
			Type:        EventSent,
			Summary:     summary,
			Description: in.Message,
			Meta: map[string]any{
				"delivery_id": delivery.ID,
				"channel":     string(in.Channel),
				"to":          in.To,
				"cc":          in.CC,
				"bcc":         in.BCC,
				"webhook_url": in.WebhookURL,
				"resend":      resend,
			},
			Actor:      in.Actor,
			OccurredAt: timePtr(now),
		}); err != nil {
			return err
		}
		batch.created(in.Actor, "purchase_order_delivery", delivery.ID, map[string]any{"purchase_order_id": po.ID, "channel": string(in.Channel)})
		batch.updated(in.Actor, "purchase_order", po.ID, before, poSnapshot(po))
		batch.transition("purchase_order", string(POStatusSent))
		out = SendResult{PurchaseOrder: po, Delivery: delivery}
		return nil
	})
	if err != nil {
		return SendResult{}, err
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.DispatchDelivery(ctx, out.Delivery.ID, out.PurchaseOrder.ID); err != nil {
			s.logger.Warn("dispatch purchase order delivery",
				slog.Int64("purchase_order_id", out.PurchaseOrder.ID),
				slog.Int64("delivery_id", out.Delivery.ID),
				slog.Any("error", err))
		}
	}
	return out, nil
}

// Acknowledge records the supplier's acceptance of a sent purchase order.
func (s *Service) Acknowledge(ctx context.Context, poID int64, actor *shared.Actor) (PurchaseOrder, error) {
	var out PurchaseOrder
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		po, err := s.lockForSupplier(ctx, tx, poID, actor, AckStatusAcknowledged)
		if err != nil {
			return err
		}
		if !po.Status.CanTransitionTo(POStatusAcknowledged) {
			return newValidation(ErrInvalidTransition, "status", fmt.Sprintf("purchase order is %s", po.Status))
		}
		before := poSnapshot(po)
		now := s.now()
		po.Status = POStatusAcknowledged
		po.AckStatus = AckStatusAcknowledged
		po.AcknowledgedAt = timePtr(now)
		if err := tx.UpdatePurchaseOrderState(ctx, po); err != nil {
			return err
		}
		if _, err := s.recordEvent(ctx, tx, po, eventInput{
			Type:       EventAcknowledged,
			Summary:    fmt.Sprintf("Purchase order %s acknowledged by %s", po.Number, actor.Name),
			Actor:      actor,
			OccurredAt: timePtr(now),
		}); err != nil {
			return err
		}
		batch.updated(actor, "purchase_order", po.ID, before, poSnapshot(po))
		batch.transition("purchase_order", string(POStatusAcknowledged))
		batch.transition("ack", string(AckStatusAcknowledged))
		out = po
		return nil
	})
	return out, err
}

// Decline records the supplier's rejection and cancels the purchase order.
func (s *Service) Decline(ctx context.Context, poID int64, reason string, actor *shared.Actor) (PurchaseOrder, error) {
	reason = strings.TrimSpace(reason)
	var out PurchaseOrder
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		po, err := s.lockForSupplier(ctx, tx, poID, actor, AckStatusDeclined)
		if err != nil {
			return err
		}
		if !po.Status.CanTransitionTo(POStatusCancelled) {
			return newValidation(ErrInvalidTransition, "status", fmt.Sprintf("purchase order is %s", po.Status))
		}
		if po.RFQID != nil {
			if _, err := tx.LockRFQ(ctx, *po.RFQID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		before := poSnapshot(po)
		now := s.now()
		po.Status = POStatusCancelled
		po.AckStatus = AckStatusDeclined
		po.AckReason = reason
		po.AcknowledgedAt = timePtr(now)
		po.CancelledAt = timePtr(now)
		if err := tx.UpdatePurchaseOrderState(ctx, po); err != nil {
			return err
		}
		if err := s.releaseAwards(ctx, tx, po, actor, batch); err != nil {
			return err
		}
		summary := fmt.Sprintf("Purchase order %s declined by %s", po.Number, actor.Name)
		if _, err := s.recordEvent(ctx, tx, po, eventInput{
			Type:        EventDeclined,
			Summary:     summary,
			Description: reason,
			Meta:        map[string]any{"reason": reason},
			Actor:       actor,
			OccurredAt:  timePtr(now),
		}); err != nil {
			return err
		}
		batch.updated(actor, "purchase_order", po.ID, before, poSnapshot(po))
		batch.transition("purchase_order", string(POStatusCancelled))
		batch.transition("ack", string(AckStatusDeclined))
		out = po
		return nil
	})
	return out, err
}

// lockForSupplier locks the order and checks that actor speaks for its
// supplier and that the acknowledgement track allows next.
func (s *Service) lockForSupplier(ctx context.Context, tx TxRepository, poID int64, actor *shared.Actor, next AckStatus) (PurchaseOrder, error) {
	if actor == nil {
		return PurchaseOrder{}, unauthorized()
	}
	po, err := tx.LockPurchaseOrder(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	supplierCompany, err := resolveSupplierCompany(ctx, tx, po)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if supplierCompany == 0 || actor.CompanyID != supplierCompany {
		return PurchaseOrder{}, unauthorized()
	}
	if po.AckStatus != AckStatusSent || !po.AckStatus.CanTransitionTo(next) {
		return PurchaseOrder{}, newValidation(ErrInvalidTransition, "ack_status", "purchase order is not awaiting acknowledgement")
	}
	return po, nil
}

// Cancel cancels a draft or sent purchase order and returns its awards to the pool.
func (s *Service) Cancel(ctx context.Context, poID int64, actor *shared.Actor) (PurchaseOrder, error) {
	var out PurchaseOrder
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		po, err := tx.LockPurchaseOrder(ctx, poID)
		if err != nil {
			return err
		}
		if err := guardBuyer(actor, po.CompanyID); err != nil {
			return err
		}
		if po.RFQID != nil {
			if _, err := tx.LockRFQ(ctx, *po.RFQID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if !po.Status.CanTransitionTo(POStatusCancelled) {
			return newValidation(ErrInvalidTransition, "status", "only draft or sent purchase orders can be cancelled")
		}
		before := poSnapshot(po)
		now := s.now()
		po.Status = POStatusCancelled
		po.CancelledAt = timePtr(now)
		if err := tx.UpdatePurchaseOrderState(ctx, po); err != nil {
			return err
		}
		if err := s.releaseAwards(ctx, tx, po, actor, batch); err != nil {
			return err
		}
		if _, err := s.recordEvent(ctx, tx, po, eventInput{
			Type:       EventCancelled,
			Summary:    fmt.Sprintf("Purchase order %s cancelled", po.Number),
			Actor:      actor,
			OccurredAt: timePtr(now),
		}); err != nil {
			return err
		}
		batch.updated(actor, "purchase_order", po.ID, before, poSnapshot(po))
		batch.transition("purchase_order", string(POStatusCancelled))
		out = po
		return nil
	})
	return out, err
}

// releaseAwards cancels the active awards of po, returns their quote items to
// pending and recomputes the coverage of every touched quote and RFQ.
func (s *Service) releaseAwards(ctx context.Context, tx TxRepository, po PurchaseOrder, actor *shared.Actor, batch *auditBatch) error {
	awards, err := tx.LockAwardsForPurchaseOrder(ctx, po.ID)
	if err != nil {
		return err
	}
	quotes := make(map[int64]struct{})
	rfqs := make(map[int64]struct{})
	for _, a := range awards {
		if err := tx.CancelAward(ctx, a.ID); err != nil {
			return err
		}
		batch.updated(actor, "rfq_item_award", a.ID,
			map[string]any{"status": string(a.Status)},
			map[string]any{"status": string(AwardStatusCancelled)})
		if a.QuoteItemID != nil {
			if err := tx.UpdateQuoteItemStatus(ctx, *a.QuoteItemID, QuoteItemStatusPending); err != nil {
				return err
			}
			batch.updated(actor, "quote_item", *a.QuoteItemID,
				map[string]any{"status": string(QuoteItemStatusAwarded)},
				map[string]any{"status": string(QuoteItemStatusPending)})
		}
		quotes[a.QuoteID] = struct{}{}
		rfqs[a.RFQID] = struct{}{}
	}
	for _, id := range sortedKeys(quotes) {
		total, awarded, err := tx.QuoteAwardCoverage(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.UpdateQuoteStatus(ctx, id, aggregateStatus(total, awarded)); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(rfqs) {
		total, awarded, err := tx.RFQAwardCoverage(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.UpdateRFQStatus(ctx, id, aggregateStatus(total, awarded)); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return uniqueIDs(ids)
}
