package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

const shipmentIdempotencyModule = "procurement.shipment"

// ShipmentLineInput requests a quantity of one purchase order line.
type ShipmentLineInput struct {
	LineID   int64           `json:"purchase_order_line_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"qty"`
}

// CreateShipmentInput describes a new shipment against a purchase order.
type CreateShipmentInput struct {
	PurchaseOrderID int64               `json:"-"`
	Carrier         string              `json:"carrier" validate:"max=120"`
	TrackingNumber  string              `json:"tracking_number" validate:"max=120"`
	Lines           []ShipmentLineInput `json:"lines" validate:"dive"`
	IdempotencyKey  string              `json:"-"`
	Actor           *shared.Actor       `json:"-"`
}

// UpdateShipmentStatusInput moves a shipment through its lifecycle.
type UpdateShipmentStatusInput struct {
	ShipmentID int64          `json:"-"`
	Status     ShipmentStatus `json:"status" validate:"required,oneof=pending in_transit delivered cancelled"`
	// DeliveredAt backdates a delivery. Ignored for other statuses.
	DeliveredAt *time.Time    `json:"delivered_at"`
	Actor       *shared.Actor `json:"-"`
}

// normalizeShipmentLines drops non-positive quantities and merges repeated
// lines. The result is ordered by line id.
func normalizeShipmentLines(lines []ShipmentLineInput) []ShipmentLineInput {
	merged := make(map[int64]decimal.Decimal, len(lines))
	for _, l := range lines {
		if !l.Quantity.IsPositive() {
			continue
		}
		merged[l.LineID] = merged[l.LineID].Add(l.Quantity)
	}
	out := make([]ShipmentLineInput, 0, len(merged))
	for id, qty := range merged {
		out = append(out, ShipmentLineInput{LineID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineID < out[j].LineID })
	return out
}

// CreateShipment records a pending shipment of some remaining quantities.
func (s *Service) CreateShipment(ctx context.Context, in CreateShipmentInput) (Shipment, error) {
	if err := validate.Struct(in); err != nil {
		return Shipment{}, structErrors(err)
	}
	requested := normalizeShipmentLines(in.Lines)
	if len(requested) == 0 {
		return Shipment{}, newValidation(nil, "lines", "at least one line with a positive quantity is required")
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, shipmentIdempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Shipment{}, ErrDuplicateSubmission
			}
			return Shipment{}, err
		}
	}

	var out Shipment
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		po, err := tx.SharePurchaseOrder(ctx, in.PurchaseOrderID)
		if err != nil {
			return err
		}
		if po.Status == POStatusCancelled {
			return newValidation(ErrInvalidTransition, "status", "cancelled purchase orders cannot be shipped")
		}
		supplierCompany, err := resolveSupplierCompany(ctx, tx, po)
		if err != nil {
			return err
		}
		if supplierCompany == 0 {
			return inconsistent("purchase order %s has no resolvable supplier company", po.Number)
		}
		if in.Actor != nil {
			allowed := in.Actor.CompanyID == supplierCompany || (in.Actor.Kind == shared.ActorBuyer && in.Actor.CompanyID == po.CompanyID)
			if in.Actor.CompanyID != 0 && !allowed {
				return unauthorized()
			}
		}

		ids := make([]int64, len(requested))
		for i, r := range requested {
			ids[i] = r.LineID
		}
		locked, err := tx.LockLines(ctx, ids)
		if err != nil {
			return err
		}
		lines := make(map[int64]Line, len(locked))
		for _, l := range locked {
			lines[l.ID] = l
		}
		for _, r := range requested {
			line, ok := lines[r.LineID]
			if !ok || line.PurchaseOrderID != po.ID {
				return inconsistent("line %d does not belong to purchase order %s", r.LineID, po.Number)
			}
		}

		shipped, err := tx.ShippedQuantities(ctx, ids)
		if err != nil {
			return err
		}
		var problems fieldErrors
		for _, r := range requested {
			line := lines[r.LineID]
			field := lineKey(line.ID)
			remaining := line.Quantity.Sub(shipped[line.ID])
			switch {
			case !remaining.IsPositive():
				problems.add(ErrFullyShipped, field, fmt.Sprintf("line %d is fully shipped", line.LineNo))
			case r.Quantity.GreaterThan(remaining):
				problems.add(ErrInsufficientRemaining, field, fmt.Sprintf("requested quantity %s exceeds remaining quantity %s for line %d",
					r.Quantity.StringFixed(2), remaining.StringFixed(2), line.LineNo))
			}
		}
		if err := problems.err(); err != nil {
			return err
		}

		number, err := s.numbers.ShipmentNumber(ctx, tx, po.Number)
		if err != nil {
			return err
		}
		now := s.now()
		actorID := shared.IDOf(in.Actor)
		sh := Shipment{
			PurchaseOrderID:   po.ID,
			SupplierCompanyID: supplierCompany,
			Number:            number,
			Status:            ShipmentStatusPending,
			Carrier:           strings.TrimSpace(in.Carrier),
			TrackingNumber:    strings.TrimSpace(in.TrackingNumber),
			CreatedBy:         actorID,
			UpdatedBy:         actorID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		sh.ID, err = tx.InsertShipment(ctx, sh)
		if err != nil {
			return err
		}
		quantities := make(map[string]string, len(requested))
		for _, r := range requested {
			line := ShipmentLine{ShipmentID: sh.ID, LineID: r.LineID, QtyShipped: r.Quantity}
			line.ID, err = tx.InsertShipmentLine(ctx, line)
			if err != nil {
				return err
			}
			sh.Lines = append(sh.Lines, line)
			quantities[strconv.FormatInt(r.LineID, 10)] = r.Quantity.String()
		}
		if _, err := s.recordEvent(ctx, tx, po, eventInput{
			Type:    EventShipmentCreated,
			Summary: fmt.Sprintf("Shipment %s created", sh.Number),
			Meta: map[string]any{
				"shipment_id":     sh.ID,
				"shipment_number": sh.Number,
				"carrier":         sh.Carrier,
				"tracking_number": sh.TrackingNumber,
				"lines":           quantities,
			},
			Actor:      in.Actor,
			OccurredAt: timePtr(now),
		}); err != nil {
			return err
		}
		batch.created(in.Actor, "purchase_order_shipment", sh.ID, map[string]any{"purchase_order_id": po.ID, "number": sh.Number, "lines": quantities})
		batch.transition("shipment", string(ShipmentStatusPending))
		out = sh
		return nil
	})
	if err != nil {
		if key != "" && s.idempotency != nil {
			if derr := s.idempotency.Delete(ctx, key, shipmentIdempotencyModule); derr != nil {
				s.logger.Warn("release shipment idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
		return Shipment{}, err
	}
	return out, nil
}

// UpdateShipmentStatus moves a shipment forward. Delivering the last
// outstanding quantity fulfils the purchase order.
func (s *Service) UpdateShipmentStatus(ctx context.Context, in UpdateShipmentStatusInput) (Shipment, error) {
	if err := validate.Struct(in); err != nil {
		return Shipment{}, structErrors(err)
	}
	var out Shipment
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		current, err := tx.GetShipment(ctx, in.ShipmentID)
		if err != nil {
			return err
		}
		po, err := tx.LockPurchaseOrder(ctx, current.PurchaseOrderID)
		if err != nil {
			return err
		}
		sh, err := tx.LockShipment(ctx, in.ShipmentID)
		if err != nil {
			return err
		}
		if in.Actor != nil && in.Actor.CompanyID != 0 && in.Actor.CompanyID != sh.SupplierCompanyID && in.Actor.CompanyID != po.CompanyID {
			return unauthorized()
		}
		if sh.Status == in.Status {
			if sh.Status == ShipmentStatusDelivered {
				return newValidation(ErrAlreadyDelivered, "status", "shipment is already delivered")
			}
			out = sh
			return nil
		}
		if sh.Status.Terminal() {
			return newValidation(ErrInvalidTransition, "status", fmt.Sprintf("shipment is %s and can no longer change", sh.Status))
		}
		if !sh.Status.CanTransitionTo(in.Status) {
			return newValidation(ErrInvalidTransition, "status", fmt.Sprintf("shipment cannot move from %s to %s", sh.Status, in.Status))
		}

		before := map[string]any{"status": string(sh.Status)}
		now := s.now()
		occurred := now
		sh.Status = in.Status
		sh.UpdatedBy = shared.IDOf(in.Actor)
		sh.UpdatedAt = now
		switch in.Status {
		case ShipmentStatusInTransit:
			if sh.ShippedAt == nil {
				sh.ShippedAt = timePtr(now)
			}
		case ShipmentStatusDelivered:
			delivered := now
			if in.DeliveredAt != nil && !in.DeliveredAt.IsZero() {
				delivered = in.DeliveredAt.UTC()
			}
			sh.DeliveredAt = timePtr(delivered)
			occurred = delivered
		}
		if err := tx.UpdateShipmentStatus(ctx, sh); err != nil {
			return err
		}
		if _, err := s.recordEvent(ctx, tx, po, eventInput{
			Type:    EventShipmentStatus,
			Summary: fmt.Sprintf("Shipment %s is %s", sh.Number, strings.ReplaceAll(string(sh.Status), "_", " ")),
			Meta: map[string]any{
				"shipment_id":     sh.ID,
				"shipment_number": sh.Number,
				"from":            before["status"],
				"to":              string(sh.Status),
			},
			Actor:      in.Actor,
			OccurredAt: timePtr(occurred),
		}); err != nil {
			return err
		}
		batch.updated(in.Actor, "purchase_order_shipment", sh.ID, before, map[string]any{"status": string(sh.Status)})
		batch.transition("shipment", string(sh.Status))

		if sh.Status == ShipmentStatusDelivered {
			if err := s.fulfilIfDelivered(ctx, tx, po, in.Actor, occurred, batch); err != nil {
				return err
			}
		}
		out = sh
		return nil
	})
	return out, err
}

// fulfilIfDelivered moves po to fulfilled once delivered shipments cover every line.
func (s *Service) fulfilIfDelivered(ctx context.Context, tx TxRepository, po PurchaseOrder, actor *shared.Actor, at time.Time, batch *auditBatch) error {
	if !po.Status.CanTransitionTo(POStatusFulfilled) {
		return nil
	}
	lines, err := tx.ListLines(ctx, po.ID)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	delivered, err := tx.DeliveredQuantities(ctx, po.ID)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if delivered[line.ID].LessThan(line.Quantity) {
			return nil
		}
	}
	before := poSnapshot(po)
	po.Status = POStatusFulfilled
	if err := tx.UpdatePurchaseOrderState(ctx, po); err != nil {
		return err
	}
	if _, err := s.recordEvent(ctx, tx, po, eventInput{
		Type:       EventFulfilled,
		Summary:    fmt.Sprintf("Purchase order %s fulfilled", po.Number),
		Actor:      actor,
		OccurredAt: timePtr(at),
	}); err != nil {
		return err
	}
	batch.updated(actor, "purchase_order", po.ID, before, poSnapshot(po))
	batch.transition("purchase_order", string(POStatusFulfilled))
	return nil
}
