package procurement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/money"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// CreateFromQuoteInput creates a draft order directly from a supplier quote.
type CreateFromQuoteInput struct {
	QuoteID int64         `json:"quote_id" validate:"required,gt=0"`
	Actor   *shared.Actor `json:"-"`
}

// CreateFromQuote builds a draft purchase order with one line per quote item.
func (s *Service) CreateFromQuote(ctx context.Context, in CreateFromQuoteInput) (PurchaseOrder, error) {
	if err := validate.Struct(in); err != nil {
		return PurchaseOrder{}, structErrors(err)
	}
	var out PurchaseOrder
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		quote, err := tx.GetQuote(ctx, in.QuoteID)
		if err != nil {
			return err
		}
		if err := guardBuyer(in.Actor, quote.CompanyID); err != nil {
			return err
		}
		items, err := tx.ListQuoteItems(ctx, quote.ID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return newValidation(nil, "quote_id", "quote has no items")
		}
		po, err := s.createOrder(ctx, tx, PurchaseOrder{
			CompanyID:  quote.CompanyID,
			Currency:   money.NormalizeCurrency(quote.Currency),
			RFQID:      nonZero(quote.RFQID),
			QuoteID:    int64Ptr(quote.ID),
			SupplierID: int64Ptr(quote.SupplierID),
		}, in.Actor, batch)
		if err != nil {
			return err
		}
		for i, item := range items {
			rfqItem, err := tx.GetRFQItem(ctx, item.RFQItemID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			currency := item.Currency
			if currency == "" {
				currency = po.Currency
			}
			delivery := item.DeliveryDate
			if delivery == nil {
				delivery = rfqItem.DeliveryDate
			}
			line := Line{
				PurchaseOrderID: po.ID,
				LineNo:          i + 1,
				Description:     rfqItem.Description,
				Quantity:        item.Quantity,
				UOM:             rfqItem.UOM,
				UnitPrice:       item.UnitPrice,
				UnitPriceMinor:  item.UnitPriceMinor,
				Currency:        money.NormalizeCurrency(currency),
				RFQItemID:       nonZero(item.RFQItemID),
				DeliveryDate:    delivery,
			}
			if line.Description == "" {
				line.Description = fmt.Sprintf("Quote item %d", item.ID)
			}
			id, err := tx.InsertLine(ctx, line)
			if err != nil {
				return err
			}
			batch.created(in.Actor, "purchase_order_line", id, map[string]any{"purchase_order_id": po.ID, "line_no": line.LineNo})
		}
		out, err = s.recalculate(ctx, tx, po, money.NewExponentCache(s.currencies), nil, batch, in.Actor)
		return err
	})
	return out, err
}

// UpdateLineInput edits a line of a draft order. Nil fields are left unchanged.
type UpdateLineInput struct {
	PurchaseOrderID int64            `json:"-"`
	LineID          int64            `json:"-"`
	Description     *string          `json:"description" validate:"omitempty,max=500"`
	Quantity        *decimal.Decimal `json:"quantity"`
	UnitPrice       *decimal.Decimal `json:"unit_price"`
	TaxCodeIDs      []int64          `json:"tax_code_ids" validate:"omitempty,dive,gt=0"`
	Actor           *shared.Actor    `json:"-"`
}

// UpdateLine applies a draft line edit and recalculates the order.
func (s *Service) UpdateLine(ctx context.Context, in UpdateLineInput) (PurchaseOrder, error) {
	if err := validate.Struct(in); err != nil {
		return PurchaseOrder{}, structErrors(err)
	}
	var problems fieldErrors
	if in.Quantity != nil && !in.Quantity.IsPositive() {
		problems.add(nil, "quantity", "must be greater than zero")
	}
	if in.UnitPrice != nil && in.UnitPrice.IsNegative() {
		problems.add(nil, "unit_price", "must not be negative")
	}
	if err := problems.err(); err != nil {
		return PurchaseOrder{}, err
	}

	var out PurchaseOrder
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		po, err := tx.LockPurchaseOrder(ctx, in.PurchaseOrderID)
		if err != nil {
			return err
		}
		if err := guardBuyer(in.Actor, po.CompanyID); err != nil {
			return err
		}
		if !po.Status.CanEdit() {
			return newValidation(ErrInvalidTransition, "status", "only draft purchase orders can be edited")
		}
		locked, err := tx.LockLines(ctx, []int64{in.LineID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return ErrNotFound
		}
		line := locked[0]
		if line.PurchaseOrderID != po.ID {
			return inconsistent("line %d does not belong to purchase order %s", line.ID, po.Number)
		}

		if in.Quantity != nil {
			shipped, err := tx.ShippedQuantities(ctx, []int64{line.ID})
			if err != nil {
				return err
			}
			if in.Quantity.LessThan(shipped[line.ID]) {
				return newValidation(ErrInsufficientRemaining, "quantity", fmt.Sprintf("quantity %s is below shipped quantity %s",
					in.Quantity.StringFixed(2), shipped[line.ID].StringFixed(2)))
			}
		}

		before := lineSnapshot(line)
		if in.Description != nil {
			line.Description = *in.Description
		}
		if in.Quantity != nil {
			line.Quantity = *in.Quantity
		}
		if in.UnitPrice != nil {
			cache := money.NewExponentCache(s.currencies)
			exponent, err := cache.Exponent(ctx, po.Currency)
			if err != nil {
				return err
			}
			minor := money.ToMinor(*in.UnitPrice, exponent)
			if !in.UnitPrice.Equal(money.ToDecimal(minor, exponent)) {
				return newValidation(nil, "unit_price", fmt.Sprintf("unit price %s has more than %d decimals for %s",
					in.UnitPrice.String(), exponent, po.Currency))
			}
			line.UnitPriceMinor = int64Ptr(minor)
			line.UnitPrice = money.ToDecimal(minor, exponent)
		}
		if err := tx.UpdateLine(ctx, line); err != nil {
			return err
		}
		var overrides map[int64][]int64
		if in.TaxCodeIDs != nil {
			overrides = map[int64][]int64{line.ID: in.TaxCodeIDs}
		}
		after := lineSnapshot(line)
		if in.TaxCodeIDs != nil {
			after["tax_code_ids"] = in.TaxCodeIDs
		}
		if _, err := s.recordEvent(ctx, tx, po, eventInput{
			Type:    EventLineUpdated,
			Summary: fmt.Sprintf("Line %d updated", line.LineNo),
			Meta:    map[string]any{"line_id": line.ID, "changes": shared.Diff(before, after)},
			Actor:   in.Actor,
		}); err != nil {
			return err
		}
		batch.updated(in.Actor, "purchase_order_line", line.ID, before, after)
		out, err = s.recalculate(ctx, tx, po, money.NewExponentCache(s.currencies), overrides, batch, in.Actor)
		return err
	})
	return out, err
}

func lineSnapshot(line Line) map[string]any {
	return map[string]any{
		"description":  line.Description,
		"quantity":     line.Quantity.String(),
		"unit_price":   line.UnitPrice.String(),
		"tax_code_ids": line.TaxCodeIDs(),
	}
}

func nonZero(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// PurchaseOrderView is a purchase order with its lines.
type PurchaseOrderView struct {
	PurchaseOrder
	Lines []Line `json:"lines"`
}

// GetPurchaseOrder returns an order visible to actor.
func (s *Service) GetPurchaseOrder(ctx context.Context, id int64, actor *shared.Actor) (PurchaseOrderView, error) {
	po, err := s.visibleOrder(ctx, id, actor)
	if err != nil {
		return PurchaseOrderView{}, err
	}
	lines, err := s.repo.ListLines(ctx, po.ID)
	if err != nil {
		return PurchaseOrderView{}, err
	}
	return PurchaseOrderView{PurchaseOrder: po, Lines: lines}, nil
}

// ListPurchaseOrders lists the orders of the actor's company.
func (s *Service) ListPurchaseOrders(ctx context.Context, filters ListFilters, actor *shared.Actor) ([]PurchaseOrder, shared.Pagination, error) {
	if actor != nil {
		if actor.Kind == shared.ActorSupplier {
			return nil, shared.Pagination{}, unauthorized()
		}
		filters.CompanyID = actor.CompanyID
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, shared.Pagination{}, newValidation(nil, "status", fmt.Sprintf("unknown status %s", filters.Status))
	}
	items, total, err := s.repo.ListPurchaseOrders(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

// ListEvents returns the timeline of an order ordered by occurrence.
func (s *Service) ListEvents(ctx context.Context, poID int64, actor *shared.Actor) ([]Event, error) {
	if _, err := s.visibleOrder(ctx, poID, actor); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, poID)
}

// ListShipments returns the shipments of an order with their lines.
func (s *Service) ListShipments(ctx context.Context, poID int64, actor *shared.Actor) ([]Shipment, error) {
	if _, err := s.visibleOrder(ctx, poID, actor); err != nil {
		return nil, err
	}
	return s.repo.ListShipments(ctx, poID)
}

// ListDeliveries returns the outbound deliveries of an order.
func (s *Service) ListDeliveries(ctx context.Context, poID int64, actor *shared.Actor) ([]Delivery, error) {
	po, err := s.visibleOrder(ctx, poID, actor)
	if err != nil {
		return nil, err
	}
	if shared.KindOf(actor) == shared.ActorSupplier {
		return nil, unauthorized()
	}
	return s.repo.ListDeliveries(ctx, po.ID)
}

// visibleOrder loads an order the buyer company or its supplier may see.
func (s *Service) visibleOrder(ctx context.Context, id int64, actor *shared.Actor) (PurchaseOrder, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if actor == nil || actor.CompanyID == 0 {
		return po, nil
	}
	if actor.Kind != shared.ActorSupplier {
		if actor.CompanyID != po.CompanyID {
			return PurchaseOrder{}, unauthorized()
		}
		return po, nil
	}
	if po.Status == POStatusDraft {
		return PurchaseOrder{}, unauthorized()
	}
	supplierCompany, err := resolveSupplierCompany(ctx, s.repo, po)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if supplierCompany == 0 || supplierCompany != actor.CompanyID {
		return PurchaseOrder{}, unauthorized()
	}
	return po, nil
}
