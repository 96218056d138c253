package procurement

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/odyssey-erp/odyssey-procure/internal/money"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// ConvertAwardsInput selects the awards of one RFQ to turn into purchase orders.
type ConvertAwardsInput struct {
	RFQID    int64
	AwardIDs []int64
	Actor    *shared.Actor
}

// ConvertAwards converts the given awards into one draft purchase order per
// supplier. Either every award is converted or nothing is written.
func (s *Service) ConvertAwards(ctx context.Context, in ConvertAwardsInput) ([]PurchaseOrder, error) {
	ids := uniqueIDs(in.AwardIDs)
	if len(ids) == 0 {
		return nil, newValidation(nil, "awards", "at least one award is required")
	}
	var orders []PurchaseOrder
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		existing, rfq, err := s.lockRFQ(ctx, tx, in.RFQID, in.Actor)
		if err != nil {
			return err
		}
		awards, err := tx.LockAwards(ctx, ids)
		if err != nil {
			return err
		}
		found := make(map[int64]struct{}, len(awards))
		for _, a := range awards {
			found[a.ID] = struct{}{}
		}
		var problems fieldErrors
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				problems.add(ErrNotFound, awardField(id, "id"), "award not found")
			}
		}
		if err := problems.err(); err != nil {
			return err
		}
		orders, err = s.convert(ctx, tx, rfq, existing, awards, in.Actor, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ConvertRFQAwards converts every awarded, unconverted award of the RFQ. A
// second run finds nothing to convert and returns no orders.
func (s *Service) ConvertRFQAwards(ctx context.Context, rfqID int64, actor *shared.Actor) ([]PurchaseOrder, error) {
	var orders []PurchaseOrder
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		existing, rfq, err := s.lockRFQ(ctx, tx, rfqID, actor)
		if err != nil {
			return err
		}
		awards, err := tx.LockOpenAwards(ctx, rfqID)
		if err != nil {
			return err
		}
		if len(awards) == 0 {
			return nil
		}
		orders, err = s.convert(ctx, tx, rfq, existing, awards, actor, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// lockRFQ takes the purchase order locks before the RFQ lock.
func (s *Service) lockRFQ(ctx context.Context, tx TxRepository, rfqID int64, actor *shared.Actor) ([]PurchaseOrder, RFQ, error) {
	existing, err := tx.LockPurchaseOrdersByRFQ(ctx, rfqID)
	if err != nil {
		return nil, RFQ{}, err
	}
	rfq, err := tx.LockRFQ(ctx, rfqID)
	if err != nil {
		return nil, RFQ{}, err
	}
	if err := guardBuyer(actor, rfq.CompanyID); err != nil {
		return nil, RFQ{}, err
	}
	return existing, rfq, nil
}

func awardField(id int64, field string) string {
	return "awards." + strconv.FormatInt(id, 10) + "." + field
}

func validateAwards(rfq RFQ, awards []Award) error {
	var problems fieldErrors
	for _, a := range awards {
		switch {
		case a.RFQID != rfq.ID:
			problems.add(nil, awardField(a.ID, "rfq_id"), fmt.Sprintf("award does not belong to rfq %d", rfq.ID))
		case a.Status != AwardStatusAwarded:
			problems.add(ErrInvalidTransition, awardField(a.ID, "status"), fmt.Sprintf("award is %s", a.Status))
		case a.POID != nil:
			problems.add(nil, awardField(a.ID, "po_id"), "award is already converted")
		case a.QuoteItemID == nil:
			problems.add(nil, awardField(a.ID, "quote_item_id"), "award has no quote item")
		}
	}
	return problems.err()
}

func (s *Service) convert(ctx context.Context, tx TxRepository, rfq RFQ, existing []PurchaseOrder, awards []Award, actor *shared.Actor, batch *auditBatch) ([]PurchaseOrder, error) {
	if err := validateAwards(rfq, awards); err != nil {
		return nil, err
	}
	groups := make(map[int64][]Award)
	suppliers := make([]int64, 0)
	for _, a := range awards {
		if _, ok := groups[a.SupplierID]; !ok {
			suppliers = append(suppliers, a.SupplierID)
		}
		groups[a.SupplierID] = append(groups[a.SupplierID], a)
	}
	sort.Slice(suppliers, func(i, j int) bool { return suppliers[i] < suppliers[j] })

	cache := money.NewExponentCache(s.currencies)
	orders := make([]PurchaseOrder, 0, len(suppliers))
	for _, supplierID := range suppliers {
		group := groups[supplierID]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		po, created, err := s.resolveOrder(ctx, tx, rfq, existing, group[0], actor, batch)
		if err != nil {
			return nil, err
		}
		if created {
			existing = append(existing, po)
		}
		if err := s.appendAwardLines(ctx, tx, po, group, actor, batch); err != nil {
			return nil, err
		}
		awardIDs := make([]int64, len(group))
		for i, a := range group {
			awardIDs[i] = a.ID
		}
		if _, err := s.recordEvent(ctx, tx, po, eventInput{
			Type:    EventAwardsConverted,
			Summary: fmt.Sprintf("%d award(s) from RFQ %s converted", len(group), rfq.Number),
			Meta:    map[string]any{"rfq_id": rfq.ID, "supplier_id": supplierID, "award_ids": awardIDs},
			Actor:   actor,
		}); err != nil {
			return nil, err
		}
		po, err = s.recalculate(ctx, tx, po, cache, nil, batch, actor)
		if err != nil {
			return nil, err
		}
		orders = append(orders, po)
	}
	return orders, nil
}

// resolveOrder finds the purchase order for the RFQ and quote of first or
// creates a draft one.
func (s *Service) resolveOrder(ctx context.Context, tx TxRepository, rfq RFQ, existing []PurchaseOrder, first Award, actor *shared.Actor, batch *auditBatch) (PurchaseOrder, bool, error) {
	for _, po := range existing {
		if po.Status == POStatusCancelled || po.QuoteID == nil || *po.QuoteID != first.QuoteID {
			continue
		}
		if !po.Status.CanEdit() {
			return PurchaseOrder{}, false, newValidation(ErrInvalidTransition, awardField(first.ID, "po_id"),
				fmt.Sprintf("purchase order %s is %s and cannot receive new lines", po.Number, po.Status))
		}
		if po.SupplierID == nil {
			before := poSnapshot(po)
			po.SupplierID = int64Ptr(first.SupplierID)
			if err := tx.UpdatePurchaseOrderState(ctx, po); err != nil {
				return PurchaseOrder{}, false, err
			}
			batch.updated(actor, "purchase_order", po.ID, before, poSnapshot(po))
		}
		return po, false, nil
	}

	quote, err := tx.GetQuote(ctx, first.QuoteID)
	if err != nil {
		return PurchaseOrder{}, false, err
	}
	if quote.RFQID != rfq.ID {
		return PurchaseOrder{}, false, inconsistent("quote %d does not belong to rfq %d", quote.ID, rfq.ID)
	}
	currency := quote.Currency
	if currency == "" {
		currency = rfq.Currency
	}
	po, err := s.createOrder(ctx, tx, PurchaseOrder{
		CompanyID:  rfq.CompanyID,
		Currency:   money.NormalizeCurrency(currency),
		RFQID:      int64Ptr(rfq.ID),
		QuoteID:    int64Ptr(quote.ID),
		SupplierID: int64Ptr(first.SupplierID),
	}, actor, batch)
	if err != nil {
		return PurchaseOrder{}, false, err
	}
	return po, true, nil
}

// createOrder allocates a number and inserts a draft purchase order.
func (s *Service) createOrder(ctx context.Context, tx TxRepository, po PurchaseOrder, actor *shared.Actor, batch *auditBatch) (PurchaseOrder, error) {
	number, err := s.numbers.PurchaseOrderNumber(ctx, tx)
	if err != nil {
		return PurchaseOrder{}, err
	}
	now := s.now()
	po.Number = number
	po.Status = POStatusDraft
	po.AckStatus = AckStatusNone
	po.RevisionNo = 1
	po.CreatedBy = shared.IDOf(actor)
	po.CreatedAt = now
	po.UpdatedAt = now
	id, err := tx.InsertPurchaseOrder(ctx, po)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.ID = id
	if _, err := s.recordEvent(ctx, tx, po, eventInput{
		Type:    EventCreated,
		Summary: fmt.Sprintf("Purchase order %s created", po.Number),
		Meta:    map[string]any{"rfq_id": derefID(po.RFQID), "quote_id": derefID(po.QuoteID), "supplier_id": derefID(po.SupplierID)},
		Actor:   actor,
	}); err != nil {
		return PurchaseOrder{}, err
	}
	batch.created(actor, "purchase_order", po.ID, map[string]any{"number": po.Number, "currency": po.Currency})
	batch.transition("purchase_order", string(POStatusDraft))
	return po, nil
}

func (s *Service) appendAwardLines(ctx context.Context, tx TxRepository, po PurchaseOrder, group []Award, actor *shared.Actor, batch *auditBatch) error {
	lines, err := tx.ListLines(ctx, po.ID)
	if err != nil {
		return err
	}
	byItem := make(map[int64]int64, len(lines))
	nextNo := 1
	for _, line := range lines {
		if line.RFQItemID != nil {
			byItem[*line.RFQItemID] = line.ID
		}
		if line.LineNo >= nextNo {
			nextNo = line.LineNo + 1
		}
	}

	for _, a := range group {
		lineID, ok := byItem[a.RFQItemID]
		if !ok {
			line, err := s.awardLine(ctx, tx, po, a)
			if err != nil {
				return err
			}
			line.LineNo = nextNo
			lineID, err = tx.InsertLine(ctx, line)
			if err != nil {
				return err
			}
			nextNo++
			byItem[a.RFQItemID] = lineID
			batch.created(actor, "purchase_order_line", lineID, map[string]any{
				"purchase_order_id": po.ID,
				"line_no":           line.LineNo,
				"rfq_item_id":       a.RFQItemID,
				"quantity":          line.Quantity.String(),
			})
		}
		if err := tx.StampAward(ctx, a.ID, po.ID, lineID); err != nil {
			return err
		}
		batch.updated(actor, "rfq_item_award", a.ID,
			map[string]any{"po_id": derefID(a.POID), "po_line_id": derefID(a.POLineID)},
			map[string]any{"po_id": po.ID, "po_line_id": lineID})
	}
	return nil
}

func (s *Service) awardLine(ctx context.Context, tx TxRepository, po PurchaseOrder, a Award) (Line, error) {
	item, err := tx.GetRFQItem(ctx, a.RFQItemID)
	if err != nil {
		return Line{}, err
	}
	if item.RFQID != a.RFQID {
		return Line{}, inconsistent("rfq item %d does not belong to rfq %d", item.ID, a.RFQID)
	}
	quoteItem, err := tx.GetQuoteItem(ctx, *a.QuoteItemID)
	if err != nil {
		return Line{}, err
	}
	if quoteItem.RFQItemID != a.RFQItemID || quoteItem.QuoteID != a.QuoteID {
		return Line{}, inconsistent("quote item %d does not match award %d", quoteItem.ID, a.ID)
	}
	qty := a.AwardedQty
	if !qty.IsPositive() {
		qty = quoteItem.Quantity
	}
	if !qty.IsPositive() {
		qty = item.Quantity
	}
	currency := quoteItem.Currency
	if currency == "" {
		currency = po.Currency
	}
	delivery := quoteItem.DeliveryDate
	if delivery == nil {
		delivery = item.DeliveryDate
	}
	return Line{
		PurchaseOrderID: po.ID,
		Description:     item.Description,
		Quantity:        qty,
		UOM:             item.UOM,
		UnitPrice:       quoteItem.UnitPrice,
		UnitPriceMinor:  quoteItem.UnitPriceMinor,
		Currency:        money.NormalizeCurrency(currency),
		RFQItemID:       int64Ptr(item.ID),
		AwardID:         int64Ptr(a.ID),
		DeliveryDate:    delivery,
	}, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
