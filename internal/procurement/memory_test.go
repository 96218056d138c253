package procurement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/money"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

var errInjected = errors.New("injected failure")

// memoryProcRepo implements RepositoryPort and TxRepository over maps. WithTx
// restores a snapshot when the callback fails.
type memoryProcRepo struct {
	mu sync.Mutex

	nextID        int64
	pos           map[int64]PurchaseOrder
	lines         map[int64]Line
	taxes         map[int64]LineTax
	taxCodes      map[int64]money.TaxCode
	rfqs          map[int64]RFQ
	rfqItems      map[int64]RFQItem
	awards        map[int64]Award
	quotes        map[int64]Quote
	quoteItems    map[int64]QuoteItem
	suppliers     map[int64]int64
	events        []Event
	deliveries    map[int64]Delivery
	shipments     map[int64]Shipment
	shipmentLines map[int64]ShipmentLine

	failEvent string
}

func newMemoryProcRepo() *memoryProcRepo {
	return &memoryProcRepo{
		nextID:        1000,
		pos:           make(map[int64]PurchaseOrder),
		lines:         make(map[int64]Line),
		taxes:         make(map[int64]LineTax),
		taxCodes:      make(map[int64]money.TaxCode),
		rfqs:          make(map[int64]RFQ),
		rfqItems:      make(map[int64]RFQItem),
		awards:        make(map[int64]Award),
		quotes:        make(map[int64]Quote),
		quoteItems:    make(map[int64]QuoteItem),
		suppliers:     make(map[int64]int64),
		deliveries:    make(map[int64]Delivery),
		shipments:     make(map[int64]Shipment),
		shipmentLines: make(map[int64]ShipmentLine),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *memoryProcRepo) snapshot() *memoryProcRepo {
	return &memoryProcRepo{
		nextID:        r.nextID,
		pos:           cloneMap(r.pos),
		lines:         cloneMap(r.lines),
		taxes:         cloneMap(r.taxes),
		taxCodes:      cloneMap(r.taxCodes),
		rfqs:          cloneMap(r.rfqs),
		rfqItems:      cloneMap(r.rfqItems),
		awards:        cloneMap(r.awards),
		quotes:        cloneMap(r.quotes),
		quoteItems:    cloneMap(r.quoteItems),
		suppliers:     cloneMap(r.suppliers),
		events:        append([]Event(nil), r.events...),
		deliveries:    cloneMap(r.deliveries),
		shipments:     cloneMap(r.shipments),
		shipmentLines: cloneMap(r.shipmentLines),
	}
}

func (r *memoryProcRepo) restore(s *memoryProcRepo) {
	r.nextID = s.nextID
	r.pos, r.lines, r.taxes, r.taxCodes = s.pos, s.lines, s.taxes, s.taxCodes
	r.rfqs, r.rfqItems, r.awards = s.rfqs, s.rfqItems, s.awards
	r.quotes, r.quoteItems, r.suppliers = s.quotes, s.quoteItems, s.suppliers
	r.events, r.deliveries = s.events, s.deliveries
	r.shipments, r.shipmentLines = s.shipments, s.shipmentLines
}

func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := r.snapshot()
	if err := fn(ctx, r); err != nil {
		r.restore(saved)
		return err
	}
	return nil
}

func (r *memoryProcRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryProcRepo) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := r.pos[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return po, nil
}

func (r *memoryProcRepo) LockPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return r.GetPurchaseOrder(ctx, id)
}

func (r *memoryProcRepo) SharePurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return r.GetPurchaseOrder(ctx, id)
}

func (r *memoryProcRepo) LockPurchaseOrdersByRFQ(ctx context.Context, rfqID int64) ([]PurchaseOrder, error) {
	var out []PurchaseOrder
	for _, po := range r.pos {
		if po.RFQID != nil && *po.RFQID == rfqID {
			out = append(out, po)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryProcRepo) ListPurchaseOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	var out []PurchaseOrder
	for _, po := range r.pos {
		if filters.CompanyID != 0 && po.CompanyID != filters.CompanyID {
			continue
		}
		if filters.Status != "" && po.Status != filters.Status {
			continue
		}
		out = append(out, po)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r *memoryProcRepo) PurchaseOrderNumberExists(ctx context.Context, number string) (bool, error) {
	for _, po := range r.pos {
		if po.Number == number {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryProcRepo) InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	po.ID = r.id()
	r.pos[po.ID] = po
	return po.ID, nil
}

func (r *memoryProcRepo) UpdatePurchaseOrderState(ctx context.Context, po PurchaseOrder) error {
	current := r.pos[po.ID]
	current.Status = po.Status
	current.AckStatus = po.AckStatus
	current.AckReason = po.AckReason
	current.SupplierID = po.SupplierID
	current.SentAt = po.SentAt
	current.AcknowledgedAt = po.AcknowledgedAt
	current.CancelledAt = po.CancelledAt
	r.pos[po.ID] = current
	return nil
}

func (r *memoryProcRepo) UpdatePurchaseOrderTotals(ctx context.Context, po PurchaseOrder) error {
	current := r.pos[po.ID]
	current.Subtotal, current.SubtotalMinor = po.Subtotal, po.SubtotalMinor
	current.TaxTotal, current.TaxTotalMinor = po.TaxTotal, po.TaxTotalMinor
	current.Total, current.TotalMinor = po.Total, po.TotalMinor
	r.pos[po.ID] = current
	return nil
}

func (r *memoryProcRepo) SupplierCompanyID(ctx context.Context, supplierID int64) (int64, error) {
	companyID, ok := r.suppliers[supplierID]
	if !ok {
		return 0, ErrNotFound
	}
	return companyID, nil
}

func (r *memoryProcRepo) withTaxes(line Line) Line {
	line.Taxes = nil
	for _, tax := range r.taxes {
		if tax.LineID == line.ID {
			line.Taxes = append(line.Taxes, tax)
		}
	}
	sort.Slice(line.Taxes, func(i, j int) bool {
		if line.Taxes[i].Sequence != line.Taxes[j].Sequence {
			return line.Taxes[i].Sequence < line.Taxes[j].Sequence
		}
		return line.Taxes[i].ID < line.Taxes[j].ID
	})
	return line
}

func (r *memoryProcRepo) ListLines(ctx context.Context, poID int64) ([]Line, error) {
	var out []Line
	for _, line := range r.lines {
		if line.PurchaseOrderID == poID {
			out = append(out, r.withTaxes(line))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNo < out[j].LineNo })
	return out, nil
}

func (r *memoryProcRepo) LockLines(ctx context.Context, ids []int64) ([]Line, error) {
	var out []Line
	for _, id := range ids {
		if line, ok := r.lines[id]; ok {
			out = append(out, r.withTaxes(line))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryProcRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	line.ID = r.id()
	line.Taxes = nil
	r.lines[line.ID] = line
	return line.ID, nil
}

func (r *memoryProcRepo) UpdateLine(ctx context.Context, line Line) error {
	current := r.lines[line.ID]
	current.Description = line.Description
	current.Quantity = line.Quantity
	current.UnitPrice = line.UnitPrice
	current.UnitPriceMinor = line.UnitPriceMinor
	r.lines[line.ID] = current
	return nil
}

func (r *memoryProcRepo) InsertLineTax(ctx context.Context, tax LineTax) (int64, error) {
	tax.ID = r.id()
	r.taxes[tax.ID] = tax
	return tax.ID, nil
}

func (r *memoryProcRepo) UpdateLineTax(ctx context.Context, tax LineTax) error {
	r.taxes[tax.ID] = tax
	return nil
}

func (r *memoryProcRepo) DeleteLineTax(ctx context.Context, id int64) error {
	delete(r.taxes, id)
	return nil
}

func (r *memoryProcRepo) LoadTaxCodes(ctx context.Context, companyID int64, ids []int64) (map[int64]money.TaxCode, error) {
	out := make(map[int64]money.TaxCode)
	for _, id := range ids {
		if code, ok := r.taxCodes[id]; ok && code.CompanyID == companyID {
			out[id] = code
		}
	}
	return out, nil
}

func (r *memoryProcRepo) LockRFQ(ctx context.Context, id int64) (RFQ, error) {
	rfq, ok := r.rfqs[id]
	if !ok {
		return RFQ{}, ErrNotFound
	}
	return rfq, nil
}

func (r *memoryProcRepo) GetRFQItem(ctx context.Context, id int64) (RFQItem, error) {
	item, ok := r.rfqItems[id]
	if !ok {
		return RFQItem{}, ErrNotFound
	}
	return item, nil
}

func (r *memoryProcRepo) filterAwards(keep func(Award) bool) []Award {
	var out []Award
	for _, a := range r.awards {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryProcRepo) LockAwards(ctx context.Context, ids []int64) ([]Award, error) {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return r.filterAwards(func(a Award) bool { return set[a.ID] }), nil
}

func (r *memoryProcRepo) LockOpenAwards(ctx context.Context, rfqID int64) ([]Award, error) {
	return r.filterAwards(func(a Award) bool {
		return a.RFQID == rfqID && a.Status == AwardStatusAwarded && a.POID == nil
	}), nil
}

func (r *memoryProcRepo) LockAwardsForPurchaseOrder(ctx context.Context, poID int64) ([]Award, error) {
	return r.filterAwards(func(a Award) bool {
		return a.POID != nil && *a.POID == poID && a.Status == AwardStatusAwarded
	}), nil
}

func (r *memoryProcRepo) StampAward(ctx context.Context, awardID, poID, lineID int64) error {
	a := r.awards[awardID]
	a.POID = int64Ptr(poID)
	a.POLineID = int64Ptr(lineID)
	r.awards[awardID] = a
	return nil
}

func (r *memoryProcRepo) CancelAward(ctx context.Context, id int64) error {
	a := r.awards[id]
	a.Status = AwardStatusCancelled
	r.awards[id] = a
	return nil
}

func (r *memoryProcRepo) GetQuote(ctx context.Context, id int64) (Quote, error) {
	q, ok := r.quotes[id]
	if !ok {
		return Quote{}, ErrNotFound
	}
	return q, nil
}

func (r *memoryProcRepo) GetQuoteItem(ctx context.Context, id int64) (QuoteItem, error) {
	item, ok := r.quoteItems[id]
	if !ok {
		return QuoteItem{}, ErrNotFound
	}
	return item, nil
}

func (r *memoryProcRepo) ListQuoteItems(ctx context.Context, quoteID int64) ([]QuoteItem, error) {
	var out []QuoteItem
	for _, item := range r.quoteItems {
		if item.QuoteID == quoteID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryProcRepo) UpdateQuoteItemStatus(ctx context.Context, id int64, status QuoteItemStatus) error {
	item := r.quoteItems[id]
	item.Status = status
	r.quoteItems[id] = item
	return nil
}

func (r *memoryProcRepo) QuoteAwardCoverage(ctx context.Context, quoteID int64) (int, int, error) {
	var total, awarded int
	for _, item := range r.quoteItems {
		if item.QuoteID != quoteID {
			continue
		}
		total++
		if item.Status == QuoteItemStatusAwarded {
			awarded++
		}
	}
	return total, awarded, nil
}

func (r *memoryProcRepo) UpdateQuoteStatus(ctx context.Context, id int64, status AggregateStatus) error {
	q := r.quotes[id]
	q.Status = status
	r.quotes[id] = q
	return nil
}

func (r *memoryProcRepo) RFQAwardCoverage(ctx context.Context, rfqID int64) (int, int, error) {
	var total, awarded int
	for _, item := range r.rfqItems {
		if item.RFQID != rfqID {
			continue
		}
		total++
		for _, a := range r.awards {
			if a.RFQItemID == item.ID && a.Status == AwardStatusAwarded {
				awarded++
				break
			}
		}
	}
	return total, awarded, nil
}

func (r *memoryProcRepo) UpdateRFQStatus(ctx context.Context, id int64, status AggregateStatus) error {
	rfq := r.rfqs[id]
	rfq.Status = status
	r.rfqs[id] = rfq
	return nil
}

func (r *memoryProcRepo) InsertEvent(ctx context.Context, evt Event) (int64, error) {
	if r.failEvent != "" && evt.Type == r.failEvent {
		return 0, errInjected
	}
	evt.ID = r.id()
	r.events = append(r.events, evt)
	return evt.ID, nil
}

func (r *memoryProcRepo) ListEvents(ctx context.Context, poID int64) ([]Event, error) {
	var out []Event
	for _, evt := range r.events {
		if evt.PurchaseOrderID == poID {
			out = append(out, evt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (r *memoryProcRepo) eventTypes(poID int64) []string {
	var types []string
	for _, evt := range r.events {
		if evt.PurchaseOrderID == poID {
			types = append(types, evt.Type)
		}
	}
	return types
}

func (r *memoryProcRepo) InsertDelivery(ctx context.Context, d Delivery) (int64, error) {
	d.ID = r.id()
	r.deliveries[d.ID] = d
	return d.ID, nil
}

func (r *memoryProcRepo) ListDeliveries(ctx context.Context, poID int64) ([]Delivery, error) {
	var out []Delivery
	for _, d := range r.deliveries {
		if d.PurchaseOrderID == poID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryProcRepo) sumShipped(keep func(Shipment, ShipmentLine) bool) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal)
	for _, line := range r.shipmentLines {
		sh := r.shipments[line.ShipmentID]
		if keep(sh, line) {
			out[line.LineID] = out[line.LineID].Add(line.QtyShipped)
		}
	}
	return out
}

func (r *memoryProcRepo) ShippedQuantities(ctx context.Context, lineIDs []int64) (map[int64]decimal.Decimal, error) {
	set := make(map[int64]bool, len(lineIDs))
	for _, id := range lineIDs {
		set[id] = true
	}
	return r.sumShipped(func(sh Shipment, line ShipmentLine) bool {
		return set[line.LineID] && sh.Status != ShipmentStatusCancelled
	}), nil
}

func (r *memoryProcRepo) DeliveredQuantities(ctx context.Context, poID int64) (map[int64]decimal.Decimal, error) {
	return r.sumShipped(func(sh Shipment, _ ShipmentLine) bool {
		return sh.PurchaseOrderID == poID && sh.Status == ShipmentStatusDelivered
	}), nil
}

func (r *memoryProcRepo) ShipmentNumberExists(ctx context.Context, number string) (bool, error) {
	for _, sh := range r.shipments {
		if sh.Number == number {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryProcRepo) InsertShipment(ctx context.Context, sh Shipment) (int64, error) {
	sh.ID = r.id()
	sh.Lines = nil
	r.shipments[sh.ID] = sh
	return sh.ID, nil
}

func (r *memoryProcRepo) InsertShipmentLine(ctx context.Context, line ShipmentLine) (int64, error) {
	line.ID = r.id()
	r.shipmentLines[line.ID] = line
	return line.ID, nil
}

func (r *memoryProcRepo) withShipmentLines(sh Shipment) Shipment {
	sh.Lines = nil
	for _, line := range r.shipmentLines {
		if line.ShipmentID == sh.ID {
			sh.Lines = append(sh.Lines, line)
		}
	}
	sort.Slice(sh.Lines, func(i, j int) bool { return sh.Lines[i].ID < sh.Lines[j].ID })
	return sh
}

func (r *memoryProcRepo) GetShipment(ctx context.Context, id int64) (Shipment, error) {
	sh, ok := r.shipments[id]
	if !ok {
		return Shipment{}, ErrNotFound
	}
	return r.withShipmentLines(sh), nil
}

func (r *memoryProcRepo) LockShipment(ctx context.Context, id int64) (Shipment, error) {
	return r.GetShipment(ctx, id)
}

func (r *memoryProcRepo) ListShipments(ctx context.Context, poID int64) ([]Shipment, error) {
	var out []Shipment
	for _, sh := range r.shipments {
		if sh.PurchaseOrderID == poID {
			out = append(out, r.withShipmentLines(sh))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryProcRepo) UpdateShipmentStatus(ctx context.Context, sh Shipment) error {
	current := r.shipments[sh.ID]
	current.Status = sh.Status
	current.ShippedAt = sh.ShippedAt
	current.DeliveredAt = sh.DeliveredAt
	current.UpdatedBy = sh.UpdatedBy
	r.shipments[sh.ID] = current
	return nil
}

type recordedAudit struct {
	entity string
	id     int64
	before map[string]any
	after  map[string]any
}

type memoryAudit struct {
	created []recordedAudit
	updated []recordedAudit
}

func (a *memoryAudit) Created(ctx context.Context, actorID int64, entity string, id int64, extra map[string]any) {
	a.created = append(a.created, recordedAudit{entity: entity, id: id, after: extra})
}

func (a *memoryAudit) Updated(ctx context.Context, actorID int64, entity string, id int64, before, after map[string]any) {
	a.updated = append(a.updated, recordedAudit{entity: entity, id: id, before: before, after: after})
}

func (a *memoryAudit) entities() []string {
	var out []string
	for _, e := range a.created {
		out = append(out, "created:"+e.entity)
	}
	for _, e := range a.updated {
		out = append(out, "updated:"+e.entity)
	}
	return out
}

type stubDispatcher struct {
	calls [][2]int64
	err   error
}

func (d *stubDispatcher) DispatchDelivery(ctx context.Context, deliveryID, poID int64) error {
	d.calls = append(d.calls, [2]int64{deliveryID, poID})
	return d.err
}

type memoryIdempotency struct {
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[module+"/"+key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+"/"+key] = true
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key, module string) error {
	delete(m.keys, module+"/"+key)
	return nil
}

type countingMetrics struct {
	transitions map[string]int
}

func (m *countingMetrics) RecordTransition(machine, to string) {
	if m.transitions == nil {
		m.transitions = make(map[string]int)
	}
	m.transitions[machine+":"+to]++
}

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	repo        *memoryProcRepo
	audit       *memoryAudit
	dispatcher  *stubDispatcher
	idempotency *memoryIdempotency
	metrics     *countingMetrics
	svc         *Service
}

const (
	buyerCompany    int64 = 1
	supplierA       int64 = 10
	supplierACorp   int64 = 100
	supplierB       int64 = 20
	supplierBCorp   int64 = 200
	rfqID           int64 = 1
	itemWidget      int64 = 11
	itemGadget      int64 = 12
	quoteA          int64 = 31
	quoteB          int64 = 32
	quoteItemWidget int64 = 311
	quoteItemGadget int64 = 312
	quoteItemB      int64 = 321
	awardWidget     int64 = 41
	awardGadgetB    int64 = 42
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// newFixture seeds one RFQ with two items, quotes from two suppliers and one
// award per supplier.
func newFixture() *fixture {
	repo := newMemoryProcRepo()
	repo.suppliers[supplierA] = supplierACorp
	repo.suppliers[supplierB] = supplierBCorp
	repo.rfqs[rfqID] = RFQ{ID: rfqID, CompanyID: buyerCompany, Number: "RFQ-1", Status: AggregatePartiallyAwarded, Currency: "USD"}
	repo.rfqItems[itemWidget] = RFQItem{ID: itemWidget, RFQID: rfqID, LineNo: 1, Description: "Widget", Quantity: dec("10"), UOM: "pcs"}
	repo.rfqItems[itemGadget] = RFQItem{ID: itemGadget, RFQID: rfqID, LineNo: 2, Description: "Gadget", Quantity: dec("5"), UOM: "pcs"}
	repo.quotes[quoteA] = Quote{ID: quoteA, CompanyID: buyerCompany, RFQID: rfqID, SupplierID: supplierA, Currency: "USD", Status: AggregatePartiallyAwarded}
	repo.quotes[quoteB] = Quote{ID: quoteB, CompanyID: buyerCompany, RFQID: rfqID, SupplierID: supplierB, Currency: "USD", Status: AggregateAwarded}
	repo.quoteItems[quoteItemWidget] = QuoteItem{ID: quoteItemWidget, QuoteID: quoteA, RFQItemID: itemWidget, Quantity: dec("10"), UnitPrice: dec("2.50"), UnitPriceMinor: int64Ptr(250), Currency: "USD", Status: QuoteItemStatusAwarded}
	repo.quoteItems[quoteItemGadget] = QuoteItem{ID: quoteItemGadget, QuoteID: quoteA, RFQItemID: itemGadget, Quantity: dec("5"), UnitPrice: dec("7.00"), UnitPriceMinor: int64Ptr(700), Currency: "USD", Status: QuoteItemStatusPending}
	repo.quoteItems[quoteItemB] = QuoteItem{ID: quoteItemB, QuoteID: quoteB, RFQItemID: itemGadget, Quantity: dec("5"), UnitPrice: dec("6.00"), UnitPriceMinor: int64Ptr(600), Currency: "USD", Status: QuoteItemStatusAwarded}
	repo.awards[awardWidget] = Award{ID: awardWidget, CompanyID: buyerCompany, RFQID: rfqID, RFQItemID: itemWidget, SupplierID: supplierA, QuoteID: quoteA, QuoteItemID: int64Ptr(quoteItemWidget), Status: AwardStatusAwarded, AwardedQty: dec("10")}
	repo.awards[awardGadgetB] = Award{ID: awardGadgetB, CompanyID: buyerCompany, RFQID: rfqID, RFQItemID: itemGadget, SupplierID: supplierB, QuoteID: quoteB, QuoteItemID: int64Ptr(quoteItemB), Status: AwardStatusAwarded, AwardedQty: dec("5")}
	repo.taxCodes[1] = money.TaxCode{ID: 1, CompanyID: buyerCompany, Code: "VAT10", RatePercent: dec("10"), Sequence: 1}
	repo.taxCodes[2] = money.TaxCode{ID: 2, CompanyID: buyerCompany, Code: "LEVY5", RatePercent: dec("5"), Compound: true, Sequence: 2}
	repo.taxCodes[3] = money.TaxCode{ID: 3, CompanyID: 99, Code: "FOREIGN", RatePercent: dec("7"), Sequence: 1}

	f := &fixture{
		repo:        repo,
		audit:       &memoryAudit{},
		dispatcher:  &stubDispatcher{},
		idempotency: &memoryIdempotency{},
		metrics:     &countingMetrics{},
	}
	f.svc = NewService(ServiceConfig{
		Repo:        repo,
		Audit:       f.audit,
		Dispatcher:  f.dispatcher,
		Idempotency: f.idempotency,
		Metrics:     f.metrics,
		Clock:       func() time.Time { return fixedNow },
	})
	return f
}

func buyer() *shared.Actor {
	return &shared.Actor{ID: 7, Name: "Bea Buyer", Kind: shared.ActorBuyer, CompanyID: buyerCompany}
}

func supplierUser(companyID int64) *shared.Actor {
	return &shared.Actor{ID: 8, Name: "Sam Supplier", Kind: shared.ActorSupplier, CompanyID: companyID}
}
