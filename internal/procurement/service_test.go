package procurement

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-procure/internal/money"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

func requireFields(t *testing.T, err error, fields ...string) *ValidationError {
	t.Helper()
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	for _, f := range fields {
		require.Contains(t, verr.Fields, f)
	}
	return verr
}

func convertAll(t *testing.T, f *fixture) []PurchaseOrder {
	t.Helper()
	orders, err := f.svc.ConvertRFQAwards(context.Background(), rfqID, buyer())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	return orders
}

func sendEmail(t *testing.T, f *fixture, poID int64) SendResult {
	t.Helper()
	res, err := f.svc.Send(context.Background(), poID, SendInput{
		Channel: ChannelEmail,
		To:      []string{"orders@supplier-a.example.com"},
		Actor:   buyer(),
	})
	require.NoError(t, err)
	return res
}

func firstLine(t *testing.T, f *fixture, poID int64) Line {
	t.Helper()
	lines, err := f.repo.ListLines(context.Background(), poID)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	return lines[0]
}

func TestConvertRFQAwardsCreatesOneOrderPerSupplier(t *testing.T) {
	f := newFixture()
	orders := convertAll(t, f)

	require.Equal(t, supplierA, *orders[0].SupplierID)
	require.Equal(t, supplierB, *orders[1].SupplierID)
	for _, po := range orders {
		require.Equal(t, POStatusDraft, po.Status)
		require.Equal(t, AckStatusNone, po.AckStatus)
		require.True(t, strings.HasPrefix(po.Number, "PO-"))
		require.Len(t, po.Number, len("PO-")+8)
		require.Equal(t, po.SubtotalMinor+po.TaxTotalMinor, po.TotalMinor)
	}
	require.Equal(t, int64(2500), orders[0].SubtotalMinor)
	require.True(t, orders[0].Total.Equal(dec("25")))
	require.Equal(t, int64(3000), orders[1].TotalMinor)

	award := f.repo.awards[awardWidget]
	require.NotNil(t, award.POID)
	require.Equal(t, orders[0].ID, *award.POID)
	line := firstLine(t, f, orders[0].ID)
	require.Equal(t, line.ID, *award.POLineID)
	require.Equal(t, 1, line.LineNo)
	require.Equal(t, "Widget", line.Description)

	require.Equal(t, []string{EventCreated, EventAwardsConverted, EventTotalsRecalculated}, f.repo.eventTypes(orders[0].ID))
	require.Contains(t, f.audit.entities(), "created:purchase_order")
	require.Contains(t, f.audit.entities(), "created:purchase_order_line")
	require.Contains(t, f.audit.entities(), "updated:rfq_item_award")
	require.Equal(t, 2, f.metrics.transitions["purchase_order:draft"])
}

func TestConvertRFQAwardsIsIdempotent(t *testing.T) {
	f := newFixture()
	convertAll(t, f)
	before := len(f.repo.pos)

	orders, err := f.svc.ConvertRFQAwards(context.Background(), rfqID, buyer())
	require.NoError(t, err)
	require.Empty(t, orders)
	require.Len(t, f.repo.pos, before)

	_, err = f.svc.ConvertAwards(context.Background(), ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{awardWidget}, Actor: buyer()})
	requireFields(t, err, "awards.41.po_id")
	require.Len(t, f.repo.pos, before)
}

func TestConvertAwardsReusesDraftAndContinuesLineNumbers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	orders, err := f.svc.ConvertAwards(ctx, ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{awardWidget}, Actor: buyer()})
	require.NoError(t, err)
	require.Len(t, orders, 1)

	f.repo.awards[43] = Award{ID: 43, CompanyID: buyerCompany, RFQID: rfqID, RFQItemID: itemGadget, SupplierID: supplierA, QuoteID: quoteA,
		QuoteItemID: int64Ptr(quoteItemGadget), Status: AwardStatusAwarded, AwardedQty: dec("5")}

	again, err := f.svc.ConvertAwards(ctx, ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{43}, Actor: buyer()})
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, orders[0].ID, again[0].ID)
	require.Equal(t, int64(6000), again[0].SubtotalMinor)
	require.True(t, again[0].Subtotal.Equal(dec("60.00")))

	lines, err := f.repo.ListLines(ctx, orders[0].ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, 2, lines[1].LineNo)
	require.Equal(t, itemGadget, *lines[1].RFQItemID)
}

func TestConvertAwardsBackfillsMissingSupplier(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	orders, err := f.svc.ConvertAwards(ctx, ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{awardWidget}})
	require.NoError(t, err)
	po := f.repo.pos[orders[0].ID]
	po.SupplierID = nil
	f.repo.pos[po.ID] = po

	f.repo.awards[43] = Award{ID: 43, CompanyID: buyerCompany, RFQID: rfqID, RFQItemID: itemGadget, SupplierID: supplierA, QuoteID: quoteA,
		QuoteItemID: int64Ptr(quoteItemGadget), Status: AwardStatusAwarded, AwardedQty: dec("5")}
	_, err = f.svc.ConvertAwards(ctx, ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{43}})
	require.NoError(t, err)
	require.Equal(t, supplierA, *f.repo.pos[po.ID].SupplierID)
}

func TestConvertAwardsRejectsNonDraftOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	orders, err := f.svc.ConvertAwards(ctx, ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{awardWidget}, Actor: buyer()})
	require.NoError(t, err)
	sendEmail(t, f, orders[0].ID)

	f.repo.awards[43] = Award{ID: 43, CompanyID: buyerCompany, RFQID: rfqID, RFQItemID: itemGadget, SupplierID: supplierA, QuoteID: quoteA,
		QuoteItemID: int64Ptr(quoteItemGadget), Status: AwardStatusAwarded, AwardedQty: dec("5")}
	_, err = f.svc.ConvertAwards(ctx, ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{43}, Actor: buyer()})
	requireFields(t, err, "awards.43.po_id")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Nil(t, f.repo.awards[43].POID)
}

func TestConvertAwardsValidatesBeforeWriting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.ConvertAwards(ctx, ConvertAwardsInput{RFQID: rfqID})
	requireFields(t, err, "awards")

	cancelled := f.repo.awards[awardGadgetB]
	cancelled.Status = AwardStatusCancelled
	f.repo.awards[awardGadgetB] = cancelled
	f.repo.awards[50] = Award{ID: 50, RFQID: 2, RFQItemID: itemWidget, SupplierID: supplierA, QuoteID: quoteA, QuoteItemID: int64Ptr(quoteItemWidget), Status: AwardStatusAwarded}
	f.repo.awards[51] = Award{ID: 51, RFQID: rfqID, RFQItemID: itemWidget, SupplierID: supplierA, QuoteID: quoteA, Status: AwardStatusAwarded}

	_, err = f.svc.ConvertAwards(ctx, ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{awardWidget, awardGadgetB, 50, 51}, Actor: buyer()})
	requireFields(t, err, "awards.42.status", "awards.50.rfq_id", "awards.51.quote_item_id")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Empty(t, f.repo.pos)
	require.Nil(t, f.repo.awards[awardWidget].POID)

	_, err = f.svc.ConvertAwards(ctx, ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{awardWidget, 99}, Actor: buyer()})
	requireFields(t, err, "awards.99.id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConvertAwardsRejectsForeignBuyer(t *testing.T) {
	f := newFixture()
	outsider := &shared.Actor{ID: 9, Kind: shared.ActorBuyer, CompanyID: 2}
	_, err := f.svc.ConvertRFQAwards(context.Background(), rfqID, outsider)
	require.ErrorIs(t, err, ErrUnauthorizedActor)
	require.Empty(t, f.repo.pos)
}

func TestConvertAwardsMixedCurrencyRollsBack(t *testing.T) {
	f := newFixture()
	item := f.repo.quoteItems[quoteItemGadget]
	item.Currency = "EUR"
	f.repo.quoteItems[quoteItemGadget] = item
	f.repo.awards[43] = Award{ID: 43, CompanyID: buyerCompany, RFQID: rfqID, RFQItemID: itemGadget, SupplierID: supplierA, QuoteID: quoteA,
		QuoteItemID: int64Ptr(quoteItemGadget), Status: AwardStatusAwarded, AwardedQty: dec("5")}

	_, err := f.svc.ConvertAwards(context.Background(), ConvertAwardsInput{RFQID: rfqID, AwardIDs: []int64{awardWidget, 43}, Actor: buyer()})
	require.ErrorIs(t, err, ErrCurrencyMismatch)
	verr := requireFields(t, err)
	for field := range verr.Fields {
		require.True(t, strings.HasSuffix(field, ".currency"), field)
	}
	require.Empty(t, f.repo.pos)
	require.Empty(t, f.repo.lines)
	require.Nil(t, f.repo.awards[awardWidget].POID)
	require.Empty(t, f.audit.entities())
}

func TestSendValidatesDeliveryPayload(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	ctx := context.Background()

	_, err := f.svc.Send(ctx, po.ID, SendInput{Channel: ChannelEmail})
	requireFields(t, err, "to")

	_, err = f.svc.Send(ctx, po.ID, SendInput{Channel: ChannelEmail, To: []string{"ops@localhost"}})
	requireFields(t, err, "to.0")

	_, err = f.svc.Send(ctx, po.ID, SendInput{Channel: ChannelEmail, To: []string{"not-an-address"}})
	requireFields(t, err, "to.0")

	_, err = f.svc.Send(ctx, po.ID, SendInput{Channel: "fax"})
	requireFields(t, err, "channel")

	_, err = f.svc.Send(ctx, po.ID, SendInput{Channel: ChannelWebhook})
	requireFields(t, err, "webhook_url")

	require.Equal(t, POStatusDraft, f.repo.pos[po.ID].Status)
	require.Empty(t, f.repo.deliveries)
	require.Empty(t, f.dispatcher.calls)
}

func TestSendAndResend(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]

	res := sendEmail(t, f, po.ID)
	require.Equal(t, POStatusSent, res.PurchaseOrder.Status)
	require.Equal(t, AckStatusSent, res.PurchaseOrder.AckStatus)
	require.Equal(t, fixedNow, *res.PurchaseOrder.SentAt)
	require.Equal(t, ChannelEmail, res.Delivery.Channel)
	require.Equal(t, [][2]int64{{res.Delivery.ID, po.ID}}, f.dispatcher.calls)

	f.dispatcher.err = errInjected
	again, err := f.svc.Send(context.Background(), po.ID, SendInput{Channel: ChannelWebhook, WebhookURL: "https://supplier-a.example.com/hooks/po", Actor: buyer()})
	require.NoError(t, err)
	require.Equal(t, POStatusSent, again.PurchaseOrder.Status)
	require.Len(t, f.repo.deliveries, 2)
	require.Len(t, f.dispatcher.calls, 2)
	require.Equal(t, 2, f.metrics.transitions["purchase_order:sent"])

	events, err := f.repo.ListEvents(context.Background(), po.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, EventSent, last.Type)
	require.Equal(t, true, last.Meta["resend"])
	require.Equal(t, shared.ActorBuyer, last.ActorType)
}

func TestAcknowledgeRequiresSupplierCompany(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	ctx := context.Background()

	_, err := f.svc.Acknowledge(ctx, po.ID, supplierUser(supplierACorp))
	require.ErrorIs(t, err, ErrInvalidTransition)

	sendEmail(t, f, po.ID)

	for _, actor := range []*shared.Actor{nil, buyer(), supplierUser(supplierBCorp)} {
		_, err = f.svc.Acknowledge(ctx, po.ID, actor)
		require.ErrorIs(t, err, ErrUnauthorizedActor)
		verr := requireFields(t, err, "purchase_order")
		require.Equal(t, "purchase order not found", verr.Fields["purchase_order"])
	}

	acked, err := f.svc.Acknowledge(ctx, po.ID, supplierUser(supplierACorp))
	require.NoError(t, err)
	require.Equal(t, POStatusAcknowledged, acked.Status)
	require.Equal(t, AckStatusAcknowledged, acked.AckStatus)
	require.NotNil(t, acked.AcknowledgedAt)

	events, err := f.repo.ListEvents(ctx, po.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, EventAcknowledged, last.Type)
	require.Equal(t, shared.ActorSupplier, last.ActorType)

	_, err = f.svc.Acknowledge(ctx, po.ID, supplierUser(supplierACorp))
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Cancel(ctx, po.ID, buyer())
	verr := requireFields(t, err, "status")
	require.Equal(t, "only draft or sent purchase orders can be cancelled", verr.Fields["status"])
}

func TestAcknowledgeFallsBackToQuoteSupplier(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	sendEmail(t, f, po.ID)
	stored := f.repo.pos[po.ID]
	stored.SupplierID = nil
	f.repo.pos[po.ID] = stored

	_, err := f.svc.Acknowledge(context.Background(), po.ID, supplierUser(supplierACorp))
	require.NoError(t, err)
}

func TestDeclineCancelsAndReleasesAwards(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	sendEmail(t, f, po.ID)

	declined, err := f.svc.Decline(context.Background(), po.ID, "  price changed ", supplierUser(supplierACorp))
	require.NoError(t, err)
	require.Equal(t, POStatusCancelled, declined.Status)
	require.Equal(t, AckStatusDeclined, declined.AckStatus)
	require.Equal(t, "price changed", declined.AckReason)
	require.NotNil(t, declined.CancelledAt)

	require.Equal(t, AwardStatusCancelled, f.repo.awards[awardWidget].Status)
	require.Equal(t, QuoteItemStatusPending, f.repo.quoteItems[quoteItemWidget].Status)
	require.Equal(t, AggregateOpen, f.repo.quotes[quoteA].Status)
	require.Equal(t, AggregatePartiallyAwarded, f.repo.rfqs[rfqID].Status)
	require.Equal(t, AwardStatusAwarded, f.repo.awards[awardGadgetB].Status)
}

func TestCancelReleasesAwardsAndRecomputesAggregates(t *testing.T) {
	f := newFixture()
	orders := convertAll(t, f)
	ctx := context.Background()

	outsider := &shared.Actor{ID: 9, Kind: shared.ActorBuyer, CompanyID: 2}
	_, err := f.svc.Cancel(ctx, orders[0].ID, outsider)
	require.ErrorIs(t, err, ErrUnauthorizedActor)

	cancelled, err := f.svc.Cancel(ctx, orders[0].ID, buyer())
	require.NoError(t, err)
	require.Equal(t, POStatusCancelled, cancelled.Status)
	require.Equal(t, fixedNow, *cancelled.CancelledAt)

	for _, a := range f.repo.awards {
		if a.POID != nil && *a.POID == orders[0].ID {
			require.Equal(t, AwardStatusCancelled, a.Status)
		}
	}
	require.Equal(t, QuoteItemStatusPending, f.repo.quoteItems[quoteItemWidget].Status)
	require.Equal(t, AggregateOpen, f.repo.quotes[quoteA].Status)
	require.Equal(t, AggregatePartiallyAwarded, f.repo.rfqs[rfqID].Status)
	require.Contains(t, f.audit.entities(), "updated:quote_item")

	_, err = f.svc.Cancel(ctx, orders[1].ID, nil)
	require.NoError(t, err)
	require.Equal(t, AggregateOpen, f.repo.rfqs[rfqID].Status)
	require.Equal(t, AggregateOpen, f.repo.quotes[quoteB].Status)
}

func TestCancelRollbackLeavesNoAuditEntries(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	auditBefore := len(f.audit.entities())

	f.repo.failEvent = EventCancelled
	_, err := f.svc.Cancel(context.Background(), po.ID, buyer())
	require.ErrorIs(t, err, errInjected)

	require.Equal(t, POStatusDraft, f.repo.pos[po.ID].Status)
	require.Equal(t, AwardStatusAwarded, f.repo.awards[awardWidget].Status)
	require.Equal(t, QuoteItemStatusAwarded, f.repo.quoteItems[quoteItemWidget].Status)
	require.Len(t, f.audit.entities(), auditBefore)
	require.Zero(t, f.metrics.transitions["purchase_order:cancelled"])
}

func shipInput(poID int64, lines ...ShipmentLineInput) CreateShipmentInput {
	return CreateShipmentInput{PurchaseOrderID: poID, Carrier: "DHL", Lines: lines, Actor: supplierUser(supplierACorp)}
}

func shipLine(lineID int64, qty string) ShipmentLineInput {
	return ShipmentLineInput{LineID: lineID, Quantity: dec(qty)}
}

func TestCreateShipmentTracksRemainingQuantity(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	sendEmail(t, f, po.ID)
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	first, err := f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "4")))
	require.NoError(t, err)
	require.Equal(t, ShipmentStatusPending, first.Status)
	require.Equal(t, supplierACorp, first.SupplierCompanyID)
	require.True(t, strings.HasPrefix(first.Number, po.Number+"-SHP-"))
	require.Len(t, first.Number, len(po.Number)+len("-SHP-")+4)

	_, err = f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "7")))
	require.ErrorIs(t, err, ErrInsufficientRemaining)
	verr := requireFields(t, err, lineKey(line.ID))
	require.Equal(t, "requested quantity 7.00 exceeds remaining quantity 6.00 for line 1", verr.Fields[lineKey(line.ID)])

	_, err = f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "6")))
	require.NoError(t, err)

	_, err = f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "1")))
	require.ErrorIs(t, err, ErrFullyShipped)
	require.NotErrorIs(t, err, ErrInsufficientRemaining)
	verr = requireFields(t, err, lineKey(line.ID))
	require.Equal(t, "line 1 is fully shipped", verr.Fields[lineKey(line.ID)])

	_, err = f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: first.ID, Status: ShipmentStatusCancelled})
	require.NoError(t, err)
	_, err = f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "4")))
	require.NoError(t, err)

	events, err := f.repo.ListEvents(ctx, po.ID)
	require.NoError(t, err)
	var created int
	for _, evt := range events {
		if evt.Type == EventShipmentCreated {
			created++
			require.Contains(t, evt.Meta["lines"], strconv.FormatInt(line.ID, 10))
		}
	}
	require.Equal(t, 3, created)
}

func TestShippedQuantityNeverExceedsOrdered(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	sendEmail(t, f, po.ID)
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	for _, qty := range []string{"3", "3", "3", "3", "0.5", "0.5", "2", "0.25"} {
		_, _ = f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, qty)))
		shipped, err := f.repo.ShippedQuantities(ctx, []int64{line.ID})
		require.NoError(t, err)
		require.True(t, shipped[line.ID].LessThanOrEqual(line.Quantity), shipped[line.ID].String())
	}
	shipped, err := f.repo.ShippedQuantities(ctx, []int64{line.ID})
	require.NoError(t, err)
	require.True(t, shipped[line.ID].Equal(dec("10")))
}

func TestCreateShipmentNormalizesLines(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	sendEmail(t, f, po.ID)
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	sh, err := f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "2"), shipLine(line.ID, "3"), shipLine(line.ID, "0"), shipLine(line.ID, "-1")))
	require.NoError(t, err)
	require.Len(t, sh.Lines, 1)
	require.True(t, sh.Lines[0].QtyShipped.Equal(dec("5")))

	_, err = f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "0")))
	requireFields(t, err, "lines")
}

func TestCreateShipmentConsistencyChecks(t *testing.T) {
	f := newFixture()
	orders := convertAll(t, f)
	sendEmail(t, f, orders[0].ID)
	ctx := context.Background()
	foreign := firstLine(t, f, orders[1].ID)

	_, err := f.svc.CreateShipment(ctx, shipInput(orders[0].ID, shipLine(foreign.ID, "1")))
	require.ErrorIs(t, err, ErrConsistency)
	var cerr *ConsistencyError
	require.ErrorAs(t, err, &cerr)

	delete(f.repo.suppliers, supplierA)
	_, err = f.svc.CreateShipment(ctx, CreateShipmentInput{PurchaseOrderID: orders[0].ID, Lines: []ShipmentLineInput{shipLine(firstLine(t, f, orders[0].ID).ID, "1")}})
	require.ErrorIs(t, err, ErrConsistency)
}

func TestCreateShipmentRejectsCancelledOrder(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	line := firstLine(t, f, po.ID)
	_, err := f.svc.Cancel(context.Background(), po.ID, buyer())
	require.NoError(t, err)

	_, err = f.svc.CreateShipment(context.Background(), shipInput(po.ID, shipLine(line.ID, "1")))
	requireFields(t, err, "status")
	require.Empty(t, f.repo.shipments)
}

func TestCreateShipmentIdempotencyKey(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	sendEmail(t, f, po.ID)
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	in := shipInput(po.ID, shipLine(line.ID, "1"))
	in.IdempotencyKey = "ship-1"
	_, err := f.svc.CreateShipment(ctx, in)
	require.NoError(t, err)
	_, err = f.svc.CreateShipment(ctx, in)
	require.ErrorIs(t, err, ErrDuplicateSubmission)
	require.Len(t, f.repo.shipments, 1)

	bad := shipInput(po.ID, shipLine(line.ID, "50"))
	bad.IdempotencyKey = "ship-2"
	_, err = f.svc.CreateShipment(ctx, bad)
	require.ErrorIs(t, err, ErrInsufficientRemaining)
	require.NotContains(t, f.idempotency.keys, shipmentIdempotencyModule+"/ship-2")
}

func TestUpdateShipmentStatusTransitions(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	sendEmail(t, f, po.ID)
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	sh, err := f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "4")))
	require.NoError(t, err)

	moved, err := f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: ShipmentStatusInTransit})
	require.NoError(t, err)
	require.Equal(t, ShipmentStatusInTransit, moved.Status)
	require.Equal(t, fixedNow, *moved.ShippedAt)

	eventsBefore := len(f.repo.events)
	same, err := f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: ShipmentStatusInTransit})
	require.NoError(t, err)
	require.Equal(t, ShipmentStatusInTransit, same.Status)
	require.Len(t, f.repo.events, eventsBefore)

	_, err = f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: ShipmentStatusPending})
	require.ErrorIs(t, err, ErrInvalidTransition)

	backdated := time.Date(2026, 2, 28, 15, 30, 0, 0, time.UTC)
	delivered, err := f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: ShipmentStatusDelivered, DeliveredAt: &backdated})
	require.NoError(t, err)
	require.Equal(t, backdated, *delivered.DeliveredAt)
	last := f.repo.events[len(f.repo.events)-1]
	require.Equal(t, EventShipmentStatus, last.Type)
	require.Equal(t, backdated, last.OccurredAt)
	require.Equal(t, POStatusSent, f.repo.pos[po.ID].Status)

	_, err = f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: ShipmentStatusDelivered})
	require.ErrorIs(t, err, ErrAlreadyDelivered)
	_, err = f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: ShipmentStatusCancelled})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: "lost"})
	requireFields(t, err, "status")
}

func TestDeliveringEverythingFulfilsOrder(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	sendEmail(t, f, po.ID)
	ctx := context.Background()
	_, err := f.svc.Acknowledge(ctx, po.ID, supplierUser(supplierACorp))
	require.NoError(t, err)
	line := firstLine(t, f, po.ID)

	a, err := f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "6")))
	require.NoError(t, err)
	b, err := f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "4")))
	require.NoError(t, err)

	_, err = f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: a.ID, Status: ShipmentStatusDelivered})
	require.NoError(t, err)
	require.Equal(t, POStatusAcknowledged, f.repo.pos[po.ID].Status)

	_, err = f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: b.ID, Status: ShipmentStatusDelivered})
	require.NoError(t, err)
	require.Equal(t, POStatusFulfilled, f.repo.pos[po.ID].Status)
	types := f.repo.eventTypes(po.ID)
	require.Equal(t, EventFulfilled, types[len(types)-1])
	require.Equal(t, 1, f.metrics.transitions["purchase_order:fulfilled"])
}

func TestUpdateLineRecalculatesTaxes(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	qty := dec("1")
	price := dec("9.99")
	updated, err := f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, Quantity: &qty, UnitPrice: &price, TaxCodeIDs: []int64{2, 1}, Actor: buyer()})
	require.NoError(t, err)
	require.Equal(t, int64(999), updated.SubtotalMinor)
	require.Equal(t, int64(155), updated.TaxTotalMinor)
	require.Equal(t, int64(1154), updated.TotalMinor)
	require.True(t, updated.Total.Equal(dec("11.54")))

	stored := firstLine(t, f, po.ID)
	require.Len(t, stored.Taxes, 2)
	require.Equal(t, int64(1), stored.Taxes[0].TaxCodeID)
	require.Equal(t, int64(100), stored.Taxes[0].AmountMinor)
	require.Equal(t, int64(55), stored.Taxes[1].AmountMinor)
	require.True(t, stored.Taxes[1].Amount.Equal(dec("0.55")))

	eventsBefore := len(f.repo.events)
	again, err := f.svc.RecalculateTotals(ctx, po.ID, buyer())
	require.NoError(t, err)
	require.Equal(t, updated.TotalMinor, again.TotalMinor)
	require.Len(t, f.repo.events, eventsBefore)
	require.Len(t, firstLine(t, f, po.ID).Taxes, 2)

	_, err = f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, TaxCodeIDs: []int64{1}, Actor: buyer()})
	require.NoError(t, err)
	stored = firstLine(t, f, po.ID)
	require.Len(t, stored.Taxes, 1)
	require.Equal(t, int64(1099), f.repo.pos[po.ID].TotalMinor)
}

func TestUpdateLineValidation(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	zeroQty := decimal.Zero
	_, err := f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, Quantity: &zeroQty})
	requireFields(t, err, "quantity")

	_, err = f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, TaxCodeIDs: []int64{3}})
	require.ErrorIs(t, err, money.ErrUnknownTaxCode)
	requireFields(t, err, lineKey(line.ID)+".tax_code_ids")
	require.Empty(t, firstLine(t, f, po.ID).Taxes)

	tooPrecise := dec("9.999")
	_, err = f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, UnitPrice: &tooPrecise, Actor: buyer()})
	requireFields(t, err, "unit_price")
	require.True(t, firstLine(t, f, po.ID).UnitPrice.Equal(line.UnitPrice))

	padded := dec("9.990")
	_, err = f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, UnitPrice: &padded, Actor: buyer()})
	require.NoError(t, err)
	require.Equal(t, int64(999), *firstLine(t, f, po.ID).UnitPriceMinor)

	sendEmail(t, f, po.ID)
	_, err = f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, TaxCodeIDs: []int64{1}})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateLineKeepsQuantityAboveShipped(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	line := firstLine(t, f, po.ID)
	ctx := context.Background()
	require.Equal(t, POStatusDraft, po.Status)

	_, err := f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "8")))
	require.NoError(t, err)

	qty := dec("2")
	_, err = f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, Quantity: &qty, Actor: buyer()})
	require.ErrorIs(t, err, ErrInsufficientRemaining)
	verr := requireFields(t, err, "quantity")
	require.Equal(t, "quantity 2.00 is below shipped quantity 8.00", verr.Fields["quantity"])
	require.True(t, firstLine(t, f, po.ID).Quantity.Equal(line.Quantity))

	qty = dec("8")
	_, err = f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, Quantity: &qty, Actor: buyer()})
	require.NoError(t, err)

	shipped, err := f.repo.ShippedQuantities(ctx, []int64{line.ID})
	require.NoError(t, err)
	require.True(t, shipped[line.ID].LessThanOrEqual(firstLine(t, f, po.ID).Quantity))
}

func TestRecalculateTotalsRejectsForeignLineCurrency(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	_, err := f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, TaxCodeIDs: []int64{1}, Actor: buyer()})
	require.NoError(t, err)
	before := f.repo.pos[po.ID]
	taxesBefore := firstLine(t, f, po.ID).Taxes
	require.NotEmpty(t, taxesBefore)
	eventsBefore := len(f.repo.events)

	foreign := f.repo.lines[line.ID]
	foreign.Currency = "EUR"
	f.repo.lines[line.ID] = foreign

	_, err = f.svc.RecalculateTotals(ctx, po.ID, buyer())
	require.ErrorIs(t, err, ErrCurrencyMismatch)
	requireFields(t, err, lineKey(line.ID)+".currency")

	after := f.repo.pos[po.ID]
	require.Equal(t, before.SubtotalMinor, after.SubtotalMinor)
	require.Equal(t, before.TaxTotalMinor, after.TaxTotalMinor)
	require.Equal(t, before.TotalMinor, after.TotalMinor)
	require.True(t, before.Subtotal.Equal(after.Subtotal))
	require.True(t, before.TaxTotal.Equal(after.TaxTotal))
	require.True(t, before.Total.Equal(after.Total))
	require.Equal(t, taxesBefore, firstLine(t, f, po.ID).Taxes)
	require.Len(t, f.repo.events, eventsBefore)
}

func TestRecalculateTotalsRepairsDriftedTaxTotal(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	qty := dec("1")
	price := dec("9.99")
	updated, err := f.svc.UpdateLine(ctx, UpdateLineInput{PurchaseOrderID: po.ID, LineID: line.ID, Quantity: &qty, UnitPrice: &price, TaxCodeIDs: []int64{1, 2}, Actor: buyer()})
	require.NoError(t, err)
	require.Equal(t, int64(155), updated.TaxTotalMinor)

	drifted := f.repo.pos[po.ID]
	drifted.TaxTotal = dec("9.99")
	f.repo.pos[po.ID] = drifted

	repaired, err := f.svc.RecalculateTotals(ctx, po.ID, buyer())
	require.NoError(t, err)
	require.True(t, repaired.TaxTotal.Equal(dec("1.55")), repaired.TaxTotal.String())
	require.True(t, f.repo.pos[po.ID].TaxTotal.Equal(dec("1.55")))
	require.Equal(t, EventTotalsRecalculated, f.repo.eventTypes(po.ID)[len(f.repo.eventTypes(po.ID))-1])
}

func TestTerminalShipmentCannotChange(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	sendEmail(t, f, po.ID)
	line := firstLine(t, f, po.ID)
	ctx := context.Background()

	sh, err := f.svc.CreateShipment(ctx, shipInput(po.ID, shipLine(line.ID, "4")))
	require.NoError(t, err)
	_, err = f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: ShipmentStatusCancelled})
	require.NoError(t, err)

	same, err := f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: ShipmentStatusCancelled})
	require.NoError(t, err)
	require.Equal(t, ShipmentStatusCancelled, same.Status)

	_, err = f.svc.UpdateShipmentStatus(ctx, UpdateShipmentStatusInput{ShipmentID: sh.ID, Status: ShipmentStatusDelivered})
	require.ErrorIs(t, err, ErrInvalidTransition)
	verr := requireFields(t, err, "status")
	require.Equal(t, "shipment is cancelled and can no longer change", verr.Fields["status"])
}

func TestCreateFromQuoteHonoursCurrencyExponent(t *testing.T) {
	cases := []struct {
		currency string
		price    string
		qty      string
		minor    *int64
		subtotal int64
		display  string
	}{
		{currency: "JPY", price: "500", qty: "3", subtotal: 1500, display: "1500"},
		{currency: "USD", price: "1.01", qty: "1.5", minor: int64Ptr(101), subtotal: 152, display: "1.52"},
		{currency: "BHD", price: "1.234", qty: "2", subtotal: 2468, display: "2.468"},
	}
	for _, tc := range cases {
		t.Run(tc.currency, func(t *testing.T) {
			f := newFixture()
			f.repo.quotes[33] = Quote{ID: 33, CompanyID: buyerCompany, SupplierID: supplierA, Currency: tc.currency}
			f.repo.quoteItems[331] = QuoteItem{ID: 331, QuoteID: 33, Quantity: dec(tc.qty), UnitPrice: dec(tc.price), UnitPriceMinor: tc.minor, Currency: tc.currency}

			po, err := f.svc.CreateFromQuote(context.Background(), CreateFromQuoteInput{QuoteID: 33, Actor: buyer()})
			require.NoError(t, err)
			require.Equal(t, tc.currency, po.Currency)
			require.Nil(t, po.RFQID)
			require.Equal(t, tc.subtotal, po.SubtotalMinor)
			require.True(t, po.Subtotal.Equal(dec(tc.display)), po.Subtotal.String())
			require.Equal(t, po.SubtotalMinor, po.TotalMinor)

			line := firstLine(t, f, po.ID)
			require.NotNil(t, line.UnitPriceMinor)
			require.Equal(t, "Quote item 331", line.Description)
		})
	}
}

func TestCreateFromQuoteRejectsForeignBuyer(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateFromQuote(context.Background(), CreateFromQuoteInput{QuoteID: quoteA, Actor: &shared.Actor{ID: 3, Kind: shared.ActorBuyer, CompanyID: 5}})
	require.ErrorIs(t, err, ErrUnauthorizedActor)

	_, err = f.svc.CreateFromQuote(context.Background(), CreateFromQuoteInput{})
	requireFields(t, err, "quote_id")
}

func TestReadModelsRespectVisibility(t *testing.T) {
	f := newFixture()
	po := convertAll(t, f)[0]
	ctx := context.Background()

	_, err := f.svc.GetPurchaseOrder(ctx, po.ID, supplierUser(supplierACorp))
	require.ErrorIs(t, err, ErrUnauthorizedActor)

	sendEmail(t, f, po.ID)
	view, err := f.svc.GetPurchaseOrder(ctx, po.ID, supplierUser(supplierACorp))
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)

	_, err = f.svc.GetPurchaseOrder(ctx, po.ID, supplierUser(supplierBCorp))
	require.ErrorIs(t, err, ErrUnauthorizedActor)

	_, err = f.svc.ListDeliveries(ctx, po.ID, supplierUser(supplierACorp))
	require.ErrorIs(t, err, ErrUnauthorizedActor)
	deliveries, err := f.svc.ListDeliveries(ctx, po.ID, buyer())
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	events, err := f.svc.ListEvents(ctx, po.ID, buyer())
	require.NoError(t, err)
	require.NotEmpty(t, events)

	items, page, err := f.svc.ListPurchaseOrders(ctx, ListFilters{Status: POStatusSent}, buyer())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, page.Total)

	_, _, err = f.svc.ListPurchaseOrders(ctx, ListFilters{Status: "bogus"}, buyer())
	requireFields(t, err, "status")

	_, err = f.svc.GetPurchaseOrder(ctx, 424242, nil)
	require.ErrorIs(t, err, ErrNotFound)
}
