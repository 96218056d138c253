package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/money"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

const poColumns = `id, company_id, number, status, ack_status, COALESCE(ack_reason, ''), currency, revision_no,
	subtotal, subtotal_minor, tax_total, tax_total_minor, total, total_minor,
	rfq_id, quote_id, supplier_id, sent_at, acknowledged_at, cancelled_at, created_by, created_at, updated_at`

func scanPurchaseOrder(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	var status, ack string
	err := row.Scan(&po.ID, &po.CompanyID, &po.Number, &status, &ack, &po.AckReason, &po.Currency, &po.RevisionNo,
		&po.Subtotal, &po.SubtotalMinor, &po.TaxTotal, &po.TaxTotalMinor, &po.Total, &po.TotalMinor,
		&po.RFQID, &po.QuoteID, &po.SupplierID, &po.SentAt, &po.AcknowledgedAt, &po.CancelledAt,
		&po.CreatedBy, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	po.Status = POStatus(status)
	po.AckStatus = AckStatus(ack)
	return po, nil
}

func collectPurchaseOrders(rows pgx.Rows) ([]PurchaseOrder, error) {
	defer rows.Close()
	var out []PurchaseOrder
	for rows.Next() {
		po, err := scanPurchaseOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

func (q *queries) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return scanPurchaseOrder(q.db.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = $1`, id))
}

func (q *queries) LockPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return scanPurchaseOrder(q.db.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = $1 FOR UPDATE`, id))
}

func (q *queries) SharePurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return scanPurchaseOrder(q.db.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = $1 FOR SHARE`, id))
}

func (q *queries) LockPurchaseOrdersByRFQ(ctx context.Context, rfqID int64) ([]PurchaseOrder, error) {
	rows, err := q.db.Query(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE rfq_id = $1 ORDER BY id FOR UPDATE`, rfqID)
	if err != nil {
		return nil, err
	}
	return collectPurchaseOrders(rows)
}

func (q *queries) ListPurchaseOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	where := []string{"company_id = $1"}
	args := []any{filters.CompanyID}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.SupplierID > 0 {
		args = append(args, filters.SupplierID)
		where = append(where, fmt.Sprintf("supplier_id = $%d", len(args)))
	}
	if filters.RFQID > 0 {
		args = append(args, filters.RFQID)
		where = append(where, fmt.Sprintf("rfq_id = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := shared.NewPagination(filters.Page, filters.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	sql := fmt.Sprintf(`SELECT %s FROM purchase_orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, poColumns, clause, len(args)-1, len(args))
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectPurchaseOrders(rows)
	return items, total, err
}

func (q *queries) PurchaseOrderNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE number = $1)`, number).Scan(&exists)
	return exists, err
}

func (q *queries) InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO purchase_orders
		(company_id, number, status, ack_status, currency, revision_no, subtotal, subtotal_minor, tax_total, tax_total_minor, total, total_minor, rfq_id, quote_id, supplier_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		RETURNING id`,
		po.CompanyID, po.Number, string(po.Status), string(po.AckStatus), po.Currency, po.RevisionNo,
		po.Subtotal, po.SubtotalMinor, po.TaxTotal, po.TaxTotalMinor, po.Total, po.TotalMinor,
		po.RFQID, po.QuoteID, po.SupplierID, po.CreatedBy).Scan(&id)
	return id, err
}

func (q *queries) UpdatePurchaseOrderState(ctx context.Context, po PurchaseOrder) error {
	_, err := q.db.Exec(ctx, `UPDATE purchase_orders SET status = $2, ack_status = $3, ack_reason = NULLIF($4, ''),
		supplier_id = $5, sent_at = $6, acknowledged_at = $7, cancelled_at = $8, updated_at = NOW()
		WHERE id = $1`,
		po.ID, string(po.Status), string(po.AckStatus), po.AckReason, po.SupplierID, po.SentAt, po.AcknowledgedAt, po.CancelledAt)
	return err
}

func (q *queries) UpdatePurchaseOrderTotals(ctx context.Context, po PurchaseOrder) error {
	_, err := q.db.Exec(ctx, `UPDATE purchase_orders SET subtotal = $2, subtotal_minor = $3, tax_total = $4, tax_total_minor = $5,
		total = $6, total_minor = $7, updated_at = NOW() WHERE id = $1`,
		po.ID, po.Subtotal, po.SubtotalMinor, po.TaxTotal, po.TaxTotalMinor, po.Total, po.TotalMinor)
	return err
}

func (q *queries) SupplierCompanyID(ctx context.Context, supplierID int64) (int64, error) {
	var companyID *int64
	err := q.db.QueryRow(ctx, `SELECT supplier_company_id FROM suppliers WHERE id = $1`, supplierID).Scan(&companyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if companyID == nil {
		return 0, nil
	}
	return *companyID, nil
}

const lineColumns = `id, purchase_order_id, line_no, description, quantity, uom, unit_price, unit_price_minor,
	currency, rfq_item_id, rfq_item_award_id, delivery_date`

func (q *queries) scanLines(ctx context.Context, rows pgx.Rows) ([]Line, error) {
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.PurchaseOrderID, &l.LineNo, &l.Description, &l.Quantity, &l.UOM, &l.UnitPrice,
			&l.UnitPriceMinor, &l.Currency, &l.RFQItemID, &l.AwardID, &l.DeliveryDate); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	return lines, q.attachTaxes(ctx, lines)
}

func (q *queries) attachTaxes(ctx context.Context, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	ids := make([]int64, len(lines))
	index := make(map[int64]int, len(lines))
	for i, l := range lines {
		ids[i] = l.ID
		index[l.ID] = i
	}
	rows, err := q.db.Query(ctx, `SELECT id, purchase_order_line_id, tax_code_id, rate_percent, amount, amount_minor, sequence
		FROM purchase_order_line_taxes WHERE purchase_order_line_id = ANY($1) ORDER BY sequence, id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var t LineTax
		if err := rows.Scan(&t.ID, &t.LineID, &t.TaxCodeID, &t.RatePercent, &t.Amount, &t.AmountMinor, &t.Sequence); err != nil {
			return err
		}
		i := index[t.LineID]
		lines[i].Taxes = append(lines[i].Taxes, t)
	}
	return rows.Err()
}

func (q *queries) ListLines(ctx context.Context, poID int64) ([]Line, error) {
	rows, err := q.db.Query(ctx, `SELECT `+lineColumns+` FROM purchase_order_lines WHERE purchase_order_id = $1 ORDER BY line_no, id`, poID)
	if err != nil {
		return nil, err
	}
	return q.scanLines(ctx, rows)
}

func (q *queries) LockLines(ctx context.Context, ids []int64) ([]Line, error) {
	rows, err := q.db.Query(ctx, `SELECT `+lineColumns+` FROM purchase_order_lines WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	return q.scanLines(ctx, rows)
}

func (q *queries) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO purchase_order_lines
		(purchase_order_id, line_no, description, quantity, uom, unit_price, unit_price_minor, currency, rfq_item_id, rfq_item_award_id, delivery_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		line.PurchaseOrderID, line.LineNo, line.Description, line.Quantity, line.UOM, line.UnitPrice, line.UnitPriceMinor,
		line.Currency, line.RFQItemID, line.AwardID, line.DeliveryDate).Scan(&id)
	return id, err
}

func (q *queries) UpdateLine(ctx context.Context, line Line) error {
	_, err := q.db.Exec(ctx, `UPDATE purchase_order_lines SET description = $2, quantity = $3, unit_price = $4, unit_price_minor = $5
		WHERE id = $1`, line.ID, line.Description, line.Quantity, line.UnitPrice, line.UnitPriceMinor)
	return err
}

func (q *queries) InsertLineTax(ctx context.Context, tax LineTax) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO purchase_order_line_taxes
		(purchase_order_line_id, tax_code_id, rate_percent, amount, amount_minor, sequence)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		tax.LineID, tax.TaxCodeID, tax.RatePercent, tax.Amount, tax.AmountMinor, tax.Sequence).Scan(&id)
	return id, err
}

func (q *queries) UpdateLineTax(ctx context.Context, tax LineTax) error {
	_, err := q.db.Exec(ctx, `UPDATE purchase_order_line_taxes SET rate_percent = $2, amount = $3, amount_minor = $4, sequence = $5
		WHERE id = $1`, tax.ID, tax.RatePercent, tax.Amount, tax.AmountMinor, tax.Sequence)
	return err
}

func (q *queries) DeleteLineTax(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM purchase_order_line_taxes WHERE id = $1`, id)
	return err
}

func (q *queries) LoadTaxCodes(ctx context.Context, companyID int64, ids []int64) (map[int64]money.TaxCode, error) {
	codes := make(map[int64]money.TaxCode, len(ids))
	if len(ids) == 0 {
		return codes, nil
	}
	rows, err := q.db.Query(ctx, `SELECT id, company_id, code, rate_percent, compound, sequence
		FROM tax_codes WHERE company_id = $1 AND id = ANY($2)`, companyID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c money.TaxCode
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.Code, &c.RatePercent, &c.Compound, &c.Sequence); err != nil {
			return nil, err
		}
		codes[c.ID] = c
	}
	return codes, rows.Err()
}

func (q *queries) LockRFQ(ctx context.Context, id int64) (RFQ, error) {
	var r RFQ
	var status string
	err := q.db.QueryRow(ctx, `SELECT id, company_id, number, status, currency FROM rfqs WHERE id = $1 FOR UPDATE`, id).
		Scan(&r.ID, &r.CompanyID, &r.Number, &status, &r.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RFQ{}, ErrNotFound
		}
		return RFQ{}, err
	}
	r.Status = AggregateStatus(status)
	return r, nil
}

func (q *queries) GetRFQItem(ctx context.Context, id int64) (RFQItem, error) {
	var it RFQItem
	err := q.db.QueryRow(ctx, `SELECT id, rfq_id, line_no, description, quantity, uom, delivery_date FROM rfq_items WHERE id = $1`, id).
		Scan(&it.ID, &it.RFQID, &it.LineNo, &it.Description, &it.Quantity, &it.UOM, &it.DeliveryDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RFQItem{}, ErrNotFound
		}
		return RFQItem{}, err
	}
	return it, nil
}

const awardColumns = `id, company_id, rfq_id, rfq_item_id, supplier_id, quote_id, quote_item_id, status, awarded_qty, po_id, po_line_id`

func collectAwards(rows pgx.Rows, err error) ([]Award, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var awards []Award
	for rows.Next() {
		var a Award
		var status string
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.RFQID, &a.RFQItemID, &a.SupplierID, &a.QuoteID, &a.QuoteItemID,
			&status, &a.AwardedQty, &a.POID, &a.POLineID); err != nil {
			return nil, err
		}
		a.Status = AwardStatus(status)
		awards = append(awards, a)
	}
	return awards, rows.Err()
}

func (q *queries) LockAwards(ctx context.Context, ids []int64) ([]Award, error) {
	return collectAwards(q.db.Query(ctx, `SELECT `+awardColumns+` FROM rfq_item_awards WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids))
}

func (q *queries) LockOpenAwards(ctx context.Context, rfqID int64) ([]Award, error) {
	return collectAwards(q.db.Query(ctx, `SELECT `+awardColumns+` FROM rfq_item_awards
		WHERE rfq_id = $1 AND status = 'awarded' AND po_id IS NULL ORDER BY id FOR UPDATE`, rfqID))
}

func (q *queries) LockAwardsForPurchaseOrder(ctx context.Context, poID int64) ([]Award, error) {
	return collectAwards(q.db.Query(ctx, `SELECT `+awardColumns+` FROM rfq_item_awards
		WHERE po_id = $1 AND status = 'awarded' ORDER BY id FOR UPDATE`, poID))
}

func (q *queries) StampAward(ctx context.Context, awardID, poID, lineID int64) error {
	_, err := q.db.Exec(ctx, `UPDATE rfq_item_awards SET po_id = $2, po_line_id = $3, updated_at = NOW() WHERE id = $1`, awardID, poID, lineID)
	return err
}

func (q *queries) CancelAward(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `UPDATE rfq_item_awards SET status = 'cancelled', updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (q *queries) GetQuote(ctx context.Context, id int64) (Quote, error) {
	var qt Quote
	var status string
	err := q.db.QueryRow(ctx, `SELECT id, company_id, rfq_id, supplier_id, currency, status FROM quotes WHERE id = $1`, id).
		Scan(&qt.ID, &qt.CompanyID, &qt.RFQID, &qt.SupplierID, &qt.Currency, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, ErrNotFound
		}
		return Quote{}, err
	}
	qt.Status = AggregateStatus(status)
	return qt, nil
}

const quoteItemColumns = `id, quote_id, rfq_item_id, quantity, unit_price, unit_price_minor, currency, status, delivery_date`

func scanQuoteItem(row pgx.Row) (QuoteItem, error) {
	var it QuoteItem
	var status string
	if err := row.Scan(&it.ID, &it.QuoteID, &it.RFQItemID, &it.Quantity, &it.UnitPrice, &it.UnitPriceMinor, &it.Currency, &status, &it.DeliveryDate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QuoteItem{}, ErrNotFound
		}
		return QuoteItem{}, err
	}
	it.Status = QuoteItemStatus(status)
	return it, nil
}

func (q *queries) GetQuoteItem(ctx context.Context, id int64) (QuoteItem, error) {
	return scanQuoteItem(q.db.QueryRow(ctx, `SELECT `+quoteItemColumns+` FROM quote_items WHERE id = $1`, id))
}

func (q *queries) ListQuoteItems(ctx context.Context, quoteID int64) ([]QuoteItem, error) {
	rows, err := q.db.Query(ctx, `SELECT `+quoteItemColumns+` FROM quote_items WHERE quote_id = $1 ORDER BY id`, quoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []QuoteItem
	for rows.Next() {
		it, err := scanQuoteItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (q *queries) UpdateQuoteItemStatus(ctx context.Context, id int64, status QuoteItemStatus) error {
	_, err := q.db.Exec(ctx, `UPDATE quote_items SET status = $2 WHERE id = $1`, id, string(status))
	return err
}

func (q *queries) QuoteAwardCoverage(ctx context.Context, quoteID int64) (int, int, error) {
	var total, awarded int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'awarded') FROM quote_items WHERE quote_id = $1`, quoteID).
		Scan(&total, &awarded)
	return total, awarded, err
}

func (q *queries) UpdateQuoteStatus(ctx context.Context, id int64, status AggregateStatus) error {
	_, err := q.db.Exec(ctx, `UPDATE quotes SET status = $2 WHERE id = $1`, id, string(status))
	return err
}

func (q *queries) RFQAwardCoverage(ctx context.Context, rfqID int64) (int, int, error) {
	var total, awarded int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE EXISTS (SELECT 1 FROM rfq_item_awards a WHERE a.rfq_item_id = i.id AND a.status = 'awarded'))
		FROM rfq_items i WHERE i.rfq_id = $1`, rfqID).Scan(&total, &awarded)
	return total, awarded, err
}

func (q *queries) UpdateRFQStatus(ctx context.Context, id int64, status AggregateStatus) error {
	_, err := q.db.Exec(ctx, `UPDATE rfqs SET status = $2 WHERE id = $1`, id, string(status))
	return err
}

func (q *queries) InsertEvent(ctx context.Context, evt Event) (int64, error) {
	meta, err := json.Marshal(evt.Meta)
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.db.QueryRow(ctx, `INSERT INTO purchase_order_events
		(purchase_order_id, type, summary, description, meta, actor_id, actor_name, actor_type, occurred_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, $9) RETURNING id`,
		evt.PurchaseOrderID, evt.Type, evt.Summary, evt.Description, meta, evt.ActorID, evt.ActorName, string(evt.ActorType), evt.OccurredAt).Scan(&id)
	return id, err
}

func (q *queries) ListEvents(ctx context.Context, poID int64) ([]Event, error) {
	rows, err := q.db.Query(ctx, `SELECT id, purchase_order_id, type, summary, COALESCE(description, ''), meta, actor_id,
		COALESCE(actor_name, ''), actor_type, occurred_at
		FROM purchase_order_events WHERE purchase_order_id = $1 ORDER BY occurred_at, id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var meta []byte
		var actorType string
		if err := rows.Scan(&e.ID, &e.PurchaseOrderID, &e.Type, &e.Summary, &e.Description, &meta, &e.ActorID,
			&e.ActorName, &actorType, &e.OccurredAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, err
			}
		}
		e.ActorType = shared.ActorKind(actorType)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (q *queries) InsertDelivery(ctx context.Context, d Delivery) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO purchase_order_deliveries
		(purchase_order_id, channel, recipients_to, recipients_cc, recipients_bcc, message, webhook_url, sent_at, created_by)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9) RETURNING id`,
		d.PurchaseOrderID, string(d.Channel), d.To, d.CC, d.BCC, d.Message, d.WebhookURL, d.SentAt, d.CreatedBy).Scan(&id)
	return id, err
}

const deliveryColumns = `id, purchase_order_id, channel, recipients_to, recipients_cc, recipients_bcc,
	COALESCE(message, ''), COALESCE(webhook_url, ''), sent_at, dispatched_at, created_by`

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	var channel string
	if err := row.Scan(&d.ID, &d.PurchaseOrderID, &channel, &d.To, &d.CC, &d.BCC, &d.Message, &d.WebhookURL,
		&d.SentAt, &d.DispatchedAt, &d.CreatedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delivery{}, ErrNotFound
		}
		return Delivery{}, err
	}
	d.Channel = DeliveryChannel(channel)
	return d, nil
}

func (q *queries) getDelivery(ctx context.Context, id int64) (Delivery, error) {
	return scanDelivery(q.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM purchase_order_deliveries WHERE id = $1`, id))
}

func (q *queries) ListDeliveries(ctx context.Context, poID int64) ([]Delivery, error) {
	rows, err := q.db.Query(ctx, `SELECT `+deliveryColumns+` FROM purchase_order_deliveries WHERE purchase_order_id = $1 ORDER BY sent_at, id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func collectQuantities(rows pgx.Rows, err error) (map[int64]decimal.Decimal, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var lineID int64
		var qty decimal.Decimal
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, err
		}
		out[lineID] = qty
	}
	return out, rows.Err()
}

func (q *queries) ShippedQuantities(ctx context.Context, lineIDs []int64) (map[int64]decimal.Decimal, error) {
	return collectQuantities(q.db.Query(ctx, `SELECT sl.purchase_order_line_id, SUM(sl.qty_shipped)
		FROM purchase_order_shipment_lines sl
		JOIN purchase_order_shipments s ON s.id = sl.shipment_id
		WHERE sl.purchase_order_line_id = ANY($1) AND s.status <> 'cancelled'
		GROUP BY sl.purchase_order_line_id`, lineIDs))
}

func (q *queries) DeliveredQuantities(ctx context.Context, poID int64) (map[int64]decimal.Decimal, error) {
	return collectQuantities(q.db.Query(ctx, `SELECT sl.purchase_order_line_id, SUM(sl.qty_shipped)
		FROM purchase_order_shipment_lines sl
		JOIN purchase_order_shipments s ON s.id = sl.shipment_id
		WHERE s.purchase_order_id = $1 AND s.status = 'delivered'
		GROUP BY sl.purchase_order_line_id`, poID))
}

func (q *queries) ShipmentNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_order_shipments WHERE number = $1)`, number).Scan(&exists)
	return exists, err
}

func (q *queries) InsertShipment(ctx context.Context, sh Shipment) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO purchase_order_shipments
		(purchase_order_id, supplier_company_id, number, status, carrier, tracking_number, shipped_at, delivered_at, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, NOW(), NOW()) RETURNING id`,
		sh.PurchaseOrderID, sh.SupplierCompanyID, sh.Number, string(sh.Status), sh.Carrier, sh.TrackingNumber,
		sh.ShippedAt, sh.DeliveredAt, sh.CreatedBy, sh.UpdatedBy).Scan(&id)
	return id, err
}

func (q *queries) InsertShipmentLine(ctx context.Context, line ShipmentLine) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO purchase_order_shipment_lines (shipment_id, purchase_order_line_id, qty_shipped)
		VALUES ($1, $2, $3) RETURNING id`, line.ShipmentID, line.LineID, line.QtyShipped).Scan(&id)
	return id, err
}

const shipmentColumns = `id, purchase_order_id, supplier_company_id, number, status, COALESCE(carrier, ''), COALESCE(tracking_number, ''),
	shipped_at, delivered_at, created_by, updated_by, created_at, updated_at`

func scanShipment(row pgx.Row) (Shipment, error) {
	var sh Shipment
	var status string
	if err := row.Scan(&sh.ID, &sh.PurchaseOrderID, &sh.SupplierCompanyID, &sh.Number, &status, &sh.Carrier, &sh.TrackingNumber,
		&sh.ShippedAt, &sh.DeliveredAt, &sh.CreatedBy, &sh.UpdatedBy, &sh.CreatedAt, &sh.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shipment{}, ErrNotFound
		}
		return Shipment{}, err
	}
	sh.Status = ShipmentStatus(status)
	return sh, nil
}

func (q *queries) shipmentLines(ctx context.Context, shipmentIDs []int64) (map[int64][]ShipmentLine, error) {
	rows, err := q.db.Query(ctx, `SELECT id, shipment_id, purchase_order_line_id, qty_shipped
		FROM purchase_order_shipment_lines WHERE shipment_id = ANY($1) ORDER BY id`, shipmentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]ShipmentLine)
	for rows.Next() {
		var l ShipmentLine
		if err := rows.Scan(&l.ID, &l.ShipmentID, &l.LineID, &l.QtyShipped); err != nil {
			return nil, err
		}
		out[l.ShipmentID] = append(out[l.ShipmentID], l)
	}
	return out, rows.Err()
}

func (q *queries) loadShipment(ctx context.Context, sql string, id int64) (Shipment, error) {
	sh, err := scanShipment(q.db.QueryRow(ctx, sql, id))
	if err != nil {
		return Shipment{}, err
	}
	lines, err := q.shipmentLines(ctx, []int64{sh.ID})
	if err != nil {
		return Shipment{}, err
	}
	sh.Lines = lines[sh.ID]
	return sh, nil
}

func (q *queries) GetShipment(ctx context.Context, id int64) (Shipment, error) {
	return q.loadShipment(ctx, `SELECT `+shipmentColumns+` FROM purchase_order_shipments WHERE id = $1`, id)
}

func (q *queries) LockShipment(ctx context.Context, id int64) (Shipment, error) {
	return q.loadShipment(ctx, `SELECT `+shipmentColumns+` FROM purchase_order_shipments WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) ListShipments(ctx context.Context, poID int64) ([]Shipment, error) {
	rows, err := q.db.Query(ctx, `SELECT `+shipmentColumns+` FROM purchase_order_shipments WHERE purchase_order_id = $1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	var shipments []Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		shipments = append(shipments, sh)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(shipments) == 0 {
		return shipments, nil
	}
	ids := make([]int64, len(shipments))
	for i, sh := range shipments {
		ids[i] = sh.ID
	}
	lines, err := q.shipmentLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range shipments {
		shipments[i].Lines = lines[shipments[i].ID]
	}
	return shipments, nil
}

func (q *queries) UpdateShipmentStatus(ctx context.Context, sh Shipment) error {
	_, err := q.db.Exec(ctx, `UPDATE purchase_order_shipments SET status = $2, shipped_at = $3, delivered_at = $4, updated_by = $5, updated_at = NOW()
		WHERE id = $1`, sh.ID, string(sh.Status), sh.ShippedAt, sh.DeliveredAt, sh.UpdatedBy)
	return err
}
