package procurement

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/money"
	"github.com/odyssey-erp/odyssey-procure/internal/platform/db"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error)
	ListLines(ctx context.Context, poID int64) ([]Line, error)
	ListEvents(ctx context.Context, poID int64) ([]Event, error)
	ListShipments(ctx context.Context, poID int64) ([]Shipment, error)
	ListDeliveries(ctx context.Context, poID int64) ([]Delivery, error)
	SupplierCompanyID(ctx context.Context, supplierID int64) (int64, error)
	GetQuote(ctx context.Context, id int64) (Quote, error)
}

// TxRepository exposes transactional operations. Lock* methods take row locks
// that are held until the surrounding transaction ends.
type TxRepository interface {
	LockPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	SharePurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	LockPurchaseOrdersByRFQ(ctx context.Context, rfqID int64) ([]PurchaseOrder, error)
	PurchaseOrderNumberExists(ctx context.Context, number string) (bool, error)
	InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error)
	UpdatePurchaseOrderState(ctx context.Context, po PurchaseOrder) error
	UpdatePurchaseOrderTotals(ctx context.Context, po PurchaseOrder) error
	SupplierCompanyID(ctx context.Context, supplierID int64) (int64, error)

	ListLines(ctx context.Context, poID int64) ([]Line, error)
	LockLines(ctx context.Context, ids []int64) ([]Line, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	UpdateLine(ctx context.Context, line Line) error
	InsertLineTax(ctx context.Context, tax LineTax) (int64, error)
	UpdateLineTax(ctx context.Context, tax LineTax) error
	DeleteLineTax(ctx context.Context, id int64) error
	LoadTaxCodes(ctx context.Context, companyID int64, ids []int64) (map[int64]money.TaxCode, error)

	LockRFQ(ctx context.Context, id int64) (RFQ, error)
	GetRFQItem(ctx context.Context, id int64) (RFQItem, error)
	LockAwards(ctx context.Context, ids []int64) ([]Award, error)
	LockOpenAwards(ctx context.Context, rfqID int64) ([]Award, error)
	LockAwardsForPurchaseOrder(ctx context.Context, poID int64) ([]Award, error)
	StampAward(ctx context.Context, awardID, poID, lineID int64) error
	CancelAward(ctx context.Context, id int64) error
	GetQuote(ctx context.Context, id int64) (Quote, error)
	GetQuoteItem(ctx context.Context, id int64) (QuoteItem, error)
	ListQuoteItems(ctx context.Context, quoteID int64) ([]QuoteItem, error)
	UpdateQuoteItemStatus(ctx context.Context, id int64, status QuoteItemStatus) error
	QuoteAwardCoverage(ctx context.Context, quoteID int64) (total, awarded int, err error)
	UpdateQuoteStatus(ctx context.Context, id int64, status AggregateStatus) error
	RFQAwardCoverage(ctx context.Context, rfqID int64) (total, awarded int, err error)
	UpdateRFQStatus(ctx context.Context, id int64, status AggregateStatus) error

	InsertEvent(ctx context.Context, evt Event) (int64, error)
	InsertDelivery(ctx context.Context, d Delivery) (int64, error)

	ShippedQuantities(ctx context.Context, lineIDs []int64) (map[int64]decimal.Decimal, error)
	DeliveredQuantities(ctx context.Context, poID int64) (map[int64]decimal.Decimal, error)
	ShipmentNumberExists(ctx context.Context, number string) (bool, error)
	InsertShipment(ctx context.Context, sh Shipment) (int64, error)
	InsertShipmentLine(ctx context.Context, line ShipmentLine) (int64, error)
	GetShipment(ctx context.Context, id int64) (Shipment, error)
	LockShipment(ctx context.Context, id int64) (Shipment, error)
	UpdateShipmentStatus(ctx context.Context, sh Shipment) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
	*queries
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, queries: &queries{db: pool}}
}

type txRepo struct {
	*queries
	tx pgx.Tx
}

// WithTx wraps callback in a read-committed transaction. Mutating operations
// rely on explicit row locks, and statements issued after a lock wait must see
// the rows committed by the previous holder.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{queries: &queries{db: tx}, tx: tx})
	})
}

// GetDeliveryDocument loads a delivery with its purchase order and lines.
func (r *Repository) GetDeliveryDocument(ctx context.Context, deliveryID int64) (DeliveryDocument, error) {
	d, err := r.getDelivery(ctx, deliveryID)
	if err != nil {
		return DeliveryDocument{}, err
	}
	po, err := r.GetPurchaseOrder(ctx, d.PurchaseOrderID)
	if err != nil {
		return DeliveryDocument{}, err
	}
	lines, err := r.ListLines(ctx, po.ID)
	if err != nil {
		return DeliveryDocument{}, err
	}
	return DeliveryDocument{Delivery: d, PurchaseOrder: po, Lines: lines}, nil
}

// MarkDeliveryDispatched stamps dispatched_at once.
func (r *Repository) MarkDeliveryDispatched(ctx context.Context, deliveryID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE purchase_order_deliveries SET dispatched_at = $2 WHERE id = $1 AND dispatched_at IS NULL`, deliveryID, at)
	return err
}
