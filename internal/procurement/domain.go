package procurement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// POStatus enumerates purchase order states.
type POStatus string

const (
	POStatusDraft        POStatus = "draft"
	POStatusSent         POStatus = "sent"
	POStatusAcknowledged POStatus = "acknowledged"
	POStatusCancelled    POStatus = "cancelled"
	POStatusFulfilled    POStatus = "fulfilled"
)

// AckStatus is the supplier-facing acknowledgement track of a purchase order.
type AckStatus string

const (
	AckStatusNone         AckStatus = "none"
	AckStatusSent         AckStatus = "sent"
	AckStatusAcknowledged AckStatus = "acknowledged"
	AckStatusDeclined     AckStatus = "declined"
)

// ShipmentStatus enumerates shipment states.
type ShipmentStatus string

const (
	ShipmentStatusPending   ShipmentStatus = "pending"
	ShipmentStatusInTransit ShipmentStatus = "in_transit"
	ShipmentStatusDelivered ShipmentStatus = "delivered"
	ShipmentStatusCancelled ShipmentStatus = "cancelled"
)

// AwardStatus enumerates RFQ item award states.
type AwardStatus string

const (
	AwardStatusAwarded   AwardStatus = "awarded"
	AwardStatusCancelled AwardStatus = "cancelled"
)

// QuoteItemStatus is the derived pool state of a quote item.
type QuoteItemStatus string

const (
	QuoteItemStatusPending QuoteItemStatus = "pending"
	QuoteItemStatusAwarded QuoteItemStatus = "awarded"
)

// AggregateStatus is the derived award coverage of a quote or RFQ.
type AggregateStatus string

const (
	AggregateOpen             AggregateStatus = "open"
	AggregatePartiallyAwarded AggregateStatus = "partially_awarded"
	AggregateAwarded          AggregateStatus = "awarded"
)

// DeliveryChannel enumerates outbound document channels.
type DeliveryChannel string

const (
	ChannelEmail   DeliveryChannel = "email"
	ChannelWebhook DeliveryChannel = "webhook"
)

// PurchaseOrder is the company-scoped root aggregate. Every money field is
// stored twice, as a decimal projection and as integer minor units.
type PurchaseOrder struct {
	ID             int64           `json:"id"`
	CompanyID      int64           `json:"company_id"`
	Number         string          `json:"number"`
	Status         POStatus        `json:"status"`
	AckStatus      AckStatus       `json:"ack_status"`
	AckReason      string          `json:"ack_reason,omitempty"`
	Currency       string          `json:"currency"`
	RevisionNo     int             `json:"revision_no"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	SubtotalMinor  int64           `json:"subtotal_minor"`
	TaxTotal       decimal.Decimal `json:"tax_total"`
	TaxTotalMinor  int64           `json:"tax_total_minor"`
	Total          decimal.Decimal `json:"total"`
	TotalMinor     int64           `json:"total_minor"`
	RFQID          *int64          `json:"rfq_id,omitempty"`
	QuoteID        *int64          `json:"quote_id,omitempty"`
	SupplierID     *int64          `json:"supplier_id,omitempty"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	CreatedBy      int64           `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Line is a purchase order line. Lines are append-only.
type Line struct {
	ID              int64           `json:"id"`
	PurchaseOrderID int64           `json:"purchase_order_id"`
	LineNo          int             `json:"line_no"`
	Description     string          `json:"description"`
	Quantity        decimal.Decimal `json:"quantity"`
	UOM             string          `json:"uom"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	// UnitPriceMinor is nil until the line has been priced in minor units.
	UnitPriceMinor *int64     `json:"unit_price_minor,omitempty"`
	Currency       string     `json:"currency"`
	RFQItemID      *int64     `json:"rfq_item_id,omitempty"`
	AwardID        *int64     `json:"rfq_item_award_id,omitempty"`
	DeliveryDate   *time.Time `json:"delivery_date,omitempty"`
	Taxes          []LineTax  `json:"taxes,omitempty"`
}

// TaxCodeIDs returns the tax codes currently attached to the line.
func (l Line) TaxCodeIDs() []int64 {
	ids := make([]int64, 0, len(l.Taxes))
	for _, tax := range l.Taxes {
		ids = append(ids, tax.TaxCodeID)
	}
	return ids
}

// LineTax is a persisted tax association of a line.
type LineTax struct {
	ID          int64           `json:"id"`
	LineID      int64           `json:"line_id"`
	TaxCodeID   int64           `json:"tax_code_id"`
	RatePercent decimal.Decimal `json:"rate_percent"`
	Amount      decimal.Decimal `json:"amount"`
	AmountMinor int64           `json:"amount_minor"`
	Sequence    int             `json:"sequence"`
}

// Award is a buyer's selection of a winning quote item for one RFQ line.
type Award struct {
	ID          int64           `json:"id"`
	CompanyID   int64           `json:"company_id"`
	RFQID       int64           `json:"rfq_id"`
	RFQItemID   int64           `json:"rfq_item_id"`
	SupplierID  int64           `json:"supplier_id"`
	QuoteID     int64           `json:"quote_id"`
	QuoteItemID *int64          `json:"quote_item_id,omitempty"`
	Status      AwardStatus     `json:"status"`
	AwardedQty  decimal.Decimal `json:"awarded_qty"`
	POID        *int64          `json:"po_id,omitempty"`
	POLineID    *int64          `json:"po_line_id,omitempty"`
}

// RFQ is the request for quote a purchase order may originate from.
type RFQ struct {
	ID        int64
	CompanyID int64
	Number    string
	Status    AggregateStatus
	Currency  string
}

// RFQItem is one requested line of an RFQ.
type RFQItem struct {
	ID           int64
	RFQID        int64
	LineNo       int
	Description  string
	Quantity     decimal.Decimal
	UOM          string
	DeliveryDate *time.Time
}

// Quote is a supplier's answer to an RFQ.
type Quote struct {
	ID         int64
	CompanyID  int64
	RFQID      int64
	SupplierID int64
	Currency   string
	Status     AggregateStatus
}

// QuoteItem is one priced line of a quote.
type QuoteItem struct {
	ID             int64
	QuoteID        int64
	RFQItemID      int64
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	UnitPriceMinor *int64
	Currency       string
	Status         QuoteItemStatus
	DeliveryDate   *time.Time
}

// Shipment is a partial or full dispatch of purchase order lines.
type Shipment struct {
	ID                int64          `json:"id"`
	PurchaseOrderID   int64          `json:"purchase_order_id"`
	SupplierCompanyID int64          `json:"supplier_company_id"`
	Number            string         `json:"number"`
	Status            ShipmentStatus `json:"status"`
	Carrier           string         `json:"carrier,omitempty"`
	TrackingNumber    string         `json:"tracking_number,omitempty"`
	ShippedAt         *time.Time     `json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	CreatedBy         int64          `json:"created_by"`
	UpdatedBy         int64          `json:"updated_by"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Lines             []ShipmentLine `json:"lines"`
}

// ShipmentLine carries the quantity shipped for one purchase order line.
type ShipmentLine struct {
	ID         int64           `json:"id"`
	ShipmentID int64           `json:"shipment_id"`
	LineID     int64           `json:"purchase_order_line_id"`
	QtyShipped decimal.Decimal `json:"qty_shipped"`
}

// Event types written to the purchase order timeline.
const (
	EventCreated            = "created"
	EventAwardsConverted    = "awards_converted"
	EventSent               = "sent"
	EventAcknowledged       = "acknowledged"
	EventDeclined           = "declined"
	EventCancelled          = "cancelled"
	EventFulfilled          = "fulfilled"
	EventLineUpdated        = "line_updated"
	EventTotalsRecalculated = "totals_recalculated"
	EventShipmentCreated    = "shipment_created"
	EventShipmentStatus     = "shipment_status"
)

// Event is an immutable timeline row.
type Event struct {
	ID              int64            `json:"id"`
	PurchaseOrderID int64            `json:"purchase_order_id"`
	Type            string           `json:"type"`
	Summary         string           `json:"summary"`
	Description     string           `json:"description,omitempty"`
	Meta            map[string]any   `json:"meta,omitempty"`
	ActorID         *int64           `json:"actor_id,omitempty"`
	ActorName       string           `json:"actor_name,omitempty"`
	ActorType       shared.ActorKind `json:"actor_type"`
	OccurredAt      time.Time        `json:"occurred_at"`
}

// Delivery records one outbound transmission of a purchase order document.
type Delivery struct {
	ID              int64           `json:"id"`
	PurchaseOrderID int64           `json:"purchase_order_id"`
	Channel         DeliveryChannel `json:"channel"`
	To              []string        `json:"to,omitempty"`
	CC              []string        `json:"cc,omitempty"`
	BCC             []string        `json:"bcc,omitempty"`
	Message         string          `json:"message,omitempty"`
	WebhookURL      string          `json:"webhook_url,omitempty"`
	SentAt          time.Time       `json:"sent_at"`
	DispatchedAt    *time.Time      `json:"dispatched_at,omitempty"`
	CreatedBy       int64           `json:"created_by"`
}

// DeliveryDocument is the payload handed to the outbound dispatcher.
type DeliveryDocument struct {
	Delivery      Delivery      `json:"delivery"`
	PurchaseOrder PurchaseOrder `json:"purchase_order"`
	Lines         []Line        `json:"lines"`
}

// ListFilters narrows purchase order listings.
type ListFilters struct {
	CompanyID  int64
	Status     POStatus
	SupplierID int64
	RFQID      int64
	Page       int
	PerPage    int
}
