package report

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"time"

	"github.com/odyssey-erp/odyssey-procure/internal/procurement"
)

// ErrRendererDisabled is returned when no Gotenberg endpoint is configured.
var ErrRendererDisabled = errors.New("report: pdf renderer disabled")

var purchaseOrderTemplate = template.Must(template.New("purchase_order").Funcs(template.FuncMap{
	"date": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.Format("2006-01-02")
	},
}).Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Purchase Order {{.PO.Number}}</title>
<style>
body{font-family:sans-serif;font-size:12px}
table{width:100%;border-collapse:collapse}
th,td{border-bottom:1px solid #ddd;padding:4px;text-align:left}
td.num,th.num{text-align:right}
</style></head>
<body>
<h1>Purchase Order {{.PO.Number}}</h1>
<p>Revision {{.PO.RevisionNo}} &middot; Currency {{.PO.Currency}}{{with .PO.SentAt}} &middot; Issued {{date .}}{{end}}</p>
{{with .Message}}<p>{{.}}</p>{{end}}
<table>
<thead><tr><th>#</th><th>Description</th><th class="num">Qty</th><th>UOM</th><th class="num">Unit price</th><th>Delivery</th></tr></thead>
<tbody>
{{range .Lines}}<tr><td>{{.LineNo}}</td><td>{{.Description}}</td><td class="num">{{.Quantity.String}}</td><td>{{.UOM}}</td><td class="num">{{.UnitPrice.String}}</td><td>{{date .DeliveryDate}}</td></tr>
{{end}}</tbody>
</table>
<table>
<tr><td class="num">Subtotal</td><td class="num">{{.PO.Subtotal.String}}</td></tr>
<tr><td class="num">Tax</td><td class="num">{{.PO.TaxTotal.String}}</td></tr>
<tr><td class="num"><strong>Total</strong></td><td class="num"><strong>{{.PO.Total.String}} {{.PO.Currency}}</strong></td></tr>
</table>
</body></html>
`))

type purchaseOrderView struct {
	PO      procurement.PurchaseOrder
	Lines   []procurement.Line
	Message string
}

// PurchaseOrderHTML renders the printable document of an order.
func PurchaseOrderHTML(po procurement.PurchaseOrder, lines []procurement.Line, message string) (string, error) {
	var buf bytes.Buffer
	if err := purchaseOrderTemplate.Execute(&buf, purchaseOrderView{PO: po, Lines: lines, Message: message}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// PurchaseOrderPDF renders the order document through Gotenberg.
func (c *Client) PurchaseOrderPDF(ctx context.Context, po procurement.PurchaseOrder, lines []procurement.Line, message string) ([]byte, error) {
	if c == nil {
		return nil, ErrRendererDisabled
	}
	html, err := PurchaseOrderHTML(po, lines, message)
	if err != nil {
		return nil, err
	}
	return c.RenderHTML(ctx, html)
}
