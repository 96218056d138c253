package report

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-procure/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-procure/internal/procurement"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// OrderSource resolves an order visible to the requesting actor.
type OrderSource interface {
	GetPurchaseOrder(ctx context.Context, id int64, actor *shared.Actor) (procurement.PurchaseOrderView, error)
}

// Handler manages report endpoints.
type Handler struct {
	client *Client
	orders OrderSource
	logger *slog.Logger
}

// NewHandler creates a report handler.
func NewHandler(client *Client, orders OrderSource, logger *slog.Logger) *Handler {
	return &Handler{client: client, orders: orders, logger: logger}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ping", h.ping)
	r.Get("/purchase-orders/{id}.pdf", h.purchaseOrderPDF)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) purchaseOrderPDF(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrBadRequest)
		return
	}
	view, err := h.orders.GetPurchaseOrder(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pdf, err := h.client.PurchaseOrderPDF(r.Context(), view.PurchaseOrder, view.Lines, "")
	if err != nil {
		if errors.Is(err, ErrRendererDisabled) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("render purchase order pdf", slog.Int64("purchase_order_id", id), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename="+view.Number+".pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
