package procurement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-procure/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// IdempotencyHeader carries the client key that guards shipment creation.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the purchase order lifecycle as a JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Get("/", h.listPurchaseOrders)
		r.Post("/", h.createFromQuote)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getPurchaseOrder)
			r.Post("/send", h.send)
			r.Post("/acknowledge", h.acknowledge)
			r.Post("/decline", h.decline)
			r.Post("/cancel", h.cancel)
			r.Post("/recalculate", h.recalculate)
			r.Patch("/lines/{lineID}", h.updateLine)
			r.Get("/events", h.listEvents)
			r.Get("/deliveries", h.listDeliveries)
			r.Get("/shipments", h.listShipments)
			r.Post("/shipments", h.createShipment)
		})
	})
	r.Patch("/shipments/{id}/status", h.updateShipmentStatus)
	r.Post("/rfqs/{id}/convert-awards", h.convertAwards)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound), errors.Is(err, ErrConsistency),
		errors.Is(err, ErrDuplicateSubmission), errors.Is(err, httpx.ErrBadRequest):
		h.logger.Debug("procurement request rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
	default:
		h.logger.Error("procurement request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, httpx.ErrBadRequest
	}
	return id, nil
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}

type listResponse struct {
	Data       []PurchaseOrder   `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	filters := ListFilters{
		Status:  POStatus(r.URL.Query().Get("status")),
		Page:    queryInt(r, "page"),
		PerPage: queryInt(r, "per_page"),
	}
	filters.SupplierID, _ = strconv.ParseInt(r.URL.Query().Get("supplier_id"), 10, 64)
	filters.RFQID, _ = strconv.ParseInt(r.URL.Query().Get("rfq_id"), 10, 64)
	items, page, err := h.service.ListPurchaseOrders(r.Context(), filters, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []PurchaseOrder{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Data: items, Pagination: page})
}

func (h *Handler) createFromQuote(w http.ResponseWriter, r *http.Request) {
	var in CreateFromQuoteInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.Actor = shared.ActorFromContext(r.Context())
	po, err := h.service.CreateFromQuote(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) getPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.service.GetPurchaseOrder(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in SendInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.Actor = shared.ActorFromContext(r.Context())
	result, err := h.service.Send(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	po, err := h.service.Acknowledge(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

type declineRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) decline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req declineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	po, err := h.service.Decline(r.Context(), id, req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	po, err := h.service.Cancel(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	po, err := h.service.RecalculateTotals(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	lineID, err := pathID(r, "lineID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in UpdateLineInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.PurchaseOrderID = id
	in.LineID = lineID
	in.Actor = shared.ActorFromContext(r.Context())
	po, err := h.service.UpdateLine(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	events, err := h.service.ListEvents(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []Event{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": events})
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	deliveries, err := h.service.ListDeliveries(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if deliveries == nil {
		deliveries = []Delivery{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": deliveries})
}

func (h *Handler) listShipments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	shipments, err := h.service.ListShipments(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if shipments == nil {
		shipments = []Shipment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": shipments})
}

func (h *Handler) createShipment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in CreateShipmentInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.PurchaseOrderID = id
	in.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	in.Actor = shared.ActorFromContext(r.Context())
	sh, err := h.service.CreateShipment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sh)
}

func (h *Handler) updateShipmentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in UpdateShipmentStatusInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.ShipmentID = id
	in.Actor = shared.ActorFromContext(r.Context())
	sh, err := h.service.UpdateShipmentStatus(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

type convertAwardsRequest struct {
	AwardIDs []int64 `json:"award_ids"`
}

type convertAwardsResponse struct {
	PurchaseOrders []PurchaseOrder `json:"purchase_orders"`
}

func (h *Handler) convertAwards(w http.ResponseWriter, r *http.Request) {
	rfqID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req convertAwardsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	var orders []PurchaseOrder
	if len(req.AwardIDs) == 0 {
		orders, err = h.service.ConvertRFQAwards(r.Context(), rfqID, actor)
	} else {
		orders, err = h.service.ConvertAwards(r.Context(), ConvertAwardsInput{RFQID: rfqID, AwardIDs: req.AwardIDs, Actor: actor})
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []PurchaseOrder{}
	}
	httpx.JSON(w, http.StatusOK, convertAwardsResponse{PurchaseOrders: orders})
}
