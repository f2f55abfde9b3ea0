package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/enrollfield/api/internal/platform/auth"
	"github.com/enrollfield/api/internal/platform/httpx"
	"github.com/enrollfield/api/internal/services"
)

// AdminOrderHandlers exposes the staff-only lifecycle operations: listing any
// user's orders, cancellation and refunds.
type AdminOrderHandlers struct {
	service services.OrderService
}

// NewAdminOrderHandlers constructs the admin order handlers.
func NewAdminOrderHandlers(service services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{service: service}
}

// Routes registers the admin endpoints. Every route requires a staff role.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	r.Use(auth.RequireRole(auth.RoleStaff, auth.RoleAdmin))
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Post("/orders/{orderID}:refund", h.refundOrder)
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type refundOrderRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.service == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order service not configured", http.StatusServiceUnavailable))
		return
	}

	filter, ok := parseOrderListQuery(w, r)
	if !ok {
		return
	}
	filter.UserID = r.URL.Query().Get("user_id")

	page, err := h.service.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.service == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order service not configured", http.StatusServiceUnavailable))
		return
	}

	order, err := h.service.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.service == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order service not configured", http.StatusServiceUnavailable))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "identity required", http.StatusUnauthorized))
		return
	}

	var payload cancelOrderRequest
	body, err := readLimitedBody(r, defaultBodyLimit)
	switch {
	case errors.Is(err, errEmptyBody):
	case err != nil:
		writeBodyError(ctx, w, err)
		return
	default:
		if err := json.Unmarshal(body, &payload); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	order, err := h.service.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  payload.Reason,
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.service == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order service not configured", http.StatusServiceUnavailable))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "identity required", http.StatusUnauthorized))
		return
	}

	var payload refundOrderRequest
	body, err := readLimitedBody(r, defaultBodyLimit)
	switch {
	case errors.Is(err, errEmptyBody):
	case err != nil:
		writeBodyError(ctx, w, err)
		return
	default:
		if err := json.Unmarshal(body, &payload); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	order, err := h.service.Refund(ctx, services.RefundOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Amount:  payload.Amount,
		Reason:  payload.Reason,
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
