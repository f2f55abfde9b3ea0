package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/platform/auth"
	"github.com/enrollfield/api/internal/platform/httpx"
	"github.com/enrollfield/api/internal/services"
)

// OrderHandlers exposes the order lifecycle endpoints for the signed-in user.
type OrderHandlers struct {
	service services.OrderService
}

// NewOrderHandlers constructs the order handlers backed by the given service.
func NewOrderHandlers(service services.OrderService) *OrderHandlers {
	return &OrderHandlers{service: service}
}

// Routes registers the order endpoints on the provided router group.
func (h *OrderHandlers) Routes(r chi.Router) {
	r.Get("/", h.listOrders)
	r.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:checkout", h.initiateCheckout)
	r.Get("/{orderID}/payments", h.listOrderPayments)
}

// PaymentRoutes registers the cross-order payment history endpoints.
func (h *OrderHandlers) PaymentRoutes(r chi.Router) {
	r.Get("/", h.listUserPayments)
}

type createOrderRequest struct {
	EnrollmentIDs []string          `json:"enrollment_ids"`
	PromoCode     *string           `json:"promo_code"`
	Metadata      map[string]string `json:"metadata"`
}

type checkoutRequest struct {
	PaymentMethodRef   string `json:"payment_method_ref"`
	InstallmentPlanRef string `json:"installment_plan_ref"`
}

type orderListResponse struct {
	Orders        []orderSummaryPayload `json:"orders"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	ItemCount   int    `json:"item_count"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID           string            `json:"id"`
	OrderNumber  string            `json:"order_number"`
	UserID       string            `json:"user_id"`
	Status       string            `json:"status"`
	Currency     string            `json:"currency"`
	Totals       orderTotalsPayload `json:"totals"`
	Items        []orderItemPayload `json:"items"`
	PromoCode    *string           `json:"promo_code,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	PaidAt       *string           `json:"paid_at,omitempty"`
	CanceledAt   *string           `json:"canceled_at,omitempty"`
	RefundedAt   *string           `json:"refunded_at,omitempty"`
	CancelReason *string           `json:"cancel_reason,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	Position     int    `json:"position"`
	EnrollmentID string `json:"enrollment_id"`
	ProgramRef   string `json:"program_ref"`
	Description  string `json:"description"`
	UnitPrice    int64  `json:"unit_price"`
	Currency     string `json:"currency"`
}

type checkoutResponse struct {
	OrderID         string  `json:"order_id"`
	PaymentID       string  `json:"payment_id"`
	Provider        string  `json:"provider"`
	RedirectURL     string  `json:"redirect_url"`
	GatewayIntentID string  `json:"gateway_intent_id"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
}

type paymentListResponse struct {
	Payments      []paymentPayload `json:"payments"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type paymentPayload struct {
	ID              string  `json:"id"`
	OrderID         string  `json:"order_id"`
	Amount          int64   `json:"amount"`
	RefundedAmount  int64   `json:"refunded_amount"`
	Currency        string  `json:"currency"`
	Status          string  `json:"status"`
	GatewayIntentID string  `json:"gateway_intent_id"`
	FailureReason   *string `json:"failure_reason,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
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

	filter, ok := parseOrderListQuery(w, r)
	if !ok {
		return
	}
	filter.UserID = identity.UID

	page, err := h.service.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
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

	body, err := readLimitedBody(r, defaultBodyLimit)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var payload createOrderRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	order, err := h.service.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:        identity.UID,
		EnrollmentIDs: payload.EnrollmentIDs,
		PromoCode:     payload.PromoCode,
		ActorID:       identity.UID,
		Metadata:      payload.Metadata,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

	order, ok := h.ownedOrder(w, r, identity)
	if !ok {
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) initiateCheckout(w http.ResponseWriter, r *http.Request) {
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

	order, ok := h.ownedOrder(w, r, identity)
	if !ok {
		return
	}

	// The body is optional; callers may pass payment method preferences.
	var payload checkoutRequest
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

	intent, err := h.service.InitiateCheckout(ctx, services.InitiateCheckoutCommand{
		OrderID:            order.ID,
		ActorID:            identity.UID,
		PaymentMethodRef:   payload.PaymentMethodRef,
		InstallmentPlanRef: payload.InstallmentPlanRef,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, checkoutResponse{
		OrderID:         intent.OrderID,
		PaymentID:       intent.PaymentID,
		Provider:        intent.Provider,
		RedirectURL:     intent.RedirectURL,
		GatewayIntentID: intent.GatewayIntentID,
		ExpiresAt:       formatTimePointer(intent.ExpiresAt),
	})
}

func (h *OrderHandlers) listOrderPayments(w http.ResponseWriter, r *http.Request) {
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

	order, ok := h.ownedOrder(w, r, identity)
	if !ok {
		return
	}

	payments, err := h.service.ListPayments(ctx, order.ID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentListResponse{Payments: buildPaymentPayloads(payments)})
}

func (h *OrderHandlers) listUserPayments(w http.ResponseWriter, r *http.Request) {
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

	page, err := h.service.ListUserPayments(ctx, identity.UID, domain.Pagination{
		PageSize:  parsePageSize(r.URL.Query().Get("page_size")),
		PageToken: r.URL.Query().Get("page_token"),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentListResponse{
		Payments:      buildPaymentPayloads(page.Items),
		NextPageToken: page.NextPageToken,
	})
}

// ownedOrder loads the path order and hides it from callers who neither own it
// nor hold a staff role. Non-owners get the same 404 as a missing order.
func (h *OrderHandlers) ownedOrder(w http.ResponseWriter, r *http.Request, identity *auth.Identity) (services.Order, bool) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")

	order, err := h.service.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return services.Order{}, false
	}
	if order.UserID != identity.UID && !identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}

func parseOrderListQuery(w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	ctx := r.Context()
	query := r.URL.Query()

	filter := services.OrderListFilter{
		Pagination: domain.Pagination{
			PageSize:  parsePageSize(query.Get("page_size")),
			PageToken: query.Get("page_token"),
		},
	}

	for _, raw := range parseFilterValues(query.Get("status")) {
		status := domain.OrderStatus(raw)
		switch status {
		case domain.OrderStatusPendingPayment, domain.OrderStatusPaid, domain.OrderStatusCanceled, domain.OrderStatusRefunded:
			filter.Status = append(filter.Status, status)
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_status", "unknown order status "+raw, http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
	}

	createdFrom, err := parseTimeParam(query.Get("created_after"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_time", "created_after must be RFC3339", http.StatusBadRequest))
		return services.OrderListFilter{}, false
	}
	createdTo, err := parseTimeParam(query.Get("created_before"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_time", "created_before must be RFC3339", http.StatusBadRequest))
		return services.OrderListFilter{}, false
	}
	filter.CreatedFrom = createdFrom
	filter.CreatedTo = createdTo

	return filter, true
}

func buildOrderListResponse(page domain.CursorPage[services.Order]) orderListResponse {
	resp := orderListResponse{
		Orders:        make([]orderSummaryPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Orders = append(resp.Orders, buildOrderSummary(order))
	}
	return resp
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Total:       order.Totals.Total,
		ItemCount:   len(order.Items),
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			Position:     item.Position,
			EnrollmentID: item.EnrollmentID,
			ProgramRef:   item.ProgramRef,
			Description:  item.Description,
			UnitPrice:    item.UnitPrice,
			Currency:     item.Currency,
		})
	}

	return orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items:        items,
		PromoCode:    cloneStringPointer(order.PromoCode),
		Metadata:     order.Metadata,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		PaidAt:       formatTimePointer(order.PaidAt),
		CanceledAt:   formatTimePointer(order.CanceledAt),
		RefundedAt:   formatTimePointer(order.RefundedAt),
		CancelReason: cloneStringPointer(order.CancelReason),
	}
}

func buildPaymentPayloads(payments []services.Payment) []paymentPayload {
	out := make([]paymentPayload, 0, len(payments))
	for _, payment := range payments {
		out = append(out, paymentPayload{
			ID:              payment.ID,
			OrderID:         payment.OrderID,
			Amount:          payment.Amount,
			RefundedAmount:  payment.RefundedAmount,
			Currency:        payment.Currency,
			Status:          string(payment.Status),
			GatewayIntentID: payment.GatewayIntentID,
			FailureReason:   cloneStringPointer(payment.FailureReason),
			CreatedAt:       formatTime(payment.CreatedAt),
			UpdatedAt:       formatTime(payment.UpdatedAt),
			ExpiresAt:       formatTimePointer(payment.ExpiresAt),
		})
	}
	return out
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "unable to read request body", http.StatusBadRequest))
	}
}

// writeOrderError maps service sentinels onto the API error envelope.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrPricingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_input", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidEnrollment):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_enrollment", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPricingCurrencyMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("currency_mismatch", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotPayable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_payable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentIntentMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("payment_intent_mismatch", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidStateTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", err.Error(), http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "unable to process order request", http.StatusInternalServerError))
	}
}
