package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/platform/httpx"
	"github.com/enrollfield/api/internal/services"
)

const webhookActorID = "payment_gateway"

// PaymentWebhookHandlers receives gateway callbacks and reconciles them onto
// orders. Confirmations are idempotent; the gateway may deliver duplicates.
type PaymentWebhookHandlers struct {
	service services.OrderService
	limiter rateLimiter
}

// WebhookOption customises the webhook handlers.
type WebhookOption func(*PaymentWebhookHandlers)

// NewPaymentWebhookHandlers constructs the webhook handlers.
func NewPaymentWebhookHandlers(service services.OrderService, opts ...WebhookOption) *PaymentWebhookHandlers {
	h := &PaymentWebhookHandlers{service: service}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// WithWebhookRateLimit throttles callback deliveries per order id. Zero values
// disable the limiter.
func WithWebhookRateLimit(limit int, window time.Duration) WebhookOption {
	return func(h *PaymentWebhookHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// Routes registers the webhook endpoints on the provided router group.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	r.Post("/payments", h.handlePaymentEvent)
}

type paymentWebhookRequest struct {
	EventID       string `json:"event_id"`
	OrderID       string `json:"order_id"`
	IntentID      string `json:"intent_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

type paymentWebhookResponse struct {
	Received    bool   `json:"received"`
	Replayed    bool   `json:"replayed"`
	OrderStatus string `json:"order_status,omitempty"`
}

func (h *PaymentWebhookHandlers) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.service == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order service not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, defaultBodyLimit)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var payload paymentWebhookRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(payload.OrderID) == "" || strings.TrimSpace(payload.IntentID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "order_id and intent_id are required", http.StatusBadRequest))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(payload.OrderID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many callbacks for order", http.StatusTooManyRequests))
		return
	}

	var status domain.PaymentStatus
	switch strings.ToLower(strings.TrimSpace(payload.Status)) {
	case "succeeded":
		status = domain.PaymentStatusSucceeded
	case "failed":
		status = domain.PaymentStatusFailed
	default:
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_status", "status must be succeeded or failed", http.StatusBadRequest))
		return
	}

	confirmation, err := h.service.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		OrderID:         payload.OrderID,
		GatewayIntentID: payload.IntentID,
		ReportedStatus:  status,
		FailureReason:   payload.FailureReason,
		ActorID:         webhookActorID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentWebhookResponse{
		Received:    true,
		Replayed:    confirmation.Replayed,
		OrderStatus: string(confirmation.Order.Status),
	})
}
