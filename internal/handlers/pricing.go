package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/enrollfield/api/internal/platform/auth"
	"github.com/enrollfield/api/internal/platform/httpx"
	"github.com/enrollfield/api/internal/services"
)

// PricingHandlers serves the price preview endpoint. The preview is a
// projection; the amount charged is whatever was persisted on the order.
type PricingHandlers struct {
	service services.OrderService
}

// NewPricingHandlers constructs the pricing handlers backed by the given service.
func NewPricingHandlers(service services.OrderService) *PricingHandlers {
	return &PricingHandlers{service: service}
}

// Routes registers the pricing endpoints at the API root.
func (h *PricingHandlers) Routes(r chi.Router) {
	r.Post("/pricing:calculate", h.calculatePricing)
}

type calculatePricingRequest struct {
	EnrollmentIDs []string `json:"enrollment_ids"`
	PromoCode     *string  `json:"promo_code"`
}

type pricingResponse struct {
	Currency string                 `json:"currency"`
	Subtotal int64                  `json:"subtotal"`
	Discount pricingDiscountPayload `json:"discount"`
	Tax      pricingTaxPayload      `json:"tax"`
	Total    int64                  `json:"total"`
	Items    []pricingItemPayload   `json:"items"`
}

type pricingDiscountPayload struct {
	Code   string `json:"code,omitempty"`
	Amount int64  `json:"amount"`
}

type pricingTaxPayload struct {
	RateBps int64 `json:"rate_bps"`
	Amount  int64 `json:"amount"`
}

type pricingItemPayload struct {
	EnrollmentID string `json:"enrollment_id"`
	ProgramRef   string `json:"program_ref"`
	Description  string `json:"description"`
	UnitPrice    int64  `json:"unit_price"`
}

func (h *PricingHandlers) calculatePricing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.service == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order service not configured", http.StatusServiceUnavailable))
		return
	}
	if _, ok := auth.IdentityFromContext(ctx); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "identity required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, defaultBodyLimit)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var payload calculatePricingRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	breakdown, err := h.service.CalculatePricing(ctx, services.CalculatePricingCommand{
		EnrollmentIDs: payload.EnrollmentIDs,
		PromoCode:     payload.PromoCode,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPricingResponse(breakdown))
}

func buildPricingResponse(breakdown services.PricingBreakdown) pricingResponse {
	items := make([]pricingItemPayload, 0, len(breakdown.Items))
	for _, item := range breakdown.Items {
		items = append(items, pricingItemPayload{
			EnrollmentID: item.EnrollmentID,
			ProgramRef:   item.ProgramRef,
			Description:  item.Description,
			UnitPrice:    item.UnitPrice,
		})
	}

	return pricingResponse{
		Currency: breakdown.Currency,
		Subtotal: breakdown.Subtotal,
		Discount: pricingDiscountPayload{
			Code:   breakdown.Discount.Code,
			Amount: breakdown.Discount.Amount,
		},
		Tax: pricingTaxPayload{
			RateBps: breakdown.Tax.RateBps,
			Amount:  breakdown.Tax.Amount,
		},
		Total: breakdown.Total,
		Items: items,
	}
}
