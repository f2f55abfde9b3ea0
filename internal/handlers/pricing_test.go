package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/platform/auth"
	"github.com/enrollfield/api/internal/services"
)

func newPricingTestRouter(service services.OrderService) chi.Router {
	h := NewPricingHandlers(service)
	return NewRouter(
		WithMiddlewares(auth.Middleware()),
		WithPricingRoutes(h.Routes),
	)
}

func TestCalculatePricingReturnsBreakdown(t *testing.T) {
	var captured services.CalculatePricingCommand
	service := &stubOrderService{
		pricingFn: func(_ context.Context, cmd services.CalculatePricingCommand) (services.PricingBreakdown, error) {
			captured = cmd
			return services.PricingBreakdown{
				Currency: "USD",
				Subtotal: 125,
				Discount: domain.DiscountBreakdown{Code: "SPRING10", Amount: 12},
				Tax:      domain.TaxBreakdown{RateBps: 800, Amount: 9},
				Total:    122,
				Items: []domain.ItemPricingBreakdown{
					{EnrollmentID: "enr_1", ProgramRef: "prog_1", Description: "Program prog_1", UnitPrice: 50},
					{EnrollmentID: "enr_2", ProgramRef: "prog_2", Description: "Program prog_2", UnitPrice: 75},
				},
			}, nil
		},
	}
	router := newPricingTestRouter(service)

	req := authedRequest(http.MethodPost, "/api/v1/pricing:calculate", `{"enrollment_ids":["enr_1","enr_2"],"promo_code":"SPRING10"}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if len(captured.EnrollmentIDs) != 2 {
		t.Fatalf("enrollment ids = %v", captured.EnrollmentIDs)
	}
	if captured.PromoCode == nil || *captured.PromoCode != "SPRING10" {
		t.Fatalf("promo code = %v", captured.PromoCode)
	}

	body := decodeJSONBody(t, rr)
	if body["subtotal"] != float64(125) || body["total"] != float64(122) {
		t.Fatalf("body = %v", body)
	}
	discount, ok := body["discount"].(map[string]any)
	if !ok || discount["code"] != "SPRING10" || discount["amount"] != float64(12) {
		t.Fatalf("discount = %v", body["discount"])
	}
	tax, ok := body["tax"].(map[string]any)
	if !ok || tax["rate_bps"] != float64(800) {
		t.Fatalf("tax = %v", body["tax"])
	}
	items, ok := body["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("items = %v", body["items"])
	}
}

func TestCalculatePricingRequiresIdentity(t *testing.T) {
	router := newPricingTestRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pricing:calculate", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCalculatePricingInvalidEnrollment(t *testing.T) {
	service := &stubOrderService{
		pricingFn: func(context.Context, services.CalculatePricingCommand) (services.PricingBreakdown, error) {
			return services.PricingBreakdown{}, fmt.Errorf("%w: enrollment enr_9 not found", services.ErrInvalidEnrollment)
		},
	}
	router := newPricingTestRouter(service)

	req := authedRequest(http.MethodPost, "/api/v1/pricing:calculate", `{"enrollment_ids":["enr_9"]}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeJSONBody(t, rr); body["error"] != "invalid_enrollment" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestCalculatePricingRequiresBody(t *testing.T) {
	router := newPricingTestRouter(&stubOrderService{})

	req := authedRequest(http.MethodPost, "/api/v1/pricing:calculate", "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}
