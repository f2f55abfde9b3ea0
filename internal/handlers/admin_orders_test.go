package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/platform/auth"
	"github.com/enrollfield/api/internal/services"
)

func newAdminTestRouter(service services.OrderService) chi.Router {
	h := NewAdminOrderHandlers(service)
	return NewRouter(
		WithMiddlewares(auth.Middleware()),
		WithAdminRoutes(h.Routes),
	)
}

func staffRequest(method, target string, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set(auth.HeaderUserID, "staff-1")
	req.Header.Set(auth.HeaderRoles, "staff")
	return req
}

func TestAdminCancelRequiresStaffRole(t *testing.T) {
	router := newAdminTestRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:cancel", nil)
	req.Header.Set(auth.HeaderUserID, "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAdminCancelOrder(t *testing.T) {
	var captured services.CancelOrderCommand
	service := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID, "user-1", domain.OrderStatusCanceled)
			order.CancelReason = &cmd.Reason
			return order, nil
		},
	}
	router := newAdminTestRouter(service)

	req := staffRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:cancel", `{"reason":"duplicate order"}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Reason != "duplicate order" || captured.ActorID != "staff-1" {
		t.Fatalf("command = %+v", captured)
	}

	body := decodeJSONBody(t, rr)
	order, ok := body["order"].(map[string]any)
	if !ok || order["status"] != "canceled" {
		t.Fatalf("order payload = %v", body["order"])
	}
	if order["cancel_reason"] != "duplicate order" {
		t.Fatalf("cancel_reason = %v", order["cancel_reason"])
	}
}

func TestAdminCancelAllowsEmptyBody(t *testing.T) {
	service := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			return sampleOrder(cmd.OrderID, "user-1", domain.OrderStatusCanceled), nil
		},
	}
	router := newAdminTestRouter(service)

	req := staffRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:cancel", "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestAdminCancelTerminalOrder(t *testing.T) {
	service := &stubOrderService{
		cancelFn: func(context.Context, services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: order ord_1 cannot move from refunded to canceled", services.ErrInvalidStateTransition)
		},
	}
	router := newAdminTestRouter(service)

	req := staffRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:cancel", "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["error"] != "invalid_state_transition" {
		t.Fatalf("error = %v", body["error"])
	}
	message, _ := body["message"].(string)
	if !strings.Contains(message, "refunded") || !strings.Contains(message, "canceled") {
		t.Fatalf("message = %q, want both states named", message)
	}
}

func TestAdminRefundPartialAmount(t *testing.T) {
	var captured services.RefundOrderCommand
	service := &stubOrderService{
		refundFn: func(_ context.Context, cmd services.RefundOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(cmd.OrderID, "user-1", domain.OrderStatusRefunded), nil
		},
	}
	router := newAdminTestRouter(service)

	req := staffRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:refund", `{"amount":50,"reason":"course closed"}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if captured.Amount == nil || *captured.Amount != 50 {
		t.Fatalf("amount = %v", captured.Amount)
	}
	if captured.Reason != "course closed" {
		t.Fatalf("reason = %q", captured.Reason)
	}

	body := decodeJSONBody(t, rr)
	order, ok := body["order"].(map[string]any)
	if !ok || order["status"] != "refunded" {
		t.Fatalf("order payload = %v", body["order"])
	}
}

func TestAdminRefundInvalidAmount(t *testing.T) {
	service := &stubOrderService{
		refundFn: func(context.Context, services.RefundOrderCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: refund amount exceeds remaining balance", services.ErrOrderInvalidInput)
		},
	}
	router := newAdminTestRouter(service)

	req := staffRequest(http.MethodPost, "/api/v1/admin/orders/ord_1:refund", `{"amount":9999}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeJSONBody(t, rr); body["error"] != "invalid_input" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestAdminListOrdersFiltersByUser(t *testing.T) {
	var captured services.OrderListFilter
	service := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{}, nil
		},
	}
	router := newAdminTestRouter(service)

	req := staffRequest(http.MethodGet, "/api/v1/admin/orders?user_id=user-7&status=refunded", "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-7" {
		t.Fatalf("filter user = %q", captured.UserID)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.OrderStatusRefunded {
		t.Fatalf("filter status = %v", captured.Status)
	}
}
