package services

import (
	"context"
	"encoding/json"
	"strings"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/viewcache"
)

// cachedOrderService serves the read surfaces from rendered views in the
// cache and routes order creation through the optimistic snapshot-rollback
// protocol. Mutations stay on the inner service, which marks the dependent
// views stale only after the write is durably committed, so a cached read is
// never fresher than the store it renders.
type cachedOrderService struct {
	inner OrderService
	cache *viewcache.Cache
}

// NewCachedOrderService decorates svc with the rendered-view cache. A nil
// cache returns svc unchanged.
func NewCachedOrderService(svc OrderService, cache *viewcache.Cache) OrderService {
	if cache == nil {
		return svc
	}
	return &cachedOrderService{inner: svc, cache: cache}
}

// orderListView is the cached rendering of a user's default order list. The
// page size travels with the page so a request rendered under a different
// size never serves a mismatched view.
type orderListView struct {
	PageSize int                      `json:"pageSize"`
	Page     domain.CursorPage[Order] `json:"page"`
}

type paymentListView struct {
	PageSize int                        `json:"pageSize"`
	Page     domain.CursorPage[Payment] `json:"page"`
}

func (c *cachedOrderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return c.inner.CreateOrder(ctx, cmd)
	}

	// The user's order list is marked stale before the write so a concurrent
	// read cannot reuse the prior rendering mid-create; a failed create
	// restores the snapshot verbatim.
	var order Order
	key := viewcache.OrderListKey(userID)
	err := c.cache.WithRollback(key, func() error {
		c.cache.Invalidate(key)
		var createErr error
		order, createErr = c.inner.CreateOrder(ctx, cmd)
		return createErr
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (c *cachedOrderService) CalculatePricing(ctx context.Context, cmd CalculatePricingCommand) (PricingBreakdown, error) {
	return c.inner.CalculatePricing(ctx, cmd)
}

func (c *cachedOrderService) InitiateCheckout(ctx context.Context, cmd InitiateCheckoutCommand) (CheckoutIntent, error) {
	return c.inner.InitiateCheckout(ctx, cmd)
}

func (c *cachedOrderService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (PaymentConfirmation, error) {
	return c.inner.ConfirmPayment(ctx, cmd)
}

func (c *cachedOrderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	return c.inner.CancelOrder(ctx, cmd)
}

func (c *cachedOrderService) Refund(ctx context.Context, cmd RefundOrderCommand) (Order, error) {
	return c.inner.Refund(ctx, cmd)
}

func (c *cachedOrderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return c.inner.GetOrder(ctx, orderID)
	}

	data, err := c.cache.GetOrLoad(ctx, viewcache.OrderDetailKey(trimmed), func(ctx context.Context) ([]byte, error) {
		order, loadErr := c.inner.GetOrder(ctx, trimmed)
		if loadErr != nil {
			return nil, loadErr
		}
		return json.Marshal(order)
	})
	if err != nil {
		return Order{}, err
	}

	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return c.inner.GetOrder(ctx, trimmed)
	}
	return order, nil
}

// ListOrders caches only the default view: a single user's first page with no
// status or date filters. Filtered and cursored queries go to the store.
func (c *cachedOrderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	userID := strings.TrimSpace(filter.UserID)
	if userID == "" || len(filter.Status) > 0 || filter.CreatedFrom != nil || filter.CreatedTo != nil || filter.Pagination.PageToken != "" {
		return c.inner.ListOrders(ctx, filter)
	}

	data, err := c.cache.GetOrLoad(ctx, viewcache.OrderListKey(userID), func(ctx context.Context) ([]byte, error) {
		page, loadErr := c.inner.ListOrders(ctx, filter)
		if loadErr != nil {
			return nil, loadErr
		}
		return json.Marshal(orderListView{PageSize: filter.Pagination.PageSize, Page: page})
	})
	if err != nil {
		return domain.CursorPage[Order]{}, err
	}

	var view orderListView
	if err := json.Unmarshal(data, &view); err != nil || view.PageSize != filter.Pagination.PageSize {
		return c.inner.ListOrders(ctx, filter)
	}
	return view.Page, nil
}

func (c *cachedOrderService) ListPayments(ctx context.Context, orderID string) ([]Payment, error) {
	return c.inner.ListPayments(ctx, orderID)
}

func (c *cachedOrderService) ListUserPayments(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Payment], error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" || pager.PageToken != "" {
		return c.inner.ListUserPayments(ctx, userID, pager)
	}

	data, err := c.cache.GetOrLoad(ctx, viewcache.PaymentListKey(trimmed), func(ctx context.Context) ([]byte, error) {
		page, loadErr := c.inner.ListUserPayments(ctx, trimmed, pager)
		if loadErr != nil {
			return nil, loadErr
		}
		return json.Marshal(paymentListView{PageSize: pager.PageSize, Page: page})
	})
	if err != nil {
		return domain.CursorPage[Payment]{}, err
	}

	var view paymentListView
	if err := json.Unmarshal(data, &view); err != nil || view.PageSize != pager.PageSize {
		return c.inner.ListUserPayments(ctx, trimmed, pager)
	}
	return view.Page, nil
}
