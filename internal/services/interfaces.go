package services

import (
	"context"
	"time"

	domain "github.com/enrollfield/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	Order                = domain.Order
	OrderStatus          = domain.OrderStatus
	OrderTotals          = domain.OrderTotals
	OrderLineItem        = domain.OrderLineItem
	Payment              = domain.Payment
	PaymentStatus        = domain.PaymentStatus
	Enrollment           = domain.Enrollment
	Program              = domain.Program
	Promotion            = domain.Promotion
	PricingBreakdown     = domain.PricingBreakdown
	ItemPricingBreakdown = domain.ItemPricingBreakdown
	DiscountBreakdown    = domain.DiscountBreakdown
	TaxBreakdown         = domain.TaxBreakdown
)

// OrderService orchestrates the order lifecycle: creation, checkout, payment
// confirmation, administrative cancel and refund, and the read surfaces.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	CalculatePricing(ctx context.Context, cmd CalculatePricingCommand) (PricingBreakdown, error)
	InitiateCheckout(ctx context.Context, cmd InitiateCheckoutCommand) (CheckoutIntent, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (PaymentConfirmation, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	Refund(ctx context.Context, cmd RefundOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListPayments(ctx context.Context, orderID string) ([]Payment, error)
	ListUserPayments(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Payment], error)
}

// CreateOrderCommand opens a new order over the given enrollments.
type CreateOrderCommand struct {
	UserID        string
	EnrollmentIDs []string
	PromoCode     *string
	ActorID       string
	Metadata      map[string]string
}

// CalculatePricingCommand previews the price of a prospective order. The
// result is a projection only; the amount charged is the one persisted on the
// order at creation time.
type CalculatePricingCommand struct {
	EnrollmentIDs []string
	PromoCode     *string
}

// InitiateCheckoutCommand opens a gateway checkout session for a pending order.
type InitiateCheckoutCommand struct {
	OrderID            string
	ActorID            string
	PaymentMethodRef   string
	InstallmentPlanRef string
}

// CheckoutIntent is the handle returned to the caller to complete payment.
type CheckoutIntent struct {
	OrderID         string
	PaymentID       string
	Provider        string
	RedirectURL     string
	GatewayIntentID string
	ExpiresAt       *time.Time
}

// ConfirmPaymentCommand reconciles a gateway outcome onto the order.
type ConfirmPaymentCommand struct {
	OrderID         string
	GatewayIntentID string
	ReportedStatus  PaymentStatus
	FailureReason   string
	ActorID         string
}

// PaymentConfirmation is the outcome of ConfirmPayment. Replayed marks a
// duplicate confirmation answered from the intent ledger without side effects.
type PaymentConfirmation struct {
	Order    Order
	Payment  Payment
	Replayed bool
}

// CancelOrderCommand cancels a pending order.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// RefundOrderCommand refunds a paid order. Amount nil refunds the full
// captured amount; a partial amount still moves the order to refunded.
type RefundOrderCommand struct {
	OrderID string
	Amount  *int64
	Reason  string
	ActorID string
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID      string
	Status      []OrderStatus
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Pagination  Pagination
}
