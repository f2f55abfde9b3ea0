package domain

import "time"

// Pagination describes cursor based pagination inputs shared across repositories.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps a page of results with the token required to fetch the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery expresses optional inclusive bounds for range filtered lookups.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPendingPayment marks an order awaiting a successful payment.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPaid marks an order whose payment succeeded.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCanceled marks an order canceled before payment.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusRefunded marks a paid order that has been refunded.
	OrderStatusRefunded OrderStatus = "refunded"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCanceled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// PaymentStatus enumerates the payment attempt states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// EnrollmentStatus enumerates the enrollment states the order flow touches.
type EnrollmentStatus string

const (
	EnrollmentStatusPending  EnrollmentStatus = "pending"
	EnrollmentStatusActive   EnrollmentStatus = "active"
	EnrollmentStatusCanceled EnrollmentStatus = "canceled"
)

// Enrollment is the externally owned entity an order pays for. Only the fields
// the order flow reads and writes are modeled here.
type Enrollment struct {
	ID        string
	UserID    string
	ProgramID string
	Status    EnrollmentStatus
	// OrderRef holds the id of the order currently claiming this enrollment.
	// Nil while the enrollment is unattached.
	OrderRef  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Program is a published catalog entry whose price is snapshotted into orders.
type Program struct {
	ID        string
	Name      string
	Price     int64
	Currency  string
	Published bool
	UpdatedAt time.Time
}

// PromotionKind distinguishes percentage discounts from fixed amounts.
type PromotionKind string

const (
	PromotionKindPercent PromotionKind = "percent"
	PromotionKindAmount  PromotionKind = "amount"
)

// Promotion is a discount code applied at order creation time.
type Promotion struct {
	Code     string
	Kind     PromotionKind
	Percent  int64 // basis points, used when Kind is percent
	Amount   int64 // smallest currency unit, used when Kind is amount
	Active   bool
	StartsAt *time.Time
	EndsAt   *time.Time
}

// AppliesAt reports whether the promotion is usable at the given instant.
func (p Promotion) AppliesAt(now time.Time) bool {
	if !p.Active {
		return false
	}
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && now.After(*p.EndsAt) {
		return false
	}
	return true
}

// OrderTotals records the amounts snapshotted onto an order. All amounts are in
// the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Tax      int64
	Total    int64
}

// OrderLineItem snapshots one enrollment's price at order creation.
type OrderLineItem struct {
	Position     int
	EnrollmentID string
	ProgramRef   string
	Description  string
	UnitPrice    int64
	Currency     string
}

// Order aggregates line items, totals and payment attempts for a checkout.
type Order struct {
	ID           string
	OrderNumber  string
	UserID       string
	Status       OrderStatus
	Currency     string
	Totals       OrderTotals
	Items        []OrderLineItem
	PromoCode    *string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PaidAt       *time.Time
	CanceledAt   *time.Time
	RefundedAt   *time.Time
	CancelReason *string
}

// Payment is one gateway payment attempt recorded under an order.
type Payment struct {
	ID              string
	OrderID         string
	UserID          string
	Amount          int64
	RefundedAmount  int64
	Currency        string
	Status          PaymentStatus
	GatewayIntentID string
	FailureReason   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	// ExpiresAt bounds how long a pending attempt blocks cancellation and new
	// checkout sessions. Nil means the attempt never expires on its own.
	ExpiresAt *time.Time
}

// Live reports whether a pending attempt still blocks other lifecycle
// operations at the given instant.
func (p Payment) Live(now time.Time) bool {
	if p.Status != PaymentStatusPending {
		return false
	}
	if p.ExpiresAt == nil {
		return true
	}
	return now.Before(*p.ExpiresAt)
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	UserID  string
	Status  *OrderStatus
	Created RangeQuery[time.Time]
}
