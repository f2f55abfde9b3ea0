package repositories

import (
	"context"
	"time"

	domain "github.com/enrollfield/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	OrderPayments() OrderPaymentRepository
	Enrollments() EnrollmentRepository
	Catalog() CatalogRepository
	Promotions() PromotionRepository
	Counters() CounterRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates. UpdateStatus is a compare-and-set:
// it fails with a conflict when the stored status no longer matches from.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderPaymentRepository stores payment attempts underneath an order document.
type OrderPaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	List(ctx context.Context, orderID string) ([]domain.Payment, error)
	FindByIntent(ctx context.Context, orderID, gatewayIntentID string) (domain.Payment, error)
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Payment], error)
}

// EnrollmentRepository is the narrow window onto externally owned enrollments.
// Attach claims the enrollment for an order and fails with a conflict when a
// non-canceled order already holds it. Activate is a write-once activation
// signal issued after payment confirmation.
type EnrollmentRepository interface {
	FindByIDs(ctx context.Context, enrollmentIDs []string) ([]domain.Enrollment, error)
	Attach(ctx context.Context, enrollmentID, orderID string) error
	Release(ctx context.Context, enrollmentID, orderID string) error
	Activate(ctx context.Context, enrollmentID string) error
}

// CatalogRepository resolves published programs for price snapshots.
type CatalogRepository interface {
	FindProgramsByIDs(ctx context.Context, programIDs []string) ([]domain.Program, error)
}

// PromotionRepository resolves discount codes applied at order creation.
type PromotionRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Promotion, error)
}

// CounterRepository produces transaction-safe monotonic sequences for order numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}
