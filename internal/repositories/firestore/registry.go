package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/enrollfield/api/internal/platform/firestore"
	"github.com/enrollfield/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	orders      *OrderRepository
	payments    *PaymentRepository
	enrollments *EnrollmentRepository
	catalog     *CatalogRepository
	promotions  *PromotionRepository
	counters    *CounterRepository
}

// NewRegistry constructs all repositories over the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build payment repository: %w", err)
	}
	enrollments, err := NewEnrollmentRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build enrollment repository: %w", err)
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build catalog repository: %w", err)
	}
	promotions, err := NewPromotionRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build promotion repository: %w", err)
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build counter repository: %w", err)
	}

	return &Registry{
		provider:    provider,
		orders:      orders,
		payments:    payments,
		enrollments: enrollments,
		catalog:     catalog,
		promotions:  promotions,
		counters:    counters,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository              { return r.orders }
func (r *Registry) OrderPayments() repositories.OrderPaymentRepository { return r.payments }
func (r *Registry) Enrollments() repositories.EnrollmentRepository    { return r.enrollments }
func (r *Registry) Catalog() repositories.CatalogRepository           { return r.catalog }
func (r *Registry) Promotions() repositories.PromotionRepository      { return r.promotions }
func (r *Registry) Counters() repositories.CounterRepository          { return r.counters }

// RunInTx executes fn inside one Firestore transaction. Repository calls made
// through ctx do not automatically join the transaction; callers use it to
// scope multi-entity write sequences that tolerate retries.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}
