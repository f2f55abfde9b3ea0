// Package memory provides an in-process repositories.Registry used by tests
// and local development without a Firestore emulator.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/repositories"
)

// Registry holds all entities behind one mutex. Contention is irrelevant at
// test scale and the single lock keeps multi-entity operations atomic.
type Registry struct {
	mu sync.Mutex

	orders      map[string]domain.Order
	payments    map[string][]domain.Payment // orderID -> attempts, oldest first
	enrollments map[string]domain.Enrollment
	programs    map[string]domain.Program
	promotions  map[string]domain.Promotion
	counters    map[string]int64

	activations map[string]int // enrollmentID -> activation signal count
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		orders:      make(map[string]domain.Order),
		payments:    make(map[string][]domain.Payment),
		enrollments: make(map[string]domain.Enrollment),
		programs:    make(map[string]domain.Program),
		promotions:  make(map[string]domain.Promotion),
		counters:    make(map[string]int64),
		activations: make(map[string]int),
	}
}

// Close satisfies the Registry contract; nothing to release.
func (r *Registry) Close(context.Context) error { return nil }

// RunInTx runs fn directly. Holding the registry lock across fn would
// deadlock because fn re-enters repository methods.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository               { return (*orderRepo)(r) }
func (r *Registry) OrderPayments() repositories.OrderPaymentRepository { return (*paymentRepo)(r) }
func (r *Registry) Enrollments() repositories.EnrollmentRepository     { return (*enrollmentRepo)(r) }
func (r *Registry) Catalog() repositories.CatalogRepository            { return (*catalogRepo)(r) }
func (r *Registry) Promotions() repositories.PromotionRepository       { return (*promotionRepo)(r) }
func (r *Registry) Counters() repositories.CounterRepository           { return (*counterRepo)(r) }

// Seed helpers -------------------------------------------------------------

// SeedEnrollment stores an enrollment for tests and local fixtures.
func (r *Registry) SeedEnrollment(enrollment domain.Enrollment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrollments[enrollment.ID] = enrollment
}

// SeedProgram stores a catalog program.
func (r *Registry) SeedProgram(program domain.Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[program.ID] = program
}

// SeedPromotion stores a promotion keyed by its upper-cased code.
func (r *Registry) SeedPromotion(promotion domain.Promotion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promotions[strings.ToUpper(promotion.Code)] = promotion
}

// ActivationCount reports how many activation signals an enrollment received.
func (r *Registry) ActivationCount(enrollmentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activations[enrollmentID]
}

// Orders --------------------------------------------------------------------

type orderRepo Registry

func (r *orderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return conflictError("orders.insert", "order %s already exists", order.ID)
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *orderRepo) Update(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; !ok {
		return notFoundError("orders.update", "order %s not found", order.ID)
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *orderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundError("orders.find", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r *orderRepo) UpdateStatus(_ context.Context, orderID string, from, to domain.OrderStatus, at time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundError("orders.updateStatus", "order %s not found", orderID)
	}
	if order.Status != from {
		return domain.Order{}, conflictError("orders.updateStatus", "order %s is %s, expected %s", orderID, order.Status, from)
	}
	at = at.UTC()
	order.Status = to
	order.UpdatedAt = at
	switch to {
	case domain.OrderStatusPaid:
		order.PaidAt = &at
	case domain.OrderStatusCanceled:
		order.CanceledAt = &at
	case domain.OrderStatusRefunded:
		order.RefundedAt = &at
	}
	r.orders[orderID] = order
	return cloneOrder(order), nil
}

func (r *orderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.Order
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(filter.Status) > 0 && !containsStatus(filter.Status, order.Status) {
			continue
		}
		if filter.DateRange.From != nil && order.CreatedAt.Before(*filter.DateRange.From) {
			continue
		}
		if filter.DateRange.To != nil && order.CreatedAt.After(*filter.DateRange.To) {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 || pageSize > len(matched) {
		pageSize = len(matched)
	}
	return domain.CursorPage[domain.Order]{Items: matched[:pageSize]}, nil
}

// Payments ------------------------------------------------------------------

type paymentRepo Registry

func (r *paymentRepo) Insert(_ context.Context, payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments[payment.OrderID] {
		if existing.ID == payment.ID {
			return conflictError("payments.insert", "payment %s already exists", payment.ID)
		}
	}
	r.payments[payment.OrderID] = append(r.payments[payment.OrderID], payment)
	return nil
}

func (r *paymentRepo) Update(_ context.Context, payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempts := r.payments[payment.OrderID]
	for i, existing := range attempts {
		if existing.ID == payment.ID {
			attempts[i] = payment
			return nil
		}
	}
	return notFoundError("payments.update", "payment %s not found under order %s", payment.ID, payment.OrderID)
}

func (r *paymentRepo) List(_ context.Context, orderID string) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempts := r.payments[orderID]
	out := make([]domain.Payment, len(attempts))
	copy(out, attempts)
	return out, nil
}

func (r *paymentRepo) FindByIntent(_ context.Context, orderID, gatewayIntentID string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments[orderID] {
		if payment.GatewayIntentID == gatewayIntentID {
			return payment, nil
		}
	}
	return domain.Payment{}, notFoundError("payments.findByIntent", "payment with intent %s not found under order %s", gatewayIntentID, orderID)
}

func (r *paymentRepo) ListByUser(_ context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Payment], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []domain.Payment
	for _, attempts := range r.payments {
		for _, payment := range attempts {
			if payment.UserID == userID {
				matched = append(matched, payment)
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	pageSize := pager.PageSize
	if pageSize <= 0 || pageSize > len(matched) {
		pageSize = len(matched)
	}
	return domain.CursorPage[domain.Payment]{Items: matched[:pageSize]}, nil
}

// Enrollments ---------------------------------------------------------------

type enrollmentRepo Registry

func (r *enrollmentRepo) FindByIDs(_ context.Context, enrollmentIDs []string) ([]domain.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Enrollment, 0, len(enrollmentIDs))
	for _, id := range enrollmentIDs {
		enrollment, ok := r.enrollments[id]
		if !ok {
			return nil, notFoundError("enrollments.find", "enrollment %s not found", id)
		}
		out = append(out, enrollment)
	}
	return out, nil
}

func (r *enrollmentRepo) Attach(_ context.Context, enrollmentID, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	enrollment, ok := r.enrollments[enrollmentID]
	if !ok {
		return notFoundError("enrollments.attach", "enrollment %s not found", enrollmentID)
	}
	if enrollment.OrderRef != nil && *enrollment.OrderRef != orderID {
		return conflictError("enrollments.attach", "enrollment %s already attached to order %s", enrollmentID, *enrollment.OrderRef)
	}
	enrollment.OrderRef = &orderID
	r.enrollments[enrollmentID] = enrollment
	return nil
}

func (r *enrollmentRepo) Release(_ context.Context, enrollmentID, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	enrollment, ok := r.enrollments[enrollmentID]
	if !ok {
		return notFoundError("enrollments.release", "enrollment %s not found", enrollmentID)
	}
	if enrollment.OrderRef != nil && *enrollment.OrderRef == orderID {
		enrollment.OrderRef = nil
		r.enrollments[enrollmentID] = enrollment
	}
	return nil
}

func (r *enrollmentRepo) Activate(_ context.Context, enrollmentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	enrollment, ok := r.enrollments[enrollmentID]
	if !ok {
		return notFoundError("enrollments.activate", "enrollment %s not found", enrollmentID)
	}
	enrollment.Status = domain.EnrollmentStatusActive
	r.enrollments[enrollmentID] = enrollment
	r.activations[enrollmentID]++
	return nil
}

// Catalog -------------------------------------------------------------------

type catalogRepo Registry

func (r *catalogRepo) FindProgramsByIDs(_ context.Context, programIDs []string) ([]domain.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Program, 0, len(programIDs))
	for _, id := range programIDs {
		program, ok := r.programs[id]
		if !ok {
			return nil, notFoundError("catalog.find", "program %s not found", id)
		}
		out = append(out, program)
	}
	return out, nil
}

// Promotions ----------------------------------------------------------------

type promotionRepo Registry

func (r *promotionRepo) FindByCode(_ context.Context, code string) (domain.Promotion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	promotion, ok := r.promotions[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return domain.Promotion{}, notFoundError("promotions.find", "promotion %s not found", code)
	}
	return promotion, nil
}

// Counters ------------------------------------------------------------------

type counterRepo Registry

func (r *counterRepo) Next(_ context.Context, counterID string, step int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step <= 0 {
		step = 1
	}
	r.counters[counterID] += step
	return r.counters[counterID], nil
}

// helpers -------------------------------------------------------------------

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Items = make([]domain.OrderLineItem, len(order.Items))
	copy(out.Items, order.Items)
	if order.Metadata != nil {
		out.Metadata = make(map[string]string, len(order.Metadata))
		for k, v := range order.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func containsStatus(statuses []domain.OrderStatus, status domain.OrderStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
