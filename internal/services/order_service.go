package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/ledger"
	"github.com/enrollfield/api/internal/payments"
	"github.com/enrollfield/api/internal/platform/keymutex"
	"github.com/enrollfield/api/internal/platform/textutil"
	"github.com/enrollfield/api/internal/repositories"
	"github.com/enrollfield/api/internal/viewcache"
)

const (
	orderEventCreated          = "order.created"
	orderEventStatusChanged    = "order.status.changed"
	orderEventPaymentInitiated = "order.payment.initiated"
	orderEventPaymentConfirmed = "order.payment.confirmed"
	orderEventPaymentFailed    = "order.payment.failed"

	orderIDPrefix   = "ord_"
	paymentIDPrefix = "pay_"

	defaultAttemptTTL = 24 * time.Hour

	expiredAttemptReason = "expired"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrInvalidEnrollment indicates an enrollment is missing, foreign, or already ordered.
	ErrInvalidEnrollment = errors.New("order: invalid enrollment")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderNotPayable indicates checkout was attempted on an order that cannot accept one.
	ErrOrderNotPayable = errors.New("order: not payable")
	// ErrPaymentIntentMismatch indicates a confirmation referenced an intent not tied to the order's live payment attempt.
	ErrPaymentIntentMismatch = errors.New("order: payment intent mismatch")
	// ErrInvalidStateTransition indicates an illegal status transition was attempted.
	ErrInvalidStateTransition = errors.New("order: invalid status transition")
	// ErrGatewayUnavailable indicates the payment gateway call failed or timed out.
	ErrGatewayUnavailable = errors.New("order: payment gateway unavailable")
	// ErrOrderConflict indicates a concurrent operation won the race.
	ErrOrderConflict = errors.New("order: conflict")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingPayment: {domain.OrderStatusPaid, domain.OrderStatusCanceled},
	domain.OrderStatusPaid:           {domain.OrderStatusRefunded},
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func invalidTransition(orderID string, current, target domain.OrderStatus) error {
	return fmt.Errorf("%w: order %s cannot move from %s to %s", ErrInvalidStateTransition, orderID, current, target)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// paymentGateway abstracts payments.Manager for easier testing.
type paymentGateway interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.OrderPaymentRepository
	Enrollments repositories.EnrollmentRepository
	Catalog     repositories.CatalogRepository
	Counters    repositories.CounterRepository
	UnitOfWork  repositories.UnitOfWork
	Pricing     *PricingEngine
	Gateway     paymentGateway
	Ledger      ledger.Store
	Views       *viewcache.Router
	Locks       *keymutex.KeyMutex
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
	// AttemptTTL bounds how long a pending payment attempt blocks the order.
	AttemptTTL time.Duration
	SuccessURL string
	CancelURL  string
}

type orderService struct {
	orders      repositories.OrderRepository
	payments    repositories.OrderPaymentRepository
	enrollments repositories.EnrollmentRepository
	catalog     repositories.CatalogRepository
	counters    repositories.CounterRepository
	unitOfWork  repositories.UnitOfWork
	pricing     *PricingEngine
	gateway     paymentGateway
	ledger      ledger.Store
	views       *viewcache.Router
	locks       *keymutex.KeyMutex
	events      OrderEventPublisher
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
	attemptTTL  time.Duration
	successURL  string
	cancelURL   string
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment repository is required")
	}
	if deps.Enrollments == nil {
		return nil, errors.New("order service: enrollment repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment gateway is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order service: intent ledger is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	locks := deps.Locks
	if locks == nil {
		locks = keymutex.New()
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	ttl := deps.AttemptTTL
	if ttl <= 0 {
		ttl = defaultAttemptTTL
	}

	return &orderService{
		orders:      deps.Orders,
		payments:    deps.Payments,
		enrollments: deps.Enrollments,
		catalog:     deps.Catalog,
		counters:    deps.Counters,
		unitOfWork:  unit,
		pricing:     deps.Pricing,
		gateway:     deps.Gateway,
		ledger:      deps.Ledger,
		views:       deps.Views,
		locks:       locks,
		events:      deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:      idGen,
		logger:     logger,
		attemptTTL: ttl,
		successURL: deps.SuccessURL,
		cancelURL:  deps.CancelURL,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	enrollmentIDs, err := normalizeEnrollmentIDs(cmd.EnrollmentIDs)
	if err != nil {
		return Order{}, err
	}

	enrollments, err := s.resolveEnrollments(ctx, enrollmentIDs)
	if err != nil {
		return Order{}, err
	}
	for _, enrollment := range enrollments {
		if enrollment.UserID != userID {
			return Order{}, fmt.Errorf("%w: enrollment %s does not belong to user %s", ErrInvalidEnrollment, enrollment.ID, userID)
		}
		if enrollment.Status == domain.EnrollmentStatusCanceled {
			return Order{}, fmt.Errorf("%w: enrollment %s is canceled", ErrInvalidEnrollment, enrollment.ID)
		}
		if enrollment.OrderRef != nil {
			return Order{}, fmt.Errorf("%w: enrollment %s is already attached to order %s", ErrInvalidEnrollment, enrollment.ID, *enrollment.OrderRef)
		}
	}

	programs, err := s.resolvePrograms(ctx, enrollments)
	if err != nil {
		return Order{}, err
	}
	for _, program := range programs {
		if !program.Published {
			return Order{}, fmt.Errorf("%w: program %s is not published", ErrInvalidEnrollment, program.ID)
		}
	}

	breakdown, err := s.pricing.Price(ctx, PriceEnrollmentsCommand{
		Enrollments: enrollments,
		Programs:    programs,
		PromoCode:   cmd.PromoCode,
	})
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	order := Order{
		ID:       s.nextOrderID(),
		UserID:   userID,
		Status:   domain.OrderStatusPendingPayment,
		Currency: breakdown.Currency,
		Totals: OrderTotals{
			Subtotal: breakdown.Subtotal,
			Discount: breakdown.Discount.Amount,
			Tax:      breakdown.Tax.Amount,
			Total:    breakdown.Total,
		},
		Items:     buildOrderLineItems(breakdown),
		Metadata:  textutil.NormalizeStringMap(cmd.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if breakdown.Discount.Code != "" {
		order.PromoCode = valuePtr(breakdown.Discount.Code)
	}

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}
	order.OrderNumber = number

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		attached := make([]string, 0, len(enrollments))
		for _, enrollment := range enrollments {
			if attachErr := s.enrollments.Attach(txCtx, enrollment.ID, order.ID); attachErr != nil {
				s.releaseEnrollments(txCtx, attached, order.ID)
				return s.mapEnrollmentError(enrollment.ID, attachErr)
			}
			attached = append(attached, enrollment.ID)
		}
		if insertErr := s.orders.Insert(txCtx, order); insertErr != nil {
			s.releaseEnrollments(txCtx, attached, order.ID)
			return s.mapRepositoryError(insertErr)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       cmd.ActorID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total":    order.Totals.Total,
			"currency": order.Currency,
		},
	})
	s.invalidate(viewcache.OpCreateOrder, viewcache.Target{
		UserID:        order.UserID,
		OrderID:       order.ID,
		EnrollmentIDs: enrollmentIDs,
	})

	return order, nil
}

func (s *orderService) CalculatePricing(ctx context.Context, cmd CalculatePricingCommand) (PricingBreakdown, error) {
	enrollmentIDs, err := normalizeEnrollmentIDs(cmd.EnrollmentIDs)
	if err != nil {
		return PricingBreakdown{}, err
	}
	enrollments, err := s.resolveEnrollments(ctx, enrollmentIDs)
	if err != nil {
		return PricingBreakdown{}, err
	}
	programs, err := s.resolvePrograms(ctx, enrollments)
	if err != nil {
		return PricingBreakdown{}, err
	}
	return s.pricing.Price(ctx, PriceEnrollmentsCommand{
		Enrollments: enrollments,
		Programs:    programs,
		PromoCode:   cmd.PromoCode,
	})
}

func (s *orderService) InitiateCheckout(ctx context.Context, cmd InitiateCheckoutCommand) (CheckoutIntent, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return CheckoutIntent{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	s.locks.Lock(orderID)
	defer s.locks.Unlock(orderID)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return CheckoutIntent{}, s.mapRepositoryError(err)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		return CheckoutIntent{}, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, orderID, order.Status)
	}

	now := s.now()
	live, err := s.livePendingPayment(ctx, orderID, now)
	if err != nil {
		return CheckoutIntent{}, err
	}
	if live != nil {
		return CheckoutIntent{}, fmt.Errorf("%w: order %s already has pending payment attempt %s", ErrOrderNotPayable, orderID, live.ID)
	}

	paymentID := s.nextPaymentID()
	session, err := s.gateway.CreateCheckoutSession(ctx, payments.PaymentContext{Currency: order.Currency}, payments.CheckoutSessionRequest{
		Amount:             order.Totals.Total,
		Currency:           order.Currency,
		CustomerID:         order.UserID,
		SuccessURL:         s.successURL,
		CancelURL:          s.cancelURL,
		PaymentMethodRef:   strings.TrimSpace(cmd.PaymentMethodRef),
		InstallmentPlanRef: strings.TrimSpace(cmd.InstallmentPlanRef),
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
		},
		IdempotencyKey: paymentID,
		Items:          buildCheckoutLineItems(order.Items),
	})
	if err != nil {
		return CheckoutIntent{}, fmt.Errorf("%w: create checkout session: %v", ErrGatewayUnavailable, err)
	}

	payment := Payment{
		ID:              paymentID,
		OrderID:         order.ID,
		UserID:          order.UserID,
		Amount:          order.Totals.Total,
		Currency:        order.Currency,
		Status:          domain.PaymentStatusPending,
		GatewayIntentID: session.IntentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	expiresAt := now.Add(s.attemptTTL)
	payment.ExpiresAt = &expiresAt

	if err := s.payments.Insert(ctx, payment); err != nil {
		return CheckoutIntent{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentInitiated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       cmd.ActorID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"paymentId": payment.ID,
			"intentId":  payment.GatewayIntentID,
			"provider":  session.Provider,
		},
	})
	s.invalidate(viewcache.OpInitiateCheckout, viewcache.Target{UserID: order.UserID, OrderID: order.ID})

	return CheckoutIntent{
		OrderID:         order.ID,
		PaymentID:       payment.ID,
		Provider:        session.Provider,
		RedirectURL:     session.RedirectURL,
		GatewayIntentID: session.IntentID,
		ExpiresAt:       payment.ExpiresAt,
	}, nil
}

func (s *orderService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (PaymentConfirmation, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	intentID := strings.TrimSpace(cmd.GatewayIntentID)
	if orderID == "" || intentID == "" {
		return PaymentConfirmation{}, fmt.Errorf("%w: order id and gateway intent id are required", ErrOrderInvalidInput)
	}
	switch cmd.ReportedStatus {
	case domain.PaymentStatusSucceeded, domain.PaymentStatusFailed:
	default:
		return PaymentConfirmation{}, fmt.Errorf("%w: reported status must be succeeded or failed, got %q", ErrOrderInvalidInput, cmd.ReportedStatus)
	}

	s.locks.Lock(orderID)
	defer s.locks.Unlock(orderID)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentConfirmation{}, s.mapRepositoryError(err)
	}

	claim, err := s.ledger.Begin(ctx, intentID, orderID)
	if err != nil {
		if errors.Is(err, ledger.ErrInFlight) {
			return PaymentConfirmation{}, fmt.Errorf("%w: confirmation for intent %s already in flight", ErrOrderConflict, intentID)
		}
		return PaymentConfirmation{}, fmt.Errorf("order: claim intent %s: %w", intentID, err)
	}
	if claim.Replay != nil {
		if claim.Replay.OrderID != orderID {
			return PaymentConfirmation{}, fmt.Errorf("%w: intent %s belongs to another order", ErrPaymentIntentMismatch, intentID)
		}
		return s.replayConfirmation(ctx, order, *claim.Replay)
	}

	payment, err := s.payments.FindByIntent(ctx, orderID, intentID)
	if err != nil {
		s.releaseClaim(ctx, intentID)
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return PaymentConfirmation{}, fmt.Errorf("%w: no payment attempt with intent %s on order %s", ErrPaymentIntentMismatch, intentID, orderID)
		}
		return PaymentConfirmation{}, s.mapRepositoryError(err)
	}

	now := s.now()
	if payment.Status == domain.PaymentStatusSucceeded && order.Status == domain.OrderStatusPendingPayment && cmd.ReportedStatus == domain.PaymentStatusSucceeded {
		// A prior confirmation recorded the capture but was interrupted before
		// the order flipped. Finish the remaining steps under the fresh claim.
		return s.confirmSucceeded(ctx, order, payment, cmd, now)
	}
	if payment.Status != domain.PaymentStatusPending {
		// Terminal payment without a ledger record: answer from current state.
		s.releaseClaim(ctx, intentID)
		s.logger(ctx, "order.payment.confirm.reconciled", map[string]any{
			"order":   orderID,
			"payment": payment.ID,
			"status":  string(payment.Status),
		})
		return PaymentConfirmation{Order: order, Payment: payment, Replayed: true}, nil
	}
	if !payment.Live(now) {
		if err := s.expireAttempt(ctx, payment, now); err != nil {
			s.releaseClaim(ctx, intentID)
			return PaymentConfirmation{}, err
		}
		s.releaseClaim(ctx, intentID)
		return PaymentConfirmation{}, fmt.Errorf("%w: payment attempt for intent %s has expired", ErrPaymentIntentMismatch, intentID)
	}

	if s.reconcileOutcome(ctx, order, payment, cmd.ReportedStatus) == domain.PaymentStatusSucceeded {
		return s.confirmSucceeded(ctx, order, payment, cmd, now)
	}
	return s.confirmFailed(ctx, order, payment, cmd, now)
}

// reconcileOutcome checks the webhook's self-reported status against the
// gateway's own record of the intent. A terminal gateway answer wins; a lookup
// failure or a non-terminal answer keeps the reported status so an unreachable
// gateway does not block confirmation.
func (s *orderService) reconcileOutcome(ctx context.Context, order Order, payment Payment, reported domain.PaymentStatus) domain.PaymentStatus {
	details, err := s.gateway.LookupPayment(ctx, payments.PaymentContext{Currency: order.Currency}, payments.LookupRequest{IntentID: payment.GatewayIntentID})
	if err != nil {
		s.logger(ctx, "order.payment.confirm.lookup_failed", map[string]any{
			"order":  order.ID,
			"intent": payment.GatewayIntentID,
			"error":  err.Error(),
		})
		return reported
	}

	var actual domain.PaymentStatus
	switch details.Status {
	case payments.StatusSucceeded:
		actual = domain.PaymentStatusSucceeded
	case payments.StatusFailed:
		actual = domain.PaymentStatusFailed
	default:
		return reported
	}
	if actual != reported {
		s.logger(ctx, "order.payment.confirm.status_reconciled", map[string]any{
			"order":    order.ID,
			"intent":   payment.GatewayIntentID,
			"reported": string(reported),
			"gateway":  string(details.Status),
		})
	}
	return actual
}

// confirmSucceeded records the capture, activates the enrollments and flips
// the order to paid. The order flips last: if any earlier step fails, the
// order stays pending_payment and a retried confirmation resumes the
// remaining steps instead of dying on a paid-to-paid transition. The same
// tolerance completes an order already flipped to paid whose payment record
// was left pending.
func (s *orderService) confirmSucceeded(ctx context.Context, order Order, payment Payment, cmd ConfirmPaymentCommand, now time.Time) (PaymentConfirmation, error) {
	flip := order.Status != domain.OrderStatusPaid
	if flip && !canTransition(order.Status, domain.OrderStatusPaid) {
		s.releaseClaim(ctx, cmd.GatewayIntentID)
		return PaymentConfirmation{}, invalidTransition(order.ID, order.Status, domain.OrderStatusPaid)
	}

	updated := order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		if payment.Status != domain.PaymentStatusSucceeded {
			payment.Status = domain.PaymentStatusSucceeded
			payment.UpdatedAt = now
			if txErr := s.payments.Update(txCtx, payment); txErr != nil {
				return s.mapRepositoryError(txErr)
			}
		}
		for _, item := range order.Items {
			if txErr := s.enrollments.Activate(txCtx, item.EnrollmentID); txErr != nil {
				return s.mapEnrollmentError(item.EnrollmentID, txErr)
			}
		}
		if flip {
			var txErr error
			updated, txErr = s.orders.UpdateStatus(txCtx, order.ID, order.Status, domain.OrderStatusPaid, now)
			if txErr != nil {
				return s.mapRepositoryError(txErr)
			}
		}
		return nil
	})
	if err != nil {
		s.releaseClaim(ctx, cmd.GatewayIntentID)
		return PaymentConfirmation{}, err
	}

	s.completeClaim(ctx, ledger.Entry{
		IntentID:      payment.GatewayIntentID,
		OrderID:       order.ID,
		PaymentID:     payment.ID,
		PaymentStatus: domain.PaymentStatusSucceeded,
		OrderStatus:   domain.OrderStatusPaid,
		RecordedAt:    now,
	})

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventPaymentConfirmed,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(updated.Status),
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata: map[string]any{
			"paymentId": payment.ID,
			"intentId":  payment.GatewayIntentID,
			"amount":    payment.Amount,
		},
	})
	if flip {
		s.publishStatusChanged(ctx, updated, order.Status, cmd.ActorID, now, nil)
	}
	s.invalidate(viewcache.OpConfirmPaymentSucceeded, viewcache.Target{UserID: updated.UserID, OrderID: updated.ID})

	return PaymentConfirmation{Order: updated, Payment: payment}, nil
}

func (s *orderService) confirmFailed(ctx context.Context, order Order, payment Payment, cmd ConfirmPaymentCommand, now time.Time) (PaymentConfirmation, error) {
	payment.Status = domain.PaymentStatusFailed
	payment.UpdatedAt = now
	reason := strings.TrimSpace(cmd.FailureReason)
	if reason == "" {
		reason = "gateway reported failure"
	}
	payment.FailureReason = valuePtr(reason)

	if err := s.payments.Update(ctx, payment); err != nil {
		s.releaseClaim(ctx, cmd.GatewayIntentID)
		return PaymentConfirmation{}, s.mapRepositoryError(err)
	}

	s.completeClaim(ctx, ledger.Entry{
		IntentID:      payment.GatewayIntentID,
		OrderID:       order.ID,
		PaymentID:     payment.ID,
		PaymentStatus: domain.PaymentStatusFailed,
		OrderStatus:   order.Status,
		RecordedAt:    now,
	})

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentFailed,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       cmd.ActorID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"paymentId": payment.ID,
			"intentId":  payment.GatewayIntentID,
			"reason":    reason,
		},
	})
	s.invalidate(viewcache.OpConfirmPaymentFailed, viewcache.Target{UserID: order.UserID, OrderID: order.ID})

	return PaymentConfirmation{Order: order, Payment: payment}, nil
}

func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	s.locks.Lock(orderID)
	defer s.locks.Unlock(orderID)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !canTransition(order.Status, domain.OrderStatusCanceled) {
		return Order{}, invalidTransition(orderID, order.Status, domain.OrderStatusCanceled)
	}

	now := s.now()
	live, err := s.livePendingPayment(ctx, orderID, now)
	if err != nil {
		return Order{}, err
	}
	if live != nil {
		return Order{}, fmt.Errorf("%w: order %s cannot move from %s to %s while payment attempt %s is pending",
			ErrInvalidStateTransition, orderID, order.Status, domain.OrderStatusCanceled, live.ID)
	}

	var updated Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		updated, txErr = s.orders.UpdateStatus(txCtx, orderID, order.Status, domain.OrderStatusCanceled, now)
		if txErr != nil {
			return s.mapRepositoryError(txErr)
		}
		if reason := strings.TrimSpace(cmd.Reason); reason != "" {
			updated.CancelReason = valuePtr(reason)
			updated.UpdatedAt = now
			if txErr = s.orders.Update(txCtx, updated); txErr != nil {
				return s.mapRepositoryError(txErr)
			}
		}
		for _, item := range order.Items {
			if txErr = s.enrollments.Release(txCtx, item.EnrollmentID, orderID); txErr != nil {
				return s.mapEnrollmentError(item.EnrollmentID, txErr)
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	metadata := map[string]any{}
	if updated.CancelReason != nil {
		metadata["reason"] = *updated.CancelReason
	}
	s.publishStatusChanged(ctx, updated, order.Status, cmd.ActorID, now, metadata)
	s.invalidate(viewcache.OpCancelOrder, viewcache.Target{UserID: updated.UserID, OrderID: updated.ID})

	return updated, nil
}

func (s *orderService) Refund(ctx context.Context, cmd RefundOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	s.locks.Lock(orderID)
	defer s.locks.Unlock(orderID)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !canTransition(order.Status, domain.OrderStatusRefunded) {
		return Order{}, invalidTransition(orderID, order.Status, domain.OrderStatusRefunded)
	}

	captured, err := s.capturedPayment(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	remaining := captured.Amount - captured.RefundedAmount
	amount := remaining
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if amount <= 0 || amount > remaining {
		return Order{}, fmt.Errorf("%w: refund amount %d must be within (0, %d]", ErrOrderInvalidInput, amount, remaining)
	}

	details, err := s.gateway.Refund(ctx, payments.PaymentContext{Currency: order.Currency}, payments.RefundRequest{
		IntentID:       captured.GatewayIntentID,
		Amount:         &amount,
		Reason:         strings.TrimSpace(cmd.Reason),
		IdempotencyKey: "refund_" + captured.ID,
	})
	if err != nil {
		return Order{}, fmt.Errorf("%w: create refund: %v", ErrGatewayUnavailable, err)
	}

	now := s.now()
	var updated Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		updated, txErr = s.orders.UpdateStatus(txCtx, orderID, order.Status, domain.OrderStatusRefunded, now)
		if txErr != nil {
			return s.mapRepositoryError(txErr)
		}
		captured.Status = domain.PaymentStatusRefunded
		captured.RefundedAmount += amount
		captured.UpdatedAt = now
		if txErr = s.payments.Update(txCtx, captured); txErr != nil {
			return s.mapRepositoryError(txErr)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.refund.recorded", map[string]any{
		"order":         orderID,
		"payment":       captured.ID,
		"amount":        amount,
		"gatewayStatus": string(details.Status),
	})
	s.publishStatusChanged(ctx, updated, order.Status, cmd.ActorID, now, map[string]any{
		"refundAmount": amount,
		"reason":       strings.TrimSpace(cmd.Reason),
	})
	s.invalidate(viewcache.OpRefund, viewcache.Target{UserID: updated.UserID, OrderID: updated.ID})

	return updated, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, trimmed)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		DateRange:  domain.RangeQuery[time.Time]{From: filter.CreatedFrom, To: filter.CreatedTo},
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListPayments(ctx context.Context, orderID string) ([]Payment, error) {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if _, err := s.orders.FindByID(ctx, trimmed); err != nil {
		return nil, s.mapRepositoryError(err)
	}
	attempts, err := s.payments.List(ctx, trimmed)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return attempts, nil
}

func (s *orderService) ListUserPayments(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Payment], error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return domain.CursorPage[Payment]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	page, err := s.payments.ListByUser(ctx, trimmed, pager)
	if err != nil {
		return domain.CursorPage[Payment]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) resolveEnrollments(ctx context.Context, enrollmentIDs []string) ([]Enrollment, error) {
	enrollments, err := s.enrollments.FindByIDs(ctx, enrollmentIDs)
	if err != nil {
		return nil, s.mapEnrollmentError("", err)
	}
	return enrollments, nil
}

func (s *orderService) resolvePrograms(ctx context.Context, enrollments []Enrollment) ([]Program, error) {
	programIDs := make([]string, 0, len(enrollments))
	seen := make(map[string]bool, len(enrollments))
	for _, enrollment := range enrollments {
		if seen[enrollment.ProgramID] {
			continue
		}
		seen[enrollment.ProgramID] = true
		programIDs = append(programIDs, enrollment.ProgramID)
	}
	programs, err := s.catalog.FindProgramsByIDs(ctx, programIDs)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil, fmt.Errorf("%w: program lookup failed: %v", ErrInvalidEnrollment, err)
		}
		return nil, s.mapRepositoryError(err)
	}
	return programs, nil
}

// livePendingPayment returns the order's live pending attempt, if any. Stale
// pending attempts past their expiry are closed out as failed on the way.
func (s *orderService) livePendingPayment(ctx context.Context, orderID string, now time.Time) (*Payment, error) {
	attempts, err := s.payments.List(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	for i := range attempts {
		attempt := attempts[i]
		if attempt.Status != domain.PaymentStatusPending {
			continue
		}
		if attempt.Live(now) {
			return &attempt, nil
		}
		if err := s.expireAttempt(ctx, attempt, now); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *orderService) expireAttempt(ctx context.Context, attempt Payment, now time.Time) error {
	attempt.Status = domain.PaymentStatusFailed
	attempt.FailureReason = valuePtr(expiredAttemptReason)
	attempt.UpdatedAt = now
	if err := s.payments.Update(ctx, attempt); err != nil {
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, "order.payment.attempt.expired", map[string]any{
		"order":   attempt.OrderID,
		"payment": attempt.ID,
	})
	return nil
}

func (s *orderService) capturedPayment(ctx context.Context, orderID string) (Payment, error) {
	attempts, err := s.payments.List(ctx, orderID)
	if err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}
	for _, attempt := range attempts {
		if attempt.Status == domain.PaymentStatusSucceeded {
			return attempt, nil
		}
	}
	return Payment{}, fmt.Errorf("%w: no captured payment recorded for order %s", ErrOrderConflict, orderID)
}

func (s *orderService) replayConfirmation(ctx context.Context, order Order, entry ledger.Entry) (PaymentConfirmation, error) {
	payment, err := s.payments.FindByIntent(ctx, entry.OrderID, entry.IntentID)
	if err != nil {
		return PaymentConfirmation{}, s.mapRepositoryError(err)
	}
	return PaymentConfirmation{Order: order, Payment: payment, Replayed: true}, nil
}

func (s *orderService) releaseEnrollments(ctx context.Context, enrollmentIDs []string, orderID string) {
	for _, id := range enrollmentIDs {
		if err := s.enrollments.Release(ctx, id, orderID); err != nil {
			s.logger(ctx, "order.enrollment.release.failed", map[string]any{
				"order":      orderID,
				"enrollment": id,
				"error":      err.Error(),
			})
		}
	}
}

func (s *orderService) releaseClaim(ctx context.Context, intentID string) {
	if err := s.ledger.Release(ctx, intentID); err != nil {
		s.logger(ctx, "order.ledger.release.failed", map[string]any{
			"intent": intentID,
			"error":  err.Error(),
		})
	}
}

func (s *orderService) completeClaim(ctx context.Context, entry ledger.Entry) {
	if err := s.ledger.Complete(ctx, entry); err != nil {
		s.logger(ctx, "order.ledger.complete.failed", map[string]any{
			"intent": entry.IntentID,
			"order":  entry.OrderID,
			"error":  err.Error(),
		})
	}
}

func (s *orderService) publishStatusChanged(ctx context.Context, order Order, previous domain.OrderStatus, actorID string, at time.Time, metadata map[string]any) {
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actorID,
		OccurredAt:     at,
		Metadata:       metadata,
	})
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) invalidate(op viewcache.Operation, target viewcache.Target) {
	if s.views == nil {
		return
	}
	s.views.OnSuccess(op, target)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) mapEnrollmentError(enrollmentID string, err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrInvalidEnrollment, err)
		case repoErr.IsConflict():
			if enrollmentID != "" {
				return fmt.Errorf("%w: enrollment %s is already attached to another order", ErrInvalidEnrollment, enrollmentID)
			}
			return fmt.Errorf("%w: %v", ErrInvalidEnrollment, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EF-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) nextPaymentID() string {
	return paymentIDPrefix + s.newID()
}

func normalizeEnrollmentIDs(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one enrollment id is required", ErrOrderInvalidInput)
	}
	normalized := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: enrollment id cannot be empty", ErrOrderInvalidInput)
		}
		if seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		normalized = append(normalized, trimmed)
	}
	return normalized, nil
}

func buildOrderLineItems(breakdown PricingBreakdown) []OrderLineItem {
	items := make([]OrderLineItem, 0, len(breakdown.Items))
	for i, item := range breakdown.Items {
		items = append(items, OrderLineItem{
			Position:     i,
			EnrollmentID: item.EnrollmentID,
			ProgramRef:   item.ProgramRef,
			Description:  item.Description,
			UnitPrice:    item.UnitPrice,
			Currency:     breakdown.Currency,
		})
	}
	return items
}

func buildCheckoutLineItems(items []OrderLineItem) []payments.CheckoutLineItem {
	lines := make([]payments.CheckoutLineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, payments.CheckoutLineItem{
			Name:        item.Description,
			Description: item.ProgramRef,
			Quantity:    1,
			Amount:      item.UnitPrice,
			Currency:    item.Currency,
		})
	}
	return lines
}

func valuePtr[T any](v T) *T {
	return &v
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
