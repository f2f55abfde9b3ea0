package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/ledger"
	"github.com/enrollfield/api/internal/payments"
	"github.com/enrollfield/api/internal/repositories"
	"github.com/enrollfield/api/internal/repositories/memory"
	"github.com/enrollfield/api/internal/viewcache"
)

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, event := range c.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

type stubGateway struct {
	createFn func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	lookupFn func(context.Context, payments.PaymentContext, payments.LookupRequest) (payments.PaymentDetails, error)
	refundFn func(context.Context, payments.PaymentContext, payments.RefundRequest) (payments.PaymentDetails, error)
}

func (s *stubGateway) CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	if s.createFn != nil {
		return s.createFn(ctx, paymentCtx, req)
	}
	return payments.CheckoutSession{}, errors.New("not implemented")
}

func (s *stubGateway) LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{}, errors.New("not implemented")
}

func (s *stubGateway) Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{}, errors.New("not implemented")
}

type orderFixture struct {
	t        *testing.T
	registry *memory.Registry
	cache    *viewcache.Cache
	events   *captureOrderEvents
	store    *ledger.MemoryStore
	sandbox  *payments.SandboxProvider
	now      time.Time
	seq      int
	service  OrderService
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	fx := &orderFixture{
		t:        t,
		registry: memory.NewRegistry(),
		cache:    viewcache.New(),
		events:   &captureOrderEvents{},
		now:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	fx.store = ledger.NewMemoryStore().WithClock(fx.clock)

	fx.sandbox = payments.NewSandboxProvider(fx.clock)
	manager, err := payments.NewManager(map[string]payments.Provider{"sandbox": fx.sandbox}, payments.WithDefaultProvider("sandbox"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	fx.service = fx.buildService(manager)
	return fx
}

func (fx *orderFixture) clock() time.Time {
	return fx.now
}

func (fx *orderFixture) buildService(gateway paymentGateway) OrderService {
	fx.t.Helper()
	engine, err := NewPricingEngine(PricingEngineDeps{
		Promotions: fx.registry.Promotions(),
		Clock:      fx.clock,
	})
	if err != nil {
		fx.t.Fatalf("NewPricingEngine: %v", err)
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      fx.registry.Orders(),
		Payments:    fx.registry.OrderPayments(),
		Enrollments: fx.registry.Enrollments(),
		Catalog:     fx.registry.Catalog(),
		Counters:    fx.registry.Counters(),
		UnitOfWork:  fx.registry,
		Pricing:     engine,
		Gateway:     gateway,
		Ledger:      fx.store,
		Views:       viewcache.NewRouter(fx.cache),
		Events:      fx.events,
		Clock:       fx.clock,
		IDGenerator: fx.nextID,
		AttemptTTL:  time.Hour,
		SuccessURL:  "https://app.example.com/checkout/success",
		CancelURL:   "https://app.example.com/checkout/cancel",
	})
	if err != nil {
		fx.t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func (fx *orderFixture) nextID() string {
	fx.seq++
	return fmt.Sprintf("%026d", fx.seq)
}

func (fx *orderFixture) seedEnrollments(userID string, prices ...int64) []string {
	fx.t.Helper()
	ids := make([]string, 0, len(prices))
	for _, price := range prices {
		fx.seq++
		programID := fmt.Sprintf("prog_%d", fx.seq)
		enrollmentID := fmt.Sprintf("enr_%d", fx.seq)
		fx.registry.SeedProgram(domain.Program{
			ID:        programID,
			Name:      "Program " + programID,
			Price:     price,
			Currency:  "USD",
			Published: true,
			UpdatedAt: fx.now,
		})
		fx.registry.SeedEnrollment(domain.Enrollment{
			ID:        enrollmentID,
			UserID:    userID,
			ProgramID: programID,
			Status:    domain.EnrollmentStatusPending,
			CreatedAt: fx.now,
			UpdatedAt: fx.now,
		})
		ids = append(ids, enrollmentID)
	}
	return ids
}

func (fx *orderFixture) createOrder(userID string, enrollmentIDs []string) Order {
	fx.t.Helper()
	order, err := fx.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:        userID,
		EnrollmentIDs: enrollmentIDs,
	})
	if err != nil {
		fx.t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func (fx *orderFixture) initiateCheckout(orderID string) CheckoutIntent {
	fx.t.Helper()
	intent, err := fx.service.InitiateCheckout(context.Background(), InitiateCheckoutCommand{OrderID: orderID})
	if err != nil {
		fx.t.Fatalf("InitiateCheckout: %v", err)
	}
	return intent
}

func (fx *orderFixture) confirm(orderID, intentID string, status PaymentStatus) PaymentConfirmation {
	fx.t.Helper()
	confirmation, err := fx.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:         orderID,
		GatewayIntentID: intentID,
		ReportedStatus:  status,
	})
	if err != nil {
		fx.t.Fatalf("ConfirmPayment: %v", err)
	}
	return confirmation
}

func (fx *orderFixture) orderPayments(orderID string) []Payment {
	fx.t.Helper()
	attempts, err := fx.registry.OrderPayments().List(context.Background(), orderID)
	if err != nil {
		fx.t.Fatalf("payments.List: %v", err)
	}
	return attempts
}

func TestCreateOrderSnapshotsCatalogPrices(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50, 75)

	order := fx.createOrder("u1", enrollmentIDs)

	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("status = %s, want %s", order.Status, domain.OrderStatusPendingPayment)
	}
	if order.Totals.Subtotal != 125 {
		t.Fatalf("subtotal = %d, want 125", order.Totals.Subtotal)
	}
	if order.Totals.Total != 125 {
		t.Fatalf("total = %d, want 125", order.Totals.Total)
	}
	if order.OrderNumber != "EF-2026-000001" {
		t.Fatalf("order number = %q", order.OrderNumber)
	}
	if len(order.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(order.Items))
	}
	for i, item := range order.Items {
		if item.Position != i {
			t.Fatalf("item %d position = %d", i, item.Position)
		}
		if item.EnrollmentID != enrollmentIDs[i] {
			t.Fatalf("item %d enrollment = %s, want %s", i, item.EnrollmentID, enrollmentIDs[i])
		}
	}

	enrollments, err := fx.registry.Enrollments().FindByIDs(context.Background(), enrollmentIDs)
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	for _, enrollment := range enrollments {
		if enrollment.OrderRef == nil || *enrollment.OrderRef != order.ID {
			t.Fatalf("enrollment %s not attached to order", enrollment.ID)
		}
	}

	if got := fx.events.count(orderEventCreated); got != 1 {
		t.Fatalf("created events = %d, want 1", got)
	}
}

func TestCreateOrderRejectsForeignEnrollment(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u2", 50)

	_, err := fx.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:        "u1",
		EnrollmentIDs: enrollmentIDs,
	})
	if !errors.Is(err, ErrInvalidEnrollment) {
		t.Fatalf("err = %v, want ErrInvalidEnrollment", err)
	}
}

func TestCreateOrderRejectsMissingEnrollment(t *testing.T) {
	fx := newOrderFixture(t)

	_, err := fx.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:        "u1",
		EnrollmentIDs: []string{"enr_missing"},
	})
	if !errors.Is(err, ErrInvalidEnrollment) {
		t.Fatalf("err = %v, want ErrInvalidEnrollment", err)
	}
}

func TestCreateOrderRejectsAlreadyOrderedEnrollment(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50)
	fx.createOrder("u1", enrollmentIDs)

	_, err := fx.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:        "u1",
		EnrollmentIDs: enrollmentIDs,
	})
	if !errors.Is(err, ErrInvalidEnrollment) {
		t.Fatalf("err = %v, want ErrInvalidEnrollment", err)
	}
}

func TestCreateOrderAppliesPromotion(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50, 75)
	fx.registry.SeedPromotion(domain.Promotion{
		Code:    "SPRING10",
		Kind:    domain.PromotionKindPercent,
		Percent: 1000,
		Active:  true,
	})

	order, err := fx.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:        "u1",
		EnrollmentIDs: enrollmentIDs,
		PromoCode:     valuePtr("spring10"),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Totals.Discount != 12 {
		t.Fatalf("discount = %d, want 12", order.Totals.Discount)
	}
	if order.Totals.Total != 113 {
		t.Fatalf("total = %d, want 113", order.Totals.Total)
	}
	if order.PromoCode == nil || *order.PromoCode != "SPRING10" {
		t.Fatalf("promo code = %v", order.PromoCode)
	}
}

func TestCreateOrderReleasesAttachmentsWhenInsertFails(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50, 75)

	failing := &stubOrderRepo{
		insertFn: func(context.Context, Order) error {
			return errors.New("store down")
		},
	}
	engine, err := NewPricingEngine(PricingEngineDeps{Promotions: fx.registry.Promotions(), Clock: fx.clock})
	if err != nil {
		t.Fatalf("NewPricingEngine: %v", err)
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      failing,
		Payments:    fx.registry.OrderPayments(),
		Enrollments: fx.registry.Enrollments(),
		Catalog:     fx.registry.Catalog(),
		Counters:    fx.registry.Counters(),
		Pricing:     engine,
		Gateway:     &stubGateway{},
		Ledger:      fx.store,
		Clock:       fx.clock,
		IDGenerator: fx.nextID,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	if _, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:        "u1",
		EnrollmentIDs: enrollmentIDs,
	}); err == nil {
		t.Fatal("expected error")
	}

	enrollments, err := fx.registry.Enrollments().FindByIDs(context.Background(), enrollmentIDs)
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	for _, enrollment := range enrollments {
		if enrollment.OrderRef != nil {
			t.Fatalf("enrollment %s still attached after failed create", enrollment.ID)
		}
	}
}

func TestCreateOrderInvalidatesViews(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50)
	fx.cache.Put(viewcache.OrderListKey("u1"), []byte("orders"))
	fx.cache.Put(viewcache.EnrollmentDetailKey(enrollmentIDs[0]), []byte("enrollment"))

	order := fx.createOrder("u1", enrollmentIDs)

	if _, ok := fx.cache.Get(viewcache.OrderListKey("u1")); ok {
		t.Fatal("order list still fresh after create")
	}
	if _, ok := fx.cache.Get(viewcache.EnrollmentDetailKey(enrollmentIDs[0])); ok {
		t.Fatal("enrollment detail still fresh after create")
	}
	if _, ok := fx.cache.Get(viewcache.OrderDetailKey(order.ID)); ok {
		t.Fatal("order detail should not be fresh")
	}
}

func TestCalculatePricingHasNoSideEffects(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50, 75)

	breakdown, err := fx.service.CalculatePricing(context.Background(), CalculatePricingCommand{
		EnrollmentIDs: enrollmentIDs,
	})
	if err != nil {
		t.Fatalf("CalculatePricing: %v", err)
	}
	if breakdown.Subtotal != 125 || breakdown.Total != 125 {
		t.Fatalf("breakdown = %+v", breakdown)
	}

	enrollments, err := fx.registry.Enrollments().FindByIDs(context.Background(), enrollmentIDs)
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	for _, enrollment := range enrollments {
		if enrollment.OrderRef != nil {
			t.Fatalf("pricing preview attached enrollment %s", enrollment.ID)
		}
	}
}

func TestInitiateCheckoutCreatesPendingAttempt(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50, 75))

	intent := fx.initiateCheckout(order.ID)
	if intent.RedirectURL == "" || intent.GatewayIntentID == "" {
		t.Fatalf("intent = %+v", intent)
	}

	reloaded, err := fx.service.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if reloaded.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("status changed by checkout: %s", reloaded.Status)
	}

	attempts := fx.orderPayments(order.ID)
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	attempt := attempts[0]
	if attempt.Status != domain.PaymentStatusPending {
		t.Fatalf("attempt status = %s", attempt.Status)
	}
	if attempt.Amount != order.Totals.Total {
		t.Fatalf("attempt amount = %d, want %d", attempt.Amount, order.Totals.Total)
	}
	if attempt.GatewayIntentID != intent.GatewayIntentID {
		t.Fatalf("intent id mismatch: %s vs %s", attempt.GatewayIntentID, intent.GatewayIntentID)
	}
}

func TestInitiateCheckoutRejectsSecondPendingAttempt(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	fx.initiateCheckout(order.ID)

	_, err := fx.service.InitiateCheckout(context.Background(), InitiateCheckoutCommand{OrderID: order.ID})
	if !errors.Is(err, ErrOrderNotPayable) {
		t.Fatalf("err = %v, want ErrOrderNotPayable", err)
	}
	if attempts := fx.orderPayments(order.ID); len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
}

func TestInitiateCheckoutGatewayFailureLeavesNoPayment(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))

	svc := fx.buildService(&stubGateway{
		createFn: func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{}, errors.New("gateway timeout")
		},
	})

	_, err := svc.InitiateCheckout(context.Background(), InitiateCheckoutCommand{OrderID: order.ID})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
	if attempts := fx.orderPayments(order.ID); len(attempts) != 0 {
		t.Fatalf("attempts = %d, want 0", len(attempts))
	}

	// The order is untouched and a later checkout succeeds.
	if _, err := fx.service.InitiateCheckout(context.Background(), InitiateCheckoutCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("retry checkout: %v", err)
	}
}

func TestInitiateCheckoutExpiresStaleAttempt(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	fx.initiateCheckout(order.ID)

	fx.now = fx.now.Add(2 * time.Hour)

	intent := fx.initiateCheckout(order.ID)
	attempts := fx.orderPayments(order.ID)
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Status != domain.PaymentStatusFailed {
		t.Fatalf("stale attempt status = %s, want failed", attempts[0].Status)
	}
	if attempts[0].FailureReason == nil || *attempts[0].FailureReason != "expired" {
		t.Fatalf("stale attempt reason = %v", attempts[0].FailureReason)
	}
	if attempts[1].GatewayIntentID != intent.GatewayIntentID {
		t.Fatalf("new attempt intent mismatch")
	}
}

func TestConfirmPaymentSucceededActivatesEnrollments(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50, 75)
	order := fx.createOrder("u1", enrollmentIDs)
	intent := fx.initiateCheckout(order.ID)

	confirmation := fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusSucceeded)

	if confirmation.Replayed {
		t.Fatal("first confirmation marked replayed")
	}
	if confirmation.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want paid", confirmation.Order.Status)
	}
	if confirmation.Order.PaidAt == nil {
		t.Fatal("PaidAt not set")
	}
	if confirmation.Payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("payment status = %s", confirmation.Payment.Status)
	}
	for _, id := range enrollmentIDs {
		if got := fx.registry.ActivationCount(id); got != 1 {
			t.Fatalf("activation count for %s = %d, want 1", id, got)
		}
	}
}

func TestConfirmPaymentReplayIsSideEffectFree(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50, 75)
	order := fx.createOrder("u1", enrollmentIDs)
	intent := fx.initiateCheckout(order.ID)

	first := fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusSucceeded)
	second := fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusSucceeded)

	if !second.Replayed {
		t.Fatal("second confirmation not marked replayed")
	}
	if second.Order.Status != first.Order.Status {
		t.Fatalf("replayed order status = %s, want %s", second.Order.Status, first.Order.Status)
	}
	if second.Payment.ID != first.Payment.ID {
		t.Fatalf("replayed payment id = %s, want %s", second.Payment.ID, first.Payment.ID)
	}
	for _, id := range enrollmentIDs {
		if got := fx.registry.ActivationCount(id); got != 1 {
			t.Fatalf("activation count for %s = %d after replay, want 1", id, got)
		}
	}
	if got := fx.events.count(orderEventPaymentConfirmed); got != 1 {
		t.Fatalf("confirmed events = %d, want 1", got)
	}
}

func TestConfirmPaymentCompletesOrderFlippedWithoutCapture(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50, 75)
	order := fx.createOrder("u1", enrollmentIDs)
	intent := fx.initiateCheckout(order.ID)

	// The order reached paid but the capture and activations never landed.
	if _, err := fx.registry.Orders().UpdateStatus(context.Background(), order.ID, domain.OrderStatusPendingPayment, domain.OrderStatusPaid, fx.now); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	confirmation := fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusSucceeded)

	if confirmation.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want paid", confirmation.Order.Status)
	}
	if confirmation.Payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("payment status = %s, want succeeded", confirmation.Payment.Status)
	}
	for _, id := range enrollmentIDs {
		if got := fx.registry.ActivationCount(id); got != 1 {
			t.Fatalf("activation count for %s = %d, want 1", id, got)
		}
	}
	if got := fx.events.count(orderEventStatusChanged); got != 0 {
		t.Fatalf("status changed events = %d, want 0 for an already flipped order", got)
	}
}

func TestConfirmPaymentRetryResumesAfterInterruptedFlip(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50)
	order := fx.createOrder("u1", enrollmentIDs)
	intent := fx.initiateCheckout(order.ID)

	failures := 1
	orders := fx.registry.Orders()
	flaky := &stubOrderRepo{
		findFn: orders.FindByID,
		statusFn: func(ctx context.Context, id string, from, to domain.OrderStatus, at time.Time) (Order, error) {
			if failures > 0 {
				failures--
				return Order{}, errors.New("store down")
			}
			return orders.UpdateStatus(ctx, id, from, to, at)
		},
	}
	engine, err := NewPricingEngine(PricingEngineDeps{Promotions: fx.registry.Promotions(), Clock: fx.clock})
	if err != nil {
		t.Fatalf("NewPricingEngine: %v", err)
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      flaky,
		Payments:    fx.registry.OrderPayments(),
		Enrollments: fx.registry.Enrollments(),
		Catalog:     fx.registry.Catalog(),
		Counters:    fx.registry.Counters(),
		UnitOfWork:  fx.registry,
		Pricing:     engine,
		Gateway:     &stubGateway{},
		Ledger:      fx.store,
		Clock:       fx.clock,
		IDGenerator: fx.nextID,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	cmd := ConfirmPaymentCommand{
		OrderID:         order.ID,
		GatewayIntentID: intent.GatewayIntentID,
		ReportedStatus:  domain.PaymentStatusSucceeded,
	}
	if _, err := svc.ConfirmPayment(context.Background(), cmd); err == nil {
		t.Fatal("expected first confirmation to fail")
	}

	// The capture is recorded but the order is still pending, so the retry
	// must finish the flip rather than reject the transition.
	reloaded, err := orders.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if reloaded.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("order status after interrupted confirm = %s, want pending_payment", reloaded.Status)
	}

	confirmation, err := svc.ConfirmPayment(context.Background(), cmd)
	if err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if confirmation.Replayed {
		t.Fatal("retry should complete the confirmation, not replay it")
	}
	if confirmation.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("order status = %s, want paid", confirmation.Order.Status)
	}
	if confirmation.Payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("payment status = %s, want succeeded", confirmation.Payment.Status)
	}
	enrollments, err := fx.registry.Enrollments().FindByIDs(context.Background(), enrollmentIDs)
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	for _, enrollment := range enrollments {
		if enrollment.Status != domain.EnrollmentStatusActive {
			t.Fatalf("enrollment %s status = %s, want active", enrollment.ID, enrollment.Status)
		}
	}
}

func TestConfirmPaymentOverridesMisreportedWebhookStatus(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	intent := fx.initiateCheckout(order.ID)
	fx.sandbox.SetOutcome(intent.GatewayIntentID, payments.StatusFailed)

	// The webhook claims success but the gateway's own record says failed.
	confirmation := fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusSucceeded)

	if confirmation.Order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("order status = %s, want pending_payment", confirmation.Order.Status)
	}
	if confirmation.Payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", confirmation.Payment.Status)
	}
}

func TestConfirmPaymentFailedKeepsOrderPayable(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	intent := fx.initiateCheckout(order.ID)
	fx.sandbox.SetOutcome(intent.GatewayIntentID, payments.StatusFailed)

	confirmation := fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusFailed)
	if confirmation.Order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("order status = %s, want pending_payment", confirmation.Order.Status)
	}
	if confirmation.Payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s", confirmation.Payment.Status)
	}

	retry := fx.initiateCheckout(order.ID)
	if retry.GatewayIntentID == intent.GatewayIntentID {
		t.Fatal("retry reused the failed intent")
	}
	attempts := fx.orderPayments(order.ID)
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[1].Status != domain.PaymentStatusPending {
		t.Fatalf("retry attempt status = %s", attempts[1].Status)
	}
}

func TestConfirmPaymentUnknownIntent(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	fx.initiateCheckout(order.ID)

	_, err := fx.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:         order.ID,
		GatewayIntentID: "pi_unknown",
		ReportedStatus:  domain.PaymentStatusSucceeded,
	})
	if !errors.Is(err, ErrPaymentIntentMismatch) {
		t.Fatalf("err = %v, want ErrPaymentIntentMismatch", err)
	}
}

func TestConfirmPaymentRejectsUnknownOrder(t *testing.T) {
	fx := newOrderFixture(t)

	_, err := fx.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:         "ord_missing",
		GatewayIntentID: "pi_x",
		ReportedStatus:  domain.PaymentStatusSucceeded,
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestConfirmPaymentInvalidatesPaymentViews(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	intent := fx.initiateCheckout(order.ID)

	fx.cache.Put(viewcache.OrderDetailKey(order.ID), []byte("detail"))
	fx.cache.Put(viewcache.PaymentListKey("u1"), []byte("payments"))
	fx.cache.Put(viewcache.EnrollmentListKey("u1"), []byte("enrollments"))

	fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusSucceeded)

	for _, key := range []string{
		viewcache.OrderDetailKey(order.ID),
		viewcache.PaymentListKey("u1"),
		viewcache.EnrollmentListKey("u1"),
	} {
		if _, ok := fx.cache.Get(key); ok {
			t.Fatalf("key %s still fresh after confirmation", key)
		}
	}
}

func TestCancelOrderReleasesEnrollments(t *testing.T) {
	fx := newOrderFixture(t)
	enrollmentIDs := fx.seedEnrollments("u1", 50)
	order := fx.createOrder("u1", enrollmentIDs)

	canceled, err := fx.service.CancelOrder(context.Background(), CancelOrderCommand{
		OrderID: order.ID,
		Reason:  "customer request",
	})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if canceled.Status != domain.OrderStatusCanceled {
		t.Fatalf("status = %s, want canceled", canceled.Status)
	}
	if canceled.CancelReason == nil || *canceled.CancelReason != "customer request" {
		t.Fatalf("cancel reason = %v", canceled.CancelReason)
	}

	// The enrollment is free again and a new order can claim it.
	fx.createOrder("u1", enrollmentIDs)
}

func TestCancelOrderRejectsLivePendingAttempt(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	fx.initiateCheckout(order.ID)

	_, err := fx.service.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestCancelOrderRejectsTerminalOrder(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	if _, err := fx.service.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("first cancel: %v", err)
	}

	_, err := fx.service.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
	if !strings.Contains(err.Error(), string(domain.OrderStatusCanceled)) {
		t.Fatalf("error does not name current state: %v", err)
	}
}

func TestRefundMovesOrderTerminal(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50, 75))
	intent := fx.initiateCheckout(order.ID)
	fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusSucceeded)

	refunded, err := fx.service.Refund(context.Background(), RefundOrderCommand{
		OrderID: order.ID,
		Reason:  "program canceled",
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.Status != domain.OrderStatusRefunded {
		t.Fatalf("status = %s, want refunded", refunded.Status)
	}
	if refunded.RefundedAt == nil {
		t.Fatal("RefundedAt not set")
	}

	attempts := fx.orderPayments(order.ID)
	payment := attempts[len(attempts)-1]
	if payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("payment status = %s", payment.Status)
	}
	if payment.RefundedAmount != 125 {
		t.Fatalf("refunded amount = %d, want 125", payment.RefundedAmount)
	}
}

func TestPartialRefundStillTerminal(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50, 75))
	intent := fx.initiateCheckout(order.ID)
	fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusSucceeded)

	refunded, err := fx.service.Refund(context.Background(), RefundOrderCommand{
		OrderID: order.ID,
		Amount:  valuePtr(int64(50)),
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.Status != domain.OrderStatusRefunded {
		t.Fatalf("status = %s, want refunded", refunded.Status)
	}

	attempts := fx.orderPayments(order.ID)
	payment := attempts[len(attempts)-1]
	if payment.RefundedAmount != 50 {
		t.Fatalf("refunded amount = %d, want 50", payment.RefundedAmount)
	}

	// Refunded is terminal even after a partial refund.
	if _, err := fx.service.Refund(context.Background(), RefundOrderCommand{OrderID: order.ID}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("second refund err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestRefundRejectsPendingOrder(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))

	_, err := fx.service.Refund(context.Background(), RefundOrderCommand{OrderID: order.ID})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
	if !strings.Contains(err.Error(), string(domain.OrderStatusPendingPayment)) || !strings.Contains(err.Error(), string(domain.OrderStatusRefunded)) {
		t.Fatalf("error does not name states: %v", err)
	}
}

func TestRefundRejectsExcessAmount(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	intent := fx.initiateCheckout(order.ID)
	fx.confirm(order.ID, intent.GatewayIntentID, domain.PaymentStatusSucceeded)

	_, err := fx.service.Refund(context.Background(), RefundOrderCommand{
		OrderID: order.ID,
		Amount:  valuePtr(int64(500)),
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("err = %v, want ErrOrderInvalidInput", err)
	}
}

func TestCancelAndCheckoutNeverBothSucceed(t *testing.T) {
	for i := 0; i < 20; i++ {
		fx := newOrderFixture(t)
		order := fx.createOrder("u1", fx.seedEnrollments("u1", 50))

		var wg sync.WaitGroup
		var checkoutErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, checkoutErr = fx.service.InitiateCheckout(context.Background(), InitiateCheckoutCommand{OrderID: order.ID})
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = fx.service.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID})
		}()
		wg.Wait()

		if checkoutErr == nil && cancelErr == nil {
			t.Fatal("checkout and cancel both succeeded")
		}
		if checkoutErr != nil && cancelErr != nil {
			t.Fatalf("both failed: checkout=%v cancel=%v", checkoutErr, cancelErr)
		}
		if checkoutErr != nil && !errors.Is(checkoutErr, ErrOrderNotPayable) && !errors.Is(checkoutErr, ErrInvalidStateTransition) {
			t.Fatalf("checkout err = %v", checkoutErr)
		}
		if cancelErr != nil && !errors.Is(cancelErr, ErrOrderNotPayable) && !errors.Is(cancelErr, ErrInvalidStateTransition) {
			t.Fatalf("cancel err = %v", cancelErr)
		}
	}
}

func TestListOrdersFiltersByUser(t *testing.T) {
	fx := newOrderFixture(t)
	orderA := fx.createOrder("u1", fx.seedEnrollments("u1", 50))
	fx.createOrder("u2", fx.seedEnrollments("u2", 75))

	page, err := fx.service.ListOrders(context.Background(), OrderListFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != orderA.ID {
		t.Fatalf("page = %+v", page.Items)
	}
}

func TestListPaymentsRequiresExistingOrder(t *testing.T) {
	fx := newOrderFixture(t)

	_, err := fx.service.ListPayments(context.Background(), "ord_missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

type stubOrderRepo struct {
	insertFn func(context.Context, Order) error
	updateFn func(context.Context, Order) error
	findFn   func(context.Context, string) (Order, error)
	statusFn func(context.Context, string, domain.OrderStatus, domain.OrderStatus, time.Time) (Order, error)
	listFn   func(context.Context, repositories.OrderListFilter) (domain.CursorPage[Order], error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order Order) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) (Order, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, orderID, from, to, at)
	}
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[Order]{}, nil
}
