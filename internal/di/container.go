package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/ledger"
	"github.com/enrollfield/api/internal/payments"
	"github.com/enrollfield/api/internal/platform/config"
	"github.com/enrollfield/api/internal/platform/keymutex"
	"github.com/enrollfield/api/internal/repositories"
	"github.com/enrollfield/api/internal/services"
	"github.com/enrollfield/api/internal/viewcache"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders services.OrderService
}

// Dependencies carries the infrastructure the container wires into services.
// Production wiring provides Firestore-backed implementations; tests can
// supply in-memory registries, ledgers and stub publishers.
type Dependencies struct {
	Registry repositories.Registry
	Gateway  *payments.Manager
	Ledger   ledger.Store
	Events   services.OrderEventPublisher
	Logger   *zap.Logger
}

// Container wires repositories, services and shared state for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Views        *viewcache.Cache
	Services     Services
}

// NewContainer constructs the runtime dependencies.
func NewContainer(ctx context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment gateway manager is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("payment intent ledger is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	views := viewcache.New()

	svc, err := buildServices(ctx, cfg, deps, views, logger)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Views:        views,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, deps Dependencies, views *viewcache.Cache, logger *zap.Logger) (Services, error) {
	reg := deps.Registry

	var tax services.TaxCalculator
	if cfg.Pricing.TaxRateBps > 0 {
		calculator, err := services.NewFlatRateTaxCalculator(cfg.Pricing.TaxRateBps)
		if err != nil {
			return Services{}, fmt.Errorf("build tax calculator: %w", err)
		}
		tax = calculator
	}

	promotions := reg.Promotions()
	if !cfg.Features.EnablePromotions {
		promotions = disabledPromotions{}
	}

	pricingEngine, err := services.NewPricingEngine(services.PricingEngineDeps{
		Promotions: promotions,
		Tax:        tax,
		Clock:      time.Now,
		Logger:     zapEventLogger(logger.Named("pricing")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      reg.Orders(),
		Payments:    reg.OrderPayments(),
		Enrollments: reg.Enrollments(),
		Catalog:     reg.Catalog(),
		Counters:    reg.Counters(),
		UnitOfWork:  reg,
		Pricing:     pricingEngine,
		Gateway:     deps.Gateway,
		Ledger:      deps.Ledger,
		Views:       viewcache.NewRouter(views),
		Locks:       keymutex.New(),
		Events:      deps.Events,
		Clock:       time.Now,
		Logger:      zapEventLogger(logger.Named("orders")),
		AttemptTTL:  cfg.Payments.AttemptTTL,
		SuccessURL:  cfg.Payments.SuccessURL,
		CancelURL:   cfg.Payments.CancelURL,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	// Reads served to handlers go through the rendered-view cache; the raw
	// service invalidates the same cache after each committed mutation.
	return Services{Orders: services.NewCachedOrderService(orderSvc, views)}, nil
}

// zapEventLogger adapts a zap logger to the event/fields callback the services use.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}

// disabledPromotions hides every promotion code while the feature flag is off,
// so orders price without discounts instead of failing.
type disabledPromotions struct{}

func (disabledPromotions) FindByCode(_ context.Context, code string) (domain.Promotion, error) {
	return domain.Promotion{}, &promotionsDisabledError{code: strings.ToUpper(strings.TrimSpace(code))}
}

type promotionsDisabledError struct {
	code string
}

func (e *promotionsDisabledError) Error() string {
	return fmt.Sprintf("promotions.find: code %s unavailable while promotions are disabled", e.code)
}

func (e *promotionsDisabledError) IsNotFound() bool    { return true }
func (e *promotionsDisabledError) IsConflict() bool    { return false }
func (e *promotionsDisabledError) IsUnavailable() bool { return false }
