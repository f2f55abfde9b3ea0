package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/enrollfield/api/internal/domain"
	"github.com/enrollfield/api/internal/repositories"
)

var (
	// ErrPricingInvalidInput signals missing enrollments, programs, or negative amounts.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingCurrencyMismatch is returned when programs use multiple currencies.
	ErrPricingCurrencyMismatch = errors.New("pricing: currency mismatch")
)

// PricingEngine computes the subtotal/discount/tax/total breakdown for a set
// of enrollments. The same computation backs the preview endpoint and the
// amounts snapshotted onto new orders.
type PricingEngine struct {
	promotions repositories.PromotionRepository
	tax        TaxCalculator
	now        func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// PricingEngineDeps wires the collaborators required by the engine.
type PricingEngineDeps struct {
	Promotions repositories.PromotionRepository
	Tax        TaxCalculator
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewPricingEngine validates dependencies and returns the engine. Tax is
// optional; a nil calculator prices orders tax-free.
func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	if deps.Promotions == nil {
		return nil, errors.New("pricing engine: promotion repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PricingEngine{
		promotions: deps.Promotions,
		tax:        deps.Tax,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// PriceEnrollmentsCommand prices the given enrollments against their resolved
// programs. Programs must contain an entry for every enrollment's program.
type PriceEnrollmentsCommand struct {
	Enrollments []domain.Enrollment
	Programs    []domain.Program
	PromoCode   *string
}

// Price computes the full breakdown. It reads promotion state but persists
// nothing.
func (e *PricingEngine) Price(ctx context.Context, cmd PriceEnrollmentsCommand) (PricingBreakdown, error) {
	if len(cmd.Enrollments) == 0 {
		return PricingBreakdown{}, fmt.Errorf("%w: at least one enrollment is required", ErrPricingInvalidInput)
	}

	programs := make(map[string]domain.Program, len(cmd.Programs))
	for _, program := range cmd.Programs {
		programs[program.ID] = program
	}

	currency := ""
	items := make([]ItemPricingBreakdown, 0, len(cmd.Enrollments))
	var subtotal int64
	for _, enrollment := range cmd.Enrollments {
		program, ok := programs[enrollment.ProgramID]
		if !ok {
			return PricingBreakdown{}, fmt.Errorf("%w: no program %s for enrollment %s", ErrPricingInvalidInput, enrollment.ProgramID, enrollment.ID)
		}
		if program.Price < 0 {
			return PricingBreakdown{}, fmt.Errorf("%w: program %s has a negative price", ErrPricingInvalidInput, program.ID)
		}
		programCurrency := strings.ToUpper(strings.TrimSpace(program.Currency))
		if programCurrency == "" {
			return PricingBreakdown{}, fmt.Errorf("%w: program %s has no currency", ErrPricingInvalidInput, program.ID)
		}
		if currency == "" {
			currency = programCurrency
		} else if programCurrency != currency {
			return PricingBreakdown{}, fmt.Errorf("%w: %s vs %s", ErrPricingCurrencyMismatch, currency, programCurrency)
		}

		subtotal += program.Price
		items = append(items, ItemPricingBreakdown{
			EnrollmentID: enrollment.ID,
			ProgramRef:   program.ID,
			Description:  program.Name,
			UnitPrice:    program.Price,
		})
	}

	discount, err := e.resolveDiscount(ctx, cmd.PromoCode, subtotal)
	if err != nil {
		return PricingBreakdown{}, err
	}

	taxable := subtotal - discount.Amount
	tax, err := e.quoteTax(ctx, currency, taxable)
	if err != nil {
		return PricingBreakdown{}, err
	}

	total := subtotal - discount.Amount + tax.Amount
	if total < 0 {
		total = 0
	}

	return PricingBreakdown{
		Currency: currency,
		Subtotal: subtotal,
		Discount: discount,
		Tax:      TaxBreakdown{RateBps: tax.RateBps, Amount: tax.Amount},
		Total:    total,
		Items:    items,
	}, nil
}

// resolveDiscount looks up the promotion and clamps the discount to the
// subtotal. Unknown or inactive codes price as no discount rather than
// failing the preview.
func (e *PricingEngine) resolveDiscount(ctx context.Context, promoCode *string, subtotal int64) (DiscountBreakdown, error) {
	if promoCode == nil {
		return DiscountBreakdown{}, nil
	}
	code := strings.ToUpper(strings.TrimSpace(*promoCode))
	if code == "" {
		return DiscountBreakdown{}, nil
	}

	promotion, err := e.promotions.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			e.logger(ctx, "pricing.promotion.skipped", map[string]any{"code": code, "reason": "unknown"})
			return DiscountBreakdown{}, nil
		}
		return DiscountBreakdown{}, fmt.Errorf("pricing: resolve promotion %s: %w", code, err)
	}
	if !promotion.AppliesAt(e.now()) {
		e.logger(ctx, "pricing.promotion.skipped", map[string]any{"code": code, "reason": "inactive"})
		return DiscountBreakdown{}, nil
	}

	var amount int64
	switch promotion.Kind {
	case domain.PromotionKindPercent:
		amount = subtotal * promotion.Percent / 10000
	case domain.PromotionKindAmount:
		amount = promotion.Amount
	default:
		return DiscountBreakdown{}, fmt.Errorf("%w: promotion %s has unknown kind %q", ErrPricingInvalidInput, code, promotion.Kind)
	}
	if amount < 0 {
		amount = 0
	}
	if amount > subtotal {
		amount = subtotal
	}
	return DiscountBreakdown{Code: code, Amount: amount}, nil
}

func (e *PricingEngine) quoteTax(ctx context.Context, currency string, taxable int64) (TaxQuote, error) {
	if e.tax == nil {
		return TaxQuote{}, nil
	}
	if taxable < 0 {
		taxable = 0
	}
	quote, err := e.tax.Quote(ctx, TaxRequest{Currency: currency, TaxableAmount: taxable})
	if err != nil {
		return TaxQuote{}, fmt.Errorf("pricing: quote tax: %w", err)
	}
	if quote.Amount < 0 {
		return TaxQuote{}, fmt.Errorf("%w: tax amount cannot be negative", ErrPricingInvalidInput)
	}
	return quote, nil
}
