package services

import (
	"context"
	"errors"
	"fmt"
)

// TaxCalculator quotes the tax owed on a discounted subtotal.
type TaxCalculator interface {
	Quote(ctx context.Context, req TaxRequest) (TaxQuote, error)
}

// TaxRequest carries the amounts a calculator needs.
type TaxRequest struct {
	Currency      string
	TaxableAmount int64
}

// TaxQuote is the calculator's answer.
type TaxQuote struct {
	RateBps int64
	Amount  int64
}

// FlatRateTaxCalculator applies a single basis-point rate to the taxable
// amount, rounding down.
type FlatRateTaxCalculator struct {
	RateBps int64
}

// NewFlatRateTaxCalculator validates the rate and returns the calculator.
func NewFlatRateTaxCalculator(rateBps int64) (*FlatRateTaxCalculator, error) {
	if rateBps < 0 || rateBps > 10000 {
		return nil, errors.New("tax calculator: rate must be between 0 and 10000 basis points")
	}
	return &FlatRateTaxCalculator{RateBps: rateBps}, nil
}

func (c *FlatRateTaxCalculator) Quote(_ context.Context, req TaxRequest) (TaxQuote, error) {
	if req.TaxableAmount < 0 {
		return TaxQuote{}, fmt.Errorf("tax calculator: taxable amount cannot be negative: %d", req.TaxableAmount)
	}
	return TaxQuote{
		RateBps: c.RateBps,
		Amount:  req.TaxableAmount * c.RateBps / 10000,
	}, nil
}
