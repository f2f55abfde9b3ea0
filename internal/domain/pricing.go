package domain

// PricingBreakdown is the projection returned by pricing previews and
// snapshotted onto the order at creation time. The persisted order totals
// remain the authoritative charge amount.
type PricingBreakdown struct {
	Currency string
	Subtotal int64
	Discount DiscountBreakdown
	Tax      TaxBreakdown
	Total    int64
	Items    []ItemPricingBreakdown
}

// ItemPricingBreakdown details one enrollment's contribution to the subtotal.
type ItemPricingBreakdown struct {
	EnrollmentID string
	ProgramRef   string
	Description  string
	UnitPrice    int64
}

// DiscountBreakdown details the promotion applied, when any.
type DiscountBreakdown struct {
	Code   string
	Amount int64
}

// TaxBreakdown details the tax applied to the discounted subtotal.
type TaxBreakdown struct {
	RateBps int64
	Amount  int64
}
