package orders

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Payout is the result of applying TDS to a gross amount.
type Payout struct {
	Payout           decimal.Decimal `json:"payout"`
	DeductionPercent decimal.Decimal `json:"deduction_percent"`
	DeductionAmount  decimal.Decimal `json:"deduction_amount"`
}

// DeductionPercent returns the withholding rate for a category. Unknown
// categories fall back to none so malformed legacy rows never block a payout.
func DeductionPercent(category TaxCategory) decimal.Decimal {
	switch category {
	case TaxCategoryProvided:
		return decimal.NewFromInt(1)
	case TaxCategoryNotProvided:
		return decimal.NewFromInt(20)
	default:
		return decimal.Zero
	}
}

// ComputePayout splits gross into the withheld amount and the payout.
// Negative gross is treated as zero.
func ComputePayout(gross decimal.Decimal, category TaxCategory) Payout {
	if gross.IsNegative() {
		gross = decimal.Zero
	}
	pct := DeductionPercent(category)
	deduction := gross.Mul(pct).Div(hundred).Round(2)
	return Payout{
		Payout:           gross.Sub(deduction),
		DeductionPercent: pct,
		DeductionAmount:  deduction,
	}
}

// PayoutChanges returns the tax fields to persist when category is chosen
// for order.
func PayoutChanges(order Order, category TaxCategory) Changes {
	p := ComputePayout(order.GrossAmount, category)
	return Changes{
		TaxCategory:      &category,
		TaxAmount:        &p.DeductionAmount,
		NetPayableAmount: &p.Payout,
	}
}
