package rating

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

func vatFactor(percent decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Add(percent.Div(hundred))
}

// ExcludeVAT returns amount without VAT. Amounts not flagged as VAT-inclusive
// are returned unchanged.
func ExcludeVAT(amount decimal.Decimal, included bool, percent decimal.Decimal) decimal.Decimal {
	if !included || percent.IsZero() {
		return amount
	}
	return amount.Div(vatFactor(percent))
}

// IncludeVAT adds percent VAT to an ex-VAT amount.
func IncludeVAT(amount, percent decimal.Decimal) decimal.Decimal {
	if percent.IsZero() {
		return amount
	}
	return amount.Mul(vatFactor(percent))
}
