package rating

import (
	"github.com/shopspring/decimal"
)

// BillInput is what the billing calculator needs to price one call.
type BillInput struct {
	Rate        decimal.Decimal // per unit
	VATPercent  decimal.Decimal
	VATIncluded bool
	PerSecond   bool

	// Flat bills exactly one unit whatever the duration. Flat calls are
	// exempt from the minimum billable duration.
	Flat bool

	DurationSec        int
	MinBillableSeconds int

	// Precision is the number of decimal places of UnitRate and Billed.
	Precision int32
}

// Charge is the priced outcome of a call.
type Charge struct {
	UnitRate      decimal.Decimal
	Units         int64
	Billed        decimal.Decimal
	NoConsumption bool
}

// Bill converts a duration and a per-unit rate into a billed amount.
// Per-minute calls are billed by started minute, with at least one unit
// whenever the call lasted. Only the reported unit rate and the billed total
// are rounded to Precision places; the cost is computed on the exact rate.
func Bill(in BillInput) Charge {
	precision := max(in.Precision, 0)
	duration := max(in.DurationSec, 0)

	charge := Charge{UnitRate: in.Rate.Round(precision), Billed: decimal.Zero}
	if !in.Flat && duration <= in.MinBillableSeconds {
		charge.NoConsumption = true
		return charge
	}

	switch {
	case in.Flat:
		charge.Units = 1
	case in.PerSecond:
		charge.Units = int64(duration)
	default:
		charge.Units = int64((duration + 59) / 60)
	}

	cost := in.Rate.Mul(decimal.NewFromInt(charge.Units))
	if !in.VATIncluded {
		cost = IncludeVAT(cost, in.VATPercent)
	}
	charge.Billed = cost.Round(precision)
	return charge
}
