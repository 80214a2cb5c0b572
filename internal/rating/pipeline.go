package rating

import (
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/refdata"
	"github.com/shopspring/decimal"
)

// rateContext is the state carried through the rate pipeline. Stages take a
// context by value and return the next one; none of them share memory.
type rateContext struct {
	telephonyTypeID int64
	operatorID      int64
	indicatorID     int64

	rate          decimal.Decimal // ex-VAT, per unit
	vatPercent    decimal.Decimal
	billPerSecond bool

	// initial is the rate before the first stage that changed it.
	initial decimal.NullDecimal

	bandID        int64
	specialRateID int64
	trunkRate     bool
	trunkRuleID   int64
}

func (rc rateContext) withRate(rate decimal.Decimal) rateContext {
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	if !rc.initial.Valid && !rate.Equal(rc.rate) {
		rc.initial = decimal.NullDecimal{Decimal: rc.rate, Valid: true}
	}
	rc.rate = rate
	return rc
}

type pricingInput struct {
	snap              *refdata.Snapshot
	prefix            *domain.Prefix
	dest              destination
	originIndicatorID int64
	at                time.Time
	trunk             *domain.Trunk
}

type stage func(rateContext, *pricingInput) rateContext

var stages = []stage{bandStage, specialRateStage, trunkStage}

// resolveRate runs base, band, special rate and trunk stages in order.
func resolveRate(in *pricingInput) rateContext {
	rc := baseContext(in)
	for _, s := range stages {
		rc = s(rc, in)
	}
	return rc
}

func baseContext(in *pricingInput) rateContext {
	p := in.prefix
	rc := rateContext{
		telephonyTypeID: in.dest.telephonyTypeID,
		operatorID:      p.OperatorID,
		rate:            ExcludeVAT(p.BaseRate, p.VATIncluded, p.VATPercent),
		vatPercent:      p.VATPercent,
	}
	if in.dest.indicator != nil {
		rc.indicatorID = in.dest.indicator.ID
	}
	return rc
}

func bandStage(rc rateContext, in *pricingInput) rateContext {
	if !in.prefix.BandOK {
		return rc
	}
	if rc.indicatorID == domain.AnyID && rc.telephonyTypeID != in.snap.Plan().Types.Local {
		return rc
	}

	b := selectBand(in.snap.Bands(in.prefix.ID), in.originIndicatorID, rc.indicatorID)
	if b == nil {
		return rc
	}
	rc = rc.withRate(ExcludeVAT(b.Rate, b.VATIncluded, rc.vatPercent))
	rc.bandID = b.ID
	return rc
}

// selectBand prefers a band of the caller's own origin, then a band naming the
// destination over one open to every destination.
func selectBand(bands []*domain.Band, originIndicatorID, indicatorID int64) *domain.Band {
	var best *domain.Band
	bestScore := -1
	for _, b := range bands {
		if !scopeMatches(b.OriginIndicatorID, originIndicatorID) {
			continue
		}
		linked := len(b.IndicatorIDs) > 0
		if linked && !containsID(b.IndicatorIDs, indicatorID) {
			continue
		}

		score := 0
		if b.OriginIndicatorID != domain.AnyID {
			score += 2
		}
		if linked {
			score++
		}
		if score > bestScore {
			best, bestScore = b, score
		}
	}
	return best
}

func specialRateStage(rc rateContext, in *pricingInput) rateContext {
	sr := selectSpecialRate(in.snap.SpecialRates(), rc, in.originIndicatorID, in.at)
	if sr == nil {
		return rc
	}

	if sr.IsPercentage {
		discount := sr.Value.Div(hundred)
		rc = rc.withRate(rc.rate.Mul(decimal.NewFromInt(1).Sub(discount)))
	} else {
		rc = rc.withRate(ExcludeVAT(sr.Value, sr.VATIncluded, rc.vatPercent))
	}
	rc.specialRateID = sr.ID
	return rc
}

// selectSpecialRate returns the most specific special rate in force at t.
// An exact scope outranks "any" in the order origin, telephony type,
// operator, band; ties go to the lowest ID.
func selectSpecialRate(rates []*refdata.SpecialRate, rc rateContext, originIndicatorID int64, t time.Time) *refdata.SpecialRate {
	var best *refdata.SpecialRate
	bestScore := -1
	for _, sr := range rates {
		if !scopeMatches(sr.OriginIndicatorID, originIndicatorID) ||
			!scopeMatches(sr.TelephonyTypeID, rc.telephonyTypeID) ||
			!scopeMatches(sr.OperatorID, rc.operatorID) ||
			!scopeMatches(sr.BandID, rc.bandID) {
			continue
		}
		if !sr.ActiveAt(t) {
			continue
		}

		score := specificity(sr.OriginIndicatorID, sr.TelephonyTypeID, sr.OperatorID, sr.BandID)
		if score > bestScore {
			best, bestScore = sr, score
		}
	}
	return best
}

// specificity scores scope columns, most significant first. Each exact
// column outweighs every less significant column together.
func specificity(scopes ...int64) int {
	score := 0
	for _, s := range scopes {
		score <<= 1
		if s != domain.AnyID {
			score |= 1
		}
	}
	return score
}

func trunkStage(rc rateContext, in *pricingInput) rateContext {
	if in.trunk == nil {
		return rc
	}

	if tr := in.snap.TrunkRate(in.trunk.ID, rc.operatorID, rc.telephonyTypeID); tr != nil {
		rc = rc.withRate(ExcludeVAT(tr.Rate, tr.VATIncluded, rc.vatPercent))
		rc.billPerSecond = tr.BillPerSecond
		rc.trunkRate = true
		return rc
	}

	rule := selectTrunkRule(in.snap.TrunkRules(), in.trunk.ID, rc, in.originIndicatorID)
	if rule == nil {
		return rc
	}

	reassigned := false
	if rule.NewTelephonyTypeID != domain.AnyID && rule.NewTelephonyTypeID != rc.telephonyTypeID {
		rc.telephonyTypeID = rule.NewTelephonyTypeID
		reassigned = true
	}
	if rule.NewOperatorID != domain.AnyID && rule.NewOperatorID != rc.operatorID {
		rc.operatorID = rule.NewOperatorID
		reassigned = true
	}
	if reassigned {
		if ps := in.snap.PrefixesFor(rc.telephonyTypeID, rc.operatorID); len(ps) > 0 {
			rc.vatPercent = ps[0].VATPercent
		}
	}

	rc = rc.withRate(ExcludeVAT(rule.Rate, rule.VATIncluded, rc.vatPercent))
	rc.billPerSecond = rule.BillPerSecond
	rc.trunkRuleID = rule.ID
	return rc
}

// selectTrunkRule ranks an exact trunk over a rule for any trunk, then an
// exact telephony type, a listed destination and an exact origin.
func selectTrunkRule(rules []*domain.TrunkRule, trunkID int64, rc rateContext, originIndicatorID int64) *domain.TrunkRule {
	var best *domain.TrunkRule
	bestScore := -1
	for _, r := range rules {
		if !scopeMatches(r.TrunkID, trunkID) ||
			!scopeMatches(r.TelephonyTypeID, rc.telephonyTypeID) ||
			!scopeMatches(r.OriginIndicatorID, originIndicatorID) {
			continue
		}
		var listed int64
		if len(r.IndicatorIDs) > 0 {
			if !containsID(r.IndicatorIDs, rc.indicatorID) {
				continue
			}
			listed = rc.indicatorID
		}

		score := specificity(r.TrunkID, r.TelephonyTypeID, listed, r.OriginIndicatorID)
		if score > bestScore {
			best, bestScore = r, score
		}
	}
	return best
}
