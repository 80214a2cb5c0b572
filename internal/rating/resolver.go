package rating

import (
	"strconv"

	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/refdata"
)

// destination is the resolver's answer for one candidate prefix.
type destination struct {
	outcome   domain.Outcome
	indicator *domain.Indicator
	ndc       int64

	// prefix and telephonyTypeID differ from the candidate's only after a
	// local call was reclassified as local extended.
	prefix          *domain.Prefix
	telephonyTypeID int64
}

type destinationQuery struct {
	prefix            *domain.Prefix
	number            string // dialed number without the prefix code
	originIndicatorID int64
}

type seriesHit struct {
	indicator *domain.Indicator
	ndc       int64
	span      int64
}

// indicatorFilter restricts which indicators a search may return; nil allows all.
type indicatorFilter func(indicatorID int64) bool

func resolveDestination(snap *refdata.Snapshot, q destinationQuery) destination {
	tt := q.prefix.TelephonyTypeID
	d := destination{outcome: domain.OutcomeError, prefix: q.prefix, telephonyTypeID: tt}
	allowed := bandFilter(snap, q.prefix, q.originIndicatorID)

	if tt == snap.Plan().Types.Local {
		return resolveLocal(snap, q, allowed, d)
	}

	if !lengthOK(snap, tt, q.number) {
		return d
	}
	exact, approx := searchSeries(snap, tt, q.number, allowed)
	switch {
	case exact != nil:
		d.outcome, d.indicator, d.ndc = domain.OutcomeDefinitive, exact.indicator, exact.ndc
	case approx != nil:
		d.outcome, d.indicator, d.ndc = domain.OutcomeAssumed, approx.indicator, approx.ndc
	}
	return d
}

// resolveLocal searches a local number as a national one under the origin's
// own area code. A hit on another indicator sharing that area code makes the
// call local extended. With no hit at all the call is rated to the origin.
func resolveLocal(snap *refdata.Snapshot, q destinationQuery, allowed indicatorFilter, d destination) destination {
	plan := snap.Plan()
	if !lengthOK(snap, plan.Types.Local, q.number) {
		return d
	}

	origin := snap.Indicator(q.originIndicatorID)
	var originNDCs []int64
	if origin != nil {
		originNDCs = snap.IndicatorNDCs(origin.ID)
	}

	var exact, approx *seriesHit
	if len(originNDCs) > 0 {
		national := strconv.FormatInt(originNDCs[0], 10) + q.number
		if lengthOK(snap, plan.Types.National, national) {
			exact, approx = searchSeries(snap, plan.Types.National, national, allowed)
		}
	}
	if exact == nil {
		// series of the local type itself carry no area code
		exact, _ = searchSeries(snap, plan.Types.Local, q.number, allowed)
	}

	switch {
	case exact != nil:
		d.outcome, d.indicator, d.ndc = domain.OutcomeDefinitive, exact.indicator, exact.ndc
		if origin != nil && exact.indicator.ID != origin.ID && containsID(originNDCs, exact.ndc) {
			reclassifyLocalExtended(snap, &d)
		}
	case approx != nil:
		d.outcome, d.indicator, d.ndc = domain.OutcomeAssumed, approx.indicator, approx.ndc
	case origin != nil:
		d.outcome, d.indicator = domain.OutcomeAssumed, origin
		if len(originNDCs) > 0 {
			d.ndc = originNDCs[0]
		}
	}
	return d
}

// reclassifyLocalExtended moves d to the local extended type, preferring a
// prefix of the same operator. Without any local extended prefix the call
// stays local.
func reclassifyLocalExtended(snap *refdata.Snapshot, d *destination) {
	tt := snap.Plan().Types.LocalExtended
	candidates := snap.PrefixesFor(tt, d.prefix.OperatorID)
	if len(candidates) == 0 {
		candidates = snap.PrefixesOfType(tt)
	}
	if len(candidates) == 0 {
		return
	}
	d.prefix = candidates[0]
	d.telephonyTypeID = tt
}

// searchSeries walks the area code lengths of a telephony type from longest
// to shortest, then the series without area code. It stops at the first
// length with an exact hit; the first wildcard hit is kept aside.
func searchSeries(snap *refdata.Snapshot, tt int64, number string, allowed indicatorFilter) (exact, approx *seriesHit) {
	minLen, maxLen, _ := snap.NDCLengths(tt)

	lengths := make([]int, 0, maxLen-minLen+2)
	for n := maxLen; n >= minLen && n > 0; n-- {
		lengths = append(lengths, n)
	}
	lengths = append(lengths, 0)

	for _, n := range lengths {
		if len(number) <= n {
			continue
		}

		ndc := domain.NDCNone
		if n > 0 {
			code := number[:n]
			if code[0] == '0' {
				continue
			}
			ndc, _ = strconv.ParseInt(code, 10, 64)
		}
		subscriber := number[n:]

		if hit := bestSeries(snap, snap.Series(tt, ndc), subscriber, allowed); hit != nil {
			hit.ndc = ndc
			return hit, approx
		}
		if approx == nil {
			if hit := bestSeries(snap, snap.Series(tt, domain.NDCWildcard), subscriber, allowed); hit != nil {
				hit.ndc = domain.NDCWildcard
				approx = hit
			}
		}
	}
	return nil, approx
}

// bestSeries returns the narrowest series containing subscriber. Ties keep
// the first series in ID order.
func bestSeries(snap *refdata.Snapshot, series []domain.Series, subscriber string, allowed indicatorFilter) *seriesHit {
	var best *seriesHit
	for _, sr := range series {
		if allowed != nil && !allowed(sr.IndicatorID) {
			continue
		}
		span, ok := seriesContains(sr.Initial, sr.Final, subscriber)
		if !ok {
			continue
		}
		if best == nil || span < best.span {
			best = &seriesHit{indicator: snap.Indicator(sr.IndicatorID), span: span}
		}
	}
	return best
}

// bandFilter limits a band-enabled prefix to the destinations its bands reach
// from the caller's origin. A band without destinations, or no band in scope
// at all, leaves the search unrestricted.
func bandFilter(snap *refdata.Snapshot, prefix *domain.Prefix, originIndicatorID int64) indicatorFilter {
	if !prefix.BandOK {
		return nil
	}

	allowed := make(map[int64]bool)
	scoped := false
	for _, b := range snap.Bands(prefix.ID) {
		if !scopeMatches(b.OriginIndicatorID, originIndicatorID) {
			continue
		}
		scoped = true
		if len(b.IndicatorIDs) == 0 {
			return nil
		}
		for _, id := range b.IndicatorIDs {
			allowed[id] = true
		}
	}
	if !scoped {
		return nil
	}
	return func(id int64) bool { return allowed[id] }
}

func lengthOK(snap *refdata.Snapshot, tt int64, number string) bool {
	l, ok := snap.TypeLength(tt)
	if !ok {
		return number != ""
	}
	if len(number) < l.MinDigits {
		return false
	}
	return l.MaxDigits <= 0 || len(number) <= l.MaxDigits
}

func scopeMatches(scope, value int64) bool {
	return scope == domain.AnyID || scope == value
}

func containsID(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
