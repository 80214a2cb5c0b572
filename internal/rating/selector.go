package rating

import (
	"strings"

	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/refdata"
)

// attempt is the evaluation of one candidate prefix.
type attempt struct {
	outcome domain.Outcome
	reason  string

	// candidate is the prefix the selector offered; dest.prefix is the one
	// priced, which differs after local extended reclassification.
	candidate *domain.Prefix
	dest      destination
	rc        rateContext

	circuitNormalized bool
}

// candidates lists the prefixes to try for a call. With a trunk these are
// the prefixes of the pairs it carries, in its declared order. Without one,
// the prefixes sharing the longest code that starts the number, falling back
// to the empty-code local prefix.
func candidates(snap *refdata.Snapshot, dialed string, trunk *domain.Trunk) []*domain.Prefix {
	if trunk != nil {
		var out []*domain.Prefix
		for _, c := range trunk.Carries {
			out = append(out, snap.PrefixesFor(c.TelephonyTypeID, c.OperatorID)...)
		}
		return out
	}

	if ps := snap.LongestPrefixes(dialed); len(ps) > 0 {
		return ps
	}
	if p := snap.LocalPrefix(); p != nil {
		return []*domain.Prefix{p}
	}
	return nil
}

// selectBest evaluates candidates in order and stops at the first definitive
// result. Otherwise the best result by outcome wins, earlier on ties. The
// boolean is false when there was no candidate at all.
func selectBest(snap *refdata.Snapshot, call *domain.Call, trunk *domain.Trunk) (attempt, bool) {
	var best attempt
	found := false
	for _, p := range candidates(snap, call.Dialed, trunk) {
		a := evaluate(snap, call, p, trunk)
		if !found || a.outcome.Better(best.outcome) {
			best, found = a, true
		}
		if a.outcome == domain.OutcomeDefinitive {
			break
		}
	}
	return best, found
}

func evaluate(snap *refdata.Snapshot, call *domain.Call, p *domain.Prefix, trunk *domain.Trunk) attempt {
	number := call.Dialed
	if p.Code != "" && strings.HasPrefix(number, p.Code) {
		number = number[len(p.Code):]
	}

	dest := resolveDestination(snap, destinationQuery{
		prefix:            p,
		number:            number,
		originIndicatorID: call.OriginIndicatorID,
	})
	a := attempt{outcome: dest.outcome, candidate: p, dest: dest}
	if dest.outcome == domain.OutcomeError {
		a.reason = domain.ReasonNoDestination
		return a
	}

	a.rc = resolveRate(&pricingInput{
		snap:              snap,
		prefix:            dest.prefix,
		dest:              dest,
		originIndicatorID: call.OriginIndicatorID,
		at:                call.StartedAt,
		trunk:             trunk,
	})
	return a
}
