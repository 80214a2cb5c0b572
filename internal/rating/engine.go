// Package rating prices call records: it selects candidate prefixes, resolves
// the destination indicator, layers band, special rate and trunk overrides
// onto the base rate and bills the duration.
package rating

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/refdata"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("callrate-rating")

// SnapshotSource supplies the reference snapshot of an origin country.
type SnapshotSource interface {
	Snapshot(ctx context.Context, tenantID string, countryID int64) (*refdata.Snapshot, error)
}

// Engine rates calls. It holds no per-call state and is safe for concurrent use.
type Engine struct {
	source     SnapshotSource
	maxWorkers int
}

// NewEngine creates a rating engine. maxWorkers bounds RateBatch concurrency.
func NewEngine(source SnapshotSource, maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Engine{source: source, maxWorkers: maxWorkers}
}

// Rate rates one call. Calls that cannot be classified come back as ratings
// with an error outcome; the returned error is reserved for reference data
// that cannot be read or is malformed.
func (e *Engine) Rate(ctx context.Context, tenantID string, call domain.Call) (*domain.Rating, error) {
	ctx, span := tracer.Start(ctx, "rating.Rate",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int64("call.country", call.CountryID),
			attribute.String("call.trunk", call.Trunk),
		),
	)
	defer span.End()

	snap, err := e.source.Snapshot(ctx, tenantID, call.CountryID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reference data unavailable")
		return nil, err
	}

	r := RateWith(snap, call)
	span.SetAttributes(
		attribute.String("rating.outcome", r.Outcome.String()),
		attribute.String("rating.telephony_type", r.TelephonyType),
	)
	return r, nil
}

// BatchResult pairs a call's rating with its reference data fault, if any.
type BatchResult struct {
	Rating *domain.Rating
	Err    error
}

// RateBatch rates calls concurrently. Results are in input order; a fault on
// one call does not affect the others.
func (e *Engine) RateBatch(ctx context.Context, tenantID string, calls []domain.Call) []BatchResult {
	results := make([]BatchResult, len(calls))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i := range calls {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[idx].Err = ctx.Err()
				return
			}
			defer func() { <-sem }()

			r, err := e.Rate(ctx, tenantID, calls[idx])
			results[idx] = BatchResult{Rating: r, Err: err}
		}(i)
	}

	wg.Wait()
	return results
}

// RateWith rates a call against a snapshot. It never fails.
func RateWith(snap *refdata.Snapshot, call domain.Call) *domain.Rating {
	call.Dialed = strings.TrimSpace(call.Dialed)

	if svc := snap.SpecialService(call.Dialed); svc != nil {
		return rateSpecialService(snap, &call, svc)
	}
	if !isDigits(call.Dialed) {
		return errorRating(snap, nil, domain.ReasonInvalidNumber)
	}

	var trunk *domain.Trunk
	if call.Trunk != "" {
		if trunk = snap.Trunk(call.Trunk); trunk == nil {
			slog.Debug("unknown trunk, rating as plain call", "trunk", call.Trunk, "call_id", call.ID)
		}
	}

	best, found := selectBest(snap, &call, trunk)
	if trunk != nil && call.ExitStripped && (!found || best.outcome != domain.OutcomeDefinitive) {
		retry, ok := selectBest(snap, &call, nil)
		if ok && (!found || retry.outcome.Better(best.outcome)) {
			best, found = retry, true
			best.circuitNormalized = true
		}
	}

	if !found {
		return errorRating(snap, nil, domain.ReasonNoPrefix)
	}
	if best.outcome == domain.OutcomeError {
		return errorRating(snap, &best, best.reason)
	}
	return finish(snap, &call, &best)
}

func finish(snap *refdata.Snapshot, call *domain.Call, a *attempt) *domain.Rating {
	plan := snap.Plan()
	rc := a.rc

	charge := Bill(BillInput{
		Rate:               rc.rate,
		VATPercent:         rc.vatPercent,
		PerSecond:          rc.billPerSecond,
		DurationSec:        call.DurationSec,
		MinBillableSeconds: plan.MinBillableSeconds,
		Precision:          plan.Precision,
	})

	r := &domain.Rating{
		Outcome:         a.outcome,
		TelephonyTypeID: rc.telephonyTypeID,
		TelephonyType:   snap.TelephonyTypeName(rc.telephonyTypeID),
		OperatorID:      rc.operatorID,
		PrefixID:        a.dest.prefix.ID,
		PrefixCode:      a.dest.prefix.Code,
		IndicatorID:     rc.indicatorID,
		NDC:             a.dest.ndc,
		Rate:            charge.UnitRate,
		VATPercent:      rc.vatPercent,
		BillPerSecond:   rc.billPerSecond,
		Units:           charge.Units,
		Billed:          charge.Billed,
		Flags: domain.RatingFlags{
			BandUsed:           rc.bandID != domain.AnyID,
			BandID:             rc.bandID,
			SpecialRateApplied: rc.specialRateID != domain.AnyID,
			SpecialRateID:      rc.specialRateID,
			TrunkRateApplied:   rc.trunkRate,
			TrunkRuleApplied:   rc.trunkRuleID != domain.AnyID,
			TrunkRuleID:        rc.trunkRuleID,
			Assumed:            a.outcome == domain.OutcomeAssumed,
			CircuitNormalized:  a.circuitNormalized,
		},
	}
	if op := snap.Operator(rc.operatorID); op != nil {
		r.Operator = op.Name
	}
	if a.dest.indicator != nil {
		r.Destination = a.dest.indicator.Description()
	}
	if rc.initial.Valid {
		r.InitialRate = decimal.NullDecimal{Decimal: rc.initial.Decimal.Round(plan.Precision), Valid: true}
	}
	if charge.NoConsumption {
		r.TelephonyTypeID = plan.Types.NoConsumption
		r.TelephonyType = snap.TelephonyTypeName(plan.Types.NoConsumption)
		r.Flags.NoConsumption = true
	}
	return r
}

func rateSpecialService(snap *refdata.Snapshot, call *domain.Call, svc *domain.SpecialService) *domain.Rating {
	plan := snap.Plan()
	charge := Bill(BillInput{
		Rate:        ExcludeVAT(svc.Value, svc.VATIncluded, svc.VATPercent),
		VATPercent:  svc.VATPercent,
		Flat:        true,
		DurationSec: call.DurationSec,
		Precision:   plan.Precision,
	})

	return &domain.Rating{
		Outcome:         domain.OutcomeDefinitive,
		TelephonyTypeID: plan.Types.SpecialServices,
		TelephonyType:   snap.TelephonyTypeName(plan.Types.SpecialServices),
		IndicatorID:     svc.IndicatorID,
		Destination:     svc.Description,
		Rate:            charge.UnitRate,
		VATPercent:      svc.VATPercent,
		Units:           charge.Units,
		Billed:          charge.Billed,
		Flags:           domain.RatingFlags{SpecialService: true},
	}
}

// errorRating rates a call to the error telephony type with nothing billed.
// The failed attempt, when there is one, is kept for the audit trail.
func errorRating(snap *refdata.Snapshot, a *attempt, reason string) *domain.Rating {
	plan := snap.Plan()
	r := &domain.Rating{
		Outcome:         domain.OutcomeError,
		Reason:          reason,
		TelephonyTypeID: plan.Types.Errors,
		TelephonyType:   snap.TelephonyTypeName(plan.Types.Errors),
		Rate:            decimal.Zero,
		VATPercent:      decimal.Zero,
		Billed:          decimal.Zero,
	}
	if a != nil && a.candidate != nil {
		r.PrefixID = a.candidate.ID
		r.PrefixCode = a.candidate.Code
		r.Flags.CircuitNormalized = a.circuitNormalized
	}
	return r
}
