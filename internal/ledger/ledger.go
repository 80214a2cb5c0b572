// Package ledger assembles rated calls into ledger entries: it aggregates the
// review rule results and decides the entry status.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/callrate/internal/domain"
)

// EngineVersion is recorded on every ledger entry.
const EngineVersion = "callrate-1.0"

// Processor aggregates review results and produces ledger entries.
type Processor struct {
	// Aggregate review score at or above which a rated call is held for review
	ReviewThreshold float64

	// Weight configuration for rule aggregation
	UseWeightedScoring bool
}

// NewProcessor creates a processor. A non-positive threshold selects 0.7.
func NewProcessor(reviewThreshold float64) *Processor {
	if reviewThreshold <= 0 {
		reviewThreshold = 0.7
	}
	return &Processor{
		ReviewThreshold:    reviewThreshold,
		UseWeightedScoring: true,
	}
}

// EntryInput contains all data needed for a ledger entry.
type EntryInput struct {
	TenantID    string
	TraceID     string
	Call        domain.Call
	Rating      *domain.Rating
	RuleResults []domain.RuleResult
	StartTime   time.Time
	RatingMs    int64
	ReviewMs    int64
}

// Assemble produces the ledger entry of a rated call. Calls that could not be
// rated are UNRATED whatever the review outcome; otherwise a failing or
// review band, or an aggregate score at the threshold, marks them REVIEW.
func (p *Processor) Assemble(ctx context.Context, input *EntryInput) *domain.RatedCall {
	rc := &domain.RatedCall{
		ID:            uuid.New().String(),
		TenantID:      input.TenantID,
		Call:          input.Call,
		CreatedAt:     time.Now().UTC(),
		ReviewResults: input.RuleResults,
	}
	if input.Rating != nil {
		rc.Rating = *input.Rating
	}

	agg := p.aggregate(input.RuleResults)
	rc.Score = agg.AggregateScore

	switch {
	case input.Rating == nil || input.Rating.Outcome == domain.OutcomeError:
		rc.Status = domain.StatusUnrated
	case agg.RulesTriggered > 0 || (len(input.RuleResults) > 0 && agg.AggregateScore >= p.ReviewThreshold):
		rc.Status = domain.StatusReview
	default:
		rc.Status = domain.StatusRated
	}

	rc.Metadata = domain.RatedCallMetadata{
		TraceID:        input.TraceID,
		RatingMs:       input.RatingMs,
		ReviewMs:       input.ReviewMs,
		TotalMs:        time.Since(input.StartTime).Milliseconds(),
		RulesEvaluated: len(input.RuleResults),
		EngineVersion:  EngineVersion,
	}

	return rc
}

// AggregateResult holds the aggregated scoring results.
type AggregateResult struct {
	AggregateScore float64
	TotalWeight    float64
	RulesTriggered int
}

// aggregate computes the weighted aggregate score from rule results.
func (p *Processor) aggregate(results []domain.RuleResult) *AggregateResult {
	agg := &AggregateResult{}
	if len(results) == 0 {
		return agg
	}

	for _, r := range results {
		weight := r.Weight
		if weight <= 0 {
			weight = 1.0
		}

		if r.SubRuleRef == domain.RuleOutcomeFail || r.SubRuleRef == domain.RuleOutcomeReview {
			agg.RulesTriggered++
		}

		if p.UseWeightedScoring {
			agg.AggregateScore += r.Score * weight
			agg.TotalWeight += weight
		} else {
			agg.AggregateScore += r.Score
			agg.TotalWeight += 1.0
		}
	}

	// Normalize score
	if agg.TotalWeight > 0 {
		agg.AggregateScore = agg.AggregateScore / agg.TotalWeight
	}

	return agg
}

// NeedsReview returns true if the entry is held for review.
func NeedsReview(rc *domain.RatedCall) bool {
	return rc.Status == domain.StatusReview
}
