package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome classifies how a rating was reached. Outcomes are totally ordered:
// OutcomeError < OutcomeAssumed < OutcomeDefinitive.
type Outcome int

const (
	OutcomeError Outcome = iota
	OutcomeAssumed
	OutcomeDefinitive
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDefinitive:
		return "definitive"
	case OutcomeAssumed:
		return "assumed"
	default:
		return "error"
	}
}

// Better reports whether o is strictly better than other.
func (o Outcome) Better(other Outcome) bool {
	return o > other
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "definitive":
		*o = OutcomeDefinitive
	case "assumed":
		*o = OutcomeAssumed
	case "error":
		*o = OutcomeError
	default:
		return fmt.Errorf("unknown outcome %q", string(b))
	}
	return nil
}

// Reasons attached to error outcomes.
const (
	ReasonNoPrefix      = "no_prefix"
	ReasonNoDestination = "no_destination"
	ReasonInvalidNumber = "invalid_number"
)

// RatingFlags is the audit trail of a rating.
type RatingFlags struct {
	BandUsed           bool  `json:"bandUsed"`
	BandID             int64 `json:"bandId,omitempty"`
	SpecialRateApplied bool  `json:"specialRateApplied"`
	SpecialRateID      int64 `json:"specialRateId,omitempty"`
	TrunkRateApplied   bool  `json:"trunkRateApplied"`
	TrunkRuleApplied   bool  `json:"trunkRuleApplied"`
	TrunkRuleID        int64 `json:"trunkRuleId,omitempty"`
	Assumed            bool  `json:"assumed"`
	CircuitNormalized  bool  `json:"circuitNormalized"`
	SpecialService     bool  `json:"specialService"`
	NoConsumption      bool  `json:"noConsumption"`
}

// Rating is the result of rating one call.
type Rating struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`

	TelephonyTypeID int64  `json:"telephonyTypeId"`
	TelephonyType   string `json:"telephonyType"`
	OperatorID      int64  `json:"operatorId"`
	Operator        string `json:"operator"`
	PrefixID        int64  `json:"prefixId,omitempty"`
	PrefixCode      string `json:"prefixCode,omitempty"`
	IndicatorID     int64  `json:"indicatorId,omitempty"`
	Destination     string `json:"destination,omitempty"`
	NDC             int64  `json:"ndc,omitempty"`

	// Rate is the per-unit rate excluding VAT.
	Rate          decimal.Decimal     `json:"rate"`
	VATPercent    decimal.Decimal     `json:"vatPercent"`
	BillPerSecond bool                `json:"billPerSecond"`
	InitialRate   decimal.NullDecimal `json:"initialRate"`
	Units         int64               `json:"units"`
	Billed        decimal.Decimal     `json:"billed"`

	Flags RatingFlags `json:"flags"`
}

// RatedCall is a ledger entry: the call, its rating and the review outcome.
type RatedCall struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Status    string    `json:"status"`
	Score     float64   `json:"score"`
	Call      Call      `json:"call"`
	Rating    Rating    `json:"rating"`
	CreatedAt time.Time `json:"createdAt"`

	ReviewResults []RuleResult      `json:"reviewResults,omitempty"`
	Metadata      RatedCallMetadata `json:"metadata"`
}

// RatedCallMetadata contains processing information.
type RatedCallMetadata struct {
	TraceID        string `json:"traceId"`
	RatingMs       int64  `json:"ratingMs"`
	ReviewMs       int64  `json:"reviewMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// Ledger status constants
const (
	StatusRated   = "RATED"
	StatusReview  = "REVIEW"
	StatusUnrated = "UNRATED"
)

// Reasons returns the reasons of the review rules that did not pass.
func (rc *RatedCall) Reasons() []string {
	var reasons []string
	for _, r := range rc.ReviewResults {
		if r.SubRuleRef == RuleOutcomeFail || r.SubRuleRef == RuleOutcomeReview {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}
