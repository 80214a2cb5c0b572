package domain

// Rule result outcomes.
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeReview = ".review"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeError  = ".err"
)

// RuleConfig is a review rule: a CEL expression over a rated call whose
// numeric or boolean result is mapped to an outcome by its bands.
type RuleConfig struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     string     `json:"version"`
	Expression  string     `json:"expression"`
	Bands       []RuleBand `json:"bands"`
	Weight      float64    `json:"weight"` // share in the aggregate review score
	Enabled     bool       `json:"enabled"`
}

// RuleBand matches scores in [LowerLimit, UpperLimit). A nil limit is open.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	SubRuleRef string   `json:"subRuleRef"` // one of the RuleOutcome values
	Reason     string   `json:"reason"`
}

// RuleResult records one rule evaluated against one call.
type RuleResult struct {
	RuleID     string  `json:"ruleId"`
	TenantID   string  `json:"tenantId"`
	CallID     string  `json:"callId"`
	SubRuleRef string  `json:"subRuleRef"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
	Weight     float64 `json:"weight"`
	ProcessMs  int64   `json:"processMs"`
}

// UsageRule configures the built-in rule that flags calls on a trunk carrying
// more than Threshold calls within WindowSecs. A zero Threshold disables it.
type UsageRule struct {
	Threshold  int `json:"threshold"`
	WindowSecs int `json:"windowSecs"`
}
