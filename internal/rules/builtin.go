package rules

import (
	"fmt"

	"github.com/opensource-finance/callrate/internal/domain"
)

// UsageRuleID identifies the built-in trunk usage rule.
const UsageRuleID = "builtin-trunk-usage"

// UsageRuleConfig returns the built-in rule that sends a call to review when
// its trunk carried more than u.Threshold calls in the usage window.
// It returns nil when the threshold is not positive.
func UsageRuleConfig(u domain.UsageRule) *domain.RuleConfig {
	if u.Threshold <= 0 {
		return nil
	}

	one := 1.0
	return &domain.RuleConfig{
		ID:          UsageRuleID,
		Name:        "Trunk usage",
		Description: fmt.Sprintf("more than %d calls on one trunk within %ds", u.Threshold, u.WindowSecs),
		Version:     "1.0.0",
		Expression:  fmt.Sprintf("trunk_calls > %d", u.Threshold),
		Bands: []domain.RuleBand{
			{UpperLimit: &one, SubRuleRef: domain.RuleOutcomePass, Reason: "trunk usage normal"},
			{LowerLimit: &one, SubRuleRef: domain.RuleOutcomeReview, Reason: "trunk usage above threshold"},
		},
		Weight:  1.0,
		Enabled: true,
	}
}

// WithBuiltins returns configs followed by the built-in rules enabled by u.
func WithBuiltins(configs []*domain.RuleConfig, u domain.UsageRule) []*domain.RuleConfig {
	rule := UsageRuleConfig(u)
	if rule == nil {
		return configs
	}
	out := make([]*domain.RuleConfig, 0, len(configs)+1)
	out = append(out, configs...)
	return append(out, rule)
}
