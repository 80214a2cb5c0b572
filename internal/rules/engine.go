// Package rules provides the CEL-Go based review rule engine for rated calls.
package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"
	"github.com/opensource-finance/callrate/internal/domain"
	"golang.org/x/sync/errgroup"
)

// interruptEvery is how many comprehension iterations run between checks of
// the evaluation context.
const interruptEvery = 100

// Engine evaluates review rules over rated calls. Each tenant has its own
// rule set, replaced as a whole so evaluations never see a partial set.
type Engine struct {
	env         *cel.Env
	usageGetter UsageGetter
	maxWorkers  int

	mu      sync.RWMutex
	tenants map[string][]*CompiledRule // sorted by rule ID, never mutated
}

// CompiledRule is a rule with its CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// UsageGetter returns the number of calls placed on a trunk within a window.
type UsageGetter func(ctx context.Context, tenantID, trunk string, windowSecs int) (int64, error)

// NewEngine creates a rule engine evaluating at most maxWorkers rules of a
// call at once. usageGetter may be nil, which leaves trunk_calls at zero.
func NewEngine(usageGetter UsageGetter, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("call", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("dialed", cel.StringType),
		cel.Variable("trunk", cel.StringType),
		cel.Variable("telephony_type", cel.StringType),
		cel.Variable("operator", cel.StringType),
		cel.Variable("destination", cel.StringType),
		cel.Variable("outcome", cel.StringType),
		cel.Variable("duration", cel.IntType),
		cel.Variable("units", cel.IntType),
		cel.Variable("rate", cel.DoubleType),
		cel.Variable("billed", cel.DoubleType),
		cel.Variable("assumed", cel.BoolType),
		cel.Variable("trunk_calls", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:         env,
		usageGetter: usageGetter,
		maxWorkers:  maxWorkers,
		tenants:     make(map[string][]*CompiledRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles a rule and adds it to the tenant's set, replacing a rule
// with the same ID.
func (e *Engine) LoadRule(tenantID string, cfg *domain.RuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.tenants[tenantID]
	next := make([]*CompiledRule, 0, len(current)+1)
	for _, r := range current {
		if r.Config.ID != cfg.ID {
			next = append(next, r)
		}
	}
	e.tenants[tenantID] = sortRules(append(next, compiled))
	return nil
}

// LoadRules loads the enabled rules of configs.
func (e *Engine) LoadRules(tenantID string, configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := e.LoadRule(tenantID, cfg); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules replaces a tenant's rule set with the enabled rules of configs.
// On a compile error the previous set stays in place.
func (e *Engine) ReloadRules(tenantID string, configs []*domain.RuleConfig) error {
	next := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next = append(next, compiled)
	}

	e.mu.Lock()
	e.tenants[tenantID] = sortRules(next)
	e.mu.Unlock()
	return nil
}

func sortRules(rs []*CompiledRule) []*CompiledRule {
	slices.SortFunc(rs, func(a, b *CompiledRule) int {
		return strings.Compare(a.Config.ID, b.Config.ID)
	})
	return rs
}

// EvaluateInput holds the rated call data for rule evaluation.
type EvaluateInput struct {
	TenantID      string
	CallID        string
	Dialed        string
	Trunk         string
	TelephonyType string
	Operator      string
	Destination   string
	Outcome       string
	DurationSec   int
	Units         int64
	Rate          float64
	Billed        float64
	Assumed       bool
	UsageWindow   int // seconds

	// AdditionalData adds or overrides activation variables.
	AdditionalData map[string]any
}

// InputFor builds the evaluation input of a rated call.
func InputFor(tenantID string, call *domain.Call, r *domain.Rating, usageWindow int) *EvaluateInput {
	return &EvaluateInput{
		TenantID:      tenantID,
		CallID:        call.ID,
		Dialed:        call.Dialed,
		Trunk:         call.Trunk,
		TelephonyType: r.TelephonyType,
		Operator:      r.Operator,
		Destination:   r.Destination,
		Outcome:       r.Outcome.String(),
		DurationSec:   call.DurationSec,
		Units:         r.Units,
		Rate:          r.Rate.InexactFloat64(),
		Billed:        r.Billed.InexactFloat64(),
		Assumed:       r.Flags.Assumed,
		UsageWindow:   usageWindow,
	}
}

// bindings returns the activation variables of input.
func (in *EvaluateInput) bindings(trunkCalls int64) map[string]any {
	vars := map[string]any{
		"call": map[string]any{
			"id":       in.CallID,
			"dialed":   in.Dialed,
			"trunk":    in.Trunk,
			"duration": int64(in.DurationSec),
		},
		"dialed":         in.Dialed,
		"trunk":          in.Trunk,
		"telephony_type": in.TelephonyType,
		"operator":       in.Operator,
		"destination":    in.Destination,
		"outcome":        in.Outcome,
		"duration":       int64(in.DurationSec),
		"units":          in.Units,
		"rate":           in.Rate,
		"billed":         in.Billed,
		"assumed":        in.Assumed,
		"trunk_calls":    trunkCalls,
	}
	for k, v := range in.AdditionalData {
		vars[k] = v
	}
	return vars
}

// EvaluateAll evaluates the tenant's rules against one call, at most
// maxWorkers at a time. Results are ordered by rule ID. A rule that fails to
// evaluate yields a RuleOutcomeError result; only a done ctx is an error.
func (e *Engine) EvaluateAll(ctx context.Context, input *EvaluateInput) ([]domain.RuleResult, error) {
	rules := e.snapshot(input.TenantID)
	if len(rules) == 0 {
		return nil, nil
	}

	act, err := interpreter.NewActivation(input.bindings(e.trunkCalls(ctx, input)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind rule variables: %w", err)
	}

	results := make([]domain.RuleResult, len(rules))
	var g errgroup.Group
	g.SetLimit(e.maxWorkers)
	for i, rule := range rules {
		g.Go(func() error {
			results[i] = evaluate(ctx, rule, act, input)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// trunkCalls looks up trunk usage for calls placed on a trunk. A failed
// lookup counts as no usage.
func (e *Engine) trunkCalls(ctx context.Context, in *EvaluateInput) int64 {
	if e.usageGetter == nil || in.Trunk == "" || in.UsageWindow <= 0 {
		return 0
	}
	n, err := e.usageGetter(ctx, in.TenantID, in.Trunk, in.UsageWindow)
	if err != nil {
		return 0
	}
	return n
}

func (e *Engine) snapshot(tenantID string) []*CompiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tenants[tenantID]
}

func evaluate(ctx context.Context, rule *CompiledRule, act interpreter.Activation, input *EvaluateInput) domain.RuleResult {
	start := time.Now()
	result := domain.RuleResult{
		RuleID:   rule.Config.ID,
		TenantID: input.TenantID,
		CallID:   input.CallID,
		Weight:   rule.Config.Weight,
	}

	out, _, err := rule.Program.ContextEval(ctx, act)
	if err != nil {
		result.SubRuleRef = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
	} else {
		result.Score = toScore(out)
		result.SubRuleRef, result.Reason = matchBand(result.Score, rule.Config.Bands)
	}
	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

// toScore maps a rule result to a score: true is 1, false is 0.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1
		}
		return 0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	}
	return 0
}

// matchBand returns the outcome of the first band containing score. Bands
// include their lower limit and exclude their upper one; a nil limit is
// open. A score outside every band passes.
func matchBand(score float64, bands []domain.RuleBand) (string, string) {
	for _, b := range bands {
		if b.LowerLimit != nil && score < *b.LowerLimit {
			continue
		}
		if b.UpperLimit != nil && score >= *b.UpperLimit {
			continue
		}
		return b.SubRuleRef, b.Reason
	}
	return domain.RuleOutcomePass, "no matching band"
}

// RulesCount returns the number of rules loaded for a tenant.
func (e *Engine) RulesCount(tenantID string) int {
	return len(e.snapshot(tenantID))
}

// GetLoadedRules returns the rule configurations loaded for a tenant,
// ordered by ID.
func (e *Engine) GetLoadedRules(tenantID string) []*domain.RuleConfig {
	compiled := e.snapshot(tenantID)
	out := make([]*domain.RuleConfig, len(compiled))
	for i, c := range compiled {
		out[i] = c.Config
	}
	return out
}

// Close drops every loaded rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tenants = make(map[string][]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if err := issues.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, err)
	}

	switch out := ast.OutputType(); out {
	case cel.BoolType, cel.IntType, cel.DoubleType:
	default:
		return nil, fmt.Errorf("rule %s: expression must return bool, int or double, got %s", cfg.ID, out)
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.InterruptCheckFrequency(interruptEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}
	return &CompiledRule{Config: cfg, Program: prg}, nil
}
