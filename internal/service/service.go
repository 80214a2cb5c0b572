// Package service runs the full rating flow shared by the API, the worker
// and the CLI: rate, review, assemble the ledger entry and persist it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/ledger"
	"github.com/opensource-finance/callrate/internal/rating"
	"github.com/opensource-finance/callrate/internal/refdata"
	"github.com/opensource-finance/callrate/internal/repository"
	"github.com/opensource-finance/callrate/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("callrate-service")

var errNoRules = errors.New("review rules are not configured")

// Invalidator drops cached reference snapshots of a tenant.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string)
}

// Deps are the collaborators of a Rater. Rules, Repo, Bus and Snapshots may
// be nil.
type Deps struct {
	Engine    *rating.Engine
	Rules     *rules.Engine
	Processor *ledger.Processor
	Repo      domain.Repository
	Snapshots Invalidator
	Bus       domain.EventBus

	// Plans are checked against imported reference data before it is stored.
	Plans []domain.Plan
}

// Rater rates calls and records them in the ledger.
type Rater struct {
	engine    *rating.Engine
	rules     *rules.Engine
	processor *ledger.Processor
	repo      domain.Repository
	snapshots Invalidator
	bus       domain.EventBus
	plans     []domain.Plan
	cfg       domain.RatingConfig

	mu          sync.Mutex
	rulesLoaded map[string]bool
}

// NewRater creates a rating service.
func NewRater(deps Deps, cfg domain.RatingConfig) *Rater {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	return &Rater{
		engine:      deps.Engine,
		rules:       deps.Rules,
		processor:   deps.Processor,
		repo:        deps.Repo,
		snapshots:   deps.Snapshots,
		bus:         deps.Bus,
		plans:       deps.Plans,
		cfg:         cfg,
		rulesLoaded: make(map[string]bool),
	}
}

// Rate rates one call, runs the tenant's review rules over the rating and
// saves the resulting ledger entry. A call without an ID gets a fresh one.
func (r *Rater) Rate(ctx context.Context, tenantID, traceID string, call domain.Call) (*domain.RatedCall, error) {
	start := time.Now()

	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	call.TenantID = tenantID

	ctx, span := tracer.Start(ctx, "service.Rate",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("call.id", call.ID),
		),
	)
	defer span.End()

	rated, err := r.engine.Rate(ctx, tenantID, call)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to rate call %s: %w", call.ID, err)
	}
	ratingMs := time.Since(start).Milliseconds()

	reviewStart := time.Now()
	var results []domain.RuleResult
	if r.rules != nil {
		if err := r.ensureRules(ctx, tenantID); err != nil {
			slog.Warn("review rules unavailable",
				"tenant", tenantID,
				"error", err,
			)
		}
		input := rules.InputFor(tenantID, &call, rated, r.cfg.Usage.WindowSecs)
		results, err = r.rules.EvaluateAll(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to review call %s: %w", call.ID, err)
		}
	}

	rc := r.processor.Assemble(ctx, &ledger.EntryInput{
		TenantID:    tenantID,
		TraceID:     traceID,
		Call:        call,
		Rating:      rated,
		RuleResults: results,
		StartTime:   start,
		RatingMs:    ratingMs,
		ReviewMs:    time.Since(reviewStart).Milliseconds(),
	})

	if r.repo != nil {
		if err := r.repo.SaveRatedCall(ctx, tenantID, rc); err != nil {
			return nil, fmt.Errorf("failed to save rated call: %w", err)
		}
	}

	span.SetAttributes(attribute.String("ledger.status", rc.Status))

	slog.Debug("call rated",
		"tenant", tenantID,
		"call_id", call.ID,
		"status", rc.Status,
		"outcome", rc.Rating.Outcome.String(),
		"trace_id", traceID,
	)

	return rc, nil
}

// BatchItem is the outcome of one call of a batch.
type BatchItem struct {
	RatedCall *domain.RatedCall
	Err       error
}

// RateBatch rates calls concurrently, at most MaxWorkers at a time. Items are
// in input order; a failure on one call does not affect the others.
func (r *Rater) RateBatch(ctx context.Context, tenantID, traceID string, calls []domain.Call) []BatchItem {
	items := make([]BatchItem, len(calls))
	var wg sync.WaitGroup

	sem := make(chan struct{}, r.cfg.MaxWorkers)

	for i := range calls {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				items[idx].Err = ctx.Err()
				return
			}
			defer func() { <-sem }()

			rc, err := r.Rate(ctx, tenantID, traceID, calls[idx])
			items[idx] = BatchItem{RatedCall: rc, Err: err}
		}(i)
	}

	wg.Wait()
	return items
}

// RatedCall returns a ledger entry.
func (r *Rater) RatedCall(ctx context.Context, tenantID, id string) (*domain.RatedCall, error) {
	return r.repo.GetRatedCall(ctx, tenantID, id)
}

// ReloadRules replaces the tenant's loaded review rules with the stored ones
// plus the built-in rules and returns how many are loaded. Without a
// repository only the built-in rules are loaded.
func (r *Rater) ReloadRules(ctx context.Context, tenantID string) (int, error) {
	if r.rules == nil {
		return 0, errNoRules
	}

	var configs []*domain.RuleConfig
	if r.repo != nil {
		stored, err := r.repo.ListRuleConfigs(ctx, tenantID)
		if err != nil {
			return 0, fmt.Errorf("failed to list rules: %w", err)
		}
		configs = stored
	}

	if err := r.rules.ReloadRules(tenantID, rules.WithBuiltins(configs, r.cfg.Usage)); err != nil {
		return 0, fmt.Errorf("failed to reload rules: %w", err)
	}

	r.mu.Lock()
	r.rulesLoaded[tenantID] = true
	r.mu.Unlock()

	count := r.rules.RulesCount(tenantID)
	slog.Info("rules reloaded",
		"tenant", tenantID,
		"count", count,
	)
	return count, nil
}

// Rules returns the review rules loaded for a tenant, ordered by ID.
func (r *Rater) Rules(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if r.rules == nil {
		return nil, errNoRules
	}
	if err := r.ensureRules(ctx, tenantID); err != nil {
		return nil, err
	}
	return r.rules.GetLoadedRules(tenantID), nil
}

// ensureRules loads a tenant's rules the first time the tenant is seen.
func (r *Rater) ensureRules(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	loaded := r.rulesLoaded[tenantID]
	r.mu.Unlock()
	if loaded {
		return nil
	}
	_, err := r.ReloadRules(ctx, tenantID)
	return err
}

// SaveRule validates and stores a review rule, then reloads the tenant's rules.
func (r *Rater) SaveRule(ctx context.Context, tenantID string, cfg *domain.RuleConfig) error {
	if r.rules == nil {
		return errNoRules
	}
	if err := r.rules.ValidateRule(cfg); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidInput, err)
	}
	cfg.TenantID = tenantID
	if err := r.repo.SaveRuleConfig(ctx, tenantID, cfg); err != nil {
		return err
	}
	_, err := r.ReloadRules(ctx, tenantID)
	return err
}

// ReferenceChange is the payload published when a tenant's reference data
// changes.
type ReferenceChange struct {
	TenantID  string    `json:"tenantId"`
	ChangedAt time.Time `json:"changedAt"`
}

// ImportReference replaces a tenant's reference data and drops every cached
// snapshot built from the old data. Data that does not build into a snapshot
// for every configured plan is rejected.
func (r *Rater) ImportReference(ctx context.Context, tenantID string, data *domain.ReferenceData) error {
	if data != nil {
		for _, plan := range r.plans {
			if _, err := refdata.Build(plan, data); err != nil {
				return fmt.Errorf("%w: %v", repository.ErrInvalidInput, err)
			}
		}
	}

	if err := r.repo.ImportReference(ctx, tenantID, data); err != nil {
		return err
	}
	r.ReloadReference(ctx, tenantID)

	slog.Info("reference data imported",
		"tenant", tenantID,
		"prefixes", len(data.Prefixes),
		"indicators", len(data.Indicators),
		"series", len(data.Series),
	)
	return nil
}

// ReloadReference drops the tenant's cached snapshots here and, through the
// event bus, in every other process.
func (r *Rater) ReloadReference(ctx context.Context, tenantID string) {
	if r.snapshots != nil {
		r.snapshots.Invalidate(ctx, tenantID)
	}
	if r.bus == nil {
		return
	}

	payload, _ := json.Marshal(ReferenceChange{TenantID: tenantID, ChangedAt: time.Now().UTC()})
	if err := r.bus.Publish(ctx, tenantID, domain.TopicReferenceChanged, payload); err != nil {
		slog.Error("failed to publish reference change",
			"tenant", tenantID,
			"error", err,
		)
	}
}
