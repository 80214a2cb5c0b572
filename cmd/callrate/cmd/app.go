package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/callrate/internal/bus"
	"github.com/opensource-finance/callrate/internal/cache"
	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/ledger"
	"github.com/opensource-finance/callrate/internal/rating"
	"github.com/opensource-finance/callrate/internal/refdata"
	"github.com/opensource-finance/callrate/internal/repository"
	"github.com/opensource-finance/callrate/internal/rules"
	"github.com/opensource-finance/callrate/internal/service"
	"github.com/opensource-finance/callrate/internal/usage"
)

// app holds the components shared by the commands that rate calls.
type app struct {
	repo      *repository.SQLRepository
	cache     domain.Cache
	bus       domain.EventBus
	rules     *rules.Engine
	snapshots *refdata.Provider
	rater     *service.Rater

	closers []func() error
}

// newApp initializes the components in dependency order. The event bus is
// only connected when withBus is set.
func newApp(ctx context.Context, cfg *domain.Config, withBus bool) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error

	a.repo, err = repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.closers = append(a.closers, a.repo.Close)
	if err = a.repo.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	a.cache, err = cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.closers = append(a.closers, a.cache.Close)
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	if withBus {
		a.bus, err = bus.New(cfg.EventBus)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize event bus: %w", err)
		}
		a.closers = append(a.closers, a.bus.Close)
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	counters := usage.NewService(a.repo, a.cache)
	a.rules, err = rules.NewEngine(counters.TrunkCalls, cfg.Rating.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	a.closers = append(a.closers, a.rules.Close)

	a.snapshots = refdata.NewProvider(a.repo, a.cache, cfg.Plans, cfg.Rating.SnapshotTTL)
	engine := rating.NewEngine(a.snapshots, cfg.Rating.MaxWorkers)

	processor := ledger.NewProcessor(cfg.Rating.ReviewThreshold)
	slog.Info("ledger processor initialized", "threshold", processor.ReviewThreshold)

	a.rater = service.NewRater(service.Deps{
		Engine:    engine,
		Rules:     a.rules,
		Processor: processor,
		Repo:      a.repo,
		Snapshots: a.snapshots,
		Bus:       a.bus,
		Plans:     cfg.Plans,
	}, cfg.Rating)

	ok = true
	return a, nil
}

// Close releases components in reverse initialization order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("failed to close component", "error", err)
		}
	}
	a.closers = nil
}
