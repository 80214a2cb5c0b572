package refdata

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/callrate/internal/cache"
	"github.com/opensource-finance/callrate/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Loader reads a tenant's reference data for one origin country.
type Loader interface {
	LoadReference(ctx context.Context, tenantID string, countryID int64) (*domain.ReferenceData, error)
}

// Provider hands out snapshots through two cache levels: built snapshots held
// in process, then the raw reference data in a shared domain.Cache, then the
// Loader. Concurrent misses for one tenant and country share a single load.
type Provider struct {
	loader Loader
	cache  domain.Cache
	plans  map[int64]domain.Plan
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	gens    map[string]uint64 // tenant -> invalidation count
	group   singleflight.Group
}

type entry struct {
	snap     *Snapshot
	loadedAt time.Time
}

// NewProvider creates a snapshot provider. cache may be nil. A zero ttl keeps
// snapshots until Invalidate is called.
func NewProvider(loader Loader, c domain.Cache, plans []domain.Plan, ttl time.Duration) *Provider {
	byCountry := make(map[int64]domain.Plan, len(plans))
	for _, p := range plans {
		byCountry[p.CountryID] = p
	}

	return &Provider{
		loader:  loader,
		cache:   c,
		plans:   byCountry,
		ttl:     ttl,
		entries: make(map[string]*entry),
		gens:    make(map[string]uint64),
	}
}

// Plan returns the numbering plan configured for a country.
func (p *Provider) Plan(countryID int64) (domain.Plan, bool) {
	plan, ok := p.plans[countryID]
	return plan, ok
}

// Snapshot returns the reference snapshot of a tenant's origin country.
func (p *Provider) Snapshot(ctx context.Context, tenantID string, countryID int64) (*Snapshot, error) {
	plan, ok := p.plans[countryID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCountry, countryID)
	}

	key := snapshotKey(tenantID, countryID)
	if snap := p.lookup(key); snap != nil {
		return snap, nil
	}

	// Waiters share the load, so it does not end with the caller that
	// started it.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if snap := p.lookup(key); snap != nil {
			return snap, nil
		}
		gen := p.generation(tenantID)

		data, err := p.fetch(loadCtx, tenantID, countryID, gen)
		if err != nil {
			return nil, err
		}

		snap, err := Build(plan, data)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		stale := p.gens[tenantID] != gen
		if !stale {
			p.entries[key] = &entry{snap: snap, loadedAt: time.Now()}
		}
		p.mu.Unlock()
		if stale {
			// Invalidated while loading: hand the result to this round of
			// callers but keep it out of the cache.
			return snap, nil
		}

		slog.Info("reference snapshot loaded",
			"tenant", tenantID,
			"country", countryID,
			"prefixes", snap.PrefixCount(),
		)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate drops every cached snapshot of a tenant, in process and in the
// shared cache. Loads running while it runs are not cached.
func (p *Provider) Invalidate(ctx context.Context, tenantID string) {
	// The generation moves on both sides of the shared cache delete: loads
	// begun before it must not write back, and loads begun during it may
	// have read the old data.
	p.bump(tenantID)
	if p.cache != nil {
		for countryID := range p.plans {
			if err := p.cache.Delete(ctx, tenantID, cacheKey(countryID)); err != nil {
				slog.Warn("failed to drop cached reference data",
					"tenant", tenantID,
					"country", countryID,
					"error", err,
				)
			}
		}
	}
	p.bump(tenantID)

	for countryID := range p.plans {
		p.group.Forget(snapshotKey(tenantID, countryID))
	}
}

// bump advances the tenant's generation and drops its built snapshots.
func (p *Provider) bump(tenantID string) {
	prefix := tenantID + "/"

	p.mu.Lock()
	defer p.mu.Unlock()
	p.gens[tenantID]++
	for key := range p.entries {
		if strings.HasPrefix(key, prefix) {
			delete(p.entries, key)
		}
	}
}

func (p *Provider) lookup(key string) *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	if p.ttl > 0 && time.Since(e.loadedAt) > p.ttl {
		return nil
	}
	return e.snap
}

func (p *Provider) generation(tenantID string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gens[tenantID]
}

// fetch reads the raw reference data through the shared cache. Data loaded
// under an outdated generation is not written back.
func (p *Provider) fetch(ctx context.Context, tenantID string, countryID int64, gen uint64) (*domain.ReferenceData, error) {
	if p.cache != nil {
		data, err := cache.GetJSON[domain.ReferenceData](ctx, p.cache, tenantID, cacheKey(countryID))
		if err != nil {
			slog.Warn("reference cache read failed", "tenant", tenantID, "error", err)
		}
		if data != nil {
			return data, nil
		}
	}

	data, err := p.loader.LoadReference(ctx, tenantID, countryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference data: %w", err)
	}

	if p.cache != nil && p.generation(tenantID) == gen {
		if err := cache.SetJSON(ctx, p.cache, tenantID, cacheKey(countryID), data, p.ttl); err != nil {
			slog.Warn("reference cache write failed", "tenant", tenantID, "error", err)
		}
	}
	return data, nil
}

func snapshotKey(tenantID string, countryID int64) string {
	return tenantID + "/" + strconv.FormatInt(countryID, 10)
}

func cacheKey(countryID int64) string {
	return "refdata:" + strconv.FormatInt(countryID, 10)
}
