// Package usage counts calls per trunk for the trunk_calls review variable.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
)

// LedgerCounter counts a trunk's rated calls since a point in time.
type LedgerCounter interface {
	CountRatedCallsByTrunk(ctx context.Context, tenantID string, trunk string, since time.Time) (int64, error)
}

// Service counts the calls placed on a trunk within a window.
type Service struct {
	ledger LedgerCounter
	cache  domain.Cache
	now    func() time.Time
}

// NewService creates a new usage service. Either source may be nil.
func NewService(ledger LedgerCounter, cache domain.Cache) *Service {
	return &Service{
		ledger: ledger,
		cache:  cache,
		now:    time.Now,
	}
}

// TrunkCalls records one call on trunk and returns the number of calls in
// the current window, including it. The shared cache counter is used when
// available; otherwise the ledger is counted, which does not yet hold the
// call being rated.
// This is the UsageGetter function signature expected by the rule engine.
func (s *Service) TrunkCalls(ctx context.Context, tenantID, trunk string, windowSecs int) (int64, error) {
	if tenantID == "" || trunk == "" {
		return 0, fmt.Errorf("tenantID and trunk are required")
	}
	if windowSecs <= 0 {
		return 0, fmt.Errorf("window must be positive, got %d", windowSecs)
	}
	window := time.Duration(windowSecs) * time.Second

	if s.cache != nil {
		n, err := s.cache.IncrementCounter(ctx, tenantID, counterKey(trunk, windowSecs), window)
		if err == nil {
			return n, nil
		}
		slog.Warn("usage counter unavailable, counting ledger", "tenant", tenantID, "trunk", trunk, "error", err)
	}

	if s.ledger != nil {
		n, err := s.ledger.CountRatedCallsByTrunk(ctx, tenantID, trunk, s.now().Add(-window))
		if err != nil {
			return 0, fmt.Errorf("failed to count trunk calls: %w", err)
		}
		return n + 1, nil
	}

	return 0, fmt.Errorf("no data source available")
}

func counterKey(trunk string, windowSecs int) string {
	return "trunk:" + trunk + ":" + strconv.Itoa(windowSecs)
}
