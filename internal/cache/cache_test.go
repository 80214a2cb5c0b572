package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
)

func TestLRUCache(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, tenantID, "refdata:1", []byte(`{"prefixes":[]}`), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := c.Get(ctx, tenantID, "refdata:1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != `{"prefixes":[]}` {
			t.Errorf("unexpected value %q", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := c.Get(ctx, tenantID, "refdata:404")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, tenantID, "refdata:2", []byte("old"), time.Minute)
		_ = c.Set(ctx, tenantID, "refdata:2", []byte("new"), time.Minute)

		val, _ := c.Get(ctx, tenantID, "refdata:2")
		if string(val) != "new" {
			t.Errorf("expected 'new', got %q", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, tenantID, "refdata:3", []byte("v"), time.Minute)

		if err := c.Delete(ctx, tenantID, "refdata:3"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "refdata:3"); val != nil {
			t.Error("expected nil after delete")
		}
		if err := c.Delete(ctx, tenantID, "refdata:3"); err != nil {
			t.Errorf("deleting a missing key failed: %v", err)
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = c.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Millisecond)

		if val, _ := c.Get(ctx, tenantID, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		if val, _ := c.Get(ctx, tenantID, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("ZeroTTLNeverExpires", func(t *testing.T) {
		_ = c.Set(ctx, tenantID, "pinned", []byte("keep"), 0)
		time.Sleep(5 * time.Millisecond)

		if val, _ := c.Get(ctx, tenantID, "pinned"); string(val) != "keep" {
			t.Errorf("expected 'keep', got %q", val)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// 'a' becomes most recently used, leaving 'b' oldest
		_, _ = small.Get(ctx, tenantID, "a")
		_ = small.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
		if s := small.Stats(); s.Evictions != 1 || s.Size != 3 {
			t.Errorf("expected 1 eviction and size 3, got %+v", s)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_ = c.Set(ctx, "tenant-001", "refdata:1", []byte("tenant1-value"), time.Minute)
		_ = c.Set(ctx, "tenant-002", "refdata:1", []byte("tenant2-value"), time.Minute)

		val1, _ := c.Get(ctx, "tenant-001", "refdata:1")
		val2, _ := c.Get(ctx, "tenant-002", "refdata:1")

		if string(val1) != "tenant1-value" || string(val2) != "tenant2-value" {
			t.Errorf("tenants share a value: %q / %q", val1, val2)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := c.Set(ctx, "", "key", []byte("value"), time.Minute); err == nil {
			t.Error("expected error for empty tenantID on Set")
		}
		if _, err := c.Get(ctx, "", "key"); err == nil {
			t.Error("expected error for empty tenantID on Get")
		}
		if _, err := c.IncrementCounter(ctx, "", "trunk:TRK-1", time.Minute); err == nil {
			t.Error("expected error for empty tenantID on IncrementCounter")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		span := 100 * time.Millisecond

		count1, err := c.IncrementCounter(ctx, tenantID, "trunk:TRK-1", span)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		if count2, _ := c.IncrementCounter(ctx, tenantID, "trunk:TRK-1", span); count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}
		if other, _ := c.IncrementCounter(ctx, tenantID, "trunk:TRK-2", span); other != 1 {
			t.Errorf("expected separate trunk to start at 1, got %d", other)
		}

		time.Sleep(150 * time.Millisecond)

		if count3, _ := c.IncrementCounter(ctx, tenantID, "trunk:TRK-1", span); count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("CounterSweep", func(t *testing.T) {
		small := NewLRUCache(2)

		_, _ = small.IncrementCounter(ctx, tenantID, "trunk:A", time.Millisecond)
		_, _ = small.IncrementCounter(ctx, tenantID, "trunk:B", time.Millisecond)
		time.Sleep(5 * time.Millisecond)

		_, _ = small.IncrementCounter(ctx, tenantID, "trunk:C", time.Minute)
		if n := small.Stats().Counters; n != 1 {
			t.Errorf("expected closed windows swept, %d counters left", n)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		sc := NewLRUCache(50)
		_ = sc.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = sc.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)
		_, _ = sc.Get(ctx, tenantID, "k1")
		_, _ = sc.Get(ctx, tenantID, "k3")

		s := sc.Stats()
		if s.Size != 2 || s.Capacity != 50 {
			t.Errorf("expected size 2 capacity 50, got %+v", s)
		}
		if s.Hits != 1 || s.Misses != 1 {
			t.Errorf("expected 1 hit and 1 miss, got %+v", s)
		}

		var _ StatsReporter = sc
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		plan := domain.DefaultPlan(57)
		if err := SetJSON(ctx, c, tenantID, "plan:57", plan, time.Minute); err != nil {
			t.Fatalf("SetJSON failed: %v", err)
		}

		got, err := GetJSON[domain.Plan](ctx, c, tenantID, "plan:57")
		if err != nil {
			t.Fatalf("GetJSON failed: %v", err)
		}
		if got == nil || got.CountryID != 57 || got.Types.Cellular != plan.Types.Cellular {
			t.Errorf("unexpected plan from cache: %+v", got)
		}

		missing, err := GetJSON[domain.Plan](ctx, c, tenantID, "plan:58")
		if err != nil || missing != nil {
			t.Errorf("expected nil, nil on miss, got %v, %v", missing, err)
		}
	})

	t.Run("JSONHelpersCorrupt", func(t *testing.T) {
		_ = c.Set(ctx, tenantID, "plan:bad", []byte("{"), time.Minute)
		if _, err := GetJSON[domain.Plan](ctx, c, tenantID, "plan:bad"); err == nil {
			t.Error("expected decode error")
		}
		if val, _ := c.Get(ctx, tenantID, "plan:bad"); val != nil {
			t.Error("expected undecodable entry to be dropped")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := c.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		tc := NewLRUCache(10)
		_ = tc.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		if err := tc.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := tc.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestKeys(t *testing.T) {
	if got := tenantKey("acme", "refdata:1"); got != "{acme}:refdata:1" {
		t.Errorf("unexpected key %q", got)
	}
	if got := counterKey("acme", "trunk:T1:3600"); got != "{acme}:usage:trunk:T1:3600" {
		t.Errorf("unexpected counter key %q", got)
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		if _, ok := c.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
