package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
)

const sample = `
tier = "community"

server {
  port = 9090
}

database {
  driver = "sqlite"
  path   = "/var/lib/callrate/callrate.db"
}

rating {
  snapshot_ttl     = "2m"
  max_workers      = 4
  review_threshold = 0.5
  usage_threshold  = 30
  usage_window     = 600
}

logging {
  level = "debug"
}

plan "colombia" {
  country_id           = 1
  min_billable_seconds = 3

  types {
    cellular = 40
  }
}

plan "peru" {
  country_id = 2
  precision  = 2
}
`

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestBuild(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Build(nil, noEnv)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if cfg.Tier != domain.TierCommunity {
			t.Errorf("Expected community tier, got %s", cfg.Tier)
		}
		if cfg.Repository.Driver != "sqlite" {
			t.Errorf("Expected sqlite, got %s", cfg.Repository.Driver)
		}
		if len(cfg.Plans) != 1 || cfg.Plans[0].CountryID != 1 {
			t.Errorf("Expected the default plan, got %+v", cfg.Plans)
		}
	})

	t.Run("File", func(t *testing.T) {
		file, err := Parse("callrate.hcl", []byte(sample))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		cfg, err := Build(file, noEnv)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}

		if cfg.Server.Port != 9090 {
			t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("Expected default host kept, got %s", cfg.Server.Host)
		}
		if cfg.Repository.SQLitePath != "/var/lib/callrate/callrate.db" {
			t.Errorf("Unexpected sqlite path %s", cfg.Repository.SQLitePath)
		}
		if cfg.Rating.SnapshotTTL != 2*time.Minute {
			t.Errorf("Expected 2m snapshot TTL, got %v", cfg.Rating.SnapshotTTL)
		}
		if cfg.Rating.MaxWorkers != 4 || cfg.Rating.ReviewThreshold != 0.5 {
			t.Errorf("Unexpected rating config %+v", cfg.Rating)
		}
		if cfg.Rating.Usage.Threshold != 30 || cfg.Rating.Usage.WindowSecs != 600 {
			t.Errorf("Unexpected usage rule %+v", cfg.Rating.Usage)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
		}

		if len(cfg.Plans) != 2 {
			t.Fatalf("Expected 2 plans, got %d", len(cfg.Plans))
		}
		co, ok := cfg.PlanFor(1)
		if !ok {
			t.Fatal("Expected plan for country 1")
		}
		if co.Name != "colombia" || co.MinBillableSeconds != 3 {
			t.Errorf("Unexpected plan %+v", co)
		}
		if co.Types.Cellular != 40 {
			t.Errorf("Expected cellular type 40, got %d", co.Types.Cellular)
		}
		if co.Types.National != 3 {
			t.Errorf("Expected default national type, got %d", co.Types.National)
		}
		if co.Precision != 4 {
			t.Errorf("Expected default precision, got %d", co.Precision)
		}
		pe, _ := cfg.PlanFor(2)
		if pe.Precision != 2 {
			t.Errorf("Expected precision 2, got %d", pe.Precision)
		}
	})

	t.Run("ZeroPrecisionKept", func(t *testing.T) {
		src := `
plan "chile" {
  country_id = 3
  precision  = 0
}
`
		file, err := Parse("callrate.hcl", []byte(src))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		cfg, err := Build(file, noEnv)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		cl, ok := cfg.PlanFor(3)
		if !ok {
			t.Fatal("Expected plan for country 3")
		}
		if cl.Precision != 0 {
			t.Errorf("Expected precision 0, got %d", cl.Precision)
		}
	})

	t.Run("ProTier", func(t *testing.T) {
		cfg, err := Build(&File{Tier: "pro"}, noEnv)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" || cfg.Cache.Type != "redis" {
			t.Errorf("Expected pro backends, got %s/%s/%s",
				cfg.Repository.Driver, cfg.EventBus.Type, cfg.Cache.Type)
		}
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		file, err := Parse("callrate.hcl", []byte(sample))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		cfg, err := Build(file, envMap(map[string]string{
			"CALLRATE_PORT":      "7000",
			"CALLRATE_NATS_URL":  "nats://bus:4222",
			"CALLRATE_LOG_LEVEL": "warn",
		}))
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if cfg.Server.Port != 7000 {
			t.Errorf("Expected port 7000, got %d", cfg.Server.Port)
		}
		if cfg.EventBus.NATSUrl != "nats://bus:4222" {
			t.Errorf("Unexpected NATS URL %s", cfg.EventBus.NATSUrl)
		}
		if cfg.Logging.Level != "warn" {
			t.Errorf("Expected warn level, got %s", cfg.Logging.Level)
		}
	})

	t.Run("EnvTier", func(t *testing.T) {
		cfg, err := Build(&File{Tier: "community"}, envMap(map[string]string{"CALLRATE_TIER": "pro"}))
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if cfg.Tier != domain.TierPro {
			t.Errorf("Expected pro tier, got %s", cfg.Tier)
		}
	})

	t.Run("Debug", func(t *testing.T) {
		cfg, err := Build(nil, envMap(map[string]string{"CALLRATE_DEBUG": "true"}))
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
		}
	})

	t.Run("BadEnvInt", func(t *testing.T) {
		_, err := Build(nil, envMap(map[string]string{"CALLRATE_PORT": "http"}))
		if err == nil || !strings.Contains(err.Error(), "CALLRATE_PORT") {
			t.Errorf("Expected CALLRATE_PORT error, got %v", err)
		}
	})

	t.Run("UnknownTier", func(t *testing.T) {
		if _, err := Build(&File{Tier: "enterprise"}, noEnv); err == nil {
			t.Error("Expected error for unknown tier")
		}
	})

	t.Run("BadDuration", func(t *testing.T) {
		ttl := "soon"
		_, err := Build(&File{Rating: &RatingBlock{SnapshotTTL: &ttl}}, noEnv)
		if err == nil || !strings.Contains(err.Error(), "rating.snapshot_ttl") {
			t.Errorf("Expected snapshot_ttl error, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*domain.Config)
	}{
		{"Port", func(c *domain.Config) { c.Server.Port = 0 }},
		{"Driver", func(c *domain.Config) { c.Repository.Driver = "oracle" }},
		{"LogLevel", func(c *domain.Config) { c.Logging.Level = "trace" }},
		{"ReviewThreshold", func(c *domain.Config) { c.Rating.ReviewThreshold = 1.5 }},
		{"UsageWindow", func(c *domain.Config) {
			c.Rating.Usage = domain.UsageRule{Threshold: 5, WindowSecs: 0}
		}},
		{"NoPlans", func(c *domain.Config) { c.Plans = nil }},
		{"DuplicateCountry", func(c *domain.Config) {
			c.Plans = []domain.Plan{domain.DefaultPlan(1), domain.DefaultPlan(1)}
		}},
		{"CountryID", func(c *domain.Config) { c.Plans = []domain.Plan{domain.DefaultPlan(0)} }},
		{"Precision", func(c *domain.Config) {
			p := domain.DefaultPlan(1)
			p.Precision = 12
			c.Plans = []domain.Plan{p}
		}},
	}

	if err := Validate(domain.DefaultConfig()); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.modify(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("FromFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "callrate.hcl")
		if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("CALLRATE_MAX_WORKERS", "8")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Rating.MaxWorkers != 8 {
			t.Errorf("Expected env max workers 8, got %d", cfg.Rating.MaxWorkers)
		}
	})

	t.Run("NoFile", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg == nil {
			t.Fatal("Expected config")
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.hcl")); err == nil {
			t.Error("Expected error for missing file")
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.hcl")
		if err := os.WriteFile(path, []byte("server {\n  port = \n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("Expected parse error")
		}
	})
}
