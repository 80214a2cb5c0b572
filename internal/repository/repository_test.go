package repository

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/rating"
	"github.com/opensource-finance/callrate/internal/refdata"
	"github.com/opensource-finance/callrate/internal/refdata/refdatatest"
	"github.com/shopspring/decimal"
)

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "callrate-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		if err := repo.Migrate(ctx); err != nil {
			t.Errorf("second Migrate failed: %v", err)
		}
	})

	t.Run("ImportAndLoadReference", func(t *testing.T) {
		if err := repo.ImportReference(ctx, tenantID, refdatatest.Data()); err != nil {
			t.Fatalf("ImportReference failed: %v", err)
		}

		data, err := repo.LoadReference(ctx, tenantID, refdatatest.CountryID)
		if err != nil {
			t.Fatalf("LoadReference failed: %v", err)
		}

		if len(data.TelephonyTypes) != 9 {
			t.Errorf("expected 9 telephony types, got %d", len(data.TelephonyTypes))
		}
		if len(data.Operators) != 4 {
			t.Errorf("expected 4 operators of country 1, got %d", len(data.Operators))
		}
		if len(data.Indicators) != 6 {
			t.Errorf("expected 6 indicators incl. world-scoped, got %d", len(data.Indicators))
		}
		if len(data.Prefixes) != 8 || len(data.Series) != 7 || len(data.Bands) != 3 {
			t.Errorf("unexpected prefixes/series/bands: %d/%d/%d", len(data.Prefixes), len(data.Series), len(data.Bands))
		}
		if len(data.Trunks) != 1 || len(data.Trunks[0].Carries) != 2 {
			t.Fatalf("expected one trunk with two carried pairs, got %+v", data.Trunks)
		}
		if data.Trunks[0].Carries[0].OperatorID != refdatatest.OperatorMobile {
			t.Errorf("trunk carry order not preserved: %+v", data.Trunks[0].Carries)
		}
		if len(data.TrunkRules) != 1 || len(data.TrunkRules[0].IndicatorIDs) != 1 {
			t.Errorf("unexpected trunk rules %+v", data.TrunkRules)
		}
		if len(data.SpecialServices) != 1 || data.SpecialServices[0].Number != "123" {
			t.Errorf("unexpected special services %+v", data.SpecialServices)
		}

		if len(data.SpecialRates) != 2 {
			t.Fatalf("expected 2 special rates, got %d", len(data.SpecialRates))
		}
		sunday := data.SpecialRates[1]
		if !sunday.Weekdays[time.Sunday] || sunday.Weekdays[time.Monday] {
			t.Errorf("weekday flags not preserved: %v", sunday.Weekdays)
		}
		if !sunday.VATIncluded || !sunday.Value.Equal(decimal.NewFromInt(119)) {
			t.Errorf("unexpected special rate %+v", sunday)
		}
		if data.SpecialRates[0].Hours != "22-5" {
			t.Errorf("expected hours 22-5, got %q", data.SpecialRates[0].Hours)
		}
	})

	t.Run("LoadedReferenceRates", func(t *testing.T) {
		data, err := repo.LoadReference(ctx, tenantID, refdatatest.CountryID)
		if err != nil {
			t.Fatalf("LoadReference failed: %v", err)
		}
		snap, err := refdata.Build(refdatatest.Plan(), data)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}

		r := rating.RateWith(snap, domain.Call{
			Dialed:            "0312345678",
			CountryID:         refdatatest.CountryID,
			OriginIndicatorID: refdatatest.IndicatorBogota,
			StartedAt:         refdatatest.Monday,
			DurationSec:       90,
		})
		if got := r.Billed.StringFixed(4); got != "476.0000" {
			t.Errorf("expected 476.0000, got %s", got)
		}
	})

	t.Run("ValidityWindowRoundTrip", func(t *testing.T) {
		from := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC)
		data := &domain.ReferenceData{
			SpecialRates: []domain.SpecialRate{{
				ID: 1, Name: "2026 promo", ValidFrom: &from, ValidTo: &to,
				Value: decimal.NewFromInt(10), IsPercentage: true, Active: true,
			}},
		}
		if err := repo.ImportReference(ctx, "tenant-window", data); err != nil {
			t.Fatalf("ImportReference failed: %v", err)
		}

		loaded, err := repo.LoadReference(ctx, "tenant-window", 1)
		if err != nil {
			t.Fatalf("LoadReference failed: %v", err)
		}
		sr := loaded.SpecialRates[0]
		if sr.ValidFrom == nil || !sr.ValidFrom.Equal(from) {
			t.Errorf("expected valid from %v, got %v", from, sr.ValidFrom)
		}
		if sr.ValidTo == nil || !sr.ValidTo.Equal(to) {
			t.Errorf("expected valid to %v, got %v", to, sr.ValidTo)
		}
	})

	t.Run("ImportReplaces", func(t *testing.T) {
		small := &domain.ReferenceData{
			TelephonyTypes: []domain.TelephonyType{{ID: 1, Name: "Local"}},
		}
		if err := repo.ImportReference(ctx, "tenant-replace", refdatatest.Data()); err != nil {
			t.Fatalf("ImportReference failed: %v", err)
		}
		if err := repo.ImportReference(ctx, "tenant-replace", small); err != nil {
			t.Fatalf("second ImportReference failed: %v", err)
		}

		data, err := repo.LoadReference(ctx, "tenant-replace", refdatatest.CountryID)
		if err != nil {
			t.Fatalf("LoadReference failed: %v", err)
		}
		if len(data.TelephonyTypes) != 1 || len(data.Prefixes) != 0 {
			t.Errorf("expected only the new set, got %d types and %d prefixes", len(data.TelephonyTypes), len(data.Prefixes))
		}
	})

	t.Run("ReferenceTenantIsolation", func(t *testing.T) {
		data, err := repo.LoadReference(ctx, "tenant-002", refdatatest.CountryID)
		if err != nil {
			t.Fatalf("LoadReference failed: %v", err)
		}
		if len(data.Prefixes) != 0 || len(data.TelephonyTypes) != 0 {
			t.Errorf("expected no data for another tenant, got %d prefixes", len(data.Prefixes))
		}
	})

	t.Run("SaveAndGetRatedCall", func(t *testing.T) {
		rc := &domain.RatedCall{
			ID:     "rated-001",
			Status: domain.StatusReview,
			Score:  0.8,
			Call: domain.Call{
				ID: "call-001", Dialed: "0312345678", CountryID: 1,
				StartedAt: time.Now().UTC().Truncate(time.Second), DurationSec: 90, Trunk: "TRK-1",
			},
			Rating: domain.Rating{
				Outcome:         domain.OutcomeAssumed,
				TelephonyTypeID: 4,
				TelephonyType:   "Cellular",
				Rate:            decimal.NewFromInt(200),
				InitialRate:     decimal.NewNullDecimal(decimal.NewFromInt(250)),
				Units:           2,
				Billed:          decimal.RequireFromString("476.0000"),
			},
			CreatedAt: time.Now().UTC(),
			ReviewResults: []domain.RuleResult{
				{RuleID: "rule-001", Score: 1, SubRuleRef: domain.RuleOutcomeReview, Reason: "long call"},
			},
			Metadata: domain.RatedCallMetadata{TraceID: "trace-001", RulesEvaluated: 1},
		}

		if err := repo.SaveRatedCall(ctx, tenantID, rc); err != nil {
			t.Fatalf("SaveRatedCall failed: %v", err)
		}

		got, err := repo.GetRatedCall(ctx, tenantID, rc.ID)
		if err != nil {
			t.Fatalf("GetRatedCall failed: %v", err)
		}
		if got.TenantID != tenantID || got.Status != domain.StatusReview {
			t.Errorf("unexpected entry %+v", got)
		}
		if got.Rating.Outcome != domain.OutcomeAssumed {
			t.Errorf("expected assumed, got %s", got.Rating.Outcome)
		}
		if !got.Rating.Billed.Equal(rc.Rating.Billed) || !got.Rating.InitialRate.Valid {
			t.Errorf("amounts not preserved: %+v", got.Rating)
		}
		if got.Call.Dialed != "0312345678" || len(got.ReviewResults) != 1 {
			t.Errorf("unexpected call or results: %+v", got)
		}
		if got.Metadata.TraceID != "trace-001" {
			t.Errorf("expected trace-001, got %s", got.Metadata.TraceID)
		}
	})

	t.Run("CountRatedCallsByTrunk", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Second)
		save := func(id, trunk string, started time.Time) {
			t.Helper()
			rc := &domain.RatedCall{
				ID:        id,
				Status:    domain.StatusRated,
				Call:      domain.Call{ID: id, Dialed: "3456789", Trunk: trunk, StartedAt: started},
				CreatedAt: now,
			}
			if err := repo.SaveRatedCall(ctx, "tenant-usage", rc); err != nil {
				t.Fatalf("SaveRatedCall failed: %v", err)
			}
		}
		save("u-1", "TRK-A", now.Add(-10*time.Minute))
		save("u-2", "TRK-A", now.Add(-20*time.Minute))
		save("u-3", "TRK-A", now.Add(-3*time.Hour))
		save("u-4", "TRK-B", now.Add(-5*time.Minute))

		n, err := repo.CountRatedCallsByTrunk(ctx, "tenant-usage", "TRK-A", now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("CountRatedCallsByTrunk failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 recent calls on TRK-A, got %d", n)
		}
	})

	t.Run("RuleConfigs", func(t *testing.T) {
		rule := &domain.RuleConfig{
			ID:         "long-call",
			Name:       "Long call",
			Version:    "1.0.0",
			Expression: "duration > 3600 ? 1.0 : 0.0",
			Bands:      []domain.RuleBand{{SubRuleRef: domain.RuleOutcomeReview, Reason: "long call"}},
			Weight:     1,
			Enabled:    true,
		}
		if err := repo.SaveRuleConfig(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		rule.Name = "Very long call"
		if err := repo.SaveRuleConfig(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveRuleConfig upsert failed: %v", err)
		}

		got, err := repo.GetRuleConfig(ctx, tenantID, "long-call")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Name != "Very long call" || len(got.Bands) != 1 {
			t.Errorf("unexpected rule %+v", got)
		}

		disabled := &domain.RuleConfig{ID: "off", Name: "Off", Version: "1.0.0", Expression: "0.0", Enabled: false}
		if err := repo.SaveRuleConfig(ctx, tenantID, disabled); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		list, err := repo.ListRuleConfigs(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(list) != 1 || list[0].ID != "long-call" {
			t.Errorf("expected only the enabled rule, got %d", len(list))
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		if _, err := repo.GetRatedCall(ctx, "tenant-002", "rated-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
		if _, err := repo.GetRuleConfig(ctx, "tenant-002", "long-call"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveRatedCall(ctx, "", &domain.RatedCall{ID: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.LoadReference(ctx, "", 1); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.ImportReference(ctx, "", &domain.ReferenceData{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.ListRuleConfigs(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetRatedCall(ctx, tenantID, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetRuleConfig(ctx, tenantID, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "oracle",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestDSN(t *testing.T) {
	t.Run("SQLite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "rates.db")
		dsn, err := sqliteDSN(domain.RepositoryConfig{SQLitePath: path})
		if err != nil {
			t.Fatalf("sqliteDSN failed: %v", err)
		}
		if !strings.HasPrefix(dsn, "file:"+path+"?") {
			t.Errorf("unexpected dsn %s", dsn)
		}
		if !strings.Contains(dsn, "_pragma=journal_mode%28WAL%29") {
			t.Errorf("expected WAL pragma in %s", dsn)
		}
	})

	t.Run("PostgresDefaults", func(t *testing.T) {
		got := postgresDSN(domain.RepositoryConfig{})
		want := "postgres://localhost:5432/callrate?connect_timeout=10&sslmode=disable"
		if got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})

	t.Run("PostgresEscapesPassword", func(t *testing.T) {
		got := postgresDSN(domain.RepositoryConfig{
			PostgresHost:     "db",
			PostgresUser:     "rater",
			PostgresPassword: "p@ss/word",
			PostgresSSLMode:  "require",
		})
		if !strings.HasPrefix(got, "postgres://rater:p%40ss%2Fword@db:5432/callrate?") {
			t.Errorf("unexpected dsn %s", got)
		}
		if !strings.Contains(got, "sslmode=require") {
			t.Errorf("expected sslmode=require in %s", got)
		}
	})

	t.Run("MySQL", func(t *testing.T) {
		got := mysqlDSN(domain.RepositoryConfig{MySQLUser: "rater", MySQLPassword: "secret"})
		if !strings.HasPrefix(got, "rater:secret@tcp(localhost:3306)/callrate?") {
			t.Errorf("unexpected dsn %s", got)
		}
		if !strings.Contains(got, "parseTime=true") {
			t.Errorf("expected parseTime in %s", got)
		}
	})
}

func TestRebind(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := dialectPostgres.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
		if got := dialectMySQL.rebind(tt.input); got != tt.input {
			t.Errorf("mysql rebind changed %q", tt.input)
		}
	}
}

func TestUpsert(t *testing.T) {
	insert := "INSERT INTO t (id, v) VALUES (?, ?)"

	t.Run("SQLite", func(t *testing.T) {
		got := dialectSQLite.upsert(insert, []string{"id"}, []string{"v"})
		if !strings.HasSuffix(got, "ON CONFLICT(id) DO UPDATE SET v = excluded.v") {
			t.Errorf("unexpected upsert %q", got)
		}
	})

	t.Run("MySQL", func(t *testing.T) {
		got := dialectMySQL.upsert(insert, []string{"id"}, []string{"v"})
		if !strings.HasSuffix(got, "ON DUPLICATE KEY UPDATE v = VALUES(v)") {
			t.Errorf("unexpected upsert %q", got)
		}
	})
}

func TestWeekdaysEncoding(t *testing.T) {
	days := [7]bool{time.Sunday: true, time.Saturday: true}
	s := formatWeekdays(days)
	if s != "1000001" {
		t.Errorf("expected 1000001, got %s", s)
	}
	if parseWeekdays(s) != days {
		t.Errorf("round trip changed flags: %v", parseWeekdays(s))
	}
}
