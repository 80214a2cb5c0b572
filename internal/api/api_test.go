package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/callrate/internal/bus"
	"github.com/opensource-finance/callrate/internal/cache"
	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/ledger"
	"github.com/opensource-finance/callrate/internal/rating"
	"github.com/opensource-finance/callrate/internal/refdata/refdatatest"
	"github.com/opensource-finance/callrate/internal/repository"
	"github.com/opensource-finance/callrate/internal/rules"
	"github.com/opensource-finance/callrate/internal/service"
)

// createTestServer creates a server rating against the fixture reference data
// and recording into a temporary SQLite ledger.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	rulesEngine, err := rules.NewEngine(nil, 5)
	if err != nil {
		t.Fatalf("failed to create rules engine: %v", err)
	}

	rater := service.NewRater(service.Deps{
		Engine:    rating.NewEngine(refdatatest.NewSource(), 4),
		Rules:     rulesEngine,
		Processor: ledger.NewProcessor(0.7),
		Repo:      repo,
		Plans:     []domain.Plan{refdatatest.Plan()},
	}, domain.RatingConfig{MaxWorkers: 4})

	eventBus := bus.NewChannelBus(16)
	t.Cleanup(func() { eventBus.Close() })

	return NewServer(cfg, Deps{Rater: rater, Repo: repo, Cache: cache.NewLRUCache(10), Bus: eventBus}, "test-v1")
}

func do(t *testing.T, server *Server, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error body %q: %v", rr.Body.String(), err)
	}
	if resp["error"] == "" {
		t.Errorf("expected error message in %s", rr.Body.String())
	}
	return resp["code"]
}

func cellularRequest(id string) domain.CallRequest {
	return domain.CallRequest{
		ID:                id,
		Dialed:            "0312345678",
		CountryID:         refdatatest.CountryID,
		OriginIndicatorID: refdatatest.IndicatorBogota,
		StartedAt:         refdatatest.Monday,
		DurationSec:       90,
	}
}

func TestRateEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulRating", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rate", "tenant-001", cellularRequest("call-001"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp RateResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.RatedCallID == "" || resp.CallID != "call-001" {
			t.Errorf("unexpected IDs %q/%q", resp.RatedCallID, resp.CallID)
		}
		if resp.Status != domain.StatusRated {
			t.Errorf("expected RATED, got %s", resp.Status)
		}
		if resp.Rating.Outcome != domain.OutcomeDefinitive || resp.Rating.PrefixCode != "03" {
			t.Errorf("unexpected rating %+v", resp.Rating)
		}
		if got := resp.Rating.Billed.StringFixed(4); got != "476.0000" {
			t.Errorf("expected billed 476.0000, got %s", got)
		}
		if resp.Metadata.Version != "test-v1" || resp.Metadata.TraceID == "" {
			t.Errorf("unexpected metadata %+v", resp.Metadata)
		}
	})

	t.Run("UnratableNumber", func(t *testing.T) {
		req := cellularRequest("call-bad")
		req.Dialed = "abc"

		rr := do(t, server, http.MethodPost, "/rate", "tenant-001", req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp RateResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Status != domain.StatusUnrated || resp.Rating.Reason != domain.ReasonInvalidNumber {
			t.Errorf("expected UNRATED invalid_number, got %s %q", resp.Status, resp.Rating.Reason)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rate", "", cellularRequest(""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "missing_tenant" {
			t.Errorf("expected missing_tenant, got %s", code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rate", "tenant-001", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "invalid_json" {
			t.Errorf("expected invalid_json, got %s", code)
		}
	})

	t.Run("MissingCountry", func(t *testing.T) {
		req := cellularRequest("")
		req.CountryID = 0

		rr := do(t, server, http.MethodPost, "/rate", "tenant-001", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NegativeDuration", func(t *testing.T) {
		req := cellularRequest("")
		req.DurationSec = -1

		rr := do(t, server, http.MethodPost, "/rate", "tenant-001", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownCountry", func(t *testing.T) {
		req := cellularRequest("")
		req.CountryID = 99

		rr := do(t, server, http.MethodPost, "/rate", "tenant-001", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "unknown_country" {
			t.Errorf("expected unknown_country, got %s", code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rate", "tenant-001", cellularRequest(""))

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestRateBatchEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("MixedBatch", func(t *testing.T) {
		invalid := cellularRequest("b-2")
		invalid.CountryID = 0

		body := BatchRequest{Calls: []domain.CallRequest{
			cellularRequest("b-1"),
			invalid,
			cellularRequest("b-3"),
		}}

		rr := do(t, server, http.MethodPost, "/rate/batch", "tenant-001", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Results []struct {
				CallID string `json:"callId"`
				Status string `json:"status"`
				Code   string `json:"code"`
			} `json:"results"`
			Count  int `json:"count"`
			Failed int `json:"failed"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.Count != 3 || resp.Failed != 1 || len(resp.Results) != 3 {
			t.Fatalf("unexpected counts %+v", resp)
		}
		if resp.Results[0].CallID != "b-1" || resp.Results[2].CallID != "b-3" {
			t.Errorf("results out of order: %+v", resp.Results)
		}
		if resp.Results[1].Code != "invalid_input" {
			t.Errorf("expected invalid_input for second call, got %q", resp.Results[1].Code)
		}
		if resp.Results[0].Status != domain.StatusRated {
			t.Errorf("expected RATED, got %s", resp.Results[0].Status)
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rate/batch", "tenant-001", BatchRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("OversizedBatch", func(t *testing.T) {
		calls := make([]domain.CallRequest, MaxBatchSize+1)
		rr := do(t, server, http.MethodPost, "/rate/batch", "tenant-001", BatchRequest{Calls: calls})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRatingsEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := do(t, server, http.MethodPost, "/rate", "tenant-001", cellularRequest("call-001"))
	var rated RateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &rated); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	t.Run("Found", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/ratings/"+rated.RatedCallID, "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var rc domain.RatedCall
		if err := json.Unmarshal(rr.Body.Bytes(), &rc); err != nil {
			t.Fatalf("failed to parse rated call: %v", err)
		}
		if rc.ID != rated.RatedCallID || rc.Call.ID != "call-001" {
			t.Errorf("unexpected entry %s for call %s", rc.ID, rc.Call.ID)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/ratings/missing", "tenant-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "not_found" {
			t.Errorf("expected not_found, got %s", code)
		}
	})

	t.Run("OtherTenant", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/ratings/"+rated.RatedCallID, "tenant-002", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRulesEndpoints(t *testing.T) {
	server := createTestServer(t)
	one := 1.0

	rule := CreateRuleRequest{
		ID:         "long-call",
		Name:       "Long call",
		Expression: "duration > 3600",
		Bands: []domain.RuleBand{
			{UpperLimit: &one, SubRuleRef: domain.RuleOutcomePass, Reason: "ok"},
			{LowerLimit: &one, SubRuleRef: domain.RuleOutcomeReview, Reason: "call longer than an hour"},
		},
		Weight:  1.0,
		Enabled: true,
	}

	t.Run("CreateRule", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", "tenant-001", rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ListRules", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/rules", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Rules []domain.RuleConfig `json:"rules"`
			Count int                 `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 || resp.Rules[0].ID != "long-call" {
			t.Errorf("expected the created rule, got %+v", resp)
		}
	})

	t.Run("RulesAreTenantScoped", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/rules", "tenant-002", nil)

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 0 {
			t.Errorf("expected no rules for tenant-002, got %d", resp.Count)
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/rules/long-call", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/rules/missing", "tenant-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("RuleFlagsLongCall", func(t *testing.T) {
		req := cellularRequest("")
		req.DurationSec = 7200

		rr := do(t, server, http.MethodPost, "/rate", "tenant-001", req)
		var resp RateResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Status != domain.StatusReview {
			t.Errorf("expected REVIEW, got %s", resp.Status)
		}
		if len(resp.Reasons) != 1 || resp.Reasons[0] != "call longer than an hour" {
			t.Errorf("unexpected reasons %v", resp.Reasons)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		bad := rule
		bad.ID = "broken"
		bad.Expression = "duration >"

		rr := do(t, server, http.MethodPost, "/rules", "tenant-001", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", "tenant-001", CreateRuleRequest{ID: "x"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ReloadRules", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules/reload", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 rule reloaded, got %d", resp.Count)
		}
	})
}

func TestReferenceEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Import", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/reference", "tenant-001", refdatatest.Data())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["prefixes"].(float64) != float64(len(refdatatest.Data().Prefixes)) {
			t.Errorf("unexpected prefix count %v", resp["prefixes"])
		}
	})

	t.Run("ImportMalformed", func(t *testing.T) {
		data := refdatatest.Data()
		data.SpecialRates[0].Hours = "25"

		rr := do(t, server, http.MethodPost, "/reference", "tenant-001", data)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "invalid_input" {
			t.Errorf("expected invalid_input, got %s", code)
		}
	})

	t.Run("ImportInvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/reference", "tenant-001", "{")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/reference/reload", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp HealthResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.Status != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp.Status)
		}
		if resp.Version != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp.Version)
		}
		if resp.Checks["repository"] != "ok" || resp.Checks["cache"] != "ok" {
			t.Errorf("expected repository and cache checks ok, got %v", resp.Checks)
		}
		if resp.Cache == nil || resp.Cache.Capacity != 10 {
			t.Errorf("expected cache stats, got %+v", resp.Cache)
		}
		if resp.Checks["bus"] != "ok" {
			t.Errorf("expected bus check ok, got %q", resp.Checks["bus"])
		}
		if resp.Bus == nil || resp.Bus.Dropped != 0 {
			t.Errorf("expected bus stats, got %+v", resp.Bus)
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantIDHeader, "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsIDs", func(t *testing.T) {
		var capturedRequestID, capturedTraceID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedRequestID = GetRequestID(r.Context())
			capturedTraceID = GetTraceID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID != "req-42" {
			t.Errorf("expected request ID req-42, got %q", capturedRequestID)
		}
		if capturedTraceID == "" {
			t.Error("expected trace ID to be set")
		}
		if rr.Header().Get(RequestIDHeader) != "req-42" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("TenantMiddlewareRejectsMalformedID", func(t *testing.T) {
		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("malformed tenant must not reach the handler")
		}))

		for _, id := range []string{"a.b", "tenant*", "with space", strings.Repeat("x", 65)} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(TenantIDHeader, id)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("tenant %q: expected status 400, got %d", id, rr.Code)
			}
		}
	})

	t.Run("TracingMiddlewareContinuesTraceparent", func(t *testing.T) {
		var traceID string
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID = GetTraceID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if traceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
			t.Errorf("expected caller trace ID, got %q", traceID)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight must not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/rate", nil)
		req.Header.Set("Origin", "https://billing.example.com")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://billing.example.com" {
			t.Errorf("unexpected allowed origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
