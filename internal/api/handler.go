package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/callrate/internal/bus"
	"github.com/opensource-finance/callrate/internal/cache"
	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/refdata"
	"github.com/opensource-finance/callrate/internal/repository"
	"github.com/opensource-finance/callrate/internal/service"
)

// MaxBatchSize bounds the calls accepted by POST /rate/batch.
const MaxBatchSize = 1000

// maxReferenceBytes bounds the body of POST /reference.
const maxReferenceBytes = 64 << 20

// Deps are the collaborators of the API. Repo, Cache and Bus are only used
// for health checks and may be nil.
type Deps struct {
	Rater *service.Rater
	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
	Cache   *cache.Stats      `json:"cache,omitempty"`
	Bus     *bus.ChannelStats `json:"bus,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	rater   *service.Rater
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		rater:   deps.Rater,
		repo:    deps.Repo,
		cache:   deps.Cache,
		bus:     deps.Bus,
		version: version,
	}
}

// RateResponse is the response for POST /rate.
type RateResponse struct {
	RatedCallID string         `json:"ratedCallId"`
	CallID      string         `json:"callId"`
	Status      string         `json:"status"`
	Score       float64        `json:"score"`
	Reasons     []string       `json:"reasons,omitempty"`
	Rating      domain.Rating  `json:"rating"`
	Metadata    ResponseTiming `json:"metadata"`
}

// ResponseTiming is the processing metadata of a rating response.
type ResponseTiming struct {
	TraceID  string `json:"traceId"`
	RatingMs int64  `json:"ratingMs"`
	TotalMs  int64  `json:"totalMs"`
	Version  string `json:"version"`
}

func (h *Handler) rateResponse(rc *domain.RatedCall, traceID string, start time.Time) RateResponse {
	return RateResponse{
		RatedCallID: rc.ID,
		CallID:      rc.Call.ID,
		Status:      rc.Status,
		Score:       rc.Score,
		Reasons:     rc.Reasons(),
		Rating:      rc.Rating,
		Metadata: ResponseTiming{
			TraceID:  traceID,
			RatingMs: rc.Metadata.RatingMs,
			TotalMs:  time.Since(start).Milliseconds(),
			Version:  h.version,
		},
	}
}

func validateCall(req *domain.CallRequest) string {
	switch {
	case req.CountryID <= 0:
		return "countryId is required"
	case req.OriginIndicatorID <= 0:
		return "originIndicatorId is required"
	case req.DurationSec < 0:
		return "durationSec must not be negative"
	}
	return ""
}

// Rate handles POST /rate requests: the call is rated, reviewed and recorded.
// Numbers that cannot be rated still produce a ledger entry with status
// UNRATED.
func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON request body")
		return
	}
	if msg := validateCall(&req); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_input", msg)
		return
	}

	rc, err := h.rater.Rate(ctx, tenantID, traceID, req.ToCall(tenantID))
	if err != nil {
		slog.Error("call rating failed",
			"tenant", tenantID,
			"call_id", req.ID,
			"error", err,
		)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.rateResponse(rc, traceID, start))
}

// BatchRequest is the request body for POST /rate/batch.
type BatchRequest struct {
	Calls []domain.CallRequest `json:"calls"`
}

// BatchItem is one result of a batch: a rating or an error.
type BatchItem struct {
	*RateResponse
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// BatchResponse is the response for POST /rate/batch.
type BatchResponse struct {
	Results []BatchItem `json:"results"`
	Count   int         `json:"count"`
	Failed  int         `json:"failed"`
}

// RateBatch handles POST /rate/batch requests. Results are in request order
// and one invalid call does not fail the batch.
func (h *Handler) RateBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON request body")
		return
	}
	if len(req.Calls) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "calls are required")
		return
	}
	if len(req.Calls) > MaxBatchSize {
		writeError(w, http.StatusBadRequest, "invalid_input", "too many calls in batch")
		return
	}

	resp := BatchResponse{
		Results: make([]BatchItem, len(req.Calls)),
		Count:   len(req.Calls),
	}

	// Only valid calls go to the rater; idx maps them back
	calls := make([]domain.Call, 0, len(req.Calls))
	idx := make([]int, 0, len(req.Calls))
	for i := range req.Calls {
		if msg := validateCall(&req.Calls[i]); msg != "" {
			resp.Results[i] = BatchItem{Error: msg, Code: "invalid_input"}
			resp.Failed++
			continue
		}
		calls = append(calls, req.Calls[i].ToCall(tenantID))
		idx = append(idx, i)
	}

	for j, item := range h.rater.RateBatch(ctx, tenantID, traceID, calls) {
		i := idx[j]
		if item.Err != nil {
			_, code := classify(item.Err)
			resp.Results[i] = BatchItem{Error: item.Err.Error(), Code: code}
			resp.Failed++
			continue
		}
		rr := h.rateResponse(item.RatedCall, traceID, start)
		resp.Results[i] = BatchItem{RateResponse: &rr}
	}

	slog.Info("batch rated",
		"tenant", tenantID,
		"count", resp.Count,
		"failed", resp.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, resp)
}

// GetRating retrieves a ledger entry by ID.
func (h *Handler) GetRating(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	rc, err := h.rater.RatedCall(ctx, tenantID, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get rated call", "id", id, "error", err)
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rc)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Checks:  make(map[string]string),
	}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			return
		}
		resp.Checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
		if sr, ok := h.cache.(cache.StatsReporter); ok {
			stats := sr.Stats()
			resp.Cache = &stats
		}
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
		if cb, ok := h.bus.(*bus.ChannelBus); ok {
			stats := cb.Stats()
			resp.Bus = &stats
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ready returns whether the server is ready to accept traffic: the
// repository must answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the review rules loaded for the tenant.
// Rules are loaded from the database on first use and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded, err := h.rater.Rules(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	loaded, err := h.rater.Rules(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	for _, rule := range loaded {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "not_found", "rule not found")
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates a rule, saves it for the tenant and reloads the
// tenant's rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "id, name, and expression are required")
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}

	rule := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Bands:       req.Bands,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	if err := h.rater.SaveRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeServiceError(w, err)
		return
	}

	slog.Info("rule created", "tenant", tenantID, "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "rule created and loaded",
	})
}

// ReloadRules reloads the tenant's rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	count, err := h.rater.ReloadRules(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// ImportReference replaces the tenant's reference data with the request body.
func (h *Handler) ImportReference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var data domain.ReferenceData
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReferenceBytes)).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON request body")
		return
	}

	if err := h.rater.ImportReference(ctx, tenantID, &data); err != nil {
		slog.Error("reference import failed", "tenant", tenantID, "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "reference data imported",
		"prefixes":        len(data.Prefixes),
		"indicators":      len(data.Indicators),
		"series":          len(data.Series),
		"specialServices": len(data.SpecialServices),
	})
}

// ReloadReference drops the tenant's cached reference snapshots so the next
// rating reads the store.
func (h *Handler) ReloadReference(w http.ResponseWriter, r *http.Request) {
	h.rater.ReloadReference(r.Context(), GetTenantID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "reference snapshots invalidated",
	})
}

// classify maps an error to its HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, refdata.ErrUnknownCountry):
		return http.StatusBadRequest, "unknown_country"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, refdata.ErrReferenceData):
		return http.StatusInternalServerError, "reference_data"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeError(w, status, code, msg)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
