package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
)

// SaveRatedCall stores a ledger entry with tenant isolation.
func (r *SQLRepository) SaveRatedCall(ctx context.Context, tenantID string, rc *domain.RatedCall) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if rc == nil || rc.ID == "" {
		return fmt.Errorf("%w: rated call ID is required", ErrInvalidInput)
	}

	callJSON, err := json.Marshal(rc.Call)
	if err != nil {
		return fmt.Errorf("encode call: %w", err)
	}
	ratingJSON, err := json.Marshal(rc.Rating)
	if err != nil {
		return fmt.Errorf("encode rating: %w", err)
	}
	results := rc.ReviewResults
	if results == nil {
		results = []domain.RuleResult{}
	}
	resultsJSON, _ := json.Marshal(results)
	metadata, _ := json.Marshal(rc.Metadata)

	query := `
		INSERT INTO rated_calls (
			id, tenant_id, call_id, trunk, dialed, status, outcome, telephony_type_id,
			billed, score, started_at, created_at, call_json, rating_json, review_results, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rc.ID, tenantID, rc.Call.ID, rc.Call.Trunk, rc.Call.Dialed,
		rc.Status, rc.Rating.Outcome.String(), rc.Rating.TelephonyTypeID,
		rc.Rating.Billed.String(), rc.Score,
		rc.Call.StartedAt.UTC(), rc.CreatedAt.UTC(),
		string(callJSON), string(ratingJSON), string(resultsJSON), string(metadata),
	)
	return err
}

// GetRatedCall retrieves a ledger entry by ID with tenant isolation.
func (r *SQLRepository) GetRatedCall(ctx context.Context, tenantID string, id string) (*domain.RatedCall, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, status, score, created_at,
			   call_json, rating_json, review_results, metadata
		FROM rated_calls
		WHERE tenant_id = ? AND id = ?
	`

	var rc domain.RatedCall
	var callJSON, ratingJSON, results, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(
		&rc.ID, &rc.TenantID, &rc.Status, &rc.Score, &rc.CreatedAt,
		&callJSON, &ratingJSON, &results, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(callJSON), &rc.Call); err != nil {
		return nil, fmt.Errorf("decode call of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(ratingJSON), &rc.Rating); err != nil {
		return nil, fmt.Errorf("decode rating of %s: %w", id, err)
	}
	json.Unmarshal([]byte(results), &rc.ReviewResults)
	json.Unmarshal([]byte(metadata), &rc.Metadata)
	if len(rc.ReviewResults) == 0 {
		rc.ReviewResults = nil
	}
	rc.CreatedAt = rc.CreatedAt.UTC()

	return &rc, nil
}

// CountRatedCallsByTrunk counts a trunk's ledger entries for calls started
// at or after since.
func (r *SQLRepository) CountRatedCallsByTrunk(ctx context.Context, tenantID string, trunk string, since time.Time) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	query := `
		SELECT COUNT(*)
		FROM rated_calls
		WHERE tenant_id = ? AND trunk = ? AND started_at >= ?
	`

	var n int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, trunk, since.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
