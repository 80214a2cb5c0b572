package domain

import (
	"time"
)

// Call is a normalized call record ready for rating.
type Call struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Dialed is the number after PBX exit codes were stripped upstream.
	Dialed string `json:"dialed"`

	CountryID         int64     `json:"countryId"`
	OriginIndicatorID int64     `json:"originIndicatorId"`
	StartedAt         time.Time `json:"startedAt"`
	DurationSec       int       `json:"durationSec"`

	// Trunk is the outbound circuit name, empty when none was used.
	Trunk string `json:"trunk,omitempty"`

	// ExitStripped reports that exit codes were removed from Dialed, which
	// allows a failed trunk rating to be retried as a plain call.
	ExitStripped bool `json:"exitStripped"`
}

// CallRequest is the API payload for rating a call.
type CallRequest struct {
	ID                string    `json:"id,omitempty"`
	Dialed            string    `json:"dialed"`
	CountryID         int64     `json:"countryId"`
	OriginIndicatorID int64     `json:"originIndicatorId"`
	StartedAt         time.Time `json:"startedAt"`
	DurationSec       int       `json:"durationSec"`
	Trunk             string    `json:"trunk,omitempty"`
	ExitStripped      bool      `json:"exitStripped"`
}

// ToCall converts a request to a Call for the given tenant.
func (r *CallRequest) ToCall(tenantID string) Call {
	startedAt := r.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return Call{
		ID:                r.ID,
		TenantID:          tenantID,
		Dialed:            r.Dialed,
		CountryID:         r.CountryID,
		OriginIndicatorID: r.OriginIndicatorID,
		StartedAt:         startedAt,
		DurationSec:       r.DurationSec,
		Trunk:             r.Trunk,
		ExitStripped:      r.ExitStripped,
	}
}
