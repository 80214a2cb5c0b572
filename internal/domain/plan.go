package domain

// TelephonyTypeIDs maps the rating categories the engine reasons about to the
// telephony type IDs used by one country's reference data.
type TelephonyTypeIDs struct {
	Local           int64 `json:"local"`
	LocalExtended   int64 `json:"localExtended"`
	National        int64 `json:"national"`
	Cellular        int64 `json:"cellular"`
	International   int64 `json:"international"`
	Satellite       int64 `json:"satellite"`
	SpecialServices int64 `json:"specialServices"`
	Errors          int64 `json:"errors"`
	NoConsumption   int64 `json:"noConsumption"`
}

// Plan is the numbering plan configuration of one origin country.
// Plans are values: the engine never modifies them.
type Plan struct {
	CountryID int64            `json:"countryId"`
	Name      string           `json:"name"`
	Types     TelephonyTypeIDs `json:"types"`

	// MinBillableSeconds: calls at or below this duration are not billed.
	MinBillableSeconds int `json:"minBillableSeconds"`

	// Precision is the number of decimal places kept for unit rates and costs.
	Precision int32 `json:"precision"`
}

// DefaultPlan returns a plan using the conventional telephony type IDs.
func DefaultPlan(countryID int64) Plan {
	return Plan{
		CountryID: countryID,
		Name:      "default",
		Types: TelephonyTypeIDs{
			Local:           1,
			LocalExtended:   2,
			National:        3,
			Cellular:        4,
			International:   5,
			Satellite:       6,
			SpecialServices: 7,
			Errors:          8,
			NoConsumption:   9,
		},
		MinBillableSeconds: 0,
		Precision:          4,
	}
}

// WorldScoped reports whether a telephony type resolves against indicators
// that belong to no particular origin country.
func (p Plan) WorldScoped(telephonyTypeID int64) bool {
	return telephonyTypeID == p.Types.International || telephonyTypeID == p.Types.Satellite
}
