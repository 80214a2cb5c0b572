package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AnyID is the scope value that matches every telephony type, operator,
// band or indicator.
const AnyID int64 = 0

// Series NDC sentinels.
const (
	// NDCNone marks series dialed without an area code.
	NDCNone int64 = 0

	// NDCWildcard marks approximate series, used only when nothing else matches.
	NDCWildcard int64 = -1
)

// TelephonyType is a rating category (local, national, cellular...).
type TelephonyType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TypeLength is the valid dialed-length range of a telephony type
// within one origin country.
type TypeLength struct {
	TelephonyTypeID int64 `json:"telephonyTypeId"`
	CountryID       int64 `json:"countryId"`
	MinDigits       int   `json:"minDigits"`
	MaxDigits       int   `json:"maxDigits"`
}

// Operator is a carrier scoped to one origin country.
type Operator struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CountryID int64  `json:"countryId"`
	Active    bool   `json:"active"`
}

// Prefix is a dialing code selecting a (TelephonyType, Operator) pair.
type Prefix struct {
	ID              int64           `json:"id"`
	Code            string          `json:"code"`
	TelephonyTypeID int64           `json:"telephonyTypeId"`
	OperatorID      int64           `json:"operatorId"`
	BaseRate        decimal.Decimal `json:"baseRate"`
	VATIncluded     bool            `json:"vatIncluded"`
	VATPercent      decimal.Decimal `json:"vatPercent"`
	BandOK          bool            `json:"bandOk"`
	Active          bool            `json:"active"`
}

// Indicator is a rated destination: a city, a country or a service.
type Indicator struct {
	ID              int64  `json:"id"`
	TelephonyTypeID int64  `json:"telephonyTypeId"`
	CountryID       int64  `json:"countryId"` // 0 for international and satellite
	Department      string `json:"department"`
	City            string `json:"city"`
	OperatorID      int64  `json:"operatorId"`
	Active          bool   `json:"active"`
}

// Description renders the indicator for ledgers and reports.
func (i *Indicator) Description() string {
	switch {
	case i.City != "" && i.Department != "" && i.City != i.Department:
		return i.City + " (" + i.Department + ")"
	case i.City != "":
		return i.City
	}
	return i.Department
}

// Series is a subscriber number range attached to one indicator under one NDC.
type Series struct {
	ID          int64 `json:"id"`
	IndicatorID int64 `json:"indicatorId"`
	NDC         int64 `json:"ndc"`
	Initial     int64 `json:"initial"`
	Final       int64 `json:"final"`
}

// Band is a price override scoped to one prefix and optionally one origin.
// A band with no IndicatorIDs applies to every destination.
type Band struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	PrefixID          int64           `json:"prefixId"`
	OriginIndicatorID int64           `json:"originIndicatorId"`
	Rate              decimal.Decimal `json:"rate"`
	VATIncluded       bool            `json:"vatIncluded"`
	IndicatorIDs      []int64         `json:"indicatorIds,omitempty"`
	Active            bool            `json:"active"`
}

// SpecialRate is a time-windowed rate override.
type SpecialRate struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	ValidFrom *time.Time `json:"validFrom,omitempty"`
	ValidTo   *time.Time `json:"validTo,omitempty"`

	// Weekdays is indexed by time.Weekday.
	Weekdays [7]bool `json:"weekdays"`

	// Hours is a comma list of hours or ranges ("8-12,14,22-5"). Empty means all day.
	Hours string `json:"hours"`

	TelephonyTypeID   int64 `json:"telephonyTypeId"`
	OperatorID        int64 `json:"operatorId"`
	BandID            int64 `json:"bandId"`
	OriginIndicatorID int64 `json:"originIndicatorId"`

	Value        decimal.Decimal `json:"value"`
	IsPercentage bool            `json:"isPercentage"`
	VATIncluded  bool            `json:"vatIncluded"`
	Active       bool            `json:"active"`
}

// Trunk is a named outbound circuit and the pairs it carries, in priority order.
type Trunk struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	CountryID   int64          `json:"countryId"`
	Carries     []TrunkCarrier `json:"carries"`
	Active      bool           `json:"active"`
}

// TrunkCarrier is one (Operator, TelephonyType) pair carried by a trunk.
type TrunkCarrier struct {
	OperatorID      int64 `json:"operatorId"`
	TelephonyTypeID int64 `json:"telephonyTypeId"`
}

// TrunkRate is a direct rate for (trunk, operator, telephony type).
type TrunkRate struct {
	ID              int64           `json:"id"`
	TrunkID         int64           `json:"trunkId"`
	OperatorID      int64           `json:"operatorId"`
	TelephonyTypeID int64           `json:"telephonyTypeId"`
	Rate            decimal.Decimal `json:"rate"`
	VATIncluded     bool            `json:"vatIncluded"`
	BillPerSecond   bool            `json:"billPerSecond"`
}

// TrunkRule is a broader trunk override that may reassign the telephony
// type and operator. Zero scope values match anything.
type TrunkRule struct {
	ID                 int64           `json:"id"`
	TrunkID            int64           `json:"trunkId"`
	TelephonyTypeID    int64           `json:"telephonyTypeId"`
	IndicatorIDs       []int64         `json:"indicatorIds,omitempty"`
	OriginIndicatorID  int64           `json:"originIndicatorId"`
	NewTelephonyTypeID int64           `json:"newTelephonyTypeId"`
	NewOperatorID      int64           `json:"newOperatorId"`
	Rate               decimal.Decimal `json:"rate"`
	VATIncluded        bool            `json:"vatIncluded"`
	BillPerSecond      bool            `json:"billPerSecond"`
}

// SpecialService is an exact-number service (emergency, information lines).
type SpecialService struct {
	ID          int64           `json:"id"`
	CountryID   int64           `json:"countryId"`
	IndicatorID int64           `json:"indicatorId"`
	Number      string          `json:"number"`
	Description string          `json:"description"`
	Value       decimal.Decimal `json:"value"`
	VATIncluded bool            `json:"vatIncluded"`
	VATPercent  decimal.Decimal `json:"vatPercent"`
	Active      bool            `json:"active"`
}

// ReferenceData is the full reference set the rating engine reads.
// It is also the import/export document for a tenant.
type ReferenceData struct {
	TelephonyTypes  []TelephonyType  `json:"telephonyTypes"`
	TypeLengths     []TypeLength     `json:"typeLengths"`
	Operators       []Operator       `json:"operators"`
	Prefixes        []Prefix         `json:"prefixes"`
	Indicators      []Indicator      `json:"indicators"`
	Series          []Series         `json:"series"`
	Bands           []Band           `json:"bands"`
	SpecialRates    []SpecialRate    `json:"specialRates"`
	Trunks          []Trunk          `json:"trunks"`
	TrunkRates      []TrunkRate      `json:"trunkRates"`
	TrunkRules      []TrunkRule      `json:"trunkRules"`
	SpecialServices []SpecialService `json:"specialServices"`
}
