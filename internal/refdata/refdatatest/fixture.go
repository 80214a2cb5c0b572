// Package refdatatest provides a small, consistent reference data set and a
// fixed snapshot source for tests of packages that rate calls.
package refdatatest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/refdata"
	"github.com/shopspring/decimal"
)

// CountryID is the origin country of the fixture.
const CountryID int64 = 1

// Well-known fixture IDs.
const (
	OperatorTelco    int64 = 10
	OperatorMobile   int64 = 11
	OperatorLongDist int64 = 12

	PrefixLocal         int64 = 100
	PrefixLocalExtended int64 = 101
	PrefixNational      int64 = 102
	PrefixNationalLD    int64 = 103
	PrefixCellular      int64 = 104
	PrefixInternational int64 = 105

	IndicatorBogota      int64 = 200
	IndicatorSoacha      int64 = 201
	IndicatorMedellin    int64 = 202
	IndicatorCellular    int64 = 203
	IndicatorUK          int64 = 204
	IndicatorApproximate int64 = 205

	BandLocal         int64 = 400
	BandInternational int64 = 401
	BandBogotaAbroad  int64 = 402
	SpecialNight      int64 = 500
	SpecialSunday     int64 = 501
	TrunkMobile       int64 = 600
	TrunkRuleMedellin int64 = 800
)

// TrunkMobileName is the name of the fixture trunk.
const TrunkMobileName = "TRK-MOBILE"

// Monday is a weekday morning with no special rate in force.
var Monday = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

// Sunday is a day on which the cellular special rate applies.
var Sunday = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

// Plan returns the numbering plan of the fixture country.
func Plan() domain.Plan {
	return domain.DefaultPlan(CountryID)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func allWeek() [7]bool {
	return [7]bool{true, true, true, true, true, true, true}
}

// Data returns a fresh copy of the fixture reference data.
func Data() *domain.ReferenceData {
	vat := d("19")

	return &domain.ReferenceData{
		TelephonyTypes: []domain.TelephonyType{
			{ID: 1, Name: "Local"},
			{ID: 2, Name: "Local Extended"},
			{ID: 3, Name: "National"},
			{ID: 4, Name: "Cellular"},
			{ID: 5, Name: "International"},
			{ID: 6, Name: "Satellite"},
			{ID: 7, Name: "Special Services"},
			{ID: 8, Name: "Errors"},
			{ID: 9, Name: "No Consumption"},
		},
		TypeLengths: []domain.TypeLength{
			{TelephonyTypeID: 1, CountryID: CountryID, MinDigits: 7, MaxDigits: 7},
			{TelephonyTypeID: 3, CountryID: CountryID, MinDigits: 7, MaxDigits: 10},
			{TelephonyTypeID: 4, CountryID: CountryID, MinDigits: 8, MaxDigits: 10},
			{TelephonyTypeID: 5, CountryID: CountryID, MinDigits: 6, MaxDigits: 15},
		},
		Operators: []domain.Operator{
			{ID: OperatorTelco, Name: "Telco", CountryID: CountryID, Active: true},
			{ID: OperatorMobile, Name: "MobileCo", CountryID: CountryID, Active: true},
			{ID: OperatorLongDist, Name: "LongDist", CountryID: CountryID, Active: true},
			{ID: 13, Name: "Defunct", CountryID: CountryID, Active: false},
			{ID: 14, Name: "Foreign", CountryID: 2, Active: true},
		},
		Prefixes: []domain.Prefix{
			{ID: PrefixLocal, Code: "", TelephonyTypeID: 1, OperatorID: OperatorTelco, BaseRate: d("50"), VATPercent: vat, BandOK: true, Active: true},
			{ID: PrefixLocalExtended, Code: "", TelephonyTypeID: 2, OperatorID: OperatorLongDist, BaseRate: d("80"), VATPercent: vat, Active: true},
			{ID: PrefixNational, Code: "0", TelephonyTypeID: 3, OperatorID: OperatorTelco, BaseRate: d("120"), VATPercent: vat, Active: true},
			{ID: PrefixNationalLD, Code: "09", TelephonyTypeID: 3, OperatorID: OperatorLongDist, BaseRate: d("150"), VATPercent: vat, Active: true},
			{ID: PrefixCellular, Code: "03", TelephonyTypeID: 4, OperatorID: OperatorMobile, BaseRate: d("200"), VATPercent: vat, Active: true},
			{ID: PrefixInternational, Code: "00", TelephonyTypeID: 5, OperatorID: OperatorLongDist, BaseRate: d("1000"), VATPercent: vat, BandOK: true, Active: true},
			{ID: 106, Code: "07", TelephonyTypeID: 3, OperatorID: 13, BaseRate: d("99"), VATPercent: vat, Active: true},
			{ID: 107, Code: "1", TelephonyTypeID: 7, OperatorID: OperatorTelco, BaseRate: d("0"), VATPercent: vat, Active: true},
		},
		Indicators: []domain.Indicator{
			{ID: IndicatorBogota, TelephonyTypeID: 3, CountryID: CountryID, Department: "CUNDINAMARCA", City: "BOGOTA", Active: true},
			{ID: IndicatorSoacha, TelephonyTypeID: 3, CountryID: CountryID, Department: "CUNDINAMARCA", City: "SOACHA", Active: true},
			{ID: IndicatorMedellin, TelephonyTypeID: 3, CountryID: CountryID, Department: "ANTIOQUIA", City: "MEDELLIN", Active: true},
			{ID: IndicatorCellular, TelephonyTypeID: 4, CountryID: CountryID, City: "CELULAR", OperatorID: OperatorMobile, Active: true},
			{ID: IndicatorUK, TelephonyTypeID: 5, CountryID: 0, City: "UNITED KINGDOM", Active: true},
			{ID: IndicatorApproximate, TelephonyTypeID: 3, CountryID: CountryID, City: "NATIONAL (UNLISTED)", Active: true},
			{ID: 206, TelephonyTypeID: 3, CountryID: 2, City: "ELSEWHERE", Active: true},
		},
		Series: []domain.Series{
			{ID: 300, IndicatorID: IndicatorBogota, NDC: 1, Initial: 2000000, Final: 5999999},
			{ID: 301, IndicatorID: IndicatorSoacha, NDC: 1, Initial: 7200000, Final: 7299999},
			{ID: 302, IndicatorID: IndicatorMedellin, NDC: 4, Initial: 2000000, Final: 4999999},
			{ID: 303, IndicatorID: IndicatorCellular, NDC: domain.NDCNone, Initial: 10000000, Final: 19999999},
			{ID: 304, IndicatorID: IndicatorUK, NDC: 44, Initial: 200000000, Final: 299999999},
			{ID: 305, IndicatorID: IndicatorApproximate, NDC: domain.NDCWildcard, Initial: 0, Final: 999999},
			{ID: 306, IndicatorID: 206, NDC: 1, Initial: 0, Final: 9999999},
		},
		Bands: []domain.Band{
			{ID: BandLocal, Name: "Local flat", PrefixID: PrefixLocal, Rate: d("40"), Active: true},
			{ID: BandInternational, Name: "Europe", PrefixID: PrefixInternational, Rate: d("900"), IndicatorIDs: []int64{IndicatorUK}, Active: true},
			{ID: BandBogotaAbroad, Name: "Europe from Bogota", PrefixID: PrefixInternational, OriginIndicatorID: IndicatorBogota, Rate: d("850"), IndicatorIDs: []int64{IndicatorUK}, Active: true},
		},
		SpecialRates: []domain.SpecialRate{
			{ID: SpecialNight, Name: "Night national", Weekdays: allWeek(), Hours: "22-5", TelephonyTypeID: 3, Value: d("50"), IsPercentage: true, Active: true},
			{ID: SpecialSunday, Name: "Sunday cellular", Weekdays: [7]bool{time.Sunday: true}, TelephonyTypeID: 4, Value: d("119"), VATIncluded: true, Active: true},
		},
		Trunks: []domain.Trunk{
			{
				ID:        TrunkMobile,
				Name:      TrunkMobileName,
				CountryID: CountryID,
				Carries: []domain.TrunkCarrier{
					{OperatorID: OperatorMobile, TelephonyTypeID: 4},
					{OperatorID: OperatorLongDist, TelephonyTypeID: 3},
				},
				Active: true,
			},
		},
		TrunkRates: []domain.TrunkRate{
			{ID: 700, TrunkID: TrunkMobile, OperatorID: OperatorMobile, TelephonyTypeID: 4, Rate: d("150")},
		},
		TrunkRules: []domain.TrunkRule{
			{ID: TrunkRuleMedellin, TrunkID: TrunkMobile, TelephonyTypeID: 3, IndicatorIDs: []int64{IndicatorMedellin}, NewOperatorID: OperatorTelco, Rate: d("90"), BillPerSecond: true},
		},
		SpecialServices: []domain.SpecialService{
			{ID: 900, CountryID: CountryID, Number: "123", Description: "POLICE", Value: d("100"), VATPercent: vat, Active: true},
		},
	}
}

// Snapshot builds the fixture snapshot. It panics on error, which only a
// broken fixture can cause.
func Snapshot() *refdata.Snapshot {
	snap, err := refdata.Build(Plan(), Data())
	if err != nil {
		panic(err)
	}
	return snap
}

// Source serves one snapshot for every tenant of its country.
type Source struct {
	Snap *refdata.Snapshot
	Err  error
}

// NewSource returns a Source serving the fixture snapshot.
func NewSource() *Source {
	return &Source{Snap: Snapshot()}
}

// Snapshot implements the rating engine's snapshot source.
func (s *Source) Snapshot(ctx context.Context, tenantID string, countryID int64) (*refdata.Snapshot, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if countryID != s.Snap.Plan().CountryID {
		return nil, refdata.ErrUnknownCountry
	}
	return s.Snap, nil
}

// Loader serves a fixed reference data set and counts loads.
type Loader struct {
	Data  *domain.ReferenceData
	Err   error
	calls atomic.Int64
}

// Calls returns the number of loads served.
func (l *Loader) Calls() int64 {
	return l.calls.Load()
}

// LoadReference implements refdata.Loader.
func (l *Loader) LoadReference(ctx context.Context, tenantID string, countryID int64) (*domain.ReferenceData, error) {
	l.calls.Add(1)
	if l.Err != nil {
		return nil, l.Err
	}
	return l.Data, nil
}
