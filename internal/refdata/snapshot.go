// Package refdata builds immutable, indexed views of a tenant's reference data
// for one origin country and caches them across rating calls.
package refdata

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
)

var (
	// ErrReferenceData reports a malformed reference record.
	ErrReferenceData = errors.New("malformed reference data")

	// ErrUnknownCountry reports that no numbering plan is configured for a country.
	ErrUnknownCountry = errors.New("no numbering plan for country")
)

// SpecialRate is a special rate value with its hour specification compiled.
type SpecialRate struct {
	domain.SpecialRate
	hours HourMask
}

// ActiveAt reports whether the rate's validity window, weekday flags and
// hours all contain t.
func (r *SpecialRate) ActiveAt(t time.Time) bool {
	if r.ValidFrom != nil && t.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidTo != nil && t.After(*r.ValidTo) {
		return false
	}
	if !r.Weekdays[t.Weekday()] {
		return false
	}
	return r.hours.Contains(t.Hour())
}

type ndcSpan struct {
	min, max int
	hasNone  bool
}

type trunkRateKey struct {
	trunkID, operatorID, telephonyTypeID int64
}

type typeOperator struct {
	telephonyTypeID, operatorID int64
}

// Snapshot is the reference data of one origin country, indexed for rating.
// A Snapshot is never modified after Build and is safe for concurrent use.
type Snapshot struct {
	plan domain.Plan

	types      map[int64]domain.TelephonyType
	lengths    map[int64]domain.TypeLength
	operators  map[int64]*domain.Operator
	indicators map[int64]*domain.Indicator

	prefixByCode   map[string][]*domain.Prefix
	prefixByPair   map[typeOperator][]*domain.Prefix
	prefixByType   map[int64][]*domain.Prefix
	maxCodeLen     int
	prefixCount    int
	series         map[int64]map[int64][]domain.Series
	ndcSpans       map[int64]ndcSpan
	indicatorNDCs  map[int64][]int64
	bandsByPrefix  map[int64][]*domain.Band
	specialRates   []*SpecialRate
	trunks         map[string]*domain.Trunk
	trunkRates     map[trunkRateKey]*domain.TrunkRate
	trunkRules     []*domain.TrunkRule
	specialService map[string]*domain.SpecialService
}

// Build indexes data for the plan's origin country. Inactive rows, rows of
// other countries and prefixes of inactive operators are left out.
func Build(plan domain.Plan, data *domain.ReferenceData) (*Snapshot, error) {
	if data == nil {
		data = &domain.ReferenceData{}
	}

	s := &Snapshot{
		plan:           plan,
		types:          make(map[int64]domain.TelephonyType, len(data.TelephonyTypes)),
		lengths:        make(map[int64]domain.TypeLength),
		operators:      make(map[int64]*domain.Operator),
		indicators:     make(map[int64]*domain.Indicator),
		prefixByCode:   make(map[string][]*domain.Prefix),
		prefixByPair:   make(map[typeOperator][]*domain.Prefix),
		prefixByType:   make(map[int64][]*domain.Prefix),
		series:         make(map[int64]map[int64][]domain.Series),
		ndcSpans:       make(map[int64]ndcSpan),
		indicatorNDCs:  make(map[int64][]int64),
		bandsByPrefix:  make(map[int64][]*domain.Band),
		trunks:         make(map[string]*domain.Trunk),
		trunkRates:     make(map[trunkRateKey]*domain.TrunkRate),
		specialService: make(map[string]*domain.SpecialService),
	}

	for _, t := range data.TelephonyTypes {
		s.types[t.ID] = t
	}
	for _, l := range data.TypeLengths {
		if l.CountryID == plan.CountryID {
			s.lengths[l.TelephonyTypeID] = l
		}
	}
	for i := range data.Operators {
		op := data.Operators[i]
		if op.Active && op.CountryID == plan.CountryID {
			s.operators[op.ID] = &op
		}
	}

	if err := s.indexPrefixes(data.Prefixes); err != nil {
		return nil, err
	}
	s.indexIndicators(data.Indicators)
	if err := s.indexSeries(data.Series); err != nil {
		return nil, err
	}
	if err := s.indexRates(data); err != nil {
		return nil, err
	}
	s.indexTrunks(data)

	return s, nil
}

func (s *Snapshot) indexPrefixes(prefixes []domain.Prefix) error {
	for i := range prefixes {
		p := prefixes[i]
		if !p.Active || p.TelephonyTypeID == s.plan.Types.SpecialServices {
			continue
		}
		if _, ok := s.operators[p.OperatorID]; !ok {
			continue
		}
		if p.BaseRate.IsNegative() || p.VATPercent.IsNegative() {
			return fmt.Errorf("%w: prefix %d has a negative rate", ErrReferenceData, p.ID)
		}

		s.prefixByCode[p.Code] = append(s.prefixByCode[p.Code], &p)
		key := typeOperator{p.TelephonyTypeID, p.OperatorID}
		s.prefixByPair[key] = append(s.prefixByPair[key], &p)
		s.prefixByType[p.TelephonyTypeID] = append(s.prefixByType[p.TelephonyTypeID], &p)
		if len(p.Code) > s.maxCodeLen {
			s.maxCodeLen = len(p.Code)
		}
		s.prefixCount++
	}

	for _, group := range s.prefixByCode {
		sortPrefixes(group)
	}
	for _, group := range s.prefixByPair {
		sortPrefixes(group)
	}
	for _, group := range s.prefixByType {
		sortPrefixes(group)
	}
	return nil
}

// sortPrefixes orders longest code first, then by ID.
func sortPrefixes(ps []*domain.Prefix) {
	sort.Slice(ps, func(i, j int) bool {
		if len(ps[i].Code) != len(ps[j].Code) {
			return len(ps[i].Code) > len(ps[j].Code)
		}
		return ps[i].ID < ps[j].ID
	})
}

func (s *Snapshot) indexIndicators(indicators []domain.Indicator) {
	for i := range indicators {
		ind := indicators[i]
		if !ind.Active {
			continue
		}
		switch {
		case ind.CountryID == s.plan.CountryID:
		case ind.CountryID == domain.AnyID && s.plan.WorldScoped(ind.TelephonyTypeID):
		default:
			continue
		}
		s.indicators[ind.ID] = &ind
	}
}

func (s *Snapshot) indexSeries(series []domain.Series) error {
	for _, sr := range series {
		ind, ok := s.indicators[sr.IndicatorID]
		if !ok {
			continue
		}
		if sr.NDC < domain.NDCWildcard || sr.Initial < 0 || sr.Final < sr.Initial {
			return fmt.Errorf("%w: series %d has an invalid range", ErrReferenceData, sr.ID)
		}

		tt := ind.TelephonyTypeID
		byNDC, ok := s.series[tt]
		if !ok {
			byNDC = make(map[int64][]domain.Series)
			s.series[tt] = byNDC
		}
		byNDC[sr.NDC] = append(byNDC[sr.NDC], sr)

		span := s.ndcSpans[tt]
		switch {
		case sr.NDC == domain.NDCNone:
			span.hasNone = true
		case sr.NDC > 0:
			n := len(strconv.FormatInt(sr.NDC, 10))
			if span.min == 0 || n < span.min {
				span.min = n
			}
			if n > span.max {
				span.max = n
			}
			s.indicatorNDCs[ind.ID] = appendUnique(s.indicatorNDCs[ind.ID], sr.NDC)
		}
		s.ndcSpans[tt] = span
	}

	for _, byNDC := range s.series {
		for _, list := range byNDC {
			sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		}
	}
	for _, ndcs := range s.indicatorNDCs {
		sort.Slice(ndcs, func(i, j int) bool { return ndcs[i] < ndcs[j] })
	}
	return nil
}

func appendUnique(list []int64, v int64) []int64 {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func (s *Snapshot) indexRates(data *domain.ReferenceData) error {
	for i := range data.Bands {
		b := data.Bands[i]
		if !b.Active {
			continue
		}
		if b.Rate.IsNegative() {
			return fmt.Errorf("%w: band %d has a negative rate", ErrReferenceData, b.ID)
		}
		s.bandsByPrefix[b.PrefixID] = append(s.bandsByPrefix[b.PrefixID], &b)
	}
	for _, bands := range s.bandsByPrefix {
		sort.Slice(bands, func(i, j int) bool { return bands[i].ID < bands[j].ID })
	}

	for _, sr := range data.SpecialRates {
		if !sr.Active {
			continue
		}
		if sr.Value.IsNegative() {
			return fmt.Errorf("%w: special rate %d has a negative value", ErrReferenceData, sr.ID)
		}
		mask, err := ParseHours(sr.Hours)
		if err != nil {
			return fmt.Errorf("%w: special rate %d: %v", ErrReferenceData, sr.ID, err)
		}
		s.specialRates = append(s.specialRates, &SpecialRate{SpecialRate: sr, hours: mask})
	}
	sort.Slice(s.specialRates, func(i, j int) bool { return s.specialRates[i].ID < s.specialRates[j].ID })

	for i := range data.SpecialServices {
		svc := data.SpecialServices[i]
		if !svc.Active || svc.CountryID != s.plan.CountryID {
			continue
		}
		if existing, ok := s.specialService[svc.Number]; ok && existing.ID < svc.ID {
			continue
		}
		s.specialService[svc.Number] = &svc
	}
	return nil
}

func (s *Snapshot) indexTrunks(data *domain.ReferenceData) {
	for i := range data.Trunks {
		t := data.Trunks[i]
		if !t.Active || (t.CountryID != s.plan.CountryID && t.CountryID != domain.AnyID) {
			continue
		}
		s.trunks[t.Name] = &t
	}
	for i := range data.TrunkRates {
		tr := data.TrunkRates[i]
		key := trunkRateKey{tr.TrunkID, tr.OperatorID, tr.TelephonyTypeID}
		if existing, ok := s.trunkRates[key]; ok && existing.ID < tr.ID {
			continue
		}
		s.trunkRates[key] = &tr
	}
	for i := range data.TrunkRules {
		rule := data.TrunkRules[i]
		s.trunkRules = append(s.trunkRules, &rule)
	}
	sort.Slice(s.trunkRules, func(i, j int) bool { return s.trunkRules[i].ID < s.trunkRules[j].ID })
}

// Plan returns the numbering plan the snapshot was built for.
func (s *Snapshot) Plan() domain.Plan {
	return s.plan
}

// PrefixCount returns the number of ratable prefixes.
func (s *Snapshot) PrefixCount() int {
	return s.prefixCount
}

// TelephonyTypeName returns the name of a telephony type, or "" if unknown.
func (s *Snapshot) TelephonyTypeName(id int64) string {
	return s.types[id].Name
}

// Operator returns an active operator of the origin country.
func (s *Snapshot) Operator(id int64) *domain.Operator {
	return s.operators[id]
}

// Indicator returns an indicator visible from the origin country.
func (s *Snapshot) Indicator(id int64) *domain.Indicator {
	return s.indicators[id]
}

// LongestPrefixes returns the prefixes sharing the longest non-empty code
// that starts dialed.
func (s *Snapshot) LongestPrefixes(dialed string) []*domain.Prefix {
	n := s.maxCodeLen
	if len(dialed) < n {
		n = len(dialed)
	}
	for ; n > 0; n-- {
		if ps := s.prefixByCode[dialed[:n]]; len(ps) > 0 {
			return ps
		}
	}
	return nil
}

// LocalPrefix returns the empty-code local prefix, or nil.
func (s *Snapshot) LocalPrefix() *domain.Prefix {
	for _, p := range s.prefixByCode[""] {
		if p.TelephonyTypeID == s.plan.Types.Local {
			return p
		}
	}
	return nil
}

// PrefixesFor returns the prefixes of a (telephony type, operator) pair.
func (s *Snapshot) PrefixesFor(telephonyTypeID, operatorID int64) []*domain.Prefix {
	return s.prefixByPair[typeOperator{telephonyTypeID, operatorID}]
}

// PrefixesOfType returns the prefixes of a telephony type.
func (s *Snapshot) PrefixesOfType(telephonyTypeID int64) []*domain.Prefix {
	return s.prefixByType[telephonyTypeID]
}

// TypeLength returns the dialed-length range of a telephony type.
func (s *Snapshot) TypeLength(telephonyTypeID int64) (domain.TypeLength, bool) {
	l, ok := s.lengths[telephonyTypeID]
	return l, ok
}

// NDCLengths returns the digit lengths of the area codes of a telephony type
// and whether it has series without area code.
func (s *Snapshot) NDCLengths(telephonyTypeID int64) (minLen, maxLen int, hasNone bool) {
	span := s.ndcSpans[telephonyTypeID]
	return span.min, span.max, span.hasNone
}

// Series returns the series of a telephony type under one NDC, ordered by ID.
func (s *Snapshot) Series(telephonyTypeID, ndc int64) []domain.Series {
	return s.series[telephonyTypeID][ndc]
}

// IndicatorNDCs returns the positive area codes of an indicator's series, ascending.
func (s *Snapshot) IndicatorNDCs(indicatorID int64) []int64 {
	return s.indicatorNDCs[indicatorID]
}

// Bands returns the active bands of a prefix, ordered by ID.
func (s *Snapshot) Bands(prefixID int64) []*domain.Band {
	return s.bandsByPrefix[prefixID]
}

// SpecialRates returns the active special rates, ordered by ID.
func (s *Snapshot) SpecialRates() []*SpecialRate {
	return s.specialRates
}

// Trunk returns an active trunk by name.
func (s *Snapshot) Trunk(name string) *domain.Trunk {
	return s.trunks[name]
}

// TrunkRate returns the direct rate of a trunk for an operator and type.
func (s *Snapshot) TrunkRate(trunkID, operatorID, telephonyTypeID int64) *domain.TrunkRate {
	return s.trunkRates[trunkRateKey{trunkID, operatorID, telephonyTypeID}]
}

// TrunkRules returns every trunk rule, ordered by ID.
func (s *Snapshot) TrunkRules() []*domain.TrunkRule {
	return s.trunkRules
}

// SpecialService returns the special service dialed exactly as number.
func (s *Snapshot) SpecialService(number string) *domain.SpecialService {
	return s.specialService[number]
}
