package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
)

// LoadReference reads the reference data an origin country can rate against.
// Rows scoped to other countries are left out; world-scoped indicators and
// trunks (country 0) are included.
func (r *SQLRepository) LoadReference(ctx context.Context, tenantID string, countryID int64) (*domain.ReferenceData, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	data := &domain.ReferenceData{}
	loaders := []struct {
		name  string
		query string
		args  []any
		scan  func(*sql.Rows) error
	}{
		{
			name:  "telephony types",
			query: `SELECT id, name FROM telephony_types WHERE tenant_id = ? ORDER BY id`,
			args:  []any{tenantID},
			scan: func(rows *sql.Rows) error {
				var t domain.TelephonyType
				if err := rows.Scan(&t.ID, &t.Name); err != nil {
					return err
				}
				data.TelephonyTypes = append(data.TelephonyTypes, t)
				return nil
			},
		},
		{
			name: "type lengths",
			query: `SELECT telephony_type_id, country_id, min_digits, max_digits
				FROM type_lengths WHERE tenant_id = ? AND country_id = ?`,
			args: []any{tenantID, countryID},
			scan: func(rows *sql.Rows) error {
				var l domain.TypeLength
				if err := rows.Scan(&l.TelephonyTypeID, &l.CountryID, &l.MinDigits, &l.MaxDigits); err != nil {
					return err
				}
				data.TypeLengths = append(data.TypeLengths, l)
				return nil
			},
		},
		{
			name: "operators",
			query: `SELECT id, name, country_id, active
				FROM operators WHERE tenant_id = ? AND country_id = ? ORDER BY id`,
			args: []any{tenantID, countryID},
			scan: func(rows *sql.Rows) error {
				var op domain.Operator
				var active int
				if err := rows.Scan(&op.ID, &op.Name, &op.CountryID, &active); err != nil {
					return err
				}
				op.Active = active == 1
				data.Operators = append(data.Operators, op)
				return nil
			},
		},
		{
			name: "prefixes",
			query: `SELECT id, code, telephony_type_id, operator_id, base_rate, vat_included, vat_percent, band_ok, active
				FROM prefixes WHERE tenant_id = ? ORDER BY id`,
			args: []any{tenantID},
			scan: func(rows *sql.Rows) error {
				var p domain.Prefix
				var vatIncluded, bandOK, active int
				if err := rows.Scan(&p.ID, &p.Code, &p.TelephonyTypeID, &p.OperatorID,
					&p.BaseRate, &vatIncluded, &p.VATPercent, &bandOK, &active); err != nil {
					return err
				}
				p.VATIncluded, p.BandOK, p.Active = vatIncluded == 1, bandOK == 1, active == 1
				data.Prefixes = append(data.Prefixes, p)
				return nil
			},
		},
		{
			name: "indicators",
			query: `SELECT id, telephony_type_id, country_id, department, city, operator_id, active
				FROM indicators WHERE tenant_id = ? AND country_id IN (?, 0) ORDER BY id`,
			args: []any{tenantID, countryID},
			scan: func(rows *sql.Rows) error {
				var ind domain.Indicator
				var active int
				if err := rows.Scan(&ind.ID, &ind.TelephonyTypeID, &ind.CountryID,
					&ind.Department, &ind.City, &ind.OperatorID, &active); err != nil {
					return err
				}
				ind.Active = active == 1
				data.Indicators = append(data.Indicators, ind)
				return nil
			},
		},
		{
			name:  "series",
			query: `SELECT id, indicator_id, ndc, range_start, range_end FROM series WHERE tenant_id = ? ORDER BY id`,
			args:  []any{tenantID},
			scan: func(rows *sql.Rows) error {
				var sr domain.Series
				if err := rows.Scan(&sr.ID, &sr.IndicatorID, &sr.NDC, &sr.Initial, &sr.Final); err != nil {
					return err
				}
				data.Series = append(data.Series, sr)
				return nil
			},
		},
		{
			name: "bands",
			query: `SELECT id, name, prefix_id, origin_indicator_id, rate, vat_included, indicator_ids, active
				FROM bands WHERE tenant_id = ? ORDER BY id`,
			args: []any{tenantID},
			scan: func(rows *sql.Rows) error {
				var b domain.Band
				var vatIncluded, active int
				var ids string
				if err := rows.Scan(&b.ID, &b.Name, &b.PrefixID, &b.OriginIndicatorID,
					&b.Rate, &vatIncluded, &ids, &active); err != nil {
					return err
				}
				if err := json.Unmarshal([]byte(ids), &b.IndicatorIDs); err != nil {
					return fmt.Errorf("band %d indicators: %w", b.ID, err)
				}
				b.VATIncluded, b.Active = vatIncluded == 1, active == 1
				data.Bands = append(data.Bands, b)
				return nil
			},
		},
		{
			name: "special rates",
			query: `SELECT id, name, valid_from, valid_to, weekdays, hours, telephony_type_id, operator_id,
				band_id, origin_indicator_id, rate_value, is_percentage, vat_included, active
				FROM special_rates WHERE tenant_id = ? ORDER BY id`,
			args: []any{tenantID},
			scan: func(rows *sql.Rows) error {
				var sr domain.SpecialRate
				var from, to sql.NullTime
				var weekdays string
				var isPercentage, vatIncluded, active int
				if err := rows.Scan(&sr.ID, &sr.Name, &from, &to, &weekdays, &sr.Hours,
					&sr.TelephonyTypeID, &sr.OperatorID, &sr.BandID, &sr.OriginIndicatorID,
					&sr.Value, &isPercentage, &vatIncluded, &active); err != nil {
					return err
				}
				sr.ValidFrom, sr.ValidTo = nullTime(from), nullTime(to)
				sr.Weekdays = parseWeekdays(weekdays)
				sr.IsPercentage, sr.VATIncluded, sr.Active = isPercentage == 1, vatIncluded == 1, active == 1
				data.SpecialRates = append(data.SpecialRates, sr)
				return nil
			},
		},
		{
			name: "trunks",
			query: `SELECT id, name, description, country_id, carries, active
				FROM trunks WHERE tenant_id = ? AND country_id IN (?, 0) ORDER BY id`,
			args: []any{tenantID, countryID},
			scan: func(rows *sql.Rows) error {
				var t domain.Trunk
				var carries string
				var active int
				if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.CountryID, &carries, &active); err != nil {
					return err
				}
				if err := json.Unmarshal([]byte(carries), &t.Carries); err != nil {
					return fmt.Errorf("trunk %d carries: %w", t.ID, err)
				}
				t.Active = active == 1
				data.Trunks = append(data.Trunks, t)
				return nil
			},
		},
		{
			name: "trunk rates",
			query: `SELECT id, trunk_id, operator_id, telephony_type_id, rate, vat_included, bill_per_second
				FROM trunk_rates WHERE tenant_id = ? ORDER BY id`,
			args: []any{tenantID},
			scan: func(rows *sql.Rows) error {
				var tr domain.TrunkRate
				var vatIncluded, perSecond int
				if err := rows.Scan(&tr.ID, &tr.TrunkID, &tr.OperatorID, &tr.TelephonyTypeID,
					&tr.Rate, &vatIncluded, &perSecond); err != nil {
					return err
				}
				tr.VATIncluded, tr.BillPerSecond = vatIncluded == 1, perSecond == 1
				data.TrunkRates = append(data.TrunkRates, tr)
				return nil
			},
		},
		{
			name: "trunk rules",
			query: `SELECT id, trunk_id, telephony_type_id, indicator_ids, origin_indicator_id,
				new_telephony_type_id, new_operator_id, rate, vat_included, bill_per_second
				FROM trunk_rules WHERE tenant_id = ? ORDER BY id`,
			args: []any{tenantID},
			scan: func(rows *sql.Rows) error {
				var tr domain.TrunkRule
				var ids string
				var vatIncluded, perSecond int
				if err := rows.Scan(&tr.ID, &tr.TrunkID, &tr.TelephonyTypeID, &ids, &tr.OriginIndicatorID,
					&tr.NewTelephonyTypeID, &tr.NewOperatorID, &tr.Rate, &vatIncluded, &perSecond); err != nil {
					return err
				}
				if err := json.Unmarshal([]byte(ids), &tr.IndicatorIDs); err != nil {
					return fmt.Errorf("trunk rule %d indicators: %w", tr.ID, err)
				}
				tr.VATIncluded, tr.BillPerSecond = vatIncluded == 1, perSecond == 1
				data.TrunkRules = append(data.TrunkRules, tr)
				return nil
			},
		},
		{
			name: "special services",
			query: `SELECT id, country_id, indicator_id, service_number, description, charge, vat_included, vat_percent, active
				FROM special_services WHERE tenant_id = ? AND country_id = ? ORDER BY id`,
			args: []any{tenantID, countryID},
			scan: func(rows *sql.Rows) error {
				var svc domain.SpecialService
				var vatIncluded, active int
				if err := rows.Scan(&svc.ID, &svc.CountryID, &svc.IndicatorID, &svc.Number, &svc.Description,
					&svc.Value, &vatIncluded, &svc.VATPercent, &active); err != nil {
					return err
				}
				svc.VATIncluded, svc.Active = vatIncluded == 1, active == 1
				data.SpecialServices = append(data.SpecialServices, svc)
				return nil
			},
		},
	}

	for _, l := range loaders {
		if err := r.queryEach(ctx, l.query, l.args, l.scan); err != nil {
			return nil, fmt.Errorf("load %s: %w", l.name, err)
		}
	}
	return data, nil
}

func (r *SQLRepository) queryEach(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ImportReference replaces all of a tenant's reference data in one
// transaction. Readers see either the old set or the new one.
func (r *SQLRepository) ImportReference(ctx context.Context, tenantID string, data *domain.ReferenceData) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("%w: reference data is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range referenceTables {
		if _, err := tx.ExecContext(ctx, r.rebind("DELETE FROM "+t.name+" WHERE tenant_id = ?"), tenantID); err != nil {
			return fmt.Errorf("clear %s: %w", t.name, err)
		}
	}

	inserts := []struct {
		table string
		query string
		n     int
		args  func(i int) ([]any, error)
	}{
		{
			table: "telephony_types",
			query: `INSERT INTO telephony_types (tenant_id, id, name) VALUES (?, ?, ?)`,
			n:     len(data.TelephonyTypes),
			args: func(i int) ([]any, error) {
				t := data.TelephonyTypes[i]
				return []any{tenantID, t.ID, t.Name}, nil
			},
		},
		{
			table: "type_lengths",
			query: `INSERT INTO type_lengths (tenant_id, telephony_type_id, country_id, min_digits, max_digits) VALUES (?, ?, ?, ?, ?)`,
			n:     len(data.TypeLengths),
			args: func(i int) ([]any, error) {
				l := data.TypeLengths[i]
				return []any{tenantID, l.TelephonyTypeID, l.CountryID, l.MinDigits, l.MaxDigits}, nil
			},
		},
		{
			table: "operators",
			query: `INSERT INTO operators (tenant_id, id, name, country_id, active) VALUES (?, ?, ?, ?, ?)`,
			n:     len(data.Operators),
			args: func(i int) ([]any, error) {
				op := data.Operators[i]
				return []any{tenantID, op.ID, op.Name, op.CountryID, boolInt(op.Active)}, nil
			},
		},
		{
			table: "prefixes",
			query: `INSERT INTO prefixes (tenant_id, id, code, telephony_type_id, operator_id, base_rate, vat_included, vat_percent, band_ok, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n: len(data.Prefixes),
			args: func(i int) ([]any, error) {
				p := data.Prefixes[i]
				return []any{tenantID, p.ID, p.Code, p.TelephonyTypeID, p.OperatorID, p.BaseRate.String(),
					boolInt(p.VATIncluded), p.VATPercent.String(), boolInt(p.BandOK), boolInt(p.Active)}, nil
			},
		},
		{
			table: "indicators",
			query: `INSERT INTO indicators (tenant_id, id, telephony_type_id, country_id, department, city, operator_id, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n: len(data.Indicators),
			args: func(i int) ([]any, error) {
				ind := data.Indicators[i]
				return []any{tenantID, ind.ID, ind.TelephonyTypeID, ind.CountryID, ind.Department, ind.City,
					ind.OperatorID, boolInt(ind.Active)}, nil
			},
		},
		{
			table: "series",
			query: `INSERT INTO series (tenant_id, id, indicator_id, ndc, range_start, range_end) VALUES (?, ?, ?, ?, ?, ?)`,
			n:     len(data.Series),
			args: func(i int) ([]any, error) {
				sr := data.Series[i]
				return []any{tenantID, sr.ID, sr.IndicatorID, sr.NDC, sr.Initial, sr.Final}, nil
			},
		},
		{
			table: "bands",
			query: `INSERT INTO bands (tenant_id, id, name, prefix_id, origin_indicator_id, rate, vat_included, indicator_ids, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n: len(data.Bands),
			args: func(i int) ([]any, error) {
				b := data.Bands[i]
				ids, err := idList(b.IndicatorIDs)
				if err != nil {
					return nil, err
				}
				return []any{tenantID, b.ID, b.Name, b.PrefixID, b.OriginIndicatorID, b.Rate.String(),
					boolInt(b.VATIncluded), ids, boolInt(b.Active)}, nil
			},
		},
		{
			table: "special_rates",
			query: `INSERT INTO special_rates (tenant_id, id, name, valid_from, valid_to, weekdays, hours, telephony_type_id,
				operator_id, band_id, origin_indicator_id, rate_value, is_percentage, vat_included, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n: len(data.SpecialRates),
			args: func(i int) ([]any, error) {
				sr := data.SpecialRates[i]
				return []any{tenantID, sr.ID, sr.Name, timeArg(sr.ValidFrom), timeArg(sr.ValidTo),
					formatWeekdays(sr.Weekdays), sr.Hours, sr.TelephonyTypeID, sr.OperatorID, sr.BandID,
					sr.OriginIndicatorID, sr.Value.String(), boolInt(sr.IsPercentage), boolInt(sr.VATIncluded),
					boolInt(sr.Active)}, nil
			},
		},
		{
			table: "trunks",
			query: `INSERT INTO trunks (tenant_id, id, name, description, country_id, carries, active) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n:     len(data.Trunks),
			args: func(i int) ([]any, error) {
				t := data.Trunks[i]
				carries := t.Carries
				if carries == nil {
					carries = []domain.TrunkCarrier{}
				}
				raw, err := json.Marshal(carries)
				if err != nil {
					return nil, err
				}
				return []any{tenantID, t.ID, t.Name, t.Description, t.CountryID, string(raw), boolInt(t.Active)}, nil
			},
		},
		{
			table: "trunk_rates",
			query: `INSERT INTO trunk_rates (tenant_id, id, trunk_id, operator_id, telephony_type_id, rate, vat_included, bill_per_second)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n: len(data.TrunkRates),
			args: func(i int) ([]any, error) {
				tr := data.TrunkRates[i]
				return []any{tenantID, tr.ID, tr.TrunkID, tr.OperatorID, tr.TelephonyTypeID, tr.Rate.String(),
					boolInt(tr.VATIncluded), boolInt(tr.BillPerSecond)}, nil
			},
		},
		{
			table: "trunk_rules",
			query: `INSERT INTO trunk_rules (tenant_id, id, trunk_id, telephony_type_id, indicator_ids, origin_indicator_id,
				new_telephony_type_id, new_operator_id, rate, vat_included, bill_per_second)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n: len(data.TrunkRules),
			args: func(i int) ([]any, error) {
				tr := data.TrunkRules[i]
				ids, err := idList(tr.IndicatorIDs)
				if err != nil {
					return nil, err
				}
				return []any{tenantID, tr.ID, tr.TrunkID, tr.TelephonyTypeID, ids, tr.OriginIndicatorID,
					tr.NewTelephonyTypeID, tr.NewOperatorID, tr.Rate.String(), boolInt(tr.VATIncluded),
					boolInt(tr.BillPerSecond)}, nil
			},
		},
		{
			table: "special_services",
			query: `INSERT INTO special_services (tenant_id, id, country_id, indicator_id, service_number, description, charge,
				vat_included, vat_percent, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n: len(data.SpecialServices),
			args: func(i int) ([]any, error) {
				svc := data.SpecialServices[i]
				return []any{tenantID, svc.ID, svc.CountryID, svc.IndicatorID, svc.Number, svc.Description,
					svc.Value.String(), boolInt(svc.VATIncluded), svc.VATPercent.String(), boolInt(svc.Active)}, nil
			},
		},
	}

	for _, ins := range inserts {
		if ins.n == 0 {
			continue
		}
		if err := r.insertAll(ctx, tx, ins.query, ins.n, ins.args); err != nil {
			return fmt.Errorf("import %s: %w", ins.table, err)
		}
	}

	return tx.Commit()
}

func (r *SQLRepository) insertAll(ctx context.Context, tx *sql.Tx, query string, n int, args func(i int) ([]any, error)) error {
	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		a, err := args(i)
		if err != nil {
			return fmt.Errorf("%w: row %d: %v", ErrInvalidInput, i, err)
		}
		if _, err := stmt.ExecContext(ctx, a...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

func idList(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	raw, err := json.Marshal(ids)
	return string(raw), err
}

// formatWeekdays encodes weekday flags as seven '0'/'1' characters
// starting with Sunday.
func formatWeekdays(days [7]bool) string {
	b := make([]byte, 7)
	for i, on := range days {
		b[i] = '0'
		if on {
			b[i] = '1'
		}
	}
	return string(b)
}

func parseWeekdays(s string) [7]bool {
	var days [7]bool
	for i := 0; i < len(s) && i < 7; i++ {
		days[i] = s[i] == '1'
	}
	return days
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
