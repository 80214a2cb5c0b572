package repository

// Schema definitions for the callrate database.
// Compatible with SQLite, PostgreSQL and MySQL: keys are VARCHAR, money is
// stored as decimal TEXT and flags as INTEGER.

type index struct {
	name    string
	columns []string
}

type table struct {
	name    string
	create  string
	indexes []index
}

var tableTelephonyTypes = table{
	name: "telephony_types",
	create: `
CREATE TABLE IF NOT EXISTS telephony_types (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    name VARCHAR(128) NOT NULL,
    PRIMARY KEY (tenant_id, id)
)`,
}

var tableTypeLengths = table{
	name: "type_lengths",
	create: `
CREATE TABLE IF NOT EXISTS type_lengths (
    tenant_id VARCHAR(64) NOT NULL,
    telephony_type_id BIGINT NOT NULL,
    country_id BIGINT NOT NULL,
    min_digits INTEGER NOT NULL,
    max_digits INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, telephony_type_id, country_id)
)`,
}

var tableOperators = table{
	name: "operators",
	create: `
CREATE TABLE IF NOT EXISTS operators (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    name VARCHAR(128) NOT NULL,
    country_id BIGINT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, id)
)`,
	indexes: []index{{"idx_operators_country", []string{"tenant_id", "country_id"}}},
}

var tablePrefixes = table{
	name: "prefixes",
	create: `
CREATE TABLE IF NOT EXISTS prefixes (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    code VARCHAR(32) NOT NULL,
    telephony_type_id BIGINT NOT NULL,
    operator_id BIGINT NOT NULL,
    base_rate TEXT NOT NULL,
    vat_included INTEGER NOT NULL DEFAULT 0,
    vat_percent TEXT NOT NULL,
    band_ok INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, id)
)`,
}

var tableIndicators = table{
	name: "indicators",
	create: `
CREATE TABLE IF NOT EXISTS indicators (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    telephony_type_id BIGINT NOT NULL,
    country_id BIGINT NOT NULL,
    department VARCHAR(128) NOT NULL,
    city VARCHAR(128) NOT NULL,
    operator_id BIGINT NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, id)
)`,
	indexes: []index{{"idx_indicators_country", []string{"tenant_id", "country_id"}}},
}

var tableSeries = table{
	name: "series",
	create: `
CREATE TABLE IF NOT EXISTS series (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    indicator_id BIGINT NOT NULL,
    ndc BIGINT NOT NULL,
    range_start BIGINT NOT NULL,
    range_end BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, id)
)`,
	indexes: []index{{"idx_series_indicator", []string{"tenant_id", "indicator_id"}}},
}

var tableBands = table{
	name: "bands",
	create: `
CREATE TABLE IF NOT EXISTS bands (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    name VARCHAR(128) NOT NULL,
    prefix_id BIGINT NOT NULL,
    origin_indicator_id BIGINT NOT NULL DEFAULT 0,
    rate TEXT NOT NULL,
    vat_included INTEGER NOT NULL DEFAULT 0,
    indicator_ids TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, id)
)`,
}

var tableSpecialRates = table{
	name: "special_rates",
	create: `
CREATE TABLE IF NOT EXISTS special_rates (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    name VARCHAR(128) NOT NULL,
    valid_from TIMESTAMP NULL,
    valid_to TIMESTAMP NULL,
    weekdays VARCHAR(7) NOT NULL,
    hours VARCHAR(128) NOT NULL,
    telephony_type_id BIGINT NOT NULL DEFAULT 0,
    operator_id BIGINT NOT NULL DEFAULT 0,
    band_id BIGINT NOT NULL DEFAULT 0,
    origin_indicator_id BIGINT NOT NULL DEFAULT 0,
    rate_value TEXT NOT NULL,
    is_percentage INTEGER NOT NULL DEFAULT 0,
    vat_included INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, id)
)`,
}

var tableTrunks = table{
	name: "trunks",
	create: `
CREATE TABLE IF NOT EXISTS trunks (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    name VARCHAR(128) NOT NULL,
    description VARCHAR(255) NOT NULL,
    country_id BIGINT NOT NULL DEFAULT 0,
    carries TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, id)
)`,
}

var tableTrunkRates = table{
	name: "trunk_rates",
	create: `
CREATE TABLE IF NOT EXISTS trunk_rates (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    trunk_id BIGINT NOT NULL,
    operator_id BIGINT NOT NULL,
    telephony_type_id BIGINT NOT NULL,
    rate TEXT NOT NULL,
    vat_included INTEGER NOT NULL DEFAULT 0,
    bill_per_second INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, id)
)`,
}

var tableTrunkRules = table{
	name: "trunk_rules",
	create: `
CREATE TABLE IF NOT EXISTS trunk_rules (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    trunk_id BIGINT NOT NULL DEFAULT 0,
    telephony_type_id BIGINT NOT NULL DEFAULT 0,
    indicator_ids TEXT NOT NULL,
    origin_indicator_id BIGINT NOT NULL DEFAULT 0,
    new_telephony_type_id BIGINT NOT NULL DEFAULT 0,
    new_operator_id BIGINT NOT NULL DEFAULT 0,
    rate TEXT NOT NULL,
    vat_included INTEGER NOT NULL DEFAULT 0,
    bill_per_second INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, id)
)`,
}

var tableSpecialServices = table{
	name: "special_services",
	create: `
CREATE TABLE IF NOT EXISTS special_services (
    tenant_id VARCHAR(64) NOT NULL,
    id BIGINT NOT NULL,
    country_id BIGINT NOT NULL,
    indicator_id BIGINT NOT NULL DEFAULT 0,
    service_number VARCHAR(32) NOT NULL,
    description VARCHAR(255) NOT NULL,
    charge TEXT NOT NULL,
    vat_included INTEGER NOT NULL DEFAULT 0,
    vat_percent TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, id)
)`,
}

// tableRatedCalls is the rating ledger. The call, rating and review
// results are kept as JSON documents; the columns beside them are the
// ones queried.
var tableRatedCalls = table{
	name: "rated_calls",
	create: `
CREATE TABLE IF NOT EXISTS rated_calls (
    id VARCHAR(64) NOT NULL,
    tenant_id VARCHAR(64) NOT NULL,
    call_id VARCHAR(64) NOT NULL,
    trunk VARCHAR(128) NOT NULL,
    dialed VARCHAR(64) NOT NULL,
    status VARCHAR(16) NOT NULL,
    outcome VARCHAR(16) NOT NULL,
    telephony_type_id BIGINT NOT NULL,
    billed TEXT NOT NULL,
    score REAL NOT NULL,
    started_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    call_json TEXT NOT NULL,
    rating_json TEXT NOT NULL,
    review_results TEXT NOT NULL,
    metadata TEXT NOT NULL,
    PRIMARY KEY (tenant_id, id)
)`,
	indexes: []index{
		{"idx_rated_calls_call", []string{"tenant_id", "call_id"}},
		{"idx_rated_calls_trunk", []string{"tenant_id", "trunk", "started_at"}},
		{"idx_rated_calls_status", []string{"tenant_id", "status"}},
	},
}

var tableRuleConfigs = table{
	name: "rule_configs",
	create: `
CREATE TABLE IF NOT EXISTS rule_configs (
    id VARCHAR(64) NOT NULL,
    tenant_id VARCHAR(64) NOT NULL,
    name VARCHAR(128) NOT NULL,
    description TEXT,
    version VARCHAR(32) NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
)`,
	indexes: []index{{"idx_rule_configs_enabled", []string{"tenant_id", "enabled"}}},
}

// referenceTables are replaced as a whole by ImportReference.
var referenceTables = []table{
	tableTelephonyTypes,
	tableTypeLengths,
	tableOperators,
	tablePrefixes,
	tableIndicators,
	tableSeries,
	tableBands,
	tableSpecialRates,
	tableTrunks,
	tableTrunkRates,
	tableTrunkRules,
	tableSpecialServices,
}

var allTables = append(append([]table{}, referenceTables...), tableRatedCalls, tableRuleConfigs)
