// Package domain defines the core interfaces and types for callrate.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Reference data
	LoadReference(ctx context.Context, tenantID string, countryID int64) (*ReferenceData, error)
	ImportReference(ctx context.Context, tenantID string, data *ReferenceData) error

	// Rated call ledger
	SaveRatedCall(ctx context.Context, tenantID string, rc *RatedCall) error
	GetRatedCall(ctx context.Context, tenantID string, id string) (*RatedCall, error)
	CountRatedCallsByTrunk(ctx context.Context, tenantID string, trunk string, since time.Time) (int64, error)

	// Review rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "mysql"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// MySQL specific
	MySQLAddr     string
	MySQLUser     string
	MySQLPassword string
	MySQLDB       string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
