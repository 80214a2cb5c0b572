// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/callrate/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const connectTimeout = 10 * time.Second

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite, PostgreSQL and MySQL drivers.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
}

// New opens the database of cfg.Driver, applies the pool settings and
// migrates the schema.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var (
		driver = cfg.Driver
		dsn    string
		err    error
	)
	switch cfg.Driver {
	case "sqlite":
		dsn, err = sqliteDSN(cfg)
	case "postgres":
		dsn = postgresDSN(cfg)
	case "mysql":
		dsn = mysqlDSN(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, dialect: dialect(driver)}
	if err := repo.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// open connects and checks the database answers within connectTimeout.
func open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return db, nil
}

// Migrate creates missing tables and indexes. It is idempotent.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	for _, t := range allTables {
		if _, err := r.db.ExecContext(ctx, t.create); err != nil {
			return fmt.Errorf("create %s: %w", t.name, err)
		}
		for _, idx := range t.indexes {
			if err := r.dialect.createIndex(ctx, r.db, t.name, idx); err != nil {
				return fmt.Errorf("index %s: %w", idx.name, err)
			}
		}
	}
	slog.Debug("schema migrated", "driver", string(r.dialect), "tables", len(allTables))
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) rebind(query string) string {
	return r.dialect.rebind(query)
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Repository = (*SQLRepository)(nil)
