// Package config loads the callrate configuration: tier defaults, an optional
// HCL file and CALLRATE_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/opensource-finance/callrate/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALLRATE_"

// File is the schema of a callrate.hcl file. Every block and attribute is
// optional; what is absent keeps the tier default.
type File struct {
	Tier     string         `hcl:"tier,optional"`
	Server   *ServerBlock   `hcl:"server,block"`
	Database *DatabaseBlock `hcl:"database,block"`
	Cache    *CacheBlock    `hcl:"cache,block"`
	Bus      *BusBlock      `hcl:"bus,block"`
	Rating   *RatingBlock   `hcl:"rating,block"`
	Logging  *LoggingBlock  `hcl:"logging,block"`
	Tracing  *TracingBlock  `hcl:"tracing,block"`
	Plans    []PlanBlock    `hcl:"plan,block"`
}

// ServerBlock configures the HTTP server.
type ServerBlock struct {
	Host         *string `hcl:"host,optional"`
	Port         *int    `hcl:"port,optional"`
	ReadTimeout  *int    `hcl:"read_timeout,optional"`
	WriteTimeout *int    `hcl:"write_timeout,optional"`
}

// DatabaseBlock configures the repository.
type DatabaseBlock struct {
	Driver   *string `hcl:"driver,optional"`
	Path     *string `hcl:"path,optional"`
	Host     *string `hcl:"host,optional"`
	Port     *int    `hcl:"port,optional"`
	Addr     *string `hcl:"addr,optional"`
	User     *string `hcl:"user,optional"`
	Password *string `hcl:"password,optional"`
	Name     *string `hcl:"name,optional"`
	SSLMode  *string `hcl:"ssl_mode,optional"`
	MaxOpen  *int    `hcl:"max_open_conns,optional"`
	MaxIdle  *int    `hcl:"max_idle_conns,optional"`
}

// CacheBlock configures the snapshot and counter cache.
type CacheBlock struct {
	Type          *string `hcl:"type,optional"`
	LocalMaxSize  *int    `hcl:"local_max_size,optional"`
	LocalTTL      *string `hcl:"local_ttl,optional"`
	RedisAddr     *string `hcl:"redis_addr,optional"`
	RedisPassword *string `hcl:"redis_password,optional"`
	RedisDB       *int    `hcl:"redis_db,optional"`
	TwoPhase      *bool   `hcl:"two_phase,optional"`
}

// BusBlock configures the event bus.
type BusBlock struct {
	Type          *string `hcl:"type,optional"`
	BufferSize    *int    `hcl:"buffer_size,optional"`
	NATSURL       *string `hcl:"nats_url,optional"`
	NATSToken     *string `hcl:"nats_token,optional"`
	MaxReconnects *int    `hcl:"max_reconnects,optional"`
	ReconnectWait *int    `hcl:"reconnect_wait,optional"`
}

// RatingBlock configures rating and review.
type RatingBlock struct {
	SnapshotTTL     *string  `hcl:"snapshot_ttl,optional"`
	MaxWorkers      *int     `hcl:"max_workers,optional"`
	ReviewThreshold *float64 `hcl:"review_threshold,optional"`
	UsageThreshold  *int     `hcl:"usage_threshold,optional"`
	UsageWindow     *int     `hcl:"usage_window,optional"`
}

// LoggingBlock configures logging.
type LoggingBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// TracingBlock configures OpenTelemetry.
type TracingBlock struct {
	Enabled     *bool   `hcl:"enabled,optional"`
	ServiceName *string `hcl:"service_name,optional"`
	Exporter    *string `hcl:"exporter,optional"`
	Endpoint    *string `hcl:"endpoint,optional"`
}

// PlanBlock declares the numbering plan of one origin country:
//
//	plan "colombia" {
//	  country_id           = 1
//	  min_billable_seconds = 3
//	  types {
//	    cellular = 4
//	  }
//	}
//
// Telephony type IDs not given keep the conventional defaults.
type PlanBlock struct {
	Name               string      `hcl:"name,label"`
	CountryID          int64       `hcl:"country_id"`
	MinBillableSeconds *int        `hcl:"min_billable_seconds,optional"`
	Precision          *int        `hcl:"precision,optional"`
	Types              *TypesBlock `hcl:"types,block"`
}

// TypesBlock overrides telephony type IDs of a plan.
type TypesBlock struct {
	Local           *int64 `hcl:"local,optional"`
	LocalExtended   *int64 `hcl:"local_extended,optional"`
	National        *int64 `hcl:"national,optional"`
	Cellular        *int64 `hcl:"cellular,optional"`
	International   *int64 `hcl:"international,optional"`
	Satellite       *int64 `hcl:"satellite,optional"`
	SpecialServices *int64 `hcl:"special_services,optional"`
	Errors          *int64 `hcl:"errors,optional"`
	NoConsumption   *int64 `hcl:"no_consumption,optional"`
}

// Load builds the configuration. path may be empty, in which case only the
// tier defaults and the environment apply.
func Load(path string) (*domain.Config, error) {
	var file File
	if path != "" {
		if err := hclsimple.DecodeFile(path, nil, &file); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return Build(&file, os.Getenv)
}

// Parse decodes HCL source. filename only names the source in diagnostics
// and must end in .hcl.
func Parse(filename string, src []byte) (*File, error) {
	var file File
	if err := hclsimple.Decode(filename, src, nil, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// Build layers file and environment over the tier defaults and validates the
// result.
func Build(file *File, getenv func(string) string) (*domain.Config, error) {
	if file == nil {
		file = &File{}
	}
	env := func(key string) string { return strings.TrimSpace(getenv(EnvPrefix + key)) }

	tier := domain.Tier(file.Tier)
	if v := env("TIER"); v != "" {
		tier = domain.Tier(v)
	}

	var cfg *domain.Config
	switch tier {
	case "", domain.TierCommunity:
		cfg = domain.DefaultConfig()
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	if err := applyFile(cfg, file); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *domain.Config, f *File) error {
	if s := f.Server; s != nil {
		set(&cfg.Server.Host, s.Host)
		set(&cfg.Server.Port, s.Port)
		set(&cfg.Server.ReadTimeout, s.ReadTimeout)
		set(&cfg.Server.WriteTimeout, s.WriteTimeout)
	}

	if d := f.Database; d != nil {
		r := &cfg.Repository
		set(&r.Driver, d.Driver)
		set(&r.SQLitePath, d.Path)
		set(&r.PostgresHost, d.Host)
		set(&r.PostgresPort, d.Port)
		set(&r.MySQLAddr, d.Addr)
		set(&r.PostgresSSLMode, d.SSLMode)
		set(&r.MaxOpenConns, d.MaxOpen)
		set(&r.MaxIdleConns, d.MaxIdle)
		// Credentials and database name apply to whichever server driver is used
		set(&r.PostgresUser, d.User)
		set(&r.MySQLUser, d.User)
		set(&r.PostgresPassword, d.Password)
		set(&r.MySQLPassword, d.Password)
		set(&r.PostgresDB, d.Name)
		set(&r.MySQLDB, d.Name)
	}

	if c := f.Cache; c != nil {
		set(&cfg.Cache.Type, c.Type)
		set(&cfg.Cache.LocalMaxSize, c.LocalMaxSize)
		set(&cfg.Cache.RedisAddr, c.RedisAddr)
		set(&cfg.Cache.RedisPassword, c.RedisPassword)
		set(&cfg.Cache.RedisDB, c.RedisDB)
		set(&cfg.Cache.EnableTwoPhase, c.TwoPhase)
		if err := setDuration(&cfg.Cache.LocalTTL, c.LocalTTL, "cache.local_ttl"); err != nil {
			return err
		}
	}

	if b := f.Bus; b != nil {
		set(&cfg.EventBus.Type, b.Type)
		set(&cfg.EventBus.ChannelBufferSize, b.BufferSize)
		set(&cfg.EventBus.NATSUrl, b.NATSURL)
		set(&cfg.EventBus.NATSToken, b.NATSToken)
		set(&cfg.EventBus.NATSMaxReconnects, b.MaxReconnects)
		set(&cfg.EventBus.NATSReconnectWait, b.ReconnectWait)
	}

	if r := f.Rating; r != nil {
		set(&cfg.Rating.MaxWorkers, r.MaxWorkers)
		set(&cfg.Rating.ReviewThreshold, r.ReviewThreshold)
		set(&cfg.Rating.Usage.Threshold, r.UsageThreshold)
		set(&cfg.Rating.Usage.WindowSecs, r.UsageWindow)
		if err := setDuration(&cfg.Rating.SnapshotTTL, r.SnapshotTTL, "rating.snapshot_ttl"); err != nil {
			return err
		}
	}

	if l := f.Logging; l != nil {
		set(&cfg.Logging.Level, l.Level)
		set(&cfg.Logging.Format, l.Format)
	}

	if t := f.Tracing; t != nil {
		set(&cfg.Tracing.Enabled, t.Enabled)
		set(&cfg.Tracing.ServiceName, t.ServiceName)
		set(&cfg.Tracing.ExporterType, t.Exporter)
		set(&cfg.Tracing.Endpoint, t.Endpoint)
	}

	if len(f.Plans) > 0 {
		cfg.Plans = make([]domain.Plan, 0, len(f.Plans))
		for _, pb := range f.Plans {
			cfg.Plans = append(cfg.Plans, planFrom(pb))
		}
	}

	return nil
}

func planFrom(pb PlanBlock) domain.Plan {
	p := domain.DefaultPlan(pb.CountryID)
	p.Name = pb.Name
	set(&p.MinBillableSeconds, pb.MinBillableSeconds)
	if pb.Precision != nil {
		p.Precision = int32(*pb.Precision)
	}

	if t := pb.Types; t != nil {
		set(&p.Types.Local, t.Local)
		set(&p.Types.LocalExtended, t.LocalExtended)
		set(&p.Types.National, t.National)
		set(&p.Types.Cellular, t.Cellular)
		set(&p.Types.International, t.International)
		set(&p.Types.Satellite, t.Satellite)
		set(&p.Types.SpecialServices, t.SpecialServices)
		set(&p.Types.Errors, t.Errors)
		set(&p.Types.NoConsumption, t.NoConsumption)
	}
	return p
}

func applyEnv(cfg *domain.Config, env func(string) string) error {
	strs := map[string]*string{
		"HOST":              &cfg.Server.Host,
		"DB_DRIVER":         &cfg.Repository.Driver,
		"SQLITE_PATH":       &cfg.Repository.SQLitePath,
		"POSTGRES_HOST":     &cfg.Repository.PostgresHost,
		"POSTGRES_USER":     &cfg.Repository.PostgresUser,
		"POSTGRES_PASSWORD": &cfg.Repository.PostgresPassword,
		"POSTGRES_DB":       &cfg.Repository.PostgresDB,
		"POSTGRES_SSLMODE":  &cfg.Repository.PostgresSSLMode,
		"MYSQL_ADDR":        &cfg.Repository.MySQLAddr,
		"MYSQL_USER":        &cfg.Repository.MySQLUser,
		"MYSQL_PASSWORD":    &cfg.Repository.MySQLPassword,
		"MYSQL_DB":          &cfg.Repository.MySQLDB,
		"CACHE_TYPE":        &cfg.Cache.Type,
		"REDIS_ADDR":        &cfg.Cache.RedisAddr,
		"REDIS_PASSWORD":    &cfg.Cache.RedisPassword,
		"BUS_TYPE":          &cfg.EventBus.Type,
		"NATS_URL":          &cfg.EventBus.NATSUrl,
		"NATS_TOKEN":        &cfg.EventBus.NATSToken,
		"LOG_LEVEL":         &cfg.Logging.Level,
		"LOG_FORMAT":        &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v := env(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":          &cfg.Server.Port,
		"POSTGRES_PORT": &cfg.Repository.PostgresPort,
		"REDIS_DB":      &cfg.Cache.RedisDB,
		"MAX_WORKERS":   &cfg.Rating.MaxWorkers,
	}
	for key, dst := range ints {
		v := env(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, key, v, err)
		}
		*dst = n
	}

	if v := env("DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sDEBUG %q: %w", EnvPrefix, v, err)
		}
		if debug {
			cfg.Logging.Level = "debug"
		}
	}

	return nil
}

// Validate checks a configuration for values no component can run with.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Repository.Driver)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", cfg.Logging.Level)
	}

	if cfg.Rating.ReviewThreshold < 0 || cfg.Rating.ReviewThreshold > 1 {
		return fmt.Errorf("review threshold must be within [0, 1], got %g", cfg.Rating.ReviewThreshold)
	}
	if cfg.Rating.Usage.Threshold > 0 && cfg.Rating.Usage.WindowSecs <= 0 {
		return fmt.Errorf("usage threshold needs a positive usage window")
	}

	if len(cfg.Plans) == 0 {
		return fmt.Errorf("at least one numbering plan is required")
	}
	seen := make(map[int64]string, len(cfg.Plans))
	for _, p := range cfg.Plans {
		if p.CountryID <= 0 {
			return fmt.Errorf("plan %q: country_id must be positive", p.Name)
		}
		if other, dup := seen[p.CountryID]; dup {
			return fmt.Errorf("plans %q and %q share country %d", other, p.Name, p.CountryID)
		}
		seen[p.CountryID] = p.Name
		if p.Precision < 0 || p.Precision > 10 {
			return fmt.Errorf("plan %q: precision must be within [0, 10]", p.Name)
		}
	}

	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, name string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, *src, err)
	}
	*dst = d
	return nil
}
