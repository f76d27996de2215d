package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-issuance/migrations"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// ConnectionConfig describes the database the issuance stores run against.
type ConnectionConfig struct {
	Driver       string        `koanf:"driver" json:"driver"`
	DSN          string        `koanf:"dsn" json:"dsn"`
	Debug        bool          `koanf:"debug" json:"debug"`
	PingTimeout  time.Duration `koanf:"ping_timeout" json:"ping_timeout"`
	MaxOpenConns int           `koanf:"max_open_conns" json:"max_open_conns"`
	Migrate      bool          `koanf:"migrate" json:"migrate"`
}

func (c ConnectionConfig) GetDebug() bool {
	return c.Debug
}

func (c ConnectionConfig) GetDriver() string {
	return c.Driver
}

func (c ConnectionConfig) GetServer() string {
	return c.DSN
}

func (c ConnectionConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c ConnectionConfig) GetOtelIdentifier() string {
	return "go-issuance"
}

// Open connects the persistence client for the configured driver and, when
// Migrate is set, applies the embedded schema for that dialect.
func Open(ctx context.Context, cfg ConnectionConfig) (*persistence.Client, error) {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}

	var (
		dialect          schema.Dialect
		migrationDialect string
	)
	switch cfg.Driver {
	case DriverSQLite, "sqlite":
		cfg.Driver = DriverSQLite
		dialect = sqlitedialect.New()
		migrationDialect = migrations.DialectSQLite
		if cfg.MaxOpenConns <= 0 {
			cfg.MaxOpenConns = 1
		}
	case DriverPostgres, "pg":
		cfg.Driver = DriverPostgres
		dialect = pgdialect.New()
		migrationDialect = migrations.DialectPostgres
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}
	if !cfg.Migrate {
		return client, nil
	}

	_, err = migrations.Register(ctx, func(_ context.Context, source migrations.Source) error {
		client.RegisterSQLMigrations(source.FS)
		return nil
	}, migrationDialect)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return client, nil
}
