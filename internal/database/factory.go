package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DriverType represents the database driver type.
type DriverType string

const (
	DriverSQLite   DriverType = "sqlite"
	DriverPostgres DriverType = "postgres"
	DriverMySQL    DriverType = "mysql"
)

// dialect returns the migrations dialect for the driver.
func (t DriverType) dialect() string {
	switch t {
	case DriverPostgres:
		return migrations.DialectPostgres
	case DriverMySQL:
		return migrations.DialectMySQL
	default:
		return migrations.DialectSQLite
	}
}

// FullConfig contains the complete database configuration for all drivers.
type FullConfig struct {
	Driver DriverType
	// Path is the SQLite database file, or ":memory:".
	Path string
	// DatabaseURL is the PostgreSQL or MySQL connection string.
	DatabaseURL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SkipMigrations opens the database without applying pending migrations.
	SkipMigrations bool
}

// DefaultFullConfig returns a default database configuration.
func DefaultFullConfig() FullConfig {
	return FullConfig{
		Driver:          DriverSQLite,
		Path:            "data/dataup-gateway.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// ConfigFromEnv creates a FullConfig from environment variables.
// Invalid values are logged as warnings and the defaults are kept.
func ConfigFromEnv() FullConfig {
	config := DefaultFullConfig()
	logger := zap.L()

	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		switch t := DriverType(strings.ToLower(driver)); t {
		case DriverSQLite, DriverPostgres, DriverMySQL:
			config.Driver = t
		default:
			logger.Warn("unsupported DB_DRIVER, defaulting to sqlite", zap.String("driver", driver))
		}
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		config.Path = path
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.DatabaseURL = url
	}
	if v := os.Getenv("DATABASE_POOL_SIZE"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			config.MaxOpenConns = n
		} else {
			logger.Warn("invalid DATABASE_POOL_SIZE", zap.String("value", v), zap.Int("default", config.MaxOpenConns))
		}
	}
	if v := os.Getenv("DATABASE_MAX_IDLE_CONNS"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			config.MaxIdleConns = n
		} else {
			logger.Warn("invalid DATABASE_MAX_IDLE_CONNS", zap.String("value", v), zap.Int("default", config.MaxIdleConns))
		}
	}
	if v := os.Getenv("DATABASE_CONN_MAX_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ConnMaxLifetime = d
		} else {
			logger.Warn("invalid DATABASE_CONN_MAX_LIFETIME", zap.String("value", v), zap.Duration("default", config.ConnMaxLifetime))
		}
	}
	return config
}

func parsePositiveInt(s string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || i <= 0 {
		return 0, fmt.Errorf("invalid positive integer: %s", s)
	}
	return i, nil
}

// NewFromConfig opens the configured database and applies pending migrations.
func NewFromConfig(config FullConfig) (*DB, error) {
	switch config.Driver {
	case DriverSQLite:
		return newSQLiteDB(config)
	case DriverPostgres:
		return newPostgresDB(config)
	case DriverMySQL:
		return newMySQLDB(config)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
}

// Migrations returns a runner for the database's embedded migrations.
func (d *DB) Migrations() *migrations.MigrationRunner {
	return migrations.NewMigrationRunner(d.db, d.driver.dialect())
}

func newSQLiteDB(config FullConfig) (*DB, error) {
	inMemory := config.Path == ":memory:"
	if !inMemory {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Timestamps are written and parsed as UTC.
	db, err := sql.Open("sqlite3", config.Path+"?_journal=WAL&_foreign_keys=on&_loc=UTC&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// An in-memory database exists per connection.
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	return open(db, DriverSQLite, config)
}

// openServerDB opens a PostgreSQL or MySQL connection pool.
func openServerDB(driverName string, driver DriverType, dsn string, config FullConfig) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for %s driver", driver)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	return open(db, driver, config)
}

func open(db *sql.DB, driver DriverType, config FullConfig) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	d := &DB{db: db, driver: driver}
	if config.SkipMigrations {
		return d, nil
	}
	if err := d.Migrations().Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run %s migrations: %w", driver, err)
	}
	return d, nil
}
