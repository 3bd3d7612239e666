//go:build mysql

package database

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

func newMySQLDB(config FullConfig) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for mysql driver")
	}
	dsn, err := mysqlDSN(config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return openServerDB("mysql", DriverMySQL, dsn, config)
}

// mysqlDSN forces time parsing in UTC so DATETIME columns scan into
// time.Time, and makes UPDATE report matched rather than changed rows.
func mysqlDSN(raw string) (string, error) {
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("invalid MySQL DATABASE_URL: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}
