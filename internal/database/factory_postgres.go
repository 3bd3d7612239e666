//go:build postgres

package database

import (
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

func newPostgresDB(config FullConfig) (*DB, error) {
	return openServerDB("pgx", DriverPostgres, config.DatabaseURL, config)
}
