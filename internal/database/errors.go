package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/dataup/cvat-gateway/internal/apikeys"
)

// ErrUserNotFound is returned when a user mirror does not exist.
var ErrUserNotFound = errors.New("user not found")

// isConstraintViolation reports whether err is an integrity constraint
// failure (unique, foreign key, check) from any supported driver.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062, 1451, 1452, 3819:
			return true
		}
	}
	return false
}

// wrapWriteError maps constraint violations to apikeys.ErrConflict.
func wrapWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConstraintViolation(err) {
		return fmt.Errorf("failed to %s: %w: %v", op, apikeys.ErrConflict, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
