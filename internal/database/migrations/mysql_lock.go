//go:build mysql

package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	mysqlLockName    = "dataup-gateway-migrations"
	mysqlLockTimeout = 10 // seconds GET_LOCK waits per attempt
)

// acquireMySQLLock takes a named lock with GET_LOCK on a pinned connection.
// GET_LOCK returns 1 when acquired, 0 on timeout and NULL on error.
func (m *MigrationRunner) acquireMySQLLock(ctx context.Context) (func(), error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}
	err = m.retryLock(ctx, func(ctx context.Context) (bool, error) {
		var result sql.NullInt64
		if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", mysqlLockName, mysqlLockTimeout).Scan(&result); err != nil {
			return false, fmt.Errorf("failed to try MySQL named lock: %w", err)
		}
		if !result.Valid {
			return false, fmt.Errorf("MySQL GET_LOCK returned NULL")
		}
		return result.Int64 == 1, nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT RELEASE_LOCK(?)", mysqlLockName)
		_ = conn.Close()
	}, nil
}
