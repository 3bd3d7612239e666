//go:build postgres

package migrations

import (
	"context"
	"fmt"
)

// pgLockID identifies the gateway's migration lock among other advisory locks.
const pgLockID int64 = 0x64617461_7570 // "dataup"

// acquirePostgresLock takes a session advisory lock. The lock lives on one
// pinned connection so that the unlock reaches the session that holds it.
func (m *MigrationRunner) acquirePostgresLock(ctx context.Context) (func(), error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}
	err = m.retryLock(ctx, func(ctx context.Context) (bool, error) {
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", pgLockID).Scan(&acquired); err != nil {
			return false, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		return acquired, nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", pgLockID)
		_ = conn.Close()
	}, nil
}
