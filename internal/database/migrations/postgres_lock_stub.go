//go:build !postgres

package migrations

import (
	"context"
	"fmt"
)

// acquirePostgresLock requires the postgres build tag.
func (m *MigrationRunner) acquirePostgresLock(context.Context) (func(), error) {
	return nil, fmt.Errorf("PostgreSQL advisory locking requires the 'postgres' build tag")
}
