//go:build !mysql

package migrations

import (
	"context"
	"fmt"
)

// acquireMySQLLock requires the mysql build tag.
func (m *MigrationRunner) acquireMySQLLock(context.Context) (func(), error) {
	return nil, fmt.Errorf("MySQL named locking requires the 'mysql' build tag")
}
