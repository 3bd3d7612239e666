//go:build !postgres && !mysql

package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerLocksRequireBuildTags(t *testing.T) {
	runner := NewMigrationRunner(setupTestDB(t), DialectPostgres)

	release, err := runner.acquirePostgresLock(context.Background())
	assert.Nil(t, release)
	assert.ErrorContains(t, err, "postgres")

	release, err = runner.acquireMySQLLock(context.Background())
	assert.Nil(t, release)
	assert.ErrorContains(t, err, "mysql")
}
