// Package migrations applies the embedded schema migrations using goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed sql
var embedded embed.FS

// Supported dialects. The value names the directory under sql/.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

var errLockHeld = errors.New("migration lock is held by another process")

// MigrationRunner manages database migrations using goose.
type MigrationRunner struct {
	db      *sql.DB
	dialect string
	fsys    fs.FS

	lockAttempts uint64
	lockDelay    time.Duration
}

// NewMigrationRunner creates a runner for db using the embedded migrations of dialect.
func NewMigrationRunner(db *sql.DB, dialect string) *MigrationRunner {
	return &MigrationRunner{
		db:           db,
		dialect:      dialect,
		lockAttempts: 10,
		lockDelay:    100 * time.Millisecond,
	}
}

// WithFS replaces the embedded migrations. fsys holds the .sql files at its root.
func (m *MigrationRunner) WithFS(fsys fs.FS) *MigrationRunner {
	m.fsys = fsys
	return m
}

func (m *MigrationRunner) gooseDialect() (goose.Dialect, error) {
	switch m.dialect {
	case DialectSQLite:
		return goose.DialectSQLite3, nil
	case DialectPostgres:
		return goose.DialectPostgres, nil
	case DialectMySQL:
		return goose.DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported migration dialect: %q", m.dialect)
	}
}

func (m *MigrationRunner) provider() (*goose.Provider, error) {
	if m.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	dialect, err := m.gooseDialect()
	if err != nil {
		return nil, err
	}
	fsys := m.fsys
	if fsys == nil {
		fsys, err = fs.Sub(embedded, "sql/"+m.dialect)
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
		}
	}
	p, err := goose.NewProvider(dialect, m.db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return p, nil
}

// Up applies all pending migrations under the migration lock.
func (m *MigrationRunner) Up(ctx context.Context) error {
	p, err := m.provider()
	if err != nil {
		return err
	}
	release, err := m.acquireMigrationLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()

	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *MigrationRunner) Down(ctx context.Context) error {
	p, err := m.provider()
	if err != nil {
		return err
	}
	release, err := m.acquireMigrationLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()

	if _, err := p.Down(ctx); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Status returns the current migration version, 0 when nothing is applied.
func (m *MigrationRunner) Status(ctx context.Context) (int64, error) {
	p, err := m.provider()
	if err != nil {
		return 0, err
	}
	version, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, nil
}

// Pending reports whether migrations remain to be applied.
func (m *MigrationRunner) Pending(ctx context.Context) (bool, error) {
	p, err := m.provider()
	if err != nil {
		return false, err
	}
	return p.HasPending(ctx)
}

func (m *MigrationRunner) acquireMigrationLock(ctx context.Context) (func(), error) {
	switch m.dialect {
	case DialectPostgres:
		return m.acquirePostgresLock(ctx)
	case DialectMySQL:
		return m.acquireMySQLLock(ctx)
	default:
		return m.acquireSQLiteLock(ctx)
	}
}

// retryLock calls try until it reports the lock as taken, the attempts are
// used up, or try fails.
func (m *MigrationRunner) retryLock(ctx context.Context, try func(context.Context) (bool, error)) error {
	attempts := m.lockAttempts
	if attempts == 0 {
		attempts = 1
	}
	b := retry.WithMaxRetries(attempts-1, retry.NewConstant(m.lockDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	if errors.Is(err, errLockHeld) {
		return fmt.Errorf("%w (tried %d times)", errLockHeld, attempts)
	}
	return err
}

// acquireSQLiteLock takes a row lock in a dedicated table. SQLite has no
// advisory locks and the database file is shared between processes.
func (m *MigrationRunner) acquireSQLiteLock(ctx context.Context) (func(), error) {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			locked BOOLEAN NOT NULL DEFAULT 0,
			locked_at DATETIME
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `INSERT OR IGNORE INTO migration_lock (id, locked) VALUES (1, 0)`); err != nil {
		return nil, fmt.Errorf("failed to initialize lock row: %w", err)
	}

	err = m.retryLock(ctx, func(ctx context.Context) (bool, error) {
		res, err := m.db.ExecContext(ctx,
			`UPDATE migration_lock SET locked = 1, locked_at = CURRENT_TIMESTAMP WHERE id = 1 AND locked = 0`)
		if err != nil {
			return false, fmt.Errorf("failed to acquire lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_, _ = m.db.ExecContext(context.Background(), `UPDATE migration_lock SET locked = 0 WHERE id = 1`)
	}, nil
}
