package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// RebindQuery converts a query from ? placeholders to the placeholder style
// of the driver.
func (d *DB) RebindQuery(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 10)
	count := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			count++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(count))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// ExecContextRebound executes a query with automatic placeholder rebinding.
func (d *DB) ExecContextRebound(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.RebindQuery(query), args...)
}

// QueryRowContextRebound queries a single row with automatic placeholder rebinding.
func (d *DB) QueryRowContextRebound(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.RebindQuery(query), args...)
}

// QueryContextRebound queries multiple rows with automatic placeholder rebinding.
func (d *DB) QueryContextRebound(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.RebindQuery(query), args...)
}

// txExec runs a rebound statement inside tx.
func (d *DB) txExec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, d.RebindQuery(query), args...)
}

// BackupDatabase writes a consistent copy of a SQLite database to backupPath.
// Server databases are backed up with their own tooling.
func (d *DB) BackupDatabase(ctx context.Context, backupPath string) error {
	if d.driver != DriverSQLite {
		return fmt.Errorf("backup not supported for %s via this method; use the database's dump tool", d.driver)
	}
	if backupPath == "" {
		return fmt.Errorf("backup path cannot be empty")
	}
	// VACUUM INTO takes no bind parameters.
	if len(backupPath) > 256 || strings.ContainsAny(backupPath, "';|") || backupPath[0] == '-' {
		return fmt.Errorf("invalid backup path")
	}
	if _, err := d.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		return fmt.Errorf("failed to backup database: %w", err)
	}
	return nil
}

// MaintainDatabase reclaims space and refreshes planner statistics. It is
// expensive and meant to be scheduled, not run per request.
func (d *DB) MaintainDatabase(ctx context.Context) error {
	var stmts []string
	switch d.driver {
	case DriverPostgres:
		stmts = []string{"VACUUM ANALYZE"}
	case DriverMySQL:
		stmts = []string{"ANALYZE TABLE users, organizations, api_keys"}
	default:
		stmts = []string{"VACUUM", "PRAGMA optimize", "ANALYZE"}
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run %q: %w", stmt, err)
		}
	}
	return nil
}

// Stats summarizes the stored data.
type Stats struct {
	Users         int `json:"users"`
	Organizations int `json:"organizations"`
	APIKeys       int `json:"api_keys"`
	PersonalKeys  int `json:"personal_keys"`
	UserOrgKeys   int `json:"user_org_keys"`
	OrgOnlyKeys   int `json:"org_only_keys"`
	DefaultKeys   int `json:"default_keys"`
	NeverUsedKeys int `json:"never_used_keys"`
}

// GetStats returns row counts per table and key scope.
func (d *DB) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	counts := []struct {
		dst   *int
		query string
	}{
		{&s.Users, "SELECT COUNT(*) FROM users"},
		{&s.Organizations, "SELECT COUNT(*) FROM organizations"},
		{&s.APIKeys, "SELECT COUNT(*) FROM api_keys"},
		{&s.PersonalKeys, "SELECT COUNT(*) FROM api_keys WHERE organization_id IS NULL"},
		{&s.UserOrgKeys, "SELECT COUNT(*) FROM api_keys WHERE owner_id IS NOT NULL AND organization_id IS NOT NULL"},
		{&s.OrgOnlyKeys, "SELECT COUNT(*) FROM api_keys WHERE owner_id IS NULL"},
		{&s.DefaultKeys, "SELECT COUNT(*) FROM api_keys WHERE is_default = ?"},
		{&s.NeverUsedKeys, "SELECT COUNT(*) FROM api_keys WHERE last_used_at IS NULL"},
	}
	for _, c := range counts {
		var args []any
		if strings.Contains(c.query, "?") {
			args = append(args, true)
		}
		if err := d.QueryRowContextRebound(ctx, c.query, args...).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("failed to collect stats: %w", err)
		}
	}
	return s, nil
}
