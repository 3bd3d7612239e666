//go:build !postgres

package database

import "fmt"

// newPostgresDB reports that PostgreSQL support is not compiled in.
// Build with -tags postgres to enable it.
func newPostgresDB(_ FullConfig) (*DB, error) {
	return nil, fmt.Errorf("PostgreSQL support not compiled in; build with -tags postgres to enable")
}
