//go:build !mysql

package database

import "fmt"

// newMySQLDB reports that MySQL support is not compiled in.
// Build with -tags mysql to enable it.
func newMySQLDB(_ FullConfig) (*DB, error) {
	return nil, fmt.Errorf("MySQL support not compiled in; build with -tags mysql to enable")
}
