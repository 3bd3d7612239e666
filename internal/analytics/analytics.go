// Package analytics aggregates annotation counts from the CVAT database.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres
	_ "github.com/mattn/go-sqlite3" // sqlite3
)

// ErrNoFilter is returned when a distribution is requested without a scope.
var ErrNoFilter = errors.New("specify task_id, job_id, or project_id")

// ErrInvalidFilter is returned for non-numeric filter values.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter selects the annotations to count. The first non-zero field in the
// order task, job, project is used.
type Filter struct {
	TaskID    int64
	JobID     int64
	ProjectID int64
}

// ParseFilter builds a Filter from query values. Only the field that wins
// precedence is parsed.
func ParseFilter(taskID, jobID, projectID string) (Filter, error) {
	for _, p := range []struct {
		name, value string
		dst         func(*Filter, int64)
	}{
		{"task_id", taskID, func(f *Filter, v int64) { f.TaskID = v }},
		{"job_id", jobID, func(f *Filter, v int64) { f.JobID = v }},
		{"project_id", projectID, func(f *Filter, v int64) { f.ProjectID = v }},
	} {
		if p.value == "" {
			continue
		}
		v, err := strconv.ParseInt(p.value, 10, 64)
		if err != nil || v <= 0 {
			return Filter{}, fmt.Errorf("%w: %s must be a positive integer", ErrInvalidFilter, p.name)
		}
		var f Filter
		p.dst(&f, v)
		return f, nil
	}
	return Filter{}, ErrNoFilter
}

// where returns the condition on the joined tables and its argument.
func (f Filter) where() (string, int64, error) {
	switch {
	case f.TaskID > 0:
		return "sg.task_id = ?", f.TaskID, nil
	case f.JobID > 0:
		return "a.job_id = ?", f.JobID, nil
	case f.ProjectID > 0:
		return "t.project_id = ?", f.ProjectID, nil
	}
	return "", 0, ErrNoFilter
}

// Distribution maps label names to annotation counts.
type Distribution struct {
	ClassCounts map[string]int64 `json:"class_counts"`
	TagCounts   map[string]int64 `json:"tag_counts"`
}

// Store runs the aggregation queries.
type Store struct {
	db *sqlx.DB
}

// Open connects to the CVAT database. driver is "postgres" or "sqlite3".
func Open(driver, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("analytics database URL is not configured")
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to analytics database: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an open connection.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type labelCount struct {
	Name  string `db:"name"`
	Count int64  `db:"count"`
}

const countQuery = `
SELECT l.name AS name, COUNT(a.id) AS count
FROM %s a
JOIN engine_label l ON l.id = a.label_id
JOIN engine_job j ON j.id = a.job_id
JOIN engine_segment sg ON sg.id = j.segment_id
JOIN engine_task t ON t.id = sg.task_id
WHERE %s
GROUP BY l.name`

// ClassDistribution counts shapes and tags per label name.
func (s *Store) ClassDistribution(ctx context.Context, f Filter) (*Distribution, error) {
	cond, arg, err := f.where()
	if err != nil {
		return nil, err
	}
	classes, err := s.count(ctx, "engine_labeledshape", cond, arg)
	if err != nil {
		return nil, err
	}
	tags, err := s.count(ctx, "engine_labeledimage", cond, arg)
	if err != nil {
		return nil, err
	}
	return &Distribution{ClassCounts: classes, TagCounts: tags}, nil
}

func (s *Store) count(ctx context.Context, table, cond string, arg int64) (map[string]int64, error) {
	var rows []labelCount
	q := s.db.Rebind(fmt.Sprintf(countQuery, table, cond))
	if err := s.db.SelectContext(ctx, &rows, q, arg); err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", table, err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Name] = r.Count
	}
	return counts, nil
}
