package apikeys

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// CandidateSource lists the keys of exactly one scope.
type CandidateSource interface {
	CandidateKeys(ctx context.Context, scope ScopeKey) ([]Record, error)
}

// ListFilter selects keys for listing. With OrganizationID set, every key of
// that organization is returned. Otherwise the personal keys of OwnerID.
//
// Search holds whitespace or comma separated terms. Every term must appear,
// case-insensitively, in the name or the label. Ordering is a comma separated
// list of OrderingFields, each optionally prefixed with "-" for descending.
type ListFilter struct {
	OrganizationID int64
	OwnerID        int64
	Search         string
	Ordering       string
}

// OrderingFields are the fields a list can be ordered by.
var OrderingFields = []string{"name", "label", "created_at", "last_used_at"}

// OrderTerm is one ORDER BY component.
type OrderTerm struct {
	Field string
	Desc  bool
}

// SearchTerms splits Search into its terms.
func (f ListFilter) SearchTerms() []string {
	return strings.FieldsFunc(f.Search, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// OrderTerms parses Ordering. Unknown fields are ignored; without a valid
// field the list is ordered newest first.
func (f ListFilter) OrderTerms() []OrderTerm {
	var terms []OrderTerm
	seen := map[string]bool{}
	for _, part := range strings.Split(f.Ordering, ",") {
		part = strings.TrimSpace(part)
		desc := strings.HasPrefix(part, "-")
		field := strings.TrimPrefix(part, "-")
		if seen[field] || !isOrderingField(field) {
			continue
		}
		seen[field] = true
		terms = append(terms, OrderTerm{Field: field, Desc: desc})
	}
	if len(terms) == 0 {
		terms = []OrderTerm{{Field: "created_at", Desc: true}}
	}
	return terms
}

func isOrderingField(field string) bool {
	for _, f := range OrderingFields {
		if f == field {
			return true
		}
	}
	return false
}

// Store persists API keys and the identity mirrors they reference.
//
// CreateAPIKey and UpdateAPIKey clear the default flag of every other key in
// the record's scope in the same transaction when rec.IsDefault is set.
type Store interface {
	CandidateSource

	CreateAPIKey(ctx context.Context, rec *Record) error
	GetAPIKey(ctx context.Context, id string) (*Record, error)
	UpdateAPIKey(ctx context.Context, rec *Record) error
	DeleteAPIKey(ctx context.Context, id string) error
	ListAPIKeys(ctx context.Context, filter ListFilter) ([]Record, error)
	SetDefault(ctx context.Context, scope ScopeKey, id string) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	UpsertUser(ctx context.Context, u User) (User, error)
	UpsertOrganization(ctx context.Context, org Organization) (Organization, error)
	GetOrganization(ctx context.Context, id int64) (*Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error)
}
