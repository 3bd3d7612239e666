package apikeys

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the package tests.
type memStore struct {
	mu    sync.Mutex
	seq   int
	keys  map[string]Record
	users map[int64]User
	orgs  map[int64]Organization

	candidateErr error
}

func newMemStore() *memStore {
	return &memStore{
		keys:  make(map[string]Record),
		users: make(map[int64]User),
		orgs:  make(map[int64]Organization),
	}
}

func cloneRecord(r Record) Record {
	r.AllowedRoles = slices.Clone(r.AllowedRoles)
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		r.LastUsedAt = &t
	}
	return r
}

func (m *memStore) clearDefaults(scope ScopeKey, except string) {
	for id, r := range m.keys {
		if id != except && r.ScopeKey() == scope && r.IsDefault {
			r.IsDefault = false
			m.keys[id] = r
		}
	}
}

func (m *memStore) CandidateKeys(_ context.Context, scope ScopeKey) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidateErr != nil {
		return nil, m.candidateErr
	}
	var out []Record
	for _, r := range m.keys {
		if r.ScopeKey() == scope {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (m *memStore) CreateAPIKey(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.keys {
		if r.Secret == rec.Secret {
			return ErrConflict
		}
	}
	m.seq++
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("key-%03d", m.seq)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.IsDefault {
		m.clearDefaults(rec.ScopeKey(), rec.ID)
	}
	if u, ok := m.users[rec.OwnerID]; ok {
		rec.OwnerName = u.Username
	}
	m.keys[rec.ID] = cloneRecord(*rec)
	return nil
}

func (m *memStore) GetAPIKey(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(r)
	return &out, nil
}

func (m *memStore) UpdateAPIKey(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[rec.ID]; !ok {
		return ErrNotFound
	}
	if rec.IsDefault {
		m.clearDefaults(rec.ScopeKey(), rec.ID)
	}
	m.keys[rec.ID] = cloneRecord(*rec)
	return nil
}

func (m *memStore) DeleteAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[id]; !ok {
		return ErrNotFound
	}
	delete(m.keys, id)
	return nil
}

func (m *memStore) ListAPIKeys(_ context.Context, f ListFilter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.keys {
		switch {
		case f.OrganizationID != 0 && r.OrganizationID == f.OrganizationID:
		case f.OrganizationID == 0 && r.OrganizationID == 0 && r.OwnerID == f.OwnerID:
		default:
			continue
		}
		if !matchesSearch(r, f.SearchTerms()) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	terms := f.OrderTerms()
	slices.SortFunc(out, func(a, b Record) int {
		for _, t := range terms {
			if t.Field == "last_used_at" && (a.LastUsedAt == nil) != (b.LastUsedAt == nil) {
				if a.LastUsedAt == nil {
					return 1
				}
				return -1
			}
			c := compareField(a, b, t.Field)
			if t.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func matchesSearch(r Record, terms []string) bool {
	name, label := strings.ToLower(r.Name), strings.ToLower(r.Label)
	for _, term := range terms {
		term = strings.ToLower(term)
		if !strings.Contains(name, term) && !strings.Contains(label, term) {
			return false
		}
	}
	return true
}

func compareField(a, b Record, field string) int {
	switch field {
	case "name":
		return strings.Compare(a.Name, b.Name)
	case "label":
		return strings.Compare(a.Label, b.Label)
	case "last_used_at":
		if a.LastUsedAt == nil || b.LastUsedAt == nil {
			return 0
		}
		return a.LastUsedAt.Compare(*b.LastUsedAt)
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

func (m *memStore) SetDefault(_ context.Context, scope ScopeKey, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.keys[id]
	if !ok || r.ScopeKey() != scope {
		return ErrNotFound
	}
	m.clearDefaults(scope, id)
	r.IsDefault = true
	m.keys[id] = r
	return nil
}

func (m *memStore) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	r.LastUsedAt = &at
	m.keys[id] = r
	return nil
}

func (m *memStore) UpsertUser(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.UUID == "" {
		u.UUID = fmt.Sprintf("user-uuid-%d", u.ID)
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) UpsertOrganization(_ context.Context, org Organization) (Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if org.UUID == "" {
		org.UUID = fmt.Sprintf("org-uuid-%d", org.ID)
	}
	m.orgs[org.ID] = org
	return org, nil
}

func (m *memStore) GetOrganization(_ context.Context, id int64) (*Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	return &org, nil
}

func (m *memStore) GetOrganizationBySlug(_ context.Context, slug string) (*Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, org := range m.orgs {
		if org.Slug == slug {
			return &org, nil
		}
	}
	return nil, ErrOrganizationNotFound
}

// put stores rec as is, bypassing default clearing.
func (m *memStore) put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[rec.ID] = cloneRecord(rec)
}

func (m *memStore) defaultsIn(scope ScopeKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.keys {
		if r.ScopeKey() == scope && r.IsDefault {
			n++
		}
	}
	return n
}
