package apikeys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataup/cvat-gateway/internal/auth"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

func TestResolver_DefaultWinsOverRecency(t *testing.T) {
	store := newMemStore()
	store.put(Record{ID: "a", Secret: "s-a", OwnerID: 1, IsDefault: true, CreatedAt: day("2024-01-01")})
	store.put(Record{ID: "b", Secret: "s-b", OwnerID: 1, CreatedAt: day("2024-06-01")})

	rec, err := NewResolver(store).Resolve(context.Background(), auth.AuthContext{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID)
}

func TestResolver_NewestWithoutDefault(t *testing.T) {
	store := newMemStore()
	store.put(Record{ID: "old", Secret: "s1", OwnerID: 1, CreatedAt: day("2024-01-01"), LastUsedAt: ptr(day("2024-09-01"))})
	store.put(Record{ID: "new", Secret: "s2", OwnerID: 1, CreatedAt: day("2024-06-01")})
	store.put(Record{ID: "mid", Secret: "s3", OwnerID: 1, CreatedAt: day("2024-03-01")})

	rec, err := NewResolver(store).Resolve(context.Background(), auth.AuthContext{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, "old", rec.ID, "last use counts as activity")
}

func TestResolver_PersonalIsolation(t *testing.T) {
	store := newMemStore()
	store.put(Record{ID: "org", Secret: "s1", OwnerID: 1, OrganizationID: 10, IsDefault: true, CreatedAt: day("2024-01-01")})
	store.put(Record{ID: "other", Secret: "s2", OwnerID: 2, CreatedAt: day("2024-01-01")})
	store.put(Record{ID: "orgonly", Secret: "s3", OrganizationID: 10, AllowedRoles: []string{"worker"}, CreatedAt: day("2024-01-01")})

	r := NewResolver(store)
	_, err := r.Resolve(context.Background(), auth.AuthContext{UserID: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	store.put(Record{ID: "mine", Secret: "s4", OwnerID: 1, CreatedAt: day("2024-02-01")})
	rec, err := r.Resolve(context.Background(), auth.AuthContext{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, "mine", rec.ID)
	assert.Zero(t, rec.OrganizationID)
	assert.Equal(t, int64(1), rec.OwnerID)
}

func TestResolver_UserOrgBeatsOrgOnlyDefault(t *testing.T) {
	store := newMemStore()
	store.put(Record{ID: "shared", Secret: "s1", OrganizationID: 10, IsDefault: true,
		AllowedRoles: []string{"worker"}, CreatedAt: day("2024-06-01")})
	store.put(Record{ID: "own", Secret: "s2", OwnerID: 1, OrganizationID: 10, CreatedAt: day("2024-01-01")})

	rec, err := NewResolver(store).Resolve(context.Background(),
		auth.AuthContext{UserID: 1, OrgID: 10, Role: "worker"})
	require.NoError(t, err)
	assert.Equal(t, "own", rec.ID)
}

func TestResolver_OrgOnlyFallbackAndRoles(t *testing.T) {
	store := newMemStore()
	store.put(Record{ID: "workers", Secret: "s1", OrganizationID: 10, IsDefault: true,
		AllowedRoles: []string{"worker"}, CreatedAt: day("2024-01-01")})
	store.put(Record{ID: "leads", Secret: "s2", OrganizationID: 10,
		AllowedRoles: []string{"owner", "maintainer"}, CreatedAt: day("2024-06-01")})

	tests := []struct {
		name    string
		role    string
		enforce bool
		want    string
	}{
		{name: "worker gets default", role: "worker", enforce: true, want: "workers"},
		{name: "role is normalized", role: " Maintainer ", enforce: true, want: "leads"},
		{name: "no matching role", role: "supervisor", enforce: true},
		{name: "empty role", role: "", enforce: true},
		{name: "permissive mode ignores roles", role: "supervisor", enforce: false, want: "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(store, WithOrgRoleEnforcement(tt.enforce))
			rec, err := r.Resolve(context.Background(), auth.AuthContext{UserID: 5, OrgID: 10, Role: tt.role})
			if tt.want == "" {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.ID)
		})
	}
}

func TestResolver_OtherOrganizationNotConsidered(t *testing.T) {
	store := newMemStore()
	store.put(Record{ID: "x", Secret: "s1", OwnerID: 1, OrganizationID: 11, CreatedAt: day("2024-01-01")})
	store.put(Record{ID: "p", Secret: "s2", OwnerID: 1, CreatedAt: day("2024-01-01")})

	_, err := NewResolver(store).Resolve(context.Background(), auth.AuthContext{UserID: 1, OrgID: 10, Role: "owner"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_AnonymousAndStoreErrors(t *testing.T) {
	store := newMemStore()
	_, err := NewResolver(store).Resolve(context.Background(), auth.AuthContext{})
	assert.ErrorIs(t, err, ErrNotFound)

	store.candidateErr = errors.New("db down")
	_, err = NewResolver(store).Resolve(context.Background(), auth.AuthContext{UserID: 1, OrgID: 10})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "db down")
}

func TestPickDefaultThenNewest_TieBreaks(t *testing.T) {
	created := day("2024-01-01")
	cands := []Record{
		{ID: "a", CreatedAt: created},
		{ID: "c", CreatedAt: created},
		{ID: "b", CreatedAt: created},
	}
	assert.Equal(t, "c", pickDefaultThenNewest(cands).ID)
	assert.Nil(t, pickDefaultThenNewest(nil))
}
