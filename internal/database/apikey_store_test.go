package database

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataup/cvat-gateway/internal/apikeys"
	"github.com/dataup/cvat-gateway/internal/auth"
	"github.com/dataup/cvat-gateway/internal/encryption"
)

func newTestStore(t *testing.T) (*APIKeyStore, *DB) {
	t.Helper()
	db := newTestDB(t)
	key, err := encryption.GenerateKeyBase64()
	require.NoError(t, err)
	enc, err := encryption.NewEncryptorFromBase64Key(key)
	require.NoError(t, err)
	return NewAPIKeyStore(db, enc, encryption.NewDigester([]byte("digest-key"))), db
}

func seedIdentity(t *testing.T, s *APIKeyStore) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []apikeys.User{{ID: 1, Username: "alice"}, {ID: 2, Username: "bob"}} {
		_, err := s.UpsertUser(ctx, u)
		require.NoError(t, err)
	}
	for _, o := range []apikeys.Organization{{ID: 10, Slug: "acme"}, {ID: 20, Slug: "globex"}} {
		_, err := s.UpsertOrganization(ctx, o)
		require.NoError(t, err)
	}
}

func mustCreate(t *testing.T, s *APIKeyStore, rec apikeys.Record) *apikeys.Record {
	t.Helper()
	if rec.Name == "" {
		rec.Name = "key"
	}
	rec.Preview = apikeys.NewPreview(rec.Secret)
	require.NoError(t, s.CreateAPIKey(context.Background(), &rec))
	return &rec
}

func TestAPIKeyStore_CreateAndGet(t *testing.T) {
	s, db := newTestStore(t)
	seedIdentity(t, s)
	ctx := context.Background()

	created := mustCreate(t, s, apikeys.Record{
		Secret: "dk_live_0123456789abcdef", Name: "main", Label: "prod",
		OwnerID: 1, OrganizationID: 10, AllowedRoles: []string{"worker", "owner"},
	})
	assert.Len(t, created.ID, 36)
	assert.Equal(t, "alice", created.OwnerName)

	got, err := s.GetAPIKey(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "dk_live_0123456789abcdef", got.Secret)
	assert.Equal(t, "main", got.Name)
	assert.Equal(t, "prod", got.Label)
	assert.Equal(t, "dk_live_cdef", got.Preview)
	assert.Equal(t, int64(10), got.OrganizationID)
	assert.Equal(t, []string{"worker", "owner"}, got.AllowedRoles)
	assert.Equal(t, "alice", got.OwnerName)
	assert.Nil(t, got.LastUsedAt)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)

	var raw, hash string
	require.NoError(t, db.DB().QueryRow("SELECT secret, secret_hash FROM api_keys WHERE id = ?", created.ID).Scan(&raw, &hash))
	assert.True(t, encryption.IsEncrypted(raw))
	assert.NotContains(t, raw, "0123456789")
	assert.Len(t, hash, 64)

	_, err = s.GetAPIKey(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, apikeys.ErrNotFound)
	_, err = s.GetAPIKey(ctx, "0190a6c2-0000-7000-8000-000000000000")
	assert.ErrorIs(t, err, apikeys.ErrNotFound)
}

func TestAPIKeyStore_Conflicts(t *testing.T) {
	s, _ := newTestStore(t)
	seedIdentity(t, s)
	ctx := context.Background()

	mustCreate(t, s, apikeys.Record{Secret: "same-secret", OwnerID: 1})
	dup := apikeys.Record{Secret: "same-secret", Name: "n", Preview: "p", OwnerID: 2}
	assert.ErrorIs(t, s.CreateAPIKey(ctx, &dup), apikeys.ErrConflict)

	unknownOwner := apikeys.Record{Secret: "other", Name: "n", Preview: "p", OwnerID: 99}
	assert.ErrorIs(t, s.CreateAPIKey(ctx, &unknownOwner), apikeys.ErrConflict)

	noScope := apikeys.Record{Secret: "x", Name: "n", Preview: "p"}
	assert.ErrorIs(t, s.CreateAPIKey(ctx, &noScope), apikeys.ErrScopeRequired)
}

func countDefaults(t *testing.T, s *APIKeyStore, scope apikeys.ScopeKey) int {
	t.Helper()
	recs, err := s.CandidateKeys(context.Background(), scope)
	require.NoError(t, err)
	n := 0
	for _, r := range recs {
		if r.IsDefault {
			n++
		}
	}
	return n
}

func TestAPIKeyStore_DefaultUniquePerScope(t *testing.T) {
	s, db := newTestStore(t)
	seedIdentity(t, s)
	ctx := context.Background()

	personal := apikeys.ScopeKey{Scope: apikeys.ScopePersonal, OwnerID: 1}
	userOrg := apikeys.ScopeKey{Scope: apikeys.ScopeUserOrg, OwnerID: 1, OrgID: 10}
	orgOnly := apikeys.ScopeKey{Scope: apikeys.ScopeOrgOnly, OrgID: 10}

	p1 := mustCreate(t, s, apikeys.Record{Secret: "p1", OwnerID: 1, IsDefault: true})
	p2 := mustCreate(t, s, apikeys.Record{Secret: "p2", OwnerID: 1, IsDefault: true})
	mustCreate(t, s, apikeys.Record{Secret: "u1", OwnerID: 1, OrganizationID: 10, IsDefault: true})
	o1 := mustCreate(t, s, apikeys.Record{Secret: "o1", OrganizationID: 10, IsDefault: true})

	assert.Equal(t, 1, countDefaults(t, s, personal))
	assert.Equal(t, 1, countDefaults(t, s, userOrg))
	assert.Equal(t, 1, countDefaults(t, s, orgOnly))

	got, err := s.GetAPIKey(ctx, p1.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDefault)

	require.NoError(t, s.SetDefault(ctx, personal, p1.ID))
	got, err = s.GetAPIKey(ctx, p2.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDefault)
	assert.Equal(t, 1, countDefaults(t, s, personal))
	assert.Equal(t, 1, countDefaults(t, s, orgOnly), "other scopes untouched")

	p2.IsDefault = true
	require.NoError(t, s.UpdateAPIKey(ctx, p2))
	got, err = s.GetAPIKey(ctx, p1.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDefault)

	assert.ErrorIs(t, s.SetDefault(ctx, personal, o1.ID), apikeys.ErrNotFound, "key outside the scope")

	// The partial unique index backs the invariant underneath the store.
	_, err = db.DB().Exec(`INSERT INTO api_keys (id, secret, secret_hash, name, preview, owner_id, is_default, created_at)
		VALUES ('0190a6c2-0000-7000-8000-0000000000ff', 's', 'h', 'n', 'p', 1, 1, CURRENT_TIMESTAMP)`)
	require.Error(t, err)
	assert.True(t, isConstraintViolation(err))
}

func TestAPIKeyStore_ConcurrentSetDefault(t *testing.T) {
	s, _ := newTestStore(t)
	seedIdentity(t, s)
	scope := apikeys.ScopeKey{Scope: apikeys.ScopeOrgOnly, OrgID: 20}

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, mustCreate(t, s, apikeys.Record{Secret: "c" + strings.Repeat("x", i), OrganizationID: 20}).ID)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded = map[string]bool{}
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// Losers may see SQLITE_BUSY.
			if err := s.SetDefault(context.Background(), scope, id); err == nil {
				mu.Lock()
				succeeded[id] = true
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	require.NotEmpty(t, succeeded, "at least one SetDefault must commit")
	assert.Equal(t, 1, countDefaults(t, s, scope))

	recs, err := s.CandidateKeys(context.Background(), scope)
	require.NoError(t, err)
	for _, r := range recs {
		if r.IsDefault {
			assert.True(t, succeeded[r.ID], "the default was set by a committed call")
		}
	}
}

func TestAPIKeyStore_CandidatesAreScopeExact(t *testing.T) {
	s, _ := newTestStore(t)
	seedIdentity(t, s)
	ctx := context.Background()

	mustCreate(t, s, apikeys.Record{Secret: "a", OwnerID: 1})
	mustCreate(t, s, apikeys.Record{Secret: "b", OwnerID: 1, OrganizationID: 10})
	mustCreate(t, s, apikeys.Record{Secret: "c", OrganizationID: 10})
	mustCreate(t, s, apikeys.Record{Secret: "d", OwnerID: 2})

	for scope, want := range map[apikeys.ScopeKey]string{
		{Scope: apikeys.ScopePersonal, OwnerID: 1}:           "a",
		{Scope: apikeys.ScopeUserOrg, OwnerID: 1, OrgID: 10}: "b",
		{Scope: apikeys.ScopeOrgOnly, OrgID: 10}:             "c",
	} {
		recs, err := s.CandidateKeys(ctx, scope)
		require.NoError(t, err)
		require.Len(t, recs, 1, scope.Scope.String())
		assert.Equal(t, want, recs[0].Secret)
	}

	_, err := s.CandidateKeys(ctx, apikeys.ScopeKey{})
	assert.ErrorIs(t, err, apikeys.ErrScopeRequired)
}

func TestAPIKeyStore_ListSearchAndOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	seedIdentity(t, s)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	detector := mustCreate(t, s, apikeys.Record{Secret: "s1", Name: "Detector prod", Label: "gpu", OwnerID: 1, CreatedAt: base})
	backup := mustCreate(t, s, apikeys.Record{Secret: "s2", Name: "pipeline", Label: "Detector backup", OwnerID: 1, CreatedAt: base.Add(time.Hour)})
	underscore := mustCreate(t, s, apikeys.Record{Secret: "s3", Name: "zeta_key", OwnerID: 1, CreatedAt: base.Add(2 * time.Hour)})
	percent := mustCreate(t, s, apikeys.Record{Secret: "s4", Name: "zeta%x", OwnerID: 1, CreatedAt: base.Add(30 * time.Minute)})
	mustCreate(t, s, apikeys.Record{Secret: "s5", Name: "Detector other", OwnerID: 2, CreatedAt: base})
	require.NoError(t, s.TouchAPIKey(ctx, underscore.ID, base.Add(3*time.Hour)))

	ids := func(f apikeys.ListFilter) []string {
		f.OwnerID = 1
		recs, err := s.ListAPIKeys(ctx, f)
		require.NoError(t, err)
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{backup.ID, detector.ID}, ids(apikeys.ListFilter{Search: "detector"}))
	assert.Equal(t, []string{detector.ID}, ids(apikeys.ListFilter{Search: "DETECTOR gpu"}))
	assert.Equal(t, []string{underscore.ID}, ids(apikeys.ListFilter{Search: "zeta_"}))
	assert.Equal(t, []string{percent.ID}, ids(apikeys.ListFilter{Search: "%"}))

	assert.Equal(t, []string{underscore.ID, backup.ID, percent.ID, detector.ID}, ids(apikeys.ListFilter{}))
	assert.Equal(t, []string{underscore.ID, backup.ID, percent.ID, detector.ID}, ids(apikeys.ListFilter{Ordering: "bogus"}))
	assert.Equal(t, []string{detector.ID, backup.ID, percent.ID, underscore.ID}, ids(apikeys.ListFilter{Ordering: "name"}))
	assert.Equal(t, []string{underscore.ID, percent.ID, backup.ID, detector.ID}, ids(apikeys.ListFilter{Ordering: "-name"}))
	assert.Equal(t, []string{detector.ID, percent.ID, backup.ID, underscore.ID}, ids(apikeys.ListFilter{Ordering: "created_at"}))
	assert.Equal(t, underscore.ID, ids(apikeys.ListFilter{Ordering: "last_used_at"})[0])
	assert.Equal(t, underscore.ID, ids(apikeys.ListFilter{Ordering: "-last_used_at"})[0])
	assert.Equal(t, []string{percent.ID, underscore.ID, backup.ID, detector.ID}, ids(apikeys.ListFilter{Ordering: "label,name"}))
}

func TestAPIKeyStore_ListUpdateTouchDelete(t *testing.T) {
	s, _ := newTestStore(t)
	seedIdentity(t, s)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	older := mustCreate(t, s, apikeys.Record{Secret: "k1", Name: "older", OwnerID: 1, OrganizationID: 10, CreatedAt: base})
	newer := mustCreate(t, s, apikeys.Record{Secret: "k2", Name: "newer", OrganizationID: 10, CreatedAt: base.Add(time.Hour)})
	mustCreate(t, s, apikeys.Record{Secret: "k3", Name: "personal", OwnerID: 1, CreatedAt: base})

	list, err := s.ListAPIKeys(ctx, apikeys.ListFilter{OrganizationID: 10})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Empty(t, list[0].OwnerName)
	assert.Equal(t, "alice", list[1].OwnerName)

	personal, err := s.ListAPIKeys(ctx, apikeys.ListFilter{OwnerID: 1})
	require.NoError(t, err)
	require.Len(t, personal, 1)
	assert.Equal(t, "personal", personal[0].Name)

	older.Secret = "k1-rotated"
	older.Name = "renamed"
	older.AllowedRoles = nil
	require.NoError(t, s.UpdateAPIKey(ctx, older))
	got, err := s.GetAPIKey(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, "k1-rotated", got.Secret)
	assert.Equal(t, "renamed", got.Name)
	assert.Empty(t, got.AllowedRoles)

	used := base.Add(48 * time.Hour)
	require.NoError(t, s.TouchAPIKey(ctx, older.ID, used))
	got, err = s.GetAPIKey(ctx, older.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, used.Equal(*got.LastUsedAt))

	require.NoError(t, s.DeleteAPIKey(ctx, older.ID))
	assert.ErrorIs(t, s.DeleteAPIKey(ctx, older.ID), apikeys.ErrNotFound)
	assert.ErrorIs(t, s.TouchAPIKey(ctx, older.ID, used), apikeys.ErrNotFound)
	assert.ErrorIs(t, s.UpdateAPIKey(ctx, older), apikeys.ErrNotFound)
}

func TestAPIKeyStore_Identity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	u, err := s.UpsertUser(ctx, apikeys.User{ID: 7, Username: "carol"})
	require.NoError(t, err)
	again, err := s.UpsertUser(ctx, apikeys.User{ID: 7})
	require.NoError(t, err)
	assert.Equal(t, u.UUID, again.UUID, "uuid is stable")
	assert.Equal(t, "carol", again.Username, "empty username keeps the stored one")

	org, err := s.UpsertOrganization(ctx, apikeys.Organization{ID: 3, Slug: "lab", Name: "Lab"})
	require.NoError(t, err)
	renamed, err := s.UpsertOrganization(ctx, apikeys.Organization{ID: 3, Slug: "lab2"})
	require.NoError(t, err)
	assert.Equal(t, org.UUID, renamed.UUID)
	assert.Equal(t, "lab2", renamed.Slug)
	assert.Equal(t, "Lab", renamed.Name)

	bySlug, err := s.GetOrganizationBySlug(ctx, " lab2 ")
	require.NoError(t, err)
	assert.Equal(t, int64(3), bySlug.ID)
	_, err = s.GetOrganizationBySlug(ctx, "lab")
	assert.ErrorIs(t, err, apikeys.ErrOrganizationNotFound)

	_, err = s.UpsertUser(ctx, apikeys.User{})
	assert.ErrorIs(t, err, apikeys.ErrInvalidInput)
}

func TestAPIKeyStore_DeleteIdentityRemovesKeys(t *testing.T) {
	s, _ := newTestStore(t)
	seedIdentity(t, s)
	ctx := context.Background()

	own := mustCreate(t, s, apikeys.Record{Secret: "a", OwnerID: 2})
	shared := mustCreate(t, s, apikeys.Record{Secret: "b", OrganizationID: 20})
	keep := mustCreate(t, s, apikeys.Record{Secret: "c", OwnerID: 1})

	require.NoError(t, s.DeleteUser(ctx, 2))
	_, err := s.GetAPIKey(ctx, own.ID)
	assert.ErrorIs(t, err, apikeys.ErrNotFound)
	assert.ErrorIs(t, s.DeleteUser(ctx, 2), ErrUserNotFound)

	require.NoError(t, s.DeleteOrganization(ctx, 20))
	_, err = s.GetAPIKey(ctx, shared.ID)
	assert.ErrorIs(t, err, apikeys.ErrNotFound)
	assert.ErrorIs(t, s.DeleteOrganization(ctx, 20), apikeys.ErrOrganizationNotFound)

	_, err = s.GetAPIKey(ctx, keep.ID)
	assert.NoError(t, err)
}

func TestAPIKeyStore_ResolverEndToEnd(t *testing.T) {
	s, _ := newTestStore(t)
	seedIdentity(t, s)
	ctx := context.Background()

	mustCreate(t, s, apikeys.Record{Secret: "org-default", OrganizationID: 10, IsDefault: true, AllowedRoles: []string{"worker"}})
	own := mustCreate(t, s, apikeys.Record{Secret: "mine", OwnerID: 1, OrganizationID: 10})

	r := apikeys.NewResolver(s)
	rec, err := r.Resolve(ctx, auth.AuthContext{UserID: 1, OrgID: 10, Role: "worker"})
	require.NoError(t, err)
	assert.Equal(t, own.ID, rec.ID)

	rec, err = r.Resolve(ctx, auth.AuthContext{UserID: 2, OrgID: 10, Role: "worker"})
	require.NoError(t, err)
	assert.Equal(t, "org-default", rec.Secret)

	_, err = r.Resolve(ctx, auth.AuthContext{UserID: 2, OrgID: 10, Role: "supervisor"})
	assert.ErrorIs(t, err, apikeys.ErrNotFound)
}

func TestStats(t *testing.T) {
	s, db := newTestStore(t)
	seedIdentity(t, s)
	mustCreate(t, s, apikeys.Record{Secret: "a", OwnerID: 1, IsDefault: true})
	mustCreate(t, s, apikeys.Record{Secret: "b", OwnerID: 1, OrganizationID: 10})
	mustCreate(t, s, apikeys.Record{Secret: "c", OrganizationID: 10})

	stats, err := db.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Users: 2, Organizations: 2, APIKeys: 3,
		PersonalKeys: 1, UserOrgKeys: 1, OrgOnlyKeys: 1,
		DefaultKeys: 1, NeverUsedKeys: 3,
	}, stats)
}
