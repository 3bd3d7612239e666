package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dataup/cvat-gateway/internal/apikeys"
	"github.com/dataup/cvat-gateway/internal/encryption"
)

// APIKeyStore implements apikeys.Store. Secrets are encrypted at rest with
// the configured FieldEncryptor; a keyed digest of each secret backs the
// uniqueness constraint.
type APIKeyStore struct {
	db     *DB
	enc    encryption.FieldEncryptor
	digest *encryption.Digester
}

var _ apikeys.Store = (*APIKeyStore)(nil)

// NewAPIKeyStore creates a store. A nil enc stores secrets in plaintext and a
// nil digester uses an unkeyed digest.
func NewAPIKeyStore(db *DB, enc encryption.FieldEncryptor, digester *encryption.Digester) *APIKeyStore {
	if enc == nil {
		enc = encryption.NewNullEncryptor()
	}
	if digester == nil {
		digester = encryption.NewDigester(nil)
	}
	return &APIKeyStore{db: db, enc: enc, digest: digester}
}

const selectKeys = `
SELECT k.id, k.secret, k.name, k.label, k.preview, k.organization_id, k.owner_id,
       COALESCE(u.username, ''), k.allowed_roles, k.is_default, k.created_at, k.last_used_at
FROM api_keys k
LEFT JOIN users u ON u.id = k.owner_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *APIKeyStore) scanKey(row rowScanner) (*apikeys.Record, error) {
	var (
		rec        apikeys.Record
		orgID      sql.NullInt64
		ownerID    sql.NullInt64
		roles      string
		lastUsedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Secret, &rec.Name, &rec.Label, &rec.Preview, &orgID, &ownerID,
		&rec.OwnerName, &roles, &rec.IsDefault, &rec.CreatedAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	rec.OrganizationID = orgID.Int64
	rec.OwnerID = ownerID.Int64
	rec.CreatedAt = rec.CreatedAt.UTC()
	if lastUsedAt.Valid {
		t := lastUsedAt.Time.UTC()
		rec.LastUsedAt = &t
	}
	if roles != "" {
		if err := json.Unmarshal([]byte(roles), &rec.AllowedRoles); err != nil {
			return nil, fmt.Errorf("failed to decode allowed_roles of key %s: %w", rec.ID, err)
		}
	}
	if rec.Secret, err = s.enc.Decrypt(rec.Secret); err != nil {
		return nil, fmt.Errorf("failed to decrypt key %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (s *APIKeyStore) queryKeys(ctx context.Context, where string, args ...any) ([]apikeys.Record, error) {
	return s.queryKeysOrdered(ctx, where, "k.created_at DESC, k.id DESC", args...)
}

func (s *APIKeyStore) queryKeysOrdered(ctx context.Context, where, orderBy string, args ...any) ([]apikeys.Record, error) {
	rows, err := s.db.QueryContextRebound(ctx, selectKeys+" WHERE "+where+" ORDER BY "+orderBy, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []apikeys.Record
	for rows.Next() {
		rec, err := s.scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api keys: %w", err)
	}
	return out, nil
}

// scopeClause returns the WHERE clause selecting exactly the keys of scope.
// col qualifies the column names ("k." inside selectKeys, "" otherwise).
func scopeClause(col string, scope apikeys.ScopeKey) (string, []any, error) {
	switch scope.Scope {
	case apikeys.ScopePersonal:
		return col + "owner_id = ? AND " + col + "organization_id IS NULL", []any{scope.OwnerID}, nil
	case apikeys.ScopeUserOrg:
		return col + "owner_id = ? AND " + col + "organization_id = ?", []any{scope.OwnerID, scope.OrgID}, nil
	case apikeys.ScopeOrgOnly:
		return col + "owner_id IS NULL AND " + col + "organization_id = ?", []any{scope.OrgID}, nil
	default:
		return "", nil, apikeys.ErrScopeRequired
	}
}

// CandidateKeys lists every key of one scope.
func (s *APIKeyStore) CandidateKeys(ctx context.Context, scope apikeys.ScopeKey) ([]apikeys.Record, error) {
	where, args, err := scopeClause("k.", scope)
	if err != nil {
		return nil, err
	}
	return s.queryKeys(ctx, where, args...)
}

// ListAPIKeys lists the keys of an organization, or the personal keys of an owner.
func (s *APIKeyStore) ListAPIKeys(ctx context.Context, f apikeys.ListFilter) ([]apikeys.Record, error) {
	where, args := "k.owner_id = ? AND k.organization_id IS NULL", []any{f.OwnerID}
	if f.OrganizationID != 0 {
		where, args = "k.organization_id = ?", []any{f.OrganizationID}
	}
	for _, term := range f.SearchTerms() {
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		where += " AND (LOWER(k.name) LIKE ? ESCAPE '!' OR LOWER(k.label) LIKE ? ESCAPE '!')"
		args = append(args, pattern, pattern)
	}
	return s.queryKeysOrdered(ctx, where, orderClause(f.OrderTerms()), args...)
}

var orderColumns = map[string]string{
	"name":         "k.name",
	"label":        "k.label",
	"created_at":   "k.created_at",
	"last_used_at": "k.last_used_at",
}

// orderClause renders terms. Keys never used sort last in both directions,
// and created_at then id break ties.
func orderClause(terms []apikeys.OrderTerm) string {
	var parts []string
	hasCreated := false
	for _, t := range terms {
		col, ok := orderColumns[t.Field]
		if !ok {
			continue
		}
		dir := " ASC"
		if t.Desc {
			dir = " DESC"
		}
		if t.Field == "last_used_at" {
			parts = append(parts, "CASE WHEN "+col+" IS NULL THEN 1 ELSE 0 END")
		}
		if t.Field == "created_at" {
			hasCreated = true
		}
		parts = append(parts, col+dir)
	}
	if !hasCreated {
		parts = append(parts, "k.created_at DESC")
	}
	parts = append(parts, "k.id DESC")
	return strings.Join(parts, ", ")
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// GetAPIKey returns a key by id.
func (s *APIKeyStore) GetAPIKey(ctx context.Context, id string) (*apikeys.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apikeys.ErrNotFound
	}
	rec, err := s.scanKey(s.db.QueryRowContextRebound(ctx, selectKeys+" WHERE k.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apikeys.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return rec, nil
}

// clearDefaults unsets the default flag of every key in scope except keepID.
func (s *APIKeyStore) clearDefaults(ctx context.Context, tx *sql.Tx, scope apikeys.ScopeKey, keepID string) error {
	where, args, err := scopeClause("", scope)
	if err != nil {
		return err
	}
	args = append([]any{false}, args...)
	args = append(args, keepID, true)
	_, err = s.db.txExec(ctx, tx, "UPDATE api_keys SET is_default = ? WHERE "+where+" AND id <> ? AND is_default = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to clear default keys: %w", err)
	}
	return nil
}

func (s *APIKeyStore) sealSecret(secret string) (sealed, digest string, err error) {
	sealed, err = s.enc.Encrypt(secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt secret: %w", err)
	}
	return sealed, s.digest.Digest(secret), nil
}

func encodeRoles(roles []string) (string, error) {
	if roles == nil {
		roles = []string{}
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return "", fmt.Errorf("failed to encode allowed_roles: %w", err)
	}
	return string(b), nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// CreateAPIKey inserts rec, assigning its id. When rec is the default of its
// scope, the previous default is cleared in the same transaction.
func (s *APIKeyStore) CreateAPIKey(ctx context.Context, rec *apikeys.Record) error {
	scope := rec.ScopeKey()
	if !scope.Valid() {
		return apikeys.ErrScopeRequired
	}
	sealed, digest, err := s.sealSecret(rec.Secret)
	if err != nil {
		return err
	}
	roles, err := encodeRoles(rec.AllowedRoles)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if rec.IsDefault {
			if err := s.clearDefaults(ctx, tx, scope, rec.ID); err != nil {
				return err
			}
		}
		_, err := s.db.txExec(ctx, tx, `
			INSERT INTO api_keys (id, secret, secret_hash, name, label, preview, organization_id, owner_id,
			                      allowed_roles, is_default, created_at, last_used_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, sealed, digest, rec.Name, rec.Label, rec.Preview, nullID(rec.OrganizationID), nullID(rec.OwnerID),
			roles, rec.IsDefault, rec.CreatedAt.UTC(), nullTime(rec.LastUsedAt))
		return wrapWriteError("create api key", err)
	})
	if err != nil {
		return err
	}
	if rec.OwnerID != 0 {
		if u, err := s.GetUser(ctx, rec.OwnerID); err == nil {
			rec.OwnerName = u.Username
		}
	}
	return nil
}

// UpdateAPIKey writes the mutable fields of rec. Setting the default flag
// clears the previous default of the scope in the same transaction.
func (s *APIKeyStore) UpdateAPIKey(ctx context.Context, rec *apikeys.Record) error {
	sealed, digest, err := s.sealSecret(rec.Secret)
	if err != nil {
		return err
	}
	roles, err := encodeRoles(rec.AllowedRoles)
	if err != nil {
		return err
	}
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if rec.IsDefault {
			if err := s.clearDefaults(ctx, tx, rec.ScopeKey(), rec.ID); err != nil {
				return err
			}
		}
		res, err := s.db.txExec(ctx, tx, `
			UPDATE api_keys
			SET secret = ?, secret_hash = ?, name = ?, label = ?, allowed_roles = ?, is_default = ?, last_used_at = ?
			WHERE id = ?`,
			sealed, digest, rec.Name, rec.Label, roles, rec.IsDefault, nullTime(rec.LastUsedAt), rec.ID)
		if err != nil {
			return wrapWriteError("update api key", err)
		}
		return requireRow(res, apikeys.ErrNotFound)
	})
}

// SetDefault makes id the only default key of scope.
func (s *APIKeyStore) SetDefault(ctx context.Context, scope apikeys.ScopeKey, id string) error {
	where, args, err := scopeClause("", scope)
	if err != nil {
		return err
	}
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.db.RebindQuery("SELECT 1 FROM api_keys WHERE "+where+" AND id = ?"),
			append(args, id)...).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return apikeys.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up api key: %w", err)
		}
		if err := s.clearDefaults(ctx, tx, scope, id); err != nil {
			return err
		}
		_, err = s.db.txExec(ctx, tx, "UPDATE api_keys SET is_default = ? WHERE id = ?", true, id)
		return wrapWriteError("set default api key", err)
	})
}

// TouchAPIKey records a use of the key.
func (s *APIKeyStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContextRebound(ctx, "UPDATE api_keys SET last_used_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return requireRow(res, apikeys.ErrNotFound)
}

// DeleteAPIKey removes a key.
func (s *APIKeyStore) DeleteAPIKey(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apikeys.ErrNotFound
	}
	res, err := s.db.ExecContextRebound(ctx, "DELETE FROM api_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return requireRow(res, apikeys.ErrNotFound)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
