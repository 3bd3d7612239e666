package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dataup/cvat-gateway/internal/apikeys"
)

// UpsertUser creates or refreshes a user mirror. An empty username keeps the
// stored one, and the UUID is assigned once on insert.
func (s *APIKeyStore) UpsertUser(ctx context.Context, u apikeys.User) (apikeys.User, error) {
	if u.ID == 0 {
		return apikeys.User{}, fmt.Errorf("%w: user id is required", apikeys.ErrInvalidInput)
	}
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	query := `INSERT INTO users (id, uuid, username, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE users.username END`
	if s.db.driver == DriverMySQL {
		query = `INSERT INTO users (id, uuid, username, created_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE username = IF(VALUES(username) <> '', VALUES(username), username)`
	}
	if _, err := s.db.ExecContextRebound(ctx, query, u.ID, u.UUID, u.Username, time.Now().UTC()); err != nil {
		return apikeys.User{}, wrapWriteError("upsert user", err)
	}
	stored, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return apikeys.User{}, err
	}
	return *stored, nil
}

// GetUser returns a user mirror by CVAT user id.
func (s *APIKeyStore) GetUser(ctx context.Context, id int64) (*apikeys.User, error) {
	var u apikeys.User
	err := s.db.QueryRowContextRebound(ctx, "SELECT id, uuid, username FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.UUID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// DeleteUser removes a user mirror together with every key it owns.
func (s *APIKeyStore) DeleteUser(ctx context.Context, id int64) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := s.db.txExec(ctx, tx, "DELETE FROM api_keys WHERE owner_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete user keys: %w", err)
		}
		res, err := s.db.txExec(ctx, tx, "DELETE FROM users WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		return requireRow(res, ErrUserNotFound)
	})
}

// UpsertOrganization creates or refreshes an organization mirror. Empty slug
// or name keep the stored values, and the UUID is assigned once on insert.
func (s *APIKeyStore) UpsertOrganization(ctx context.Context, org apikeys.Organization) (apikeys.Organization, error) {
	if org.ID == 0 {
		return apikeys.Organization{}, fmt.Errorf("%w: organization id is required", apikeys.ErrInvalidInput)
	}
	org.Slug = strings.TrimSpace(org.Slug)
	if org.UUID == "" {
		org.UUID = uuid.NewString()
	}
	query := `INSERT INTO organizations (id, uuid, slug, name, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			slug = CASE WHEN excluded.slug <> '' THEN excluded.slug ELSE organizations.slug END,
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE organizations.name END`
	if s.db.driver == DriverMySQL {
		query = `INSERT INTO organizations (id, uuid, slug, name, created_at) VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				slug = IF(VALUES(slug) <> '', VALUES(slug), slug),
				name = IF(VALUES(name) <> '', VALUES(name), name)`
	}
	if _, err := s.db.ExecContextRebound(ctx, query, org.ID, org.UUID, org.Slug, org.Name, time.Now().UTC()); err != nil {
		return apikeys.Organization{}, wrapWriteError("upsert organization", err)
	}
	stored, err := s.GetOrganization(ctx, org.ID)
	if err != nil {
		return apikeys.Organization{}, err
	}
	return *stored, nil
}

func (s *APIKeyStore) getOrganization(ctx context.Context, where string, arg any) (*apikeys.Organization, error) {
	var org apikeys.Organization
	err := s.db.QueryRowContextRebound(ctx, "SELECT id, uuid, slug, name FROM organizations WHERE "+where, arg).
		Scan(&org.ID, &org.UUID, &org.Slug, &org.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apikeys.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// GetOrganization returns an organization mirror by CVAT organization id.
func (s *APIKeyStore) GetOrganization(ctx context.Context, id int64) (*apikeys.Organization, error) {
	return s.getOrganization(ctx, "id = ?", id)
}

// GetOrganizationBySlug returns an organization mirror by slug.
func (s *APIKeyStore) GetOrganizationBySlug(ctx context.Context, slug string) (*apikeys.Organization, error) {
	return s.getOrganization(ctx, "slug = ?", strings.TrimSpace(slug))
}

// DeleteOrganization removes an organization mirror together with every key
// bound to it.
func (s *APIKeyStore) DeleteOrganization(ctx context.Context, id int64) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := s.db.txExec(ctx, tx, "DELETE FROM api_keys WHERE organization_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete organization keys: %w", err)
		}
		res, err := s.db.txExec(ctx, tx, "DELETE FROM organizations WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete organization: %w", err)
		}
		return requireRow(res, apikeys.ErrOrganizationNotFound)
	})
}
