package apikeys

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/audit"
	"github.com/dataup/cvat-gateway/internal/auth"
)

// CreateInput is the writable shape of a new key.
type CreateInput struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Label        string   `json:"label"`
	AllowedRoles []string `json:"allowed_roles"`
	Default      bool     `json:"default"`
	// Org selects the organization by slug. Empty creates a personal key.
	Org string `json:"org"`
}

// UpdateInput carries a partial update; nil fields are left untouched.
type UpdateInput struct {
	Key          *string   `json:"key"`
	Name         *string   `json:"name"`
	Label        *string   `json:"label"`
	AllowedRoles *[]string `json:"allowed_roles"`
	Default      *bool     `json:"default"`
}

// Service implements API-key management on top of a Store.
type Service struct {
	store        Store
	audit        *audit.Logger
	logger       *zap.Logger
	now          func() time.Time
	unrestricted bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithAuditLogger(l *audit.Logger) ServiceOption {
	return func(s *Service) { s.audit = l }
}

func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Unrestricted disables per-caller authorization. Operator tooling with
// direct database access uses it.
func Unrestricted() ServiceOption {
	return func(s *Service) { s.unrestricted = true }
}

// NewService creates a Service.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create adds a key owned by the caller, optionally bound to the organization named by in.Org.
func (s *Service) Create(ctx context.Context, ac auth.AuthContext, in CreateInput) (*Record, error) {
	if ac.UserID == 0 {
		return nil, fieldError(ErrInvalidInput, "owner", "No DataUp user linked to the current account.")
	}
	if _, err := s.store.UpsertUser(ctx, User{ID: ac.UserID, Username: ac.Username}); err != nil {
		return nil, fmt.Errorf("failed to sync user: %w", err)
	}

	var orgID int64
	if slug := strings.TrimSpace(in.Org); slug != "" {
		org, err := s.organizationForCaller(ctx, ac, slug)
		if err != nil {
			return nil, err
		}
		orgID = org.ID
	}
	return s.create(ctx, actorOf(ac), ac.UserID, orgID, in)
}

// CreateScoped adds a key in an explicit scope. Org-only keys can only be
// created this way. Owner and organization must already exist.
func (s *Service) CreateScoped(ctx context.Context, actor string, ownerID, orgID int64, in CreateInput) (*Record, error) {
	return s.create(ctx, actor, ownerID, orgID, in)
}

func (s *Service) create(ctx context.Context, actor string, ownerID, orgID int64, in CreateInput) (*Record, error) {
	scope := ScopeOf(ownerID, orgID)
	if !scope.Valid() {
		return nil, fieldError(ErrScopeRequired, "non_field_errors", "Provide at least one of 'owner' or 'organization'.")
	}

	fields := keyFields{Key: strings.TrimSpace(in.Key), Name: strings.TrimSpace(in.Name), Label: in.Label}
	if err := validateFields(fields); err != nil {
		return nil, err
	}
	roles, err := NormalizeRoles(in.AllowedRoles)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Secret:         fields.Key,
		Name:           fields.Name,
		Label:          fields.Label,
		Preview:        NewPreview(fields.Key),
		OwnerID:        ownerID,
		OrganizationID: orgID,
		AllowedRoles:   roles,
		IsDefault:      in.Default,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateAPIKey(ctx, rec); err != nil {
		s.record(ctx, audit.ActionAPIKeyCreate, actor, orgID, rec, err)
		return nil, err
	}
	s.record(ctx, audit.ActionAPIKeyCreate, actor, orgID, rec, nil)
	s.logger.Info("api key created",
		zap.String("key_id", rec.ID), zap.String("scope", scope.Scope.String()), zap.String("key_preview", rec.Preview))
	return rec, nil
}

// Get returns a key visible to the caller.
func (s *Service) Get(ctx context.Context, ac auth.AuthContext, id string) (*Record, error) {
	rec, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canView(ac, rec) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ListQuery narrows Service.List.
type ListQuery struct {
	Org      string
	Search   string
	Ordering string
}

// List returns every key of the organization named by q.Org, or the caller's
// personal keys when q.Org is empty. Newest first unless q.Ordering says
// otherwise.
func (s *Service) List(ctx context.Context, ac auth.AuthContext, q ListQuery) ([]Record, error) {
	filter := ListFilter{Search: strings.TrimSpace(q.Search), Ordering: q.Ordering}
	orgSlug := strings.TrimSpace(q.Org)
	if orgSlug == "" {
		filter.OwnerID = ac.UserID
		return s.store.ListAPIKeys(ctx, filter)
	}
	org, err := s.store.GetOrganizationBySlug(ctx, orgSlug)
	if err != nil {
		return nil, err
	}
	if !s.unrestricted && org.ID != ac.OrgID {
		return nil, ErrForbidden
	}
	filter.OrganizationID = org.ID
	return s.store.ListAPIKeys(ctx, filter)
}

// Update applies a partial update. Rotating the secret bumps last_used_at;
// the preview is left as it was computed at creation.
func (s *Service) Update(ctx context.Context, ac auth.AuthContext, id string, in UpdateInput) (*Record, error) {
	rec, err := s.manageable(ctx, ac, id)
	if err != nil {
		return nil, err
	}

	rotated := false
	if in.Key != nil {
		key := strings.TrimSpace(*in.Key)
		rotated = key != rec.Secret
		rec.Secret = key
	}
	if in.Name != nil {
		rec.Name = strings.TrimSpace(*in.Name)
	}
	if in.Label != nil {
		rec.Label = *in.Label
	}
	if err := validateFields(keyFields{Key: rec.Secret, Name: rec.Name, Label: rec.Label}); err != nil {
		return nil, err
	}
	if in.AllowedRoles != nil {
		roles, err := NormalizeRoles(*in.AllowedRoles)
		if err != nil {
			return nil, err
		}
		rec.AllowedRoles = roles
	}
	if in.Default != nil {
		rec.IsDefault = *in.Default
	}
	if rotated {
		now := s.now().UTC()
		rec.LastUsedAt = &now
	}

	err = s.store.UpdateAPIKey(ctx, rec)
	s.record(ctx, audit.ActionAPIKeyUpdate, actorOf(ac), rec.OrganizationID, rec, err)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a key.
func (s *Service) Delete(ctx context.Context, ac auth.AuthContext, id string) error {
	rec, err := s.manageable(ctx, ac, id)
	if err != nil {
		return err
	}
	err = s.store.DeleteAPIKey(ctx, id)
	s.record(ctx, audit.ActionAPIKeyDelete, actorOf(ac), rec.OrganizationID, rec, err)
	return err
}

// SetDefault makes id the default of its scope, clearing every other default
// there in the same transaction.
func (s *Service) SetDefault(ctx context.Context, ac auth.AuthContext, id string) (*Record, error) {
	rec, err := s.manageable(ctx, ac, id)
	if err != nil {
		return nil, err
	}
	err = s.store.SetDefault(ctx, rec.ScopeKey(), id)
	s.record(ctx, audit.ActionAPIKeySetDefault, actorOf(ac), rec.OrganizationID, rec, err)
	if err != nil {
		return nil, err
	}
	rec.IsDefault = true
	return rec, nil
}

// MarkUsed records a successful use of the key.
func (s *Service) MarkUsed(ctx context.Context, id string) error {
	return s.store.TouchAPIKey(ctx, id, s.now().UTC())
}

// Organization returns the mirror of the caller's organization, creating it
// from the token claims when it is missing. It returns nil outside an
// organization or when the organization cannot be mirrored.
func (s *Service) Organization(ctx context.Context, ac auth.AuthContext) (*Organization, error) {
	if !ac.InOrg() {
		return nil, nil
	}
	org, err := s.store.GetOrganization(ctx, ac.OrgID)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, ErrOrganizationNotFound) {
		return nil, err
	}
	if ac.OrgSlug == "" {
		return nil, nil
	}
	created, err := s.store.UpsertOrganization(ctx, Organization{ID: ac.OrgID, Slug: ac.OrgSlug})
	if err != nil {
		return nil, fmt.Errorf("failed to sync organization: %w", err)
	}
	return &created, nil
}

func (s *Service) organizationForCaller(ctx context.Context, ac auth.AuthContext, slug string) (*Organization, error) {
	org, err := s.store.GetOrganizationBySlug(ctx, slug)
	if errors.Is(err, ErrOrganizationNotFound) && ac.InOrg() && strings.EqualFold(slug, ac.OrgSlug) {
		org, err = s.Organization(ctx, ac)
		if err == nil && org == nil {
			err = ErrOrganizationNotFound
		}
	}
	if errors.Is(err, ErrOrganizationNotFound) {
		return nil, fieldError(ErrOrganizationNotFound, "org", "Organization not found.")
	}
	if err != nil {
		return nil, err
	}
	if !s.unrestricted && org.ID != ac.OrgID {
		return nil, ErrForbidden
	}
	return org, nil
}

func (s *Service) manageable(ctx context.Context, ac auth.AuthContext, id string) (*Record, error) {
	rec, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canView(ac, rec) {
		return nil, ErrNotFound
	}
	if !s.canManage(ac, rec) {
		return nil, ErrForbidden
	}
	return rec, nil
}

// canView: the owner, or any member of the key's organization.
func (s *Service) canView(ac auth.AuthContext, rec *Record) bool {
	if s.unrestricted {
		return true
	}
	if rec.OwnerID != 0 && rec.OwnerID == ac.UserID {
		return true
	}
	return rec.OrganizationID != 0 && rec.OrganizationID == ac.OrgID
}

// canManage: the owner, or an organization owner or maintainer.
func (s *Service) canManage(ac auth.AuthContext, rec *Record) bool {
	if s.unrestricted {
		return true
	}
	if rec.OwnerID != 0 && rec.OwnerID == ac.UserID {
		return true
	}
	if rec.OrganizationID == 0 || rec.OrganizationID != ac.OrgID {
		return false
	}
	role := ac.NormalizedRole()
	return role == "owner" || role == "maintainer"
}

func (s *Service) record(ctx context.Context, action, actor string, orgID int64, rec *Record, err error) {
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
	}
	ev := audit.NewEvent(action, actor, result).FromContext(ctx).WithOrgID(orgID).WithKey(rec.ID, rec.Preview).WithError(err)
	if logErr := s.audit.Log(ev); logErr != nil {
		s.logger.Warn("failed to write audit event", zap.String("action", action), zap.Error(logErr))
	}
}

func actorOf(ac auth.AuthContext) string {
	if ac.UserID == 0 {
		return audit.ActorAnonymous
	}
	return "user:" + strconv.FormatInt(ac.UserID, 10)
}
