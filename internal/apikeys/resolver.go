package apikeys

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/auth"
	"github.com/dataup/cvat-gateway/internal/metrics"
)

// Resolver picks the key a caller's DataUp requests are sent with.
// Resolution is read-only; callers mark the key used after a successful call.
type Resolver struct {
	source         CandidateSource
	enforceOrgRole bool
	logger         *zap.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithOrgRoleEnforcement controls whether org-only keys must list the
// caller's role in allowed_roles. Enabled by default.
func WithOrgRoleEnforcement(enabled bool) ResolverOption {
	return func(r *Resolver) { r.enforceOrgRole = enabled }
}

// WithResolverLogger sets the logger used for debug output.
func WithResolverLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a Resolver reading candidates from source.
func NewResolver(source CandidateSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{source: source, enforceOrgRole: true, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the key for ac.
//
// Outside an organization only the caller's personal keys are considered.
// Inside one, the caller's own keys for that organization win without a role
// check. Org-only keys are the fallback, filtered by role when enforcement
// is on. Within a scope the default key wins, otherwise the most recently
// used (or created) one.
func (r *Resolver) Resolve(ctx context.Context, ac auth.AuthContext) (*Record, error) {
	if ac.UserID == 0 {
		return nil, ErrNotFound
	}

	if !ac.InOrg() {
		return r.resolveIn(ctx, ScopeKey{Scope: ScopePersonal, OwnerID: ac.UserID}, nil)
	}

	rec, err := r.resolveIn(ctx, ScopeKey{Scope: ScopeUserOrg, OwnerID: ac.UserID, OrgID: ac.OrgID}, nil)
	if !errors.Is(err, ErrNotFound) {
		return rec, err
	}

	var allow func(*Record) bool
	if r.enforceOrgRole {
		role := ac.NormalizedRole()
		allow = func(c *Record) bool {
			if c.IsRoleAllowed(role) {
				return true
			}
			metrics.KeyRoleRejections.Inc()
			r.logger.Debug("org key skipped for role",
				zap.String("key_id", c.ID), zap.String("role", role), zap.Strings("allowed_roles", c.AllowedRoles))
			return false
		}
	}
	return r.resolveIn(ctx, ScopeKey{Scope: ScopeOrgOnly, OrgID: ac.OrgID}, allow)
}

func (r *Resolver) resolveIn(ctx context.Context, scope ScopeKey, allow func(*Record) bool) (*Record, error) {
	cands, err := r.source.CandidateKeys(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s keys: %w", scope.Scope, err)
	}
	if allow != nil {
		cands = slices.DeleteFunc(cands, func(c Record) bool { return !allow(&c) })
	}
	rec := pickDefaultThenNewest(cands)
	if rec == nil {
		if scope.Scope != ScopeUserOrg {
			metrics.KeyResolutions.WithLabelValues("none").Inc()
		}
		return nil, ErrNotFound
	}
	metrics.KeyResolutions.WithLabelValues(scope.Scope.String()).Inc()
	return rec, nil
}

// pickDefaultThenNewest returns the default record if any, else the one with
// the latest last activity, ties broken by creation time then id.
func pickDefaultThenNewest(cands []Record) *Record {
	if len(cands) == 0 {
		return nil
	}
	for i := range cands {
		if cands[i].IsDefault {
			return &cands[i]
		}
	}
	best := slices.MinFunc(cands, func(a, b Record) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return &best
}
