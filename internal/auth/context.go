// Package auth turns verified bearer JWTs into an explicit AuthContext that is
// passed to the key resolver and the API-key service.
package auth

import (
	"context"
	"strings"
)

// AuthContext identifies the caller of a request.
// OrgID is zero when the request is made outside of an organization.
type AuthContext struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	OrgID    int64  `json:"org_id,omitempty"`
	OrgSlug  string `json:"org_slug,omitempty"`
	Role     string `json:"role,omitempty"`
}

// InOrg reports whether the caller acts inside an organization.
func (a AuthContext) InOrg() bool {
	return a.OrgID != 0
}

// NormalizedRole returns the trimmed, lowercased organization role.
func (a AuthContext) NormalizedRole() string {
	return strings.ToLower(strings.TrimSpace(a.Role))
}

type ctxKey struct{}

// WithContext stores ac in ctx.
func WithContext(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext returns the AuthContext stored by WithContext.
func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(ctxKey{}).(AuthContext)
	return ac, ok
}
