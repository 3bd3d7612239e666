// Package apikeys manages DataUp API keys and selects the key a caller's
// requests are forwarded with.
//
// A key belongs to exactly one scope, derived from which of owner and
// organization are set:
//
//	personal  owner set, organization empty
//	user_org  owner and organization set
//	org_only  organization set, owner empty
//
// At most one key per scope carries the default flag. The Store enforces this
// transactionally, and the database backs it with partial unique indexes.
package apikeys

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no key (or no candidate) matches.
	ErrNotFound = errors.New("api key not found")
	// ErrInvalidInput is the class of all validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrScopeRequired is returned when neither owner nor organization is set.
	ErrScopeRequired = errors.New("api key scope required")
	// ErrInvalidRole is returned for roles outside ValidRoles.
	ErrInvalidRole = errors.New("invalid role")
	// ErrOrganizationNotFound is returned when an organization slug or id is unknown.
	ErrOrganizationNotFound = errors.New("organization not found")
	// ErrConflict is returned when the store rejects a write on an integrity constraint.
	ErrConflict = errors.New("api key conflict")
	// ErrForbidden is returned when the caller may see but not change a key.
	ErrForbidden = errors.New("not allowed")
)

// Scope is the partition a key's default flag is unique within.
type Scope int

const (
	ScopeInvalid Scope = iota
	ScopePersonal
	ScopeUserOrg
	ScopeOrgOnly
)

func (s Scope) String() string {
	switch s {
	case ScopePersonal:
		return "personal"
	case ScopeUserOrg:
		return "user_org"
	case ScopeOrgOnly:
		return "org_only"
	default:
		return "invalid"
	}
}

// ScopeKey identifies one concrete scope. IDs that do not apply to the scope are zero.
type ScopeKey struct {
	Scope   Scope
	OwnerID int64
	OrgID   int64
}

// ScopeOf derives the scope from an owner and organization id. Zero means unset.
func ScopeOf(ownerID, orgID int64) ScopeKey {
	switch {
	case ownerID != 0 && orgID == 0:
		return ScopeKey{Scope: ScopePersonal, OwnerID: ownerID}
	case ownerID != 0 && orgID != 0:
		return ScopeKey{Scope: ScopeUserOrg, OwnerID: ownerID, OrgID: orgID}
	case ownerID == 0 && orgID != 0:
		return ScopeKey{Scope: ScopeOrgOnly, OrgID: orgID}
	default:
		return ScopeKey{Scope: ScopeInvalid}
	}
}

// Valid reports whether k names a real scope.
func (k ScopeKey) Valid() bool {
	return k.Scope != ScopeInvalid
}

// Record is a stored API key. Secret is held in clear in memory only.
type Record struct {
	ID             string
	Secret         string
	Name           string
	Label          string
	Preview        string
	OrganizationID int64
	OwnerID        int64
	OwnerName      string
	AllowedRoles   []string
	IsDefault      bool
	CreatedAt      time.Time
	LastUsedAt     *time.Time
}

// ScopeKey returns the scope the record belongs to.
func (r *Record) ScopeKey() ScopeKey {
	return ScopeOf(r.OwnerID, r.OrganizationID)
}

// IsRoleAllowed reports whether a caller with role may use the key.
// Keys with an owner allow every role, including none. Org-only keys
// require role to be listed in AllowedRoles.
func (r *Record) IsRoleAllowed(role string) bool {
	if r.OwnerID != 0 {
		return true
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	return slices.Contains(r.AllowedRoles, role)
}

// LastActivity is last_used_at, or created_at for keys that were never used.
func (r *Record) LastActivity() time.Time {
	if r.LastUsedAt != nil {
		return *r.LastUsedAt
	}
	return r.CreatedAt
}

// NewPreview derives the display form of a secret: its first 8 characters
// followed by its last 4. Shorter secrets overlap, matching slice semantics
// of the key management UI.
func NewPreview(secret string) string {
	head := secret
	if len(head) > 8 {
		head = head[:8]
	}
	tail := secret
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return head + tail
}

// User mirrors a CVAT account that can own keys.
type User struct {
	ID       int64
	UUID     string
	Username string
}

// Organization mirrors a CVAT organization. UUID is the identifier sent to DataUp.
type Organization struct {
	ID   int64
	UUID string
	Slug string
	Name string
}
