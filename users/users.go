package users

import (
	"strings"
	"time"
)

// ProfileSource records where a Profile came from.
type ProfileSource string

const (
	// SourceBackend is a profile returned by the current-user endpoint.
	SourceBackend ProfileSource = "backend"
	// SourceLoginResponse is a profile embedded in the login/register payload.
	SourceLoginResponse ProfileSource = "login-response"
	// SourceTokenFallback is a minimal profile derived from access-token claims.
	// It lacks every field that only the backend record knows.
	SourceTokenFallback ProfileSource = "token-fallback"
)

// Permission grants Action on Resource.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Role is the single role a user holds.
type Role struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// Profile is an immutable snapshot of the logged-in user.
type Profile struct {
	ID        string        `json:"id"`
	Email     string        `json:"email"`
	FirstName string        `json:"first_name,omitempty"`
	LastName  string        `json:"last_name,omitempty"`
	Role      Role          `json:"role"`
	IsActive  bool          `json:"is_active"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
	Source    ProfileSource `json:"source,omitempty"`
}

// FullName joins the first and last name.
func (p *Profile) FullName() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// DisplayName is for display only. It falls back to the local part of the email
// when no name is known; the value is never stored on the profile.
func (p *Profile) DisplayName() string {
	if p == nil {
		return ""
	}
	if name := p.FullName(); name != "" {
		return name
	}
	local, _, _ := strings.Cut(p.Email, "@")
	return local
}

// IsFallback reports whether the profile was derived from token claims.
func (p *Profile) IsFallback() bool {
	return p != nil && p.Source == SourceTokenFallback
}

// HasRole compares role names case-insensitively. A nil profile has no role.
func (p *Profile) HasRole(name string) bool {
	if p == nil || name == "" {
		return false
	}
	return strings.EqualFold(p.Role.Name, name)
}

// HasAnyRole reports whether the profile holds one of names.
func (p *Profile) HasAnyRole(names ...string) bool {
	for _, n := range names {
		if p.HasRole(n) {
			return true
		}
	}
	return false
}

// HasPermission checks the role's permissions. "*" matches any resource or action.
func (p *Profile) HasPermission(resource, action string) bool {
	if p == nil {
		return false
	}
	for _, perm := range p.Role.Permissions {
		if matches(perm.Resource, resource) && matches(perm.Action, action) {
			return true
		}
	}
	return false
}

func matches(granted, wanted string) bool {
	return granted == "*" || strings.EqualFold(granted, wanted)
}

// ParsePermission parses "resource:action". A bare resource grants every action.
func ParsePermission(s string) (Permission, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Permission{}, false
	}
	resource, action, found := strings.Cut(s, ":")
	if !found {
		return Permission{Resource: resource, Action: "*"}, true
	}
	if resource == "" || action == "" {
		return Permission{}, false
	}
	return Permission{Resource: resource, Action: action}, true
}
