// Package org implements the tenancy model: organizations, roles, and
// memberships, plus the permission resolution every request goes through.
package org

import (
	"time"
)

// RoleKind classifies a role.
type RoleKind string

const (
	RoleOwner   RoleKind = "owner"
	RoleAdmin   RoleKind = "admin"
	RoleManager RoleKind = "manager"
	RoleMember  RoleKind = "member"
	RoleViewer  RoleKind = "viewer"
	RoleCustom  RoleKind = "custom"
)

// Modules with per-action permissions.
const (
	ModuleWorkflows  = "workflows"
	ModuleExecutions = "executions"
	ModuleDocuments  = "documents"
	ModuleConnectors = "connectors"
	ModuleAnalytics  = "analytics"
	ModuleMembers    = "members"
	ModuleSettings   = "settings"
	ModuleBilling    = "billing"
)

// Actions within a module.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// PermissionMap maps module -> action -> allowed. A missing module or
// action means denied for roles, and "no override" for member custom
// permissions.
type PermissionMap map[string]map[string]bool

// Allows reports whether the map grants (module, action), and whether
// the map has an entry for that pair at all.
func (p PermissionMap) Allows(module, action string) (allowed, present bool) {
	if p == nil {
		return false, false
	}
	actions, ok := p[module]
	if !ok {
		return false, false
	}
	v, ok := actions[action]
	return v, ok
}

// Organization is the tenancy unit.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	ParentID  string    `json:"parent_id,omitempty"`
	OwnerID   string    `json:"owner_id"`
	Timezone  string    `json:"timezone"`
	Settings  map[string]any `json:"settings,omitempty"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role is a named permission set inside one organization.
type Role struct {
	ID          string        `json:"id"`
	OrgID       string        `json:"organization_id"`
	Name        string        `json:"name"`
	Kind        RoleKind      `json:"role_type"`
	Description string        `json:"description,omitempty"`
	Permissions PermissionMap `json:"permissions"`
	System      bool          `json:"is_system_role"`
	Active      bool          `json:"is_active"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Membership binds a principal to an organization with a role.
type Membership struct {
	ID          string        `json:"id"`
	OrgID       string        `json:"organization_id"`
	UserID      string        `json:"user_id"`
	RoleID      string        `json:"role_id"`
	Department  string        `json:"department,omitempty"`
	CustomPerms PermissionMap `json:"custom_permissions,omitempty"`
	Active      bool          `json:"is_active"`
	JoinedAt    time.Time     `json:"joined_at"`
}

// Permits resolves (module, action) for a membership: custom overrides
// beat the role map.
func (m *Membership) Permits(role *Role, module, action string) bool {
	if m == nil || !m.Active {
		return false
	}
	if allowed, present := m.CustomPerms.Allows(module, action); present {
		return allowed
	}
	if role == nil || !role.Active {
		return false
	}
	allowed, _ := role.Permissions.Allows(module, action)
	return allowed
}
