package org

import (
	"path/filepath"
	"testing"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "org.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestCreateOrganizationSeedsRolesAndOwner(t *testing.T) {
	store := newTestStore(t)

	o, err := store.CreateOrganization("Acme Corp", "acme", "user-1")
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if o.ID == "" || o.Slug != "acme" {
		t.Fatalf("unexpected organization: %+v", o)
	}

	roles, err := store.ListRoles(o.ID)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 5 {
		t.Fatalf("expected 5 seeded roles, got %d", len(roles))
	}
	for _, r := range roles {
		if !r.System {
			t.Errorf("seeded role %s should be a system role", r.Name)
		}
	}

	m, err := store.GetMembership(o.ID, "user-1")
	if err != nil {
		t.Fatalf("owner membership missing: %v", err)
	}
	role, err := store.GetRole(m.RoleID)
	if err != nil {
		t.Fatalf("owner role: %v", err)
	}
	if role.Kind != RoleOwner {
		t.Fatalf("owner got role %s, want owner", role.Kind)
	}
}

func TestCreateOrganizationSlugConflict(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateOrganization("First", "dup", "user-1"); err != nil {
		t.Fatalf("create first: %v", err)
	}
	_, err := store.CreateOrganization("Second", "dup", "user-2")
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for duplicate slug, got %v", err)
	}
}

func TestSystemRoleCannotBeDeleted(t *testing.T) {
	store := newTestStore(t)

	o, err := store.CreateOrganization("Acme", "acme", "user-1")
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	owner, err := store.RoleByKind(o.ID, RoleOwner)
	if err != nil {
		t.Fatalf("owner role: %v", err)
	}
	if err := store.DeleteRole(owner.ID); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error deleting system role, got %v", err)
	}

	custom, err := store.CreateRole(o.ID, "Auditor", "read everything", PermissionMap{
		ModuleWorkflows: {ActionRead: true},
	})
	if err != nil {
		t.Fatalf("create custom role: %v", err)
	}
	if err := store.DeleteRole(custom.ID); err != nil {
		t.Fatalf("delete custom role: %v", err)
	}
}

func TestHasPermissionRoleMatrix(t *testing.T) {
	store := newTestStore(t)

	o, err := store.CreateOrganization("Acme", "acme", "owner-1")
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	viewer, err := store.RoleByKind(o.ID, RoleViewer)
	if err != nil {
		t.Fatalf("viewer role: %v", err)
	}
	if _, err := store.AddMember(o.ID, "user-2", viewer.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}

	cases := []struct {
		user, module, action string
		want                 bool
	}{
		{"owner-1", ModuleWorkflows, ActionDelete, true},
		{"owner-1", ModuleBilling, ActionUpdate, true},
		{"user-2", ModuleWorkflows, ActionRead, true},
		{"user-2", ModuleWorkflows, ActionCreate, false},
		{"user-2", ModuleBilling, ActionRead, false},
		{"stranger", ModuleWorkflows, ActionRead, false},
	}
	for _, tc := range cases {
		got, err := store.HasPermission(o.ID, tc.user, tc.module, tc.action)
		if err != nil {
			t.Fatalf("has permission %s %s:%s: %v", tc.user, tc.module, tc.action, err)
		}
		if got != tc.want {
			t.Errorf("%s %s:%s = %v, want %v", tc.user, tc.module, tc.action, got, tc.want)
		}
	}
}

func TestCustomPermissionsOverrideRole(t *testing.T) {
	store := newTestStore(t)

	o, err := store.CreateOrganization("Acme", "acme", "owner-1")
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	viewer, err := store.RoleByKind(o.ID, RoleViewer)
	if err != nil {
		t.Fatalf("viewer role: %v", err)
	}
	m, err := store.AddMember(o.ID, "user-2", viewer.ID)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}

	// Grant create beyond the role, and revoke read despite the role.
	err = store.SetCustomPermissions(m.ID, PermissionMap{
		ModuleWorkflows: {ActionCreate: true, ActionRead: false},
	})
	if err != nil {
		t.Fatalf("set custom permissions: %v", err)
	}

	if ok, _ := store.HasPermission(o.ID, "user-2", ModuleWorkflows, ActionCreate); !ok {
		t.Error("custom grant should allow workflows:create")
	}
	if ok, _ := store.HasPermission(o.ID, "user-2", ModuleWorkflows, ActionRead); ok {
		t.Error("custom revoke should deny workflows:read")
	}
	// Modules without overrides still follow the role.
	if ok, _ := store.HasPermission(o.ID, "user-2", ModuleExecutions, ActionRead); !ok {
		t.Error("executions:read should fall through to the viewer role")
	}
}

func TestRemoveMemberDeactivates(t *testing.T) {
	store := newTestStore(t)

	o, err := store.CreateOrganization("Acme", "acme", "owner-1")
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	member, err := store.RoleByKind(o.ID, RoleMember)
	if err != nil {
		t.Fatalf("member role: %v", err)
	}
	m, err := store.AddMember(o.ID, "user-2", member.ID)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}

	if err := store.RemoveMember(m.ID); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if ok, _ := store.HasPermission(o.ID, "user-2", ModuleWorkflows, ActionRead); ok {
		t.Error("removed member should not retain permissions")
	}
	members, err := store.ListMembers(o.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected only the owner to remain active, got %d members", len(members))
	}
}

func TestFirstMembershipOrdersByJoin(t *testing.T) {
	store := newTestStore(t)

	first, err := store.CreateOrganization("First", "first", "user-1")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, err := store.CreateOrganization("Second", "second", "user-1"); err != nil {
		t.Fatalf("create second: %v", err)
	}

	m, err := store.FirstMembership("user-1")
	if err != nil {
		t.Fatalf("first membership: %v", err)
	}
	if m.OrgID != first.ID {
		t.Fatalf("first membership org = %s, want %s", m.OrgID, first.ID)
	}
}
