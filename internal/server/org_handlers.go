package server

import (
	"net/http"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/audit"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
	"github.com/flowpilot-ai/flowpilot/internal/org"
)

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.User == nil {
		s.writeError(w, r, apperr.New(apperr.KindPermission, "organizations are created by users, not api keys"))
		return
	}
	var body struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.orgs.CreateOrganization(body.Name, body.Slug, p.User.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.meter.SeedDefaults(o.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventOrgCreated, o.ID, p.Actor(), "organization created: "+o.Name)
	s.writeData(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	o, err := s.orgs.GetOrganization(p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, o)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	members, err := s.orgs.ListMembers(p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, members)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var body struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
		RoleID string `json:"role_id"`
		Role   string `json:"role"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := body.UserID
	if userID == "" && body.Email != "" {
		user, err := s.users.GetUserByEmail(body.Email)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		userID = user.ID
	}
	if userID == "" {
		s.writeError(w, r, apperr.Validation("user_id or email is required"))
		return
	}
	roleID, err := s.resolveRole(p.OrgID, body.RoleID, body.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.meter.Charge(p.OrgID, metering.ResourceMembers, 1); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.orgs.AddMember(p.OrgID, userID, roleID)
	if err != nil {
		_ = s.meter.Release(p.OrgID, metering.ResourceMembers, 1)
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventMemberAdded, p.OrgID, p.Actor(), "member added: "+userID)
	s.writeData(w, http.StatusCreated, m)
}

// resolveRole picks a role id from an explicit id or a role kind name,
// defaulting to member.
func (s *Server) resolveRole(orgID, roleID, kind string) (string, error) {
	if roleID != "" {
		return roleID, nil
	}
	if kind == "" {
		kind = string(org.RoleMember)
	}
	role, err := s.orgs.RoleByKind(orgID, org.RoleKind(kind))
	if err != nil {
		return "", apperr.Validation("unknown role %q", kind)
	}
	return role.ID, nil
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := r.PathValue("id")
	var body struct {
		RoleID      string            `json:"role_id"`
		Role        string            `json:"role"`
		Permissions org.PermissionMap `json:"custom_permissions"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.RoleID != "" || body.Role != "" {
		roleID, err := s.resolveRole(p.OrgID, body.RoleID, body.Role)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.orgs.UpdateMemberRole(id, roleID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.audit.Emit(audit.EventRoleChanged, p.OrgID, p.Actor(), "member role changed: "+id)
	}
	if body.Permissions != nil {
		if err := s.orgs.SetCustomPermissions(id, body.Permissions); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.writeData(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := r.PathValue("id")
	if err := s.orgs.RemoveMember(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.meter.Release(p.OrgID, metering.ResourceMembers, 1)
	s.audit.Emit(audit.EventMemberRemoved, p.OrgID, p.Actor(), "member removed: "+id)
	s.writeData(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	roles, err := s.orgs.ListRoles(p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, roles)
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var body struct {
		Name        string            `json:"name"`
		Description string            `json:"description"`
		Permissions org.PermissionMap `json:"permissions"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := s.orgs.CreateRole(p.OrgID, body.Name, body.Description, body.Permissions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := s.orgs.DeleteRole(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}
