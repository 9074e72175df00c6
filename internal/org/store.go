package org

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// Store persists organizations, roles, and memberships.
type Store struct {
	db *sql.DB
}

// NewStore migrates the tenancy tables on the shared database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS organizations (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		slug       TEXT NOT NULL UNIQUE,
		parent_id  TEXT,
		owner_id   TEXT NOT NULL,
		timezone   TEXT NOT NULL DEFAULT 'UTC',
		settings   TEXT NOT NULL DEFAULT '{}',
		is_active  INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create organizations table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS roles (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		name            TEXT NOT NULL,
		role_type       TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		permissions     TEXT NOT NULL DEFAULT '{}',
		is_system       INTEGER NOT NULL DEFAULT 0,
		is_active       INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		UNIQUE(organization_id, name)
	)`); err != nil {
		return nil, fmt.Errorf("create roles table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS organization_members (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL,
		role_id         TEXT NOT NULL REFERENCES roles(id),
		department      TEXT NOT NULL DEFAULT '',
		custom_perms    TEXT NOT NULL DEFAULT '{}',
		is_active       INTEGER NOT NULL DEFAULT 1,
		joined_at       TEXT NOT NULL,
		UNIQUE(organization_id, user_id)
	)`); err != nil {
		return nil, fmt.Errorf("create organization_members table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_members_user ON organization_members(user_id, is_active)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_roles_org_type ON roles(organization_id, role_type)`)

	return &Store{db: db}, nil
}

// CreateOrganization creates an organization, seeds its system roles,
// and adds the owner as a member with the owner role.
func (s *Store) CreateOrganization(name, slug, ownerID string) (*Organization, error) {
	name = strings.TrimSpace(name)
	slug = strings.TrimSpace(strings.ToLower(slug))
	if name == "" || slug == "" {
		return nil, apperr.Validation("organization name and slug are required")
	}
	if ownerID == "" {
		return nil, apperr.Validation("organization owner is required")
	}

	now := time.Now().UTC()
	o := &Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		OwnerID:   ownerID,
		Timezone:  "UTC",
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO organizations (id, name, slug, parent_id, owner_id, timezone, settings, is_active, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, '{}', 1, ?, ?)`,
		o.ID, o.Name, o.Slug, o.OwnerID, o.Timezone,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "organization slug %q already in use", slug)
		}
		return nil, fmt.Errorf("insert organization: %w", err)
	}

	var ownerRoleID string
	for _, seed := range defaultRoles() {
		roleID := uuid.NewString()
		perms, _ := json.Marshal(seed.Permissions)
		_, err = tx.Exec(`INSERT INTO roles (id, organization_id, name, role_type, description, permissions, is_system, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, 1, ?, ?)`,
			roleID, o.ID, seed.Name, string(seed.Kind), seed.Description, string(perms),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, fmt.Errorf("seed role %s: %w", seed.Kind, err)
		}
		if seed.Kind == RoleOwner {
			ownerRoleID = roleID
		}
	}

	_, err = tx.Exec(`INSERT INTO organization_members (id, organization_id, user_id, role_id, department, custom_perms, is_active, joined_at)
		VALUES (?, ?, ?, ?, '', '{}', 1, ?)`,
		uuid.NewString(), o.ID, ownerID, ownerRoleID, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("add owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrganization returns one organization by id.
func (s *Store) GetOrganization(id string) (*Organization, error) {
	row := s.db.QueryRow(`SELECT id, name, slug, parent_id, owner_id, timezone, settings, is_active, created_at, updated_at
		FROM organizations WHERE id = ?`, id)
	return scanOrganization(row)
}

// GetBySlug returns one organization by slug.
func (s *Store) GetBySlug(slug string) (*Organization, error) {
	row := s.db.QueryRow(`SELECT id, name, slug, parent_id, owner_id, timezone, settings, is_active, created_at, updated_at
		FROM organizations WHERE slug = ?`, slug)
	return scanOrganization(row)
}

// SetActive flips an organization's active flag.
func (s *Store) SetActive(id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.Exec(`UPDATE organizations SET is_active = ?, updated_at = ? WHERE id = ?`,
		flag, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteOrganization removes an organization; foreign keys cascade to
// roles and memberships (and to all owned data keyed on it).
func (s *Store) DeleteOrganization(id string) error {
	res, err := s.db.Exec(`DELETE FROM organizations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateRole adds a custom role to an organization.
func (s *Store) CreateRole(orgID, name, description string, perms PermissionMap) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("role name is required")
	}

	now := time.Now().UTC()
	r := &Role{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Name:        name,
		Kind:        RoleCustom,
		Description: description,
		Permissions: perms,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	raw, _ := json.Marshal(perms)

	_, err := s.db.Exec(`INSERT INTO roles (id, organization_id, name, role_type, description, permissions, is_system, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?, ?)`,
		r.ID, orgID, name, string(RoleCustom), description, string(raw),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "role %q already exists in organization", name)
		}
		return nil, fmt.Errorf("insert role: %w", err)
	}
	return r, nil
}

// GetRole returns one role by id.
func (s *Store) GetRole(id string) (*Role, error) {
	row := s.db.QueryRow(`SELECT id, organization_id, name, role_type, description, permissions, is_system, is_active, created_at, updated_at
		FROM roles WHERE id = ?`, id)
	return scanRole(row)
}

// RoleByKind returns the organization's role of the given kind, such as
// the seeded owner or viewer role.
func (s *Store) RoleByKind(orgID string, kind RoleKind) (*Role, error) {
	row := s.db.QueryRow(`SELECT id, organization_id, name, role_type, description, permissions, is_system, is_active, created_at, updated_at
		FROM roles WHERE organization_id = ? AND role_type = ?`, orgID, string(kind))
	return scanRole(row)
}

// ListRoles returns all roles of an organization.
func (s *Store) ListRoles(orgID string) ([]Role, error) {
	rows, err := s.db.Query(`SELECT id, organization_id, name, role_type, description, permissions, is_system, is_active, created_at, updated_at
		FROM roles WHERE organization_id = ? ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Role, 0)
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteRole removes a custom role. System roles cannot be deleted.
func (s *Store) DeleteRole(id string) error {
	role, err := s.GetRole(id)
	if err != nil {
		return err
	}
	if role.System {
		return apperr.Validation("system roles cannot be deleted")
	}
	_, err = s.db.Exec(`DELETE FROM roles WHERE id = ?`, id)
	return err
}

// AddMember adds a user to an organization with the given role.
func (s *Store) AddMember(orgID, userID, roleID string) (*Membership, error) {
	now := time.Now().UTC()
	m := &Membership{
		ID:       uuid.NewString(),
		OrgID:    orgID,
		UserID:   userID,
		RoleID:   roleID,
		Active:   true,
		JoinedAt: now,
	}
	_, err := s.db.Exec(`INSERT INTO organization_members (id, organization_id, user_id, role_id, department, custom_perms, is_active, joined_at)
		VALUES (?, ?, ?, ?, '', '{}', 1, ?)`,
		m.ID, orgID, userID, roleID, now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "user is already a member of this organization")
		}
		return nil, fmt.Errorf("insert membership: %w", err)
	}
	return m, nil
}

// GetMembership returns the membership of a user in an organization.
func (s *Store) GetMembership(orgID, userID string) (*Membership, error) {
	row := s.db.QueryRow(`SELECT id, organization_id, user_id, role_id, department, custom_perms, is_active, joined_at
		FROM organization_members WHERE organization_id = ? AND user_id = ?`, orgID, userID)
	return scanMembership(row)
}

// FirstMembership returns the user's first active membership, used to
// resolve a default organization context.
func (s *Store) FirstMembership(userID string) (*Membership, error) {
	row := s.db.QueryRow(`SELECT id, organization_id, user_id, role_id, department, custom_perms, is_active, joined_at
		FROM organization_members WHERE user_id = ? AND is_active = 1 ORDER BY joined_at LIMIT 1`, userID)
	return scanMembership(row)
}

// ListMembers returns all active memberships of an organization.
func (s *Store) ListMembers(orgID string) ([]Membership, error) {
	rows, err := s.db.Query(`SELECT id, organization_id, user_id, role_id, department, custom_perms, is_active, joined_at
		FROM organization_members WHERE organization_id = ? AND is_active = 1 ORDER BY joined_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Membership, 0)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateMemberRole changes a member's role.
func (s *Store) UpdateMemberRole(membershipID, roleID string) error {
	res, err := s.db.Exec(`UPDATE organization_members SET role_id = ? WHERE id = ?`, roleID, membershipID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetCustomPermissions replaces a member's permission overrides.
func (s *Store) SetCustomPermissions(membershipID string, perms PermissionMap) error {
	raw, _ := json.Marshal(perms)
	res, err := s.db.Exec(`UPDATE organization_members SET custom_perms = ? WHERE id = ?`, string(raw), membershipID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RemoveMember deactivates a membership. Members are never hard-deleted
// so the audit trail keeps its references.
func (s *Store) RemoveMember(membershipID string) error {
	res, err := s.db.Exec(`UPDATE organization_members SET is_active = 0 WHERE id = ?`, membershipID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// HasPermission resolves (module, action) for a user in an organization:
// custom overrides first, then the role map.
func (s *Store) HasPermission(orgID, userID, module, action string) (bool, error) {
	m, err := s.GetMembership(orgID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if !m.Active {
		return false, nil
	}
	role, err := s.GetRole(m.RoleID)
	if err != nil {
		return false, err
	}
	return m.Permits(role, module, action), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrganization(sc scanner) (*Organization, error) {
	var (
		o                    Organization
		parent               sql.NullString
		settings             string
		active               int
		createdAt, updatedAt string
	)
	if err := sc.Scan(&o.ID, &o.Name, &o.Slug, &parent, &o.OwnerID, &o.Timezone, &settings, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	o.ParentID = parent.String
	o.Active = active == 1
	_ = json.Unmarshal([]byte(settings), &o.Settings)
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &o, nil
}

func scanRole(sc scanner) (*Role, error) {
	var (
		r                    Role
		kind, perms          string
		system, active       int
		createdAt, updatedAt string
	)
	if err := sc.Scan(&r.ID, &r.OrgID, &r.Name, &kind, &r.Description, &perms, &system, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Kind = RoleKind(kind)
	r.System = system == 1
	r.Active = active == 1
	_ = json.Unmarshal([]byte(perms), &r.Permissions)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

func scanMembership(sc scanner) (*Membership, error) {
	var (
		m        Membership
		perms    string
		active   int
		joinedAt string
	)
	if err := sc.Scan(&m.ID, &m.OrgID, &m.UserID, &m.RoleID, &m.Department, &perms, &active, &joinedAt); err != nil {
		return nil, err
	}
	m.Active = active == 1
	_ = json.Unmarshal([]byte(perms), &m.CustomPerms)
	m.JoinedAt, _ = time.Parse(time.RFC3339Nano, joinedAt)
	return &m, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
