package org

// fullAccess grants every action on a module.
func fullAccess() map[string]bool {
	return map[string]bool{ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true}
}

func readOnly() map[string]bool {
	return map[string]bool{ActionCreate: false, ActionRead: true, ActionUpdate: false, ActionDelete: false}
}

func access(create, read, update, del bool) map[string]bool {
	return map[string]bool{ActionCreate: create, ActionRead: read, ActionUpdate: update, ActionDelete: del}
}

type roleSeed struct {
	Name        string
	Kind        RoleKind
	Description string
	Permissions PermissionMap
}

// defaultRoles are the system roles seeded into every new organization.
// Exactly one owner role exists per organization; system roles cannot
// be deleted.
func defaultRoles() []roleSeed {
	return []roleSeed{
		{
			Name: "Owner", Kind: RoleOwner,
			Description: "Full access to all organization features",
			Permissions: PermissionMap{
				ModuleWorkflows:  fullAccess(),
				ModuleExecutions: fullAccess(),
				ModuleDocuments:  fullAccess(),
				ModuleConnectors: fullAccess(),
				ModuleAnalytics:  fullAccess(),
				ModuleMembers:    fullAccess(),
				ModuleSettings:   fullAccess(),
				ModuleBilling:    fullAccess(),
			},
		},
		{
			Name: "Administrator", Kind: RoleAdmin,
			Description: "Administrative access to most features",
			Permissions: PermissionMap{
				ModuleWorkflows:  fullAccess(),
				ModuleExecutions: fullAccess(),
				ModuleDocuments:  fullAccess(),
				ModuleConnectors: fullAccess(),
				ModuleAnalytics:  fullAccess(),
				ModuleMembers:    access(true, true, true, false),
				ModuleSettings:   access(false, true, true, false),
				ModuleBilling:    readOnly(),
			},
		},
		{
			Name: "Manager", Kind: RoleManager,
			Description: "Can manage workflows and view analytics",
			Permissions: PermissionMap{
				ModuleWorkflows:  fullAccess(),
				ModuleExecutions: access(true, true, true, false),
				ModuleDocuments:  fullAccess(),
				ModuleConnectors: readOnly(),
				ModuleAnalytics:  readOnly(),
				ModuleMembers:    readOnly(),
				ModuleSettings:   readOnly(),
				ModuleBilling:    readOnly(),
			},
		},
		{
			Name: "Member", Kind: RoleMember,
			Description: "Can create and manage own workflows",
			Permissions: PermissionMap{
				ModuleWorkflows:  access(true, true, true, false),
				ModuleExecutions: access(true, true, false, false),
				ModuleDocuments:  access(true, true, true, false),
				ModuleConnectors: readOnly(),
				ModuleAnalytics:  readOnly(),
				ModuleMembers:    readOnly(),
				ModuleSettings:   readOnly(),
				ModuleBilling:    access(false, false, false, false),
			},
		},
		{
			Name: "Viewer", Kind: RoleViewer,
			Description: "Read-only access",
			Permissions: PermissionMap{
				ModuleWorkflows:  readOnly(),
				ModuleExecutions: readOnly(),
				ModuleDocuments:  readOnly(),
				ModuleConnectors: readOnly(),
				ModuleAnalytics:  readOnly(),
				ModuleMembers:    readOnly(),
				ModuleSettings:   readOnly(),
				ModuleBilling:    access(false, false, false, false),
			},
		},
	}
}
