package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpilot-ai/flowpilot/internal/org"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Public.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v1/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)
	mux.HandleFunc("POST /api/v1/auth/mfa", s.authenticate(s.handleEnableMFA))
	mux.HandleFunc("DELETE /api/v1/auth/mfa", s.authenticate(s.handleDisableMFA))
	mux.HandleFunc("POST /webhooks/workflows/{workflowID}/{token}", s.handleWebhook)

	// Organizations and membership.
	mux.HandleFunc("POST /api/v1/orgs", s.authenticate(s.handleCreateOrg))
	mux.HandleFunc("GET /api/v1/org", s.authenticate(s.handleGetOrg))
	mux.HandleFunc("GET /api/v1/org/members", s.withPermission(org.ModuleMembers, org.ActionRead, s.handleListMembers))
	mux.HandleFunc("POST /api/v1/org/members", s.withPermission(org.ModuleMembers, org.ActionCreate, s.handleAddMember))
	mux.HandleFunc("PATCH /api/v1/org/members/{id}", s.withPermission(org.ModuleMembers, org.ActionUpdate, s.handleUpdateMember))
	mux.HandleFunc("DELETE /api/v1/org/members/{id}", s.withPermission(org.ModuleMembers, org.ActionDelete, s.handleRemoveMember))
	mux.HandleFunc("GET /api/v1/org/roles", s.withPermission(org.ModuleMembers, org.ActionRead, s.handleListRoles))
	mux.HandleFunc("POST /api/v1/org/roles", s.withPermission(org.ModuleSettings, org.ActionCreate, s.handleCreateRole))
	mux.HandleFunc("DELETE /api/v1/org/roles/{id}", s.withPermission(org.ModuleSettings, org.ActionDelete, s.handleDeleteRole))

	// API keys.
	mux.HandleFunc("GET /api/v1/apikeys", s.withPermission(org.ModuleSettings, org.ActionRead, s.handleListAPIKeys))
	mux.HandleFunc("POST /api/v1/apikeys", s.withPermission(org.ModuleSettings, org.ActionCreate, s.handleCreateAPIKey))
	mux.HandleFunc("DELETE /api/v1/apikeys/{id}", s.withPermission(org.ModuleSettings, org.ActionDelete, s.handleRevokeAPIKey))

	// Workflows.
	mux.HandleFunc("GET /api/v1/workflows", s.withPermission(org.ModuleWorkflows, org.ActionRead, s.handleListWorkflows))
	mux.HandleFunc("POST /api/v1/workflows", s.withPermission(org.ModuleWorkflows, org.ActionCreate, s.handleCreateWorkflow))
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.withPermission(org.ModuleWorkflows, org.ActionRead, s.handleGetWorkflow))
	mux.HandleFunc("PATCH /api/v1/workflows/{id}", s.withPermission(org.ModuleWorkflows, org.ActionUpdate, s.handleUpdateWorkflow))
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", s.withPermission(org.ModuleWorkflows, org.ActionDelete, s.handleDeleteWorkflow))
	mux.HandleFunc("POST /api/v1/workflows/{id}/execute", s.withPermission(org.ModuleExecutions, org.ActionCreate, s.handleExecuteWorkflow))
	mux.HandleFunc("POST /api/v1/workflows/{id}/test", s.withPermission(org.ModuleWorkflows, org.ActionRead, s.handleTestWorkflow))
	mux.HandleFunc("POST /api/v1/workflows/{id}/create_version", s.withPermission(org.ModuleWorkflows, org.ActionUpdate, s.handleCreateVersion))
	mux.HandleFunc("POST /api/v1/workflows/{id}/rollback", s.withPermission(org.ModuleWorkflows, org.ActionUpdate, s.handleRollback))
	mux.HandleFunc("GET /api/v1/workflows/{id}/versions", s.withPermission(org.ModuleWorkflows, org.ActionRead, s.handleListVersions))
	mux.HandleFunc("GET /api/v1/workflows/{id}/statistics", s.withPermission(org.ModuleWorkflows, org.ActionRead, s.handleWorkflowStatistics))
	mux.HandleFunc("GET /api/v1/workflows/{id}/variables", s.withPermission(org.ModuleWorkflows, org.ActionRead, s.handleListVariables))
	mux.HandleFunc("PUT /api/v1/workflows/{id}/variables", s.withPermission(org.ModuleWorkflows, org.ActionUpdate, s.handleSetVariable))
	mux.HandleFunc("DELETE /api/v1/workflows/{id}/variables/{name}", s.withPermission(org.ModuleWorkflows, org.ActionUpdate, s.handleDeleteVariable))
	mux.HandleFunc("GET /api/v1/workflows/{id}/triggers", s.withPermission(org.ModuleWorkflows, org.ActionRead, s.handleListTriggers))
	mux.HandleFunc("POST /api/v1/workflows/{id}/triggers", s.withPermission(org.ModuleWorkflows, org.ActionUpdate, s.handleCreateTrigger))
	mux.HandleFunc("PATCH /api/v1/triggers/{id}", s.withPermission(org.ModuleWorkflows, org.ActionUpdate, s.handleUpdateTrigger))
	mux.HandleFunc("DELETE /api/v1/triggers/{id}", s.withPermission(org.ModuleWorkflows, org.ActionUpdate, s.handleDeleteTrigger))

	// Templates.
	mux.HandleFunc("GET /api/v1/templates", s.withPermission(org.ModuleWorkflows, org.ActionRead, s.handleListTemplates))
	mux.HandleFunc("POST /api/v1/templates", s.withPermission(org.ModuleWorkflows, org.ActionCreate, s.handleCreateTemplate))

	// Executions.
	mux.HandleFunc("GET /api/v1/executions", s.withPermission(org.ModuleExecutions, org.ActionRead, s.handleListExecutions))
	mux.HandleFunc("GET /api/v1/executions/{id}", s.withPermission(org.ModuleExecutions, org.ActionRead, s.handleGetExecution))
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.withPermission(org.ModuleExecutions, org.ActionUpdate, s.handleCancelExecution))
	mux.HandleFunc("POST /api/v1/executions/{id}/retry", s.withPermission(org.ModuleExecutions, org.ActionUpdate, s.handleRetryExecution))
	mux.HandleFunc("GET /api/v1/executions/{id}/logs", s.withPermission(org.ModuleExecutions, org.ActionRead, s.handleExecutionLogs))
	mux.HandleFunc("GET /api/v1/executions/{id}/steps", s.withPermission(org.ModuleExecutions, org.ActionRead, s.handleExecutionSteps))

	// Connectors.
	mux.HandleFunc("GET /api/v1/connectors", s.withPermission(org.ModuleConnectors, org.ActionRead, s.handleListConnectors))
	mux.HandleFunc("POST /api/v1/connectors", s.withPermission(org.ModuleConnectors, org.ActionCreate, s.handleCreateConnector))
	mux.HandleFunc("GET /api/v1/connectors/{id}", s.withPermission(org.ModuleConnectors, org.ActionRead, s.handleGetConnector))
	mux.HandleFunc("PUT /api/v1/connectors/{id}/credentials", s.withPermission(org.ModuleConnectors, org.ActionUpdate, s.handleUpdateConnectorCredentials))
	mux.HandleFunc("DELETE /api/v1/connectors/{id}", s.withPermission(org.ModuleConnectors, org.ActionDelete, s.handleDeleteConnector))

	// Documents.
	mux.HandleFunc("GET /api/v1/documents", s.withPermission(org.ModuleDocuments, org.ActionRead, s.handleListDocuments))
	mux.HandleFunc("POST /api/v1/documents", s.withPermission(org.ModuleDocuments, org.ActionCreate, s.handleUploadDocument))
	mux.HandleFunc("GET /api/v1/documents/{id}", s.withPermission(org.ModuleDocuments, org.ActionRead, s.handleGetDocument))
	mux.HandleFunc("GET /api/v1/documents/{id}/download", s.withPermission(org.ModuleDocuments, org.ActionRead, s.handleDownloadDocument))
	mux.HandleFunc("GET /api/v1/documents/{id}/pages", s.withPermission(org.ModuleDocuments, org.ActionRead, s.handleDocumentPages))
	mux.HandleFunc("GET /api/v1/documents/{id}/extractions", s.withPermission(org.ModuleDocuments, org.ActionRead, s.handleDocumentExtractions))
	mux.HandleFunc("DELETE /api/v1/documents/{id}", s.withPermission(org.ModuleDocuments, org.ActionDelete, s.handleDeleteDocument))

	// Quotas, usage, audit, analytics.
	mux.HandleFunc("GET /api/v1/quotas", s.withPermission(org.ModuleBilling, org.ActionRead, s.handleListQuotas))
	mux.HandleFunc("PUT /api/v1/quotas/{resource}", s.withPermission(org.ModuleBilling, org.ActionUpdate, s.handleSetQuotaLimit))
	mux.HandleFunc("GET /api/v1/usage", s.withPermission(org.ModuleAnalytics, org.ActionRead, s.handleUsageSummary))
	mux.HandleFunc("GET /api/v1/audit", s.withPermission(org.ModuleSettings, org.ActionRead, s.handleQueryAudit))
	mux.HandleFunc("GET /api/v1/audit/export", s.withPermission(org.ModuleSettings, org.ActionRead, s.handleExportAudit))
	mux.HandleFunc("GET /api/v1/analytics/dashboard", s.withPermission(org.ModuleAnalytics, org.ActionRead, s.handleDashboard))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}
