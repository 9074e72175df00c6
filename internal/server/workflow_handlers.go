package server

import (
	"fmt"
	"net/http"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/audit"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	page, size := pageParams(r)
	status := r.URL.Query().Get("status")
	items, total, err := s.workflows.List(p.OrgID, status, size, (page-1)*size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, paginate(r, items, total, page, size))
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var body struct {
		Name        string               `json:"name"`
		Description string               `json:"description"`
		Tags        []string             `json:"tags"`
		Definition  *workflow.Definition `json:"definition"`
		TemplateID  string               `json:"template_id"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Name == "" {
		s.writeError(w, r, apperr.Validation("name is required"))
		return
	}

	if _, err := s.meter.Charge(p.OrgID, metering.ResourceWorkflows, 1); err != nil {
		s.writeError(w, r, err)
		return
	}
	var (
		wf  *workflow.Workflow
		err error
	)
	if body.TemplateID != "" {
		wf, err = s.workflows.Instantiate(body.TemplateID, p.OrgID, body.Name, p.UserID())
	} else {
		if _, verr := workflow.Validate(body.Definition); verr != nil {
			_ = s.meter.Release(p.OrgID, metering.ResourceWorkflows, 1)
			s.writeError(w, r, verr)
			return
		}
		wf, err = s.workflows.Create(p.OrgID, body.Name, body.Description, body.Tags, body.Definition, p.UserID())
	}
	if err != nil {
		_ = s.meter.Release(p.OrgID, metering.ResourceWorkflows, 1)
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventWorkflowCreated, p.OrgID, p.Actor(), "workflow created: "+wf.Name)
	s.writeData(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Name        *string  `json:"name"`
		Description *string  `json:"description"`
		Tags        []string `json:"tags"`
		Status      *string  `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	name, desc, tags := wf.Name, wf.Description, wf.Tags
	if body.Name != nil {
		name = *body.Name
	}
	if body.Description != nil {
		desc = *body.Description
	}
	if body.Tags != nil {
		tags = body.Tags
	}
	if err := s.workflows.UpdateMeta(wf.ID, name, desc, tags); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Status != nil {
		if err := s.workflows.SetStatus(wf.ID, *body.Status); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	updated, err := s.workflows.Get(wf.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.workflows.Delete(wf.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.meter.Release(p.OrgID, metering.ResourceWorkflows, 1)
	s.audit.Emit(audit.EventWorkflowDeleted, p.OrgID, p.Actor(), "workflow deleted: "+wf.Name)
	s.writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var body struct {
		Input map[string]any `json:"input"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	exec, err := s.dispatcher.FireManual(r.Context(), p.OrgID, r.PathValue("id"), body.Input, p.Actor())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusAccepted, exec)
}

// handleTestWorkflow dry-runs validation: structural checks plus a
// required-variable pass against the supplied input. Nothing executes.
func (s *Server) handleTestWorkflow(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Input map[string]any `json:"input"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	result := map[string]any{"valid": true}
	vr, err := workflow.Validate(wf.Definition)
	if err != nil {
		result["valid"] = false
		result["error"] = err.Error()
		s.writeData(w, http.StatusOK, result)
		return
	}
	if len(vr.Warnings) > 0 {
		result["warnings"] = vr.Warnings
	}

	vars, err := s.workflows.ListVariables(wf.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var missing []string
	for _, v := range vars {
		if !v.Required || v.Default != nil {
			continue
		}
		if _, ok := body.Input[v.Name]; !ok {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		result["valid"] = false
		result["missing_variables"] = missing
	}
	s.writeData(w, http.StatusOK, result)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Definition *workflow.Definition `json:"definition"`
		Summary    string               `json:"summary"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := workflow.Validate(body.Definition); err != nil {
		s.writeError(w, r, err)
		return
	}
	ver, err := s.workflows.CreateVersion(wf.ID, body.Definition, p.Actor(), body.Summary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, ver)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Version int `json:"version"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.workflows.Rollback(wf.ID, body.Version); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventWorkflowRollback, p.OrgID, p.Actor(),
		fmt.Sprintf("workflow %s rolled back to version %d", wf.Name, body.Version))
	updated, err := s.workflows.Get(wf.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, updated)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versions, err := s.workflows.ListVersions(wf.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, versions)
}

func (s *Server) handleWorkflowStatistics(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.workflows.Statistics(wf.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	triggers, _ := s.workflows.ListTriggers(wf.ID)
	vars, _ := s.workflows.ListVariables(wf.ID)
	versions, _ := s.workflows.ListVersions(wf.ID)
	s.writeData(w, http.StatusOK, map[string]any{
		"statistics":     stats,
		"trigger_count":  len(triggers),
		"variable_count": len(vars),
		"version_count":  len(versions),
	})
}

func (s *Server) handleListVariables(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vars, err := s.workflows.ListVariables(wf.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]workflow.Variable, len(vars))
	for i, v := range vars {
		out[i] = v.Redacted()
	}
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) handleSetVariable(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var v workflow.Variable
	if err := decode(r, &v); err != nil {
		s.writeError(w, r, err)
		return
	}
	v.WorkflowID = wf.ID
	saved, err := s.workflows.SetVariable(&v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, saved.Redacted())
}

func (s *Server) handleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.workflows.DeleteVariable(wf.ID, r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	triggers, err := s.workflows.ListTriggers(wf.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, triggers)
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wf, err := s.workflows.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Type           string         `json:"trigger_type"`
		Name           string         `json:"name"`
		CronExpression string         `json:"cron_expression"`
		Timezone       string         `json:"timezone"`
		WebhookSecret  string         `json:"webhook_secret"`
		EventName      string         `json:"event_name"`
		Config         map[string]any `json:"config"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	t := &workflow.Trigger{
		WorkflowID:     wf.ID,
		Type:           body.Type,
		Name:           body.Name,
		CronExpression: body.CronExpression,
		Timezone:       body.Timezone,
		WebhookSecret:  body.WebhookSecret,
		EventName:      body.EventName,
		Config:         body.Config,
	}
	created, err := s.workflows.CreateTrigger(t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"trigger": created}
	if created.Type == workflow.TriggerWebhook {
		resp["webhook_url"] = fmt.Sprintf("%s/webhooks/workflows/%s/%s",
			s.cfg.ExternalURL, wf.ID, created.WebhookToken)
	}
	s.writeData(w, http.StatusCreated, resp)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	t, err := s.ownedTrigger(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Active *bool `json:"is_active"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Active != nil {
		if err := s.workflows.SetTriggerActive(t.ID, *body.Active); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	updated, err := s.workflows.GetTrigger(t.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	t, err := s.ownedTrigger(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.workflows.DeleteTrigger(t.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ownedTrigger fetches a trigger and checks its workflow belongs to the
// caller's organization. Cross-tenant ids read as absent.
func (s *Server) ownedTrigger(orgID, id string) (*workflow.Trigger, error) {
	t, err := s.workflows.GetTrigger(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.workflows.GetInOrg(orgID, t.WorkflowID); err != nil {
		return nil, apperr.NotFound("trigger %s not found", id)
	}
	return t, nil
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	templates, err := s.workflows.ListTemplates(p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, templates)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var t workflow.Template
	if err := decode(r, &t); err != nil {
		s.writeError(w, r, err)
		return
	}
	t.OrgID = p.OrgID
	t.CreatedBy = p.Actor()
	created, err := s.workflows.CreateTemplate(&t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, created)
}
