package server

import (
	"encoding/json"
	"net/http"

	"github.com/flowpilot-ai/flowpilot/internal/audit"
)

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	page, size := pageParams(r)
	q := r.URL.Query()
	items, total, err := s.executions.List(p.OrgID, q.Get("workflow_id"), q.Get("status"), size, (page-1)*size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, paginate(r, items, total, page, size))
}

// handleGetExecution returns execution state together with its steps
// and logs, the shape clients poll while a run is in flight.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	exec, err := s.executions.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := s.executions.ListSteps(exec.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logs, err := s.executions.ListLogs(exec.ID, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"execution": exec,
		"steps":     steps,
		"logs":      logs,
	})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := r.PathValue("id")
	if err := s.scheduler.Cancel(p.OrgID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventExecutionCancelled, p.OrgID, p.Actor(), "execution cancelled: "+id)
	exec, err := s.executions.GetInOrg(p.OrgID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, exec)
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	child, err := s.scheduler.Retry(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusAccepted, child)
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	exec, err := s.executions.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logs, err := s.executions.ListLogs(exec.ID, r.URL.Query().Get("level"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, logs)
}

func (s *Server) handleExecutionSteps(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	exec, err := s.executions.GetInOrg(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := s.executions.ListSteps(exec.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, steps)
}

// handleWebhook is the unauthenticated trigger intake. The opaque path
// token is the credential; failures surface as auth errors and land in
// the audit stream.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")
	token := r.PathValue("token")

	var body map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	secret := r.Header.Get("X-Webhook-Secret")
	exec, err := s.dispatcher.HandleWebhook(r.Context(), workflowID, token, secret, body)
	if err != nil {
		s.audit.Record(audit.Event{
			Type:    audit.EventAuthorizationDenied,
			Summary: "webhook rejected",
			Detail:  map[string]any{"workflow_id": workflowID, "ip": clientIP(r)},
		})
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusAccepted, map[string]any{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}
