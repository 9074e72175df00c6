package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/audit"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
)

func (s *Server) handleListQuotas(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	quotas, err := s.meter.List(p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, quotas)
}

func (s *Server) handleSetQuotaLimit(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	resource := r.PathValue("resource")
	var body struct {
		Limit    int64 `json:"limit_value"`
		Enforced bool  `json:"is_enforced"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.meter.SetLimit(p.OrgID, resource, body.Limit, body.Enforced); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.meter.Get(p.OrgID, resource)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, q)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	since, err := periodStart(r.URL.Query().Get("period"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.meter.UsageSummary(p.OrgID, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"since":   since,
		"summary": summary,
	})
}

func (s *Server) auditFilter(r *http.Request, orgID string) audit.Filter {
	q := r.URL.Query()
	f := audit.Filter{
		OrgID: orgID,
		Type:  audit.EventType(q.Get("type")),
		Actor: q.Get("actor"),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}
	_, size := pageParams(r)
	f.Limit = size
	return f
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	events, err := s.audit.QueryPersisted(s.auditFilter(r, p.OrgID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, events)
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	f := s.auditFilter(r, p.OrgID)
	f.Limit = 0 // exports are unbounded

	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		if err := s.audit.StreamCSV(r.Context(), w, f); err != nil {
			s.logger.Warn("audit csv export aborted", zap.Error(err))
		}
	case "", "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.jsonl"`)
		if err := s.audit.StreamJSONL(r.Context(), w, f); err != nil {
			s.logger.Warn("audit jsonl export aborted", zap.Error(err))
		}
	default:
		s.writeError(w, r, apperr.Validation("unknown export format %q", r.URL.Query().Get("format")))
	}
}

// periodStart maps day/week/month to a window start, defaulting to a
// week back.
func periodStart(period string) (time.Time, error) {
	now := time.Now().UTC()
	switch period {
	case "day":
		return now.AddDate(0, 0, -1), nil
	case "", "week":
		return now.AddDate(0, 0, -7), nil
	case "month":
		return now.AddDate(0, -1, 0), nil
	}
	return time.Time{}, apperr.Validation("unknown period %q", period)
}

// handleDashboard aggregates execution outcomes, AI spend and quota
// utilisation for the caller's organization.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	since, err := periodStart(r.URL.Query().Get("period"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	executions := map[string]int{}
	total := 0
	for _, status := range []string{
		execution.StatusCompleted, execution.StatusFailed,
		execution.StatusRunning, execution.StatusPending, execution.StatusCancelled,
	} {
		_, n, err := s.executions.List(p.OrgID, "", status, 1, 0)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		executions[status] = n
		total += n
	}

	usage, err := s.meter.UsageSummary(p.OrgID, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	quotas, err := s.meter.List(p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type quotaView struct {
		Resource     string  `json:"resource"`
		Limit        int64   `json:"limit_value"`
		CurrentUsage int64   `json:"current_usage"`
		PercentUsed  float64 `json:"percent_used"`
		Enforced     bool    `json:"is_enforced"`
	}
	views := make([]quotaView, 0, len(quotas))
	for _, q := range quotas {
		views = append(views, quotaView{
			Resource:     q.Resource,
			Limit:        q.Limit,
			CurrentUsage: q.CurrentUsage,
			PercentUsed:  q.PercentUsed(),
			Enforced:     q.Enforced,
		})
	}

	var ai struct {
		Tokens    int64 `json:"tokens"`
		CostCents int64 `json:"cost_cents"`
	}
	if u, ok := usage[metering.ResourceAITokens]; ok {
		ai.Tokens = u.Quantity
		ai.CostCents = u.CostCents
	}
	cacheEntries, cacheHits, err := s.cache.Stats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, map[string]any{
		"period_start": since,
		"executions": map[string]any{
			"total":     total,
			"by_status": executions,
		},
		"ai": map[string]any{
			"tokens":        ai.Tokens,
			"cost_cents":    ai.CostCents,
			"cache_entries": cacheEntries,
			"cache_hits":    cacheHits,
		},
		"quotas": views,
	})
}
