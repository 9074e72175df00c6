package server

import (
	"net/http"

	"github.com/flowpilot-ai/flowpilot/internal/audit"
	"github.com/flowpilot-ai/flowpilot/internal/connector"
)

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	items, err := s.connectors.List(p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, items)
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var body struct {
		Name        string            `json:"name"`
		Provider    string            `json:"provider"`
		BaseURL     string            `json:"base_url"`
		Credentials map[string]string `json:"credentials"`
		Settings    map[string]any    `json:"settings"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	c := &connector.Connector{
		OrgID:       p.OrgID,
		Name:        body.Name,
		Provider:    body.Provider,
		BaseURL:     body.BaseURL,
		Credentials: body.Credentials,
		Settings:    body.Settings,
	}
	created, err := s.connectors.Create(c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventConnectorCreated, p.OrgID, p.Actor(), "connector created: "+created.Name)
	s.writeData(w, http.StatusCreated, created)
}

func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	c, err := s.connectors.Get(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, c)
}

func (s *Server) handleUpdateConnectorCredentials(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var body struct {
		Credentials map[string]string `json:"credentials"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.connectors.UpdateCredentials(p.OrgID, id, body.Credentials); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventConnectorUpdated, p.OrgID, p.Actor(), "connector credentials rotated: "+id)
	s.writeData(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleDeleteConnector(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := r.PathValue("id")
	if err := s.connectors.Delete(p.OrgID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventConnectorDeleted, p.OrgID, p.Actor(), "connector deleted: "+id)
	s.writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}
