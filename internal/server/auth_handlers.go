package server

import (
	"net"
	"net/http"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/audit"
)

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.auth.Register(body.Email, body.Password, body.FirstName, body.LastName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		MFACode  string `json:"mfa_code"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, pair, err := s.auth.Login(body.Email, body.Password, body.MFACode, r.UserAgent(), clientIP(r))
	if err != nil {
		s.audit.Record(audit.Event{
			Type:    audit.EventLoginFailed,
			Actor:   body.Email,
			Summary: "login failed",
			Detail:  map[string]any{"ip": clientIP(r)},
		})
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventLoginSuccess, "", user.Email, "login succeeded")
	s.writeData(w, http.StatusOK, map[string]any{
		"user":          user,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.ExpiresAt,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.auth.Refresh(body.RefreshToken, r.UserAgent(), clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.Logout(body.RefreshToken); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleEnableMFA(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.User == nil {
		s.writeError(w, r, apperr.New(apperr.KindPermission, "mfa enrollment requires a user token"))
		return
	}
	secret, err := s.auth.EnableMFA(p.User.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The secret is shown exactly once for authenticator enrollment.
	s.writeData(w, http.StatusOK, map[string]any{"mfa_enabled": true, "secret": secret})
}

func (s *Server) handleDisableMFA(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.User == nil {
		s.writeError(w, r, apperr.New(apperr.KindPermission, "mfa enrollment requires a user token"))
		return
	}
	if err := s.auth.DisableMFA(p.User.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"mfa_enabled": false})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	keys, err := s.users.ListAPIKeys(p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, keys)
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var body struct {
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	key, raw, err := s.auth.CreateAPIKey(p.OrgID, p.UserID(), body.Name, body.Scopes, body.ExpiresAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Emit(audit.EventAPIKeyCreated, p.OrgID, p.Actor(), "api key created: "+key.Name)
	// The raw key is shown exactly once.
	s.writeData(w, http.StatusCreated, map[string]any{"key": key, "raw_key": raw})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := r.PathValue("id")
	keys, err := s.users.ListAPIKeys(p.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, k := range keys {
		if k.ID == id {
			if err := s.users.RevokeAPIKey(id); err != nil {
				s.writeError(w, r, err)
				return
			}
			s.audit.Emit(audit.EventAPIKeyRevoked, p.OrgID, p.Actor(), "api key revoked: "+k.Name)
			s.writeData(w, http.StatusOK, map[string]bool{"revoked": true})
			return
		}
	}
	s.writeError(w, r, apperr.NotFound("api key %s not found", id))
}
