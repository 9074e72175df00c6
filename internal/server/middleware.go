package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/audit"
	"github.com/flowpilot-ai/flowpilot/internal/identity"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
	"github.com/flowpilot-ai/flowpilot/internal/metrics"
)

type ctxKey int

const ctxPrincipal ctxKey = 0

// principal identifies the caller after authentication. Exactly one of
// User or APIKey is set; OrgID is the resolved organization context.
type principal struct {
	User   *identity.User
	APIKey *identity.APIKey
	OrgID  string
}

// Actor returns the audit-log identity of the caller.
func (p *principal) Actor() string {
	if p.User != nil {
		return p.User.Email
	}
	if p.APIKey != nil {
		return "apikey:" + p.APIKey.Prefix
	}
	return "anonymous"
}

// UserID returns the user behind the principal, empty for API keys
// whose creator is irrelevant to the request.
func (p *principal) UserID() string {
	if p.User != nil {
		return p.User.ID
	}
	if p.APIKey != nil {
		return p.APIKey.UserID
	}
	return ""
}

func principalFrom(ctx context.Context) *principal {
	p, _ := ctx.Value(ctxPrincipal).(*principal)
	return p
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency for every route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDurationSeconds.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// authenticate resolves the caller from a bearer token or API key,
// picks the organization context, and charges the api_calls quota on
// mutating methods.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.resolvePrincipal(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.resolveOrg(r, p); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("X-Organization-ID", p.OrgID)

		if err := s.chargeAPICall(w, r, p.OrgID); err != nil {
			s.audit.Record(audit.Event{
				Type:    audit.EventQuotaExceeded,
				OrgID:   p.OrgID,
				Actor:   p.Actor(),
				Summary: "api_calls quota exhausted",
			})
			s.writeError(w, r, err)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipal, p)))
	}
}

func (s *Server) resolvePrincipal(r *http.Request) (*principal, error) {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		user, err := s.auth.VerifyAccessToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			return nil, err
		}
		return &principal{User: user}, nil
	case strings.HasPrefix(header, "ApiKey "):
		return s.keyPrincipal(strings.TrimPrefix(header, "ApiKey "))
	case r.Header.Get("X-API-Key") != "":
		return s.keyPrincipal(r.Header.Get("X-API-Key"))
	}
	return nil, apperr.New(apperr.KindAuthentication, "missing credentials")
}

func (s *Server) keyPrincipal(raw string) (*principal, error) {
	key, err := s.auth.VerifyAPIKey(raw)
	if err != nil {
		return nil, err
	}
	return &principal{APIKey: key}, nil
}

// resolveOrg picks the organization: explicit header, then query
// parameter, then the principal's default. User tokens must hold a
// membership in whatever they pick; API keys are pinned to their org.
func (s *Server) resolveOrg(r *http.Request, p *principal) error {
	if p.APIKey != nil {
		p.OrgID = p.APIKey.OrgID
		return nil
	}

	orgID := r.Header.Get("X-Organization-ID")
	if orgID == "" {
		orgID = r.URL.Query().Get("organization_id")
	}
	if orgID == "" {
		m, err := s.orgs.FirstMembership(p.User.ID)
		if err != nil {
			return apperr.New(apperr.KindPermission, "no organization membership")
		}
		p.OrgID = m.OrgID
		return nil
	}
	if _, err := s.orgs.GetMembership(orgID, p.User.ID); err != nil {
		return apperr.New(apperr.KindPermission, "not a member of organization %s", orgID)
	}
	p.OrgID = orgID
	return nil
}

// chargeAPICall meters the api_calls quota on mutating requests. Safe
// methods bypass the charge but still report usage through the quota
// headers.
func (s *Server) chargeAPICall(w http.ResponseWriter, r *http.Request, orgID string) error {
	if safeMethod(r.Method) {
		if q, err := s.meter.Get(orgID, metering.ResourceAPICalls); err == nil {
			setQuotaHeaders(w, q)
		}
		return nil
	}
	q, err := s.meter.Charge(orgID, metering.ResourceAPICalls, 1)
	if err != nil {
		if apperr.IsKind(err, apperr.KindQuotaExceeded) {
			metrics.RecordQuotaDenial(metering.ResourceAPICalls)
		}
		return err
	}
	if q != nil {
		setQuotaHeaders(w, q)
	}
	return nil
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// setQuotaHeaders emits X-Quota-Api-Calls-Used style headers.
func setQuotaHeaders(w http.ResponseWriter, q *metering.Quota) {
	name := quotaHeaderName(q.Resource)
	w.Header().Set("X-Quota-"+name+"-Used", strconv.FormatInt(q.CurrentUsage, 10))
	w.Header().Set("X-Quota-"+name+"-Limit", strconv.FormatInt(q.Limit, 10))
}

func quotaHeaderName(resource string) string {
	parts := strings.Split(resource, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// withPermission guards a handler behind an RBAC check. Denials are
// recorded in the audit stream with the permission that was missing.
func (s *Server) withPermission(module, action string, next http.HandlerFunc) http.HandlerFunc {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		allowed, err := s.permits(p, module, action)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !allowed {
			s.audit.Record(audit.Event{
				Type:    audit.EventAuthorizationDenied,
				OrgID:   p.OrgID,
				Actor:   p.Actor(),
				Summary: "authorization denied",
				Detail: map[string]any{
					"method":              r.Method,
					"path":                r.URL.Path,
					"required_permission": module + ":" + action,
				},
			})
			s.writeError(w, r, apperr.PermissionDenied(module, action))
			return
		}
		next(w, r)
	})
}

// permits resolves (module, action). Scoped API keys are checked
// against their scope list; unscoped keys inherit the creator's
// membership permissions.
func (s *Server) permits(p *principal, module, action string) (bool, error) {
	if p.APIKey != nil && len(p.APIKey.Scopes) > 0 {
		want := module + ":" + action
		for _, scope := range p.APIKey.Scopes {
			if scope == want || scope == module+":*" {
				return true, nil
			}
		}
		return false, nil
	}
	return s.orgs.HasPermission(p.OrgID, p.UserID(), module, action)
}
