// Package server wires together all subsystems and exposes the HTTP
// API. main() builds a Server, calls ListenAndServe, done.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flowpilot-ai/flowpilot/internal/aicache"
	"github.com/flowpilot-ai/flowpilot/internal/audit"
	"github.com/flowpilot-ai/flowpilot/internal/config"
	"github.com/flowpilot-ai/flowpilot/internal/connector"
	"github.com/flowpilot-ai/flowpilot/internal/document"
	"github.com/flowpilot-ai/flowpilot/internal/engine"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/identity"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
	"github.com/flowpilot-ai/flowpilot/internal/org"
	"github.com/flowpilot-ai/flowpilot/internal/trigger"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

// Deps carries everything the HTTP layer needs. All fields except
// Logger are required.
type Deps struct {
	Config     config.Config
	Logger     *zap.Logger
	Auth       *identity.Authenticator
	Users      *identity.Store
	Orgs       *org.Store
	Workflows  *workflow.Store
	Executions *execution.Store
	Scheduler  *engine.Scheduler
	Dispatcher *trigger.Dispatcher
	Connectors *connector.Store
	Documents  *document.Store
	Meter      *metering.Store
	Cache      *aicache.Store
	Audit      *audit.Store
}

// Server is the HTTP front door.
type Server struct {
	cfg        config.Config
	logger     *zap.Logger
	auth       *identity.Authenticator
	users      *identity.Store
	orgs       *org.Store
	workflows  *workflow.Store
	executions *execution.Store
	scheduler  *engine.Scheduler
	dispatcher *trigger.Dispatcher
	connectors *connector.Store
	documents  *document.Store
	meter      *metering.Store
	cache      *aicache.Store
	audit      *audit.Store

	httpServer *http.Server
}

// New builds a Server and registers its routes.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        d.Config,
		logger:     logger.Named("server"),
		auth:       d.Auth,
		users:      d.Users,
		orgs:       d.Orgs,
		workflows:  d.Workflows,
		executions: d.Executions,
		scheduler:  d.Scheduler,
		dispatcher: d.Dispatcher,
		connectors: d.Connectors,
		documents:  d.Documents,
		meter:      d.Meter,
		cache:      d.Cache,
		audit:      d.Audit,
	}
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              d.Config.ListenAddr,
		Handler:           s.instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully-assembled HTTP handler. Used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
