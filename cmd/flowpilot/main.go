// FlowPilot server: multi-tenant workflow automation with AI-assisted
// nodes, usage metering and audit trails.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flowpilot-ai/flowpilot/internal/ai"
	"github.com/flowpilot-ai/flowpilot/internal/aicache"
	"github.com/flowpilot-ai/flowpilot/internal/audit"
	"github.com/flowpilot-ai/flowpilot/internal/config"
	"github.com/flowpilot-ai/flowpilot/internal/connector"
	"github.com/flowpilot-ai/flowpilot/internal/document"
	"github.com/flowpilot-ai/flowpilot/internal/engine"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/identity"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
	"github.com/flowpilot-ai/flowpilot/internal/notify"
	"github.com/flowpilot-ai/flowpilot/internal/org"
	"github.com/flowpilot-ai/flowpilot/internal/server"
	"github.com/flowpilot-ai/flowpilot/internal/storage"
	"github.com/flowpilot-ai/flowpilot/internal/trigger"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting flowpilot", zap.String("version", version), zap.String("commit", commit))

	// Secrets fall back to ephemeral values so a dev instance boots,
	// but nothing minted with them survives a restart.
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = randomHex(32)
		logger.Warn("no jwt secret configured, tokens will not survive restart")
	}
	if cfg.Auth.EncryptionKey == "" {
		cfg.Auth.EncryptionKey = randomHex(32)
		logger.Warn("no encryption key configured, stored credentials will not survive restart")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0750); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}
	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open database", zap.String("path", cfg.DatabasePath), zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	users, err := identity.NewStore(db)
	if err != nil {
		logger.Fatal("identity store", zap.Error(err))
	}
	auther := identity.NewAuthenticator(users, cfg.Auth, logger)
	orgs, err := org.NewStore(db)
	if err != nil {
		logger.Fatal("org store", zap.Error(err))
	}
	workflows, err := workflow.NewStore(db)
	if err != nil {
		logger.Fatal("workflow store", zap.Error(err))
	}
	executions, err := execution.NewStore(db)
	if err != nil {
		logger.Fatal("execution store", zap.Error(err))
	}
	meter, err := metering.NewStore(db)
	if err != nil {
		logger.Fatal("metering store", zap.Error(err))
	}
	cache, err := aicache.NewStore(db, cfg.Engine.CacheTTL)
	if err != nil {
		logger.Fatal("ai cache store", zap.Error(err))
	}
	auditStore, err := audit.NewStore(db, 512)
	if err != nil {
		logger.Fatal("audit store", zap.Error(err))
	}
	meter.OnThreshold(func(q *metering.Quota, pct int) {
		logger.Warn("quota threshold crossed",
			zap.String("org", q.OrgID),
			zap.String("resource", q.Resource),
			zap.Int("threshold_pct", pct),
			zap.Int64("usage", q.CurrentUsage),
			zap.Int64("limit", q.Limit))
		auditStore.Emit(audit.EventQuotaExceeded, q.OrgID, "system",
			fmt.Sprintf("%s usage crossed %d%% of limit", q.Resource, pct))
	})
	cipher, err := connector.NewCipher(cfg.Auth.EncryptionKey)
	if err != nil {
		logger.Fatal("credential cipher", zap.Error(err))
	}
	connectors, err := connector.NewStore(db, cipher)
	if err != nil {
		logger.Fatal("connector store", zap.Error(err))
	}

	bus := trigger.NewBus(64)
	objects, err := document.NewFSStore(cfg.DocumentDir)
	if err != nil {
		logger.Fatal("document object store", zap.String("dir", cfg.DocumentDir), zap.Error(err))
	}
	documents, err := document.NewStore(db, objects, bus)
	if err != nil {
		logger.Fatal("document store", zap.Error(err))
	}

	var provider ai.Provider
	if cfg.AI.APIKey != "" || cfg.AI.BaseURL != "" {
		provider = ai.NewOpenAIProvider(ai.ProviderConfig{
			Name:    cfg.AI.Provider,
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
		})
	} else {
		logger.Warn("no ai provider configured, ai nodes will fail")
	}
	var mailer engine.Mailer
	if cfg.SMTP.Host != "" {
		mailer = notify.NewEmailChannel(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From, nil,
			cfg.SMTP.Username, cfg.SMTP.Password)
	}

	eval := engine.NewEvaluator()
	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry, engine.Deps{
		Provider:   provider,
		Cache:      cache,
		Executions: executions,
		Meter:      meter,
		Mailer:     mailer,
		Connectors: connector.NewClient(connectors),
		Evaluator:  eval,
		Model:      cfg.AI.Model,
	})
	runner := engine.NewRunner(workflows, executions, registry, eval, logger, cfg.Engine.BranchFanout)
	scheduler := engine.NewScheduler(cfg.Engine, executions, workflows, meter, runner, logger)
	dispatcher := trigger.NewDispatcher(workflows, scheduler, bus, logger)
	janitor := engine.NewJanitor(cfg.Retention, executions, workflows, cache, meter, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go scheduler.Run(ctx)
	go dispatcher.Run(ctx)
	go janitor.Run(ctx)
	go auditStore.PurgeLoop(ctx, cfg.Retention.AuditAge, time.Hour)

	srv := server.New(server.Deps{
		Config:     cfg,
		Logger:     logger,
		Auth:       auther,
		Users:      users,
		Orgs:       orgs,
		Workflows:  workflows,
		Executions: executions,
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Connectors: connectors,
		Documents:  documents,
		Meter:      meter,
		Cache:      cache,
		Audit:      auditStore,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal("server", zap.Error(err))
	}
	logger.Info("stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	return zcfg.Build()
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
