package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowpilot-ai/flowpilot/internal/aicache"
	"github.com/flowpilot-ai/flowpilot/internal/config"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

// Janitor performs periodic maintenance: retention purges, semantic
// cache sweeps, quota period resets, and workflow version pruning.
type Janitor struct {
	retention  config.RetentionConfig
	executions *execution.Store
	workflows  *workflow.Store
	cache      *aicache.Store
	meter      *metering.Store
	logger     *zap.Logger
	interval   time.Duration
}

func NewJanitor(retention config.RetentionConfig, executions *execution.Store, workflows *workflow.Store, cache *aicache.Store, meter *metering.Store, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		retention:  retention,
		executions: executions,
		workflows:  workflows,
		cache:      cache,
		meter:      meter,
		logger:     logger.Named("janitor"),
		interval:   time.Hour,
	}
}

// Run sweeps once immediately, then on every tick until ctx ends.
func (j *Janitor) Run(ctx context.Context) {
	j.sweep()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	now := time.Now().UTC()

	if j.retention.ExecutionAge > 0 {
		if n, err := j.executions.PurgeOlderThan(now.Add(-j.retention.ExecutionAge)); err != nil {
			j.logger.Error("execution purge failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("purged executions", zap.Int64("count", n))
		}
	}

	if j.retention.ExecutionLogAge > 0 {
		if n, err := j.executions.PurgeLogsOlderThan(now.Add(-j.retention.ExecutionLogAge)); err != nil {
			j.logger.Error("log purge failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("purged execution logs", zap.Int64("count", n))
		}
	}

	if j.cache != nil {
		if n, err := j.cache.Sweep(now); err != nil {
			j.logger.Error("cache sweep failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("swept expired cache entries", zap.Int64("count", n))
		}
	}

	if j.meter != nil {
		if n, err := j.meter.ResetDuePeriods(now); err != nil {
			j.logger.Error("quota period reset failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("reset quota periods", zap.Int("count", n))
		}
	}

	if j.retention.VersionsKept > 0 {
		ids, err := j.workflows.AllIDs()
		if err != nil {
			j.logger.Error("workflow listing failed", zap.Error(err))
			return
		}
		var pruned int64
		for _, id := range ids {
			n, err := j.workflows.PruneVersions(id, j.retention.VersionsKept)
			if err != nil {
				j.logger.Error("version prune failed", zap.String("workflow", id), zap.Error(err))
				continue
			}
			pruned += n
		}
		if pruned > 0 {
			j.logger.Info("pruned workflow versions", zap.Int64("count", pruned))
		}
	}
}
