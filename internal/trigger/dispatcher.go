package trigger

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/metrics"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

// SubmitRequest asks the scheduler for a new execution.
type SubmitRequest struct {
	OrgID       string
	WorkflowID  string
	TriggerID   string
	TriggerType string
	StartedBy   string
	Input       map[string]any
}

// Submitter accepts execution requests. The engine scheduler satisfies
// this.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*execution.Execution, error)
}

// Dispatcher converts trigger firings into execution submissions.
// Delivery is at-least-once; duplicate scheduled firings within one
// minute are suppressed here.
type Dispatcher struct {
	workflows *workflow.Store
	submitter Submitter
	bus       *Bus
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	fired map[string]time.Time // trigger-id|minute -> firing time
}

// NewDispatcher wires the dispatcher to its stores. bus may be nil when
// event triggers are unused.
func NewDispatcher(workflows *workflow.Store, submitter Submitter, bus *Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workflows: workflows,
		submitter: submitter,
		bus:       bus,
		logger:    logger.Named("dispatcher"),
		now:       time.Now,
		fired:     make(map[string]time.Time),
	}
}

// FireManual submits an execution on behalf of a user. Archived workflows
// cannot be executed; draft and paused ones can, for testing.
func (d *Dispatcher) FireManual(ctx context.Context, orgID, workflowID string, input map[string]any, startedBy string) (*execution.Execution, error) {
	wf, err := d.workflows.GetInOrg(orgID, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status == workflow.StatusArchived {
		return nil, apperr.Validation("workflow %s is archived", wf.Name)
	}
	return d.submitter.Submit(ctx, SubmitRequest{
		OrgID:       wf.OrgID,
		WorkflowID:  wf.ID,
		TriggerType: workflow.TriggerManual,
		StartedBy:   startedBy,
		Input:       input,
	})
}

// HandleWebhook validates an inbound webhook call and submits an
// execution with the request body as input.
func (d *Dispatcher) HandleWebhook(ctx context.Context, workflowID, token, secret string, body map[string]any) (*execution.Execution, error) {
	tr, err := d.workflows.TriggerByWebhookToken(token)
	if err != nil {
		if workflow.IsNotFound(err) {
			return nil, apperr.New(apperr.KindAuthentication, "invalid webhook token")
		}
		return nil, err
	}
	if tr.WorkflowID != workflowID || !tr.Active {
		return nil, apperr.New(apperr.KindAuthentication, "invalid webhook token")
	}
	if tr.WebhookSecret != "" {
		if subtle.ConstantTimeCompare([]byte(tr.WebhookSecret), []byte(secret)) != 1 {
			return nil, apperr.New(apperr.KindAuthentication, "webhook secret mismatch")
		}
	}

	wf, err := d.workflows.Get(tr.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, apperr.Validation("workflow %s is not active", wf.Name)
	}

	exec, err := d.submitter.Submit(ctx, SubmitRequest{
		OrgID:       wf.OrgID,
		WorkflowID:  wf.ID,
		TriggerID:   tr.ID,
		TriggerType: workflow.TriggerWebhook,
		Input:       body,
	})
	if err != nil {
		return nil, err
	}
	_ = d.workflows.MarkTriggered(tr.ID, d.now().UTC())
	metrics.RecordTriggerFiring(workflow.TriggerWebhook)
	return exec, nil
}

// Run drives the cron scanner and the event-bus consumer until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var events <-chan Event
	if d.bus != nil {
		events = d.bus.Subscribe("dispatcher")
		defer d.bus.Unsubscribe("dispatcher")
	}

	d.tickScheduled(ctx, d.now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tickScheduled(ctx, d.now().UTC())
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.handleEvent(ctx, evt)
		}
	}
}

// tickScheduled fires every active scheduled trigger whose cron
// expression matches the minute containing now, at most once per
// (trigger, minute).
func (d *Dispatcher) tickScheduled(ctx context.Context, now time.Time) {
	triggers, err := d.workflows.ActiveTriggersByType(workflow.TriggerScheduled)
	if err != nil {
		d.logger.Warn("scan scheduled triggers", zap.Error(err))
		return
	}

	windowStart := now.Truncate(time.Minute)
	windowEnd := windowStart.Add(time.Minute)

	for _, tr := range triggers {
		loc := time.UTC
		if tr.Timezone != "" {
			if l, err := time.LoadLocation(tr.Timezone); err == nil {
				loc = l
			}
		}
		sched, err := cron.ParseStandard(tr.CronExpression)
		if err != nil {
			d.logger.Warn("bad cron expression", zap.String("trigger", tr.ID), zap.Error(err))
			continue
		}

		localStart := windowStart.In(loc)
		next := sched.Next(localStart.Add(-time.Second))
		if next.Before(localStart) || !next.Before(windowEnd.In(loc)) {
			continue
		}

		key := tr.ID + "|" + windowStart.Format("200601021504")
		d.mu.Lock()
		if _, dup := d.fired[key]; dup {
			d.mu.Unlock()
			continue
		}
		d.fired[key] = now
		d.pruneFiredLocked(now)
		d.mu.Unlock()

		d.fireTrigger(ctx, tr, workflow.TriggerScheduled, nil)
	}
}

// handleEvent fires event triggers whose name and filter match.
func (d *Dispatcher) handleEvent(ctx context.Context, evt Event) {
	triggers, err := d.workflows.ActiveTriggersByType(workflow.TriggerEvent)
	if err != nil {
		d.logger.Warn("scan event triggers", zap.Error(err))
		return
	}
	for _, tr := range triggers {
		if tr.EventName != evt.Name {
			continue
		}
		if !matchFilter(tr.Config, evt.Payload) {
			continue
		}
		d.fireTrigger(ctx, tr, workflow.TriggerEvent, evt.Payload)
	}
}

func (d *Dispatcher) fireTrigger(ctx context.Context, tr workflow.Trigger, triggerType string, input map[string]any) {
	wf, err := d.workflows.Get(tr.WorkflowID)
	if err != nil {
		d.logger.Warn("trigger references missing workflow",
			zap.String("trigger", tr.ID), zap.String("workflow", tr.WorkflowID))
		return
	}
	if !wf.Active {
		return
	}

	exec, err := d.submitter.Submit(ctx, SubmitRequest{
		OrgID:       wf.OrgID,
		WorkflowID:  wf.ID,
		TriggerID:   tr.ID,
		TriggerType: triggerType,
		Input:       input,
	})
	if err != nil {
		d.logger.Warn("submit execution",
			zap.String("trigger", tr.ID), zap.String("workflow", wf.ID), zap.Error(err))
		return
	}
	_ = d.workflows.MarkTriggered(tr.ID, d.now().UTC())
	metrics.RecordTriggerFiring(triggerType)
	d.logger.Info("trigger fired",
		zap.String("trigger", tr.ID),
		zap.String("type", triggerType),
		zap.String("execution", exec.ID))
}

// pruneFiredLocked drops dedupe entries older than ten minutes.
func (d *Dispatcher) pruneFiredLocked(now time.Time) {
	for k, at := range d.fired {
		if now.Sub(at) > 10*time.Minute {
			delete(d.fired, k)
		}
	}
}

// matchFilter checks the trigger's configured filter (a map under the
// "filter" key) as a subset-equality match against the event payload.
func matchFilter(config, payload map[string]any) bool {
	raw, ok := config["filter"]
	if !ok {
		return true
	}
	filter, ok := raw.(map[string]any)
	if !ok {
		return true
	}
	for k, want := range filter {
		if payload[k] != want {
			return false
		}
	}
	return true
}
