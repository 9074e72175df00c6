package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowpilot-ai/flowpilot/internal/config"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
	"github.com/flowpilot-ai/flowpilot/internal/metrics"
	"github.com/flowpilot-ai/flowpilot/internal/trigger"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

// Scheduler owns execution dispatch: a bounded queue fed by Submit,
// a worker pool draining it, a lease watchdog requeuing stalled work,
// and automatic retries for failed executions with budget left.
// Pending rows are the durable overflow when the queue is full.
type Scheduler struct {
	cfg        config.EngineConfig
	executions *execution.Store
	workflows  *workflow.Store
	meter      *metering.Store
	runner     *Runner
	logger     *zap.Logger

	queue chan string

	mu      sync.Mutex
	claims  map[string]string             // workflow|trigger -> execution id
	cancels map[string]context.CancelFunc // execution id -> cancel
}

// NewScheduler wires the scheduler. Run must be called before Submit
// produces progress.
func NewScheduler(cfg config.EngineConfig, executions *execution.Store, workflows *workflow.Store, meter *metering.Store, runner *Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = 2 * time.Minute
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = time.Hour
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	return &Scheduler{
		cfg:        cfg,
		executions: executions,
		workflows:  workflows,
		meter:      meter,
		runner:     runner,
		logger:     logger.Named("scheduler"),
		queue:      make(chan string, cfg.QueueSize),
		claims:     make(map[string]string),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Submit charges the execution quota, persists a pending execution and
// enqueues it. A quota rejection creates no row.
func (s *Scheduler) Submit(ctx context.Context, req trigger.SubmitRequest) (*execution.Execution, error) {
	if s.meter != nil {
		if _, err := s.meter.Charge(req.OrgID, metering.ResourceExecutions, 1); err != nil {
			metrics.RecordQuotaDenial(metering.ResourceExecutions)
			return nil, err
		}
	}

	wf, err := s.workflows.GetInOrg(req.OrgID, req.WorkflowID)
	if err != nil {
		if s.meter != nil {
			_ = s.meter.Release(req.OrgID, metering.ResourceExecutions, 1)
		}
		return nil, err
	}

	exec, err := s.executions.Create(&execution.Execution{
		OrgID:       req.OrgID,
		WorkflowID:  req.WorkflowID,
		VersionID:   wf.CurrentVersion,
		TriggerID:   req.TriggerID,
		TriggerType: req.TriggerType,
		Input:       req.Input,
		StartedBy:   req.StartedBy,
		MaxRetries:  s.cfg.MaxRetries,
	})
	if err != nil {
		if s.meter != nil {
			_ = s.meter.Release(req.OrgID, metering.ResourceExecutions, 1)
		}
		return nil, err
	}

	if s.meter != nil {
		_ = s.meter.RecordEvent(&metering.UsageEvent{
			OrgID:    req.OrgID,
			Resource: metering.ResourceExecutions,
			Quantity: 1,
			Ref:      exec.ID,
		})
	}

	s.enqueue(exec.ID)
	return exec, nil
}

// enqueue is non-blocking: a full queue leaves the row pending for the
// watchdog to pick up.
func (s *Scheduler) enqueue(id string) {
	select {
	case s.queue <- id:
		metrics.QueueDepth.Set(float64(len(s.queue)))
	default:
		s.logger.Warn("queue saturated, execution stays pending", zap.String("execution", id))
	}
}

// Run starts the worker pool and the watchdog, blocking until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watchdog(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			metrics.QueueDepth.Set(float64(len(s.queue)))
			s.process(ctx, id)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, id string) {
	exec, err := s.executions.Get(id)
	if err != nil || exec.Status != execution.StatusPending {
		return
	}

	if !s.claim(exec) {
		// Another execution of this (workflow, trigger) is in flight;
		// retry shortly.
		time.AfterFunc(5*time.Second, func() { s.enqueue(id) })
		return
	}
	defer s.release(exec)

	if err := s.executions.MarkRunning(id, time.Now().UTC().Add(s.cfg.LeaseWindow)); err != nil {
		return // lost the claim race
	}
	exec.Status = execution.StatusRunning

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
	}()

	heartbeatDone := make(chan struct{})
	go s.heartbeat(runCtx, id, heartbeatDone)

	err = s.runner.Run(runCtx, exec)
	close(heartbeatDone)

	if err != nil {
		s.maybeRetry(ctx, id)
	}
}

func (s *Scheduler) heartbeat(ctx context.Context, id string, done <-chan struct{}) {
	interval := s.cfg.LeaseWindow / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.executions.ExtendLease(id, time.Now().UTC().Add(s.cfg.LeaseWindow))
		}
	}
}

// maybeRetry schedules an automatic retry with exponential backoff when
// the execution failed and has retry budget left.
func (s *Scheduler) maybeRetry(ctx context.Context, id string) {
	if s.cfg.RetryBackoffBase <= 0 {
		return
	}
	latest, err := s.executions.Get(id)
	if err != nil || !latest.CanRetry() {
		return
	}

	backoff := retryBackoff(s.cfg.RetryBackoffBase, latest.RetryCount)
	s.logger.Info("scheduling retry",
		zap.String("execution", id),
		zap.Int("attempt", latest.RetryCount+1),
		zap.Duration("backoff", backoff))

	time.AfterFunc(backoff, func() {
		if ctx.Err() != nil {
			return
		}
		child, err := s.executions.CreateRetry(latest)
		if err != nil {
			return // retried through the API meanwhile, or budget spent
		}
		s.enqueue(child.ID)
	})
}

// retryBackoff doubles the base per attempt and adds up to 50% random
// jitter so failed executions of one workflow do not retry in lockstep.
func retryBackoff(base time.Duration, retryCount int) time.Duration {
	backoff := base << retryCount
	return backoff + time.Duration(rand.Int64N(int64(backoff)/2+1))
}

// Retry creates a child execution through the API path and enqueues it.
func (s *Scheduler) Retry(orgID, id string) (*execution.Execution, error) {
	parent, err := s.executions.GetInOrg(orgID, id)
	if err != nil {
		return nil, err
	}
	child, err := s.executions.CreateRetry(parent)
	if err != nil {
		return nil, err
	}
	s.enqueue(child.ID)
	return child, nil
}

// Cancel transitions the execution and interrupts its runner if one is
// active.
func (s *Scheduler) Cancel(orgID, id string) error {
	if _, err := s.executions.GetInOrg(orgID, id); err != nil {
		return err
	}
	if err := s.executions.Cancel(id); err != nil {
		return err
	}
	s.mu.Lock()
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// claim enforces per-(workflow, trigger) non-overlap when the trigger
// asks for it.
func (s *Scheduler) claim(exec *execution.Execution) bool {
	if exec.TriggerID == "" {
		return true
	}
	tr, err := s.workflows.GetTrigger(exec.TriggerID)
	if err != nil || !nonOverlapping(tr) {
		return true
	}

	key := exec.WorkflowID + "|" + exec.TriggerID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.claims[key]; busy {
		return false
	}
	s.claims[key] = exec.ID
	return true
}

func (s *Scheduler) release(exec *execution.Execution) {
	if exec.TriggerID == "" {
		return
	}
	key := exec.WorkflowID + "|" + exec.TriggerID
	s.mu.Lock()
	if s.claims[key] == exec.ID {
		delete(s.claims, key)
	}
	s.mu.Unlock()
}

func nonOverlapping(t *workflow.Trigger) bool {
	v, ok := t.Config["non_overlapping"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// watchdog requeues stale running executions and re-enqueues pending
// rows that never made it into the channel.
func (s *Scheduler) watchdog(ctx context.Context) {
	interval := s.cfg.LeaseWindow / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()

			stale, err := s.executions.StaleRunning(now)
			if err == nil {
				for _, e := range stale {
					if err := s.executions.Requeue(e.ID, now); err == nil {
						s.logger.Warn("requeued stale execution", zap.String("execution", e.ID))
						s.enqueue(e.ID)
					}
				}
			}

			pending, err := s.executions.Pending(s.cfg.QueueSize)
			if err == nil {
				for _, e := range pending {
					s.enqueue(e.ID)
				}
			}
		}
	}
}
