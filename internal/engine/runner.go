package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/metrics"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

// Runner executes one execution end to end: topological walk, edge
// conditions, per-node steps and logs, context merging. Branches that
// are simultaneously ready run in parallel up to the fan-out limit, with
// context writes serialized.
type Runner struct {
	workflows  *workflow.Store
	executions *execution.Store
	registry   *Registry
	eval       *Evaluator
	logger     *zap.Logger
	fanout     int
}

// NewRunner wires a runner. fanout <= 0 defaults to 4.
func NewRunner(workflows *workflow.Store, executions *execution.Store, registry *Registry, eval *Evaluator, logger *zap.Logger, fanout int) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eval == nil {
		eval = NewEvaluator()
	}
	if fanout <= 0 {
		fanout = 4
	}
	return &Runner{
		workflows:  workflows,
		executions: executions,
		registry:   registry,
		eval:       eval,
		logger:     logger.Named("runner"),
		fanout:     fanout,
	}
}

// runState tracks one walk. All fields behind mu.
type runState struct {
	mu      sync.Mutex
	context map[string]any
	outputs map[string]any
	status  map[string]string // node id -> step status
}

// Run drives exec to a terminal state. The execution must already be
// running; Run persists the terminal transition before returning.
func (r *Runner) Run(ctx context.Context, exec *execution.Execution) error {
	start := time.Now()
	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()

	wf, err := r.workflows.Get(exec.WorkflowID)
	if err != nil {
		return r.fail(exec, start, fmt.Sprintf("load workflow: %v", err))
	}

	def := wf.Definition
	order, err := workflow.TopoSort(def)
	if err != nil {
		return r.fail(exec, start, err.Error())
	}

	initial, err := r.initialContext(wf, exec)
	if err != nil {
		_ = r.executions.AppendLog(exec.ID, "", "", execution.LevelError, err.Error(), nil)
		return r.fail(exec, start, err.Error())
	}

	state := &runState{
		context: initial,
		outputs: make(map[string]any),
		status:  make(map[string]string),
	}

	remaining := append([]string(nil), order...)
	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return r.interrupted(exec, start, err)
		}

		batch, rest := r.readyBatch(def, state, remaining)
		if len(batch) == 0 {
			// Cannot happen on a valid topological order.
			return r.fail(exec, start, "no runnable nodes remain")
		}
		remaining = rest

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.fanout)
		for _, nodeID := range batch {
			node := def.NodeByID(nodeID)
			g.Go(func() error {
				return r.runNode(gctx, exec, def, node, state)
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return r.interrupted(exec, start, ctx.Err())
			}
			return r.fail(exec, start, err.Error())
		}
	}

	state.mu.Lock()
	outputs := state.outputs
	state.mu.Unlock()

	if err := r.executions.Complete(exec.ID, outputs); err != nil {
		return err
	}
	_ = r.workflows.RecordExecution(wf.ID, true, time.Now().UTC())
	metrics.RecordExecutionComplete(execution.StatusCompleted, time.Since(start))
	r.logger.Info("execution completed",
		zap.String("execution", exec.ID), zap.String("workflow", wf.ID))
	return nil
}

// initialContext merges execution input over variable defaults. Missing
// required variables abort the run before any step is created.
func (r *Runner) initialContext(wf *workflow.Workflow, exec *execution.Execution) (map[string]any, error) {
	vars, err := r.workflows.ListVariables(wf.ID)
	if err != nil {
		return nil, err
	}

	context := make(map[string]any)
	for _, v := range vars {
		if v.Default != nil {
			context[v.Name] = v.Default
		}
	}
	for k, val := range exec.Input {
		context[k] = val
	}
	for _, v := range vars {
		if v.Required {
			if _, ok := context[v.Name]; !ok {
				return nil, apperr.Validation("required variable %q has no value", v.Name)
			}
		}
	}
	return context, nil
}

// readyBatch splits remaining into the nodes whose upstreams are all
// settled and the rest, preserving topological order.
func (r *Runner) readyBatch(def *workflow.Definition, state *runState, remaining []string) (batch, rest []string) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for _, id := range remaining {
		ready := true
		for _, e := range def.InboundEdges(id) {
			if _, done := state.status[e.Source]; !done {
				ready = false
				break
			}
		}
		if ready {
			batch = append(batch, id)
		} else {
			rest = append(rest, id)
		}
	}
	return batch, rest
}

// runNode creates the node's step, applies edge gating, invokes the
// handler and merges its output.
func (r *Runner) runNode(ctx context.Context, exec *execution.Execution, def *workflow.Definition, node *workflow.Node, state *runState) error {
	action, err := r.gate(def, node, state)
	if err != nil {
		return err
	}

	state.mu.Lock()
	snapshot := cloneMap(state.context)
	state.mu.Unlock()

	step, err := r.executions.CreateStep(exec.ID, node.ID, node.Type, snapshot)
	if err != nil {
		return fmt.Errorf("create step for node %s: %w", node.ID, err)
	}

	if action == actionSkip {
		if err := r.executions.SkipStep(step.ID); err != nil {
			return err
		}
		state.mu.Lock()
		state.status[node.ID] = execution.StepSkipped
		state.mu.Unlock()
		_ = r.executions.AppendLog(exec.ID, step.ID, node.ID, execution.LevelInfo, "node skipped by edge condition", nil)
		return nil
	}

	handler, err := r.registry.Resolve(node.Type)
	if err != nil {
		_ = r.executions.FailStep(step.ID, err.Error())
		return err
	}

	if err := r.executions.StartStep(step.ID); err != nil {
		return err
	}
	output, err := handler.Run(ctx, HandlerInput{
		Node:      *node,
		Context:   snapshot,
		Execution: exec,
		Step:      step,
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			_ = r.executions.FailStep(step.ID, "interrupted")
			return err
		}
		_ = r.executions.FailStep(step.ID, err.Error())
		_ = r.executions.AppendLog(exec.ID, step.ID, node.ID, execution.LevelError, err.Error(), nil)

		state.mu.Lock()
		state.status[node.ID] = execution.StepFailed
		state.mu.Unlock()

		if !r.failureTolerated(def, node) {
			return fmt.Errorf("node %s: %w", node.ID, err)
		}
		r.logger.Warn("node failed, downstream edges tolerate it",
			zap.String("execution", exec.ID), zap.String("node", node.ID))
		return nil
	}

	if err := r.executions.CompleteStep(step.ID, output); err != nil {
		return err
	}
	_ = r.executions.AppendLog(exec.ID, step.ID, node.ID, execution.LevelInfo, "node completed", nil)

	state.mu.Lock()
	state.status[node.ID] = execution.StepCompleted
	state.context[node.ID] = output
	if node.Type == workflow.NodeTypeVariable {
		for k, v := range output {
			state.context[k] = v
		}
	}
	state.outputs[node.ID] = output
	snapshot = cloneMap(state.context)
	state.mu.Unlock()

	return r.executions.SaveContext(exec.ID, snapshot)
}

type nodeAction int

const (
	actionRun nodeAction = iota
	actionSkip
)

// gate applies join semantics. A failed upstream is fatal unless the
// connecting edge carries a condition that evaluates true against
// status == "failed"; a false edge condition skips the node.
func (r *Runner) gate(def *workflow.Definition, node *workflow.Node, state *runState) (nodeAction, error) {
	state.mu.Lock()
	snapshot := cloneMap(state.context)
	statuses := make(map[string]string, len(state.status))
	for k, v := range state.status {
		statuses[k] = v
	}
	state.mu.Unlock()

	action := actionRun
	for _, e := range def.InboundEdges(node.ID) {
		srcStatus := statuses[e.Source]
		switch srcStatus {
		case execution.StepSkipped:
			action = actionSkip
		case execution.StepFailed:
			if e.Condition == "" {
				return actionRun, fmt.Errorf("upstream node %s failed", e.Source)
			}
			pass, err := r.evalEdge(e, snapshot, srcStatus)
			if err != nil {
				return actionRun, err
			}
			if !pass {
				action = actionSkip
			}
		default:
			pass, err := r.evalEdge(e, snapshot, srcStatus)
			if err != nil {
				return actionRun, err
			}
			if !pass {
				action = actionSkip
			}
		}
	}
	return action, nil
}

// evalEdge evaluates an edge condition against the context plus the
// source node's step status under "status".
func (r *Runner) evalEdge(e workflow.Edge, context map[string]any, srcStatus string) (bool, error) {
	if e.Condition == "" {
		return true, nil
	}
	edgeCtx := cloneMap(context)
	edgeCtx["status"] = srcStatus
	pass, err := r.eval.EvalBool(e.Condition, edgeCtx)
	if err != nil {
		return false, fmt.Errorf("edge %s->%s: %w", e.Source, e.Target, err)
	}
	return pass, nil
}

// failureTolerated reports whether every outbound edge of a failed node
// carries an explicit condition. A failed node with no outlet, or with
// any unconditional outlet, fails the execution.
func (r *Runner) failureTolerated(def *workflow.Definition, node *workflow.Node) bool {
	edges := def.OutboundEdges(node.ID)
	if len(edges) == 0 {
		return false
	}
	for _, e := range edges {
		if e.Condition == "" {
			return false
		}
	}
	return true
}

func (r *Runner) fail(exec *execution.Execution, start time.Time, msg string) error {
	if err := r.executions.Fail(exec.ID, msg); err != nil {
		return err
	}
	_ = r.workflows.RecordExecution(exec.WorkflowID, false, time.Now().UTC())
	metrics.RecordExecutionComplete(execution.StatusFailed, time.Since(start))
	r.logger.Warn("execution failed",
		zap.String("execution", exec.ID), zap.String("error", msg))
	return apperr.New(apperr.KindInternal, "execution %s failed: %s", exec.ID, msg)
}

// interrupted resolves a context-level stop: cancellation becomes
// cancelled, deadline expiry becomes a timeout failure.
func (r *Runner) interrupted(exec *execution.Execution, start time.Time, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		if err := r.executions.Fail(exec.ID, "execution timed out"); err == nil {
			_ = r.workflows.RecordExecution(exec.WorkflowID, false, time.Now().UTC())
		}
		metrics.RecordExecutionComplete(execution.StatusFailed, time.Since(start))
		return apperr.Wrap(cause, apperr.KindTimeout, "execution %s timed out", exec.ID)
	}
	// Cancel() usually transitioned the row already; this is the fallback.
	_ = r.executions.Cancel(exec.ID)
	metrics.RecordExecutionComplete(execution.StatusCancelled, time.Since(start))
	return cause
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
