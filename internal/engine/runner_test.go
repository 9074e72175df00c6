package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/storage"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

type runnerHarness struct {
	workflows  *workflow.Store
	executions *execution.Store
	registry   *Registry
	runner     *Runner
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "runner.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	workflows, err := workflow.NewStore(db)
	if err != nil {
		t.Fatalf("workflow store: %v", err)
	}
	executions, err := execution.NewStore(db)
	if err != nil {
		t.Fatalf("execution store: %v", err)
	}

	registry := NewRegistry()
	RegisterBuiltins(registry, Deps{})
	registry.Register("boom", HandlerFunc(func(_ context.Context, _ HandlerInput) (map[string]any, error) {
		return nil, errors.New("handler blew up")
	}))

	return &runnerHarness{
		workflows:  workflows,
		executions: executions,
		registry:   registry,
		runner:     NewRunner(workflows, executions, registry, nil, nil, 2),
	}
}

func (h *runnerHarness) start(t *testing.T, def *workflow.Definition, input map[string]any) (*workflow.Workflow, *execution.Execution) {
	t.Helper()
	wf, err := h.workflows.Create("org-1", "Test Flow", "", nil, def, "user-1")
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	exec, err := h.executions.Create(&execution.Execution{
		OrgID:      "org-1",
		WorkflowID: wf.ID,
		Input:      input,
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := h.executions.MarkRunning(exec.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	exec.Status = execution.StatusRunning
	return wf, exec
}

func (h *runnerHarness) stepByNode(t *testing.T, execID, nodeID string) *execution.Step {
	t.Helper()
	steps, err := h.executions.ListSteps(execID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for i := range steps {
		if steps[i].NodeID == nodeID {
			return &steps[i]
		}
	}
	t.Fatalf("no step for node %s", nodeID)
	return nil
}

func linearDefinition() *workflow.Definition {
	return &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "a", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "x", Value: float64(42)}},
			{ID: "b", Type: workflow.NodeTypeCondition, Config: workflow.ConditionConfig{Expression: "x > 0"}},
			{ID: "c", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "y", Value: "ok"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "c"},
		},
	}
}

func TestRunnerLinearFlow(t *testing.T) {
	h := newRunnerHarness(t)
	_, exec := h.start(t, linearDefinition(), nil)

	if err := h.runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := h.executions.Get(exec.ID)
	if got.Status != execution.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	steps, _ := h.executions.ListSteps(exec.ID)
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(steps))
	}
	for _, s := range steps {
		if s.Status != execution.StepCompleted {
			t.Fatalf("step %s status = %s", s.NodeID, s.Status)
		}
	}

	c, ok := got.Output["c"].(map[string]any)
	if !ok || c["y"] != "ok" {
		t.Fatalf("output.c = %v", got.Output["c"])
	}
	b, ok := got.Output["b"].(map[string]any)
	if !ok || b["result"] != true {
		t.Fatalf("output.b = %v", got.Output["b"])
	}
	// Variable node outputs flatten into the context.
	if got.Context["x"] != float64(42) || got.Context["y"] != "ok" {
		t.Fatalf("context = %v", got.Context)
	}
}

func TestRunnerSkipsOnFalseEdgeCondition(t *testing.T) {
	h := newRunnerHarness(t)
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "a", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "x", Value: float64(1)}},
			{ID: "b", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "big", Value: true}},
			{ID: "c", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "after", Value: true}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "a", Target: "b", Condition: "x > 100"},
			{ID: "e2", Source: "b", Target: "c"},
		},
	}
	_, exec := h.start(t, def, nil)

	if err := h.runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := h.executions.Get(exec.ID)
	if got.Status != execution.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if s := h.stepByNode(t, exec.ID, "b"); s.Status != execution.StepSkipped {
		t.Fatalf("node b status = %s, want skipped", s.Status)
	}
	// Skips cascade to downstream nodes.
	if s := h.stepByNode(t, exec.ID, "c"); s.Status != execution.StepSkipped {
		t.Fatalf("node c status = %s, want skipped", s.Status)
	}
	if _, ok := got.Output["b"]; ok {
		t.Fatal("skipped node must not contribute output")
	}
}

func TestRunnerFailedUpstreamIsFatal(t *testing.T) {
	h := newRunnerHarness(t)
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "a", Type: "boom"},
			{ID: "b", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "never", Value: true}},
		},
		Edges: []workflow.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
	_, exec := h.start(t, def, nil)

	err := h.runner.Run(context.Background(), exec)
	if err == nil {
		t.Fatal("expected failure")
	}

	got, _ := h.executions.Get(exec.ID)
	if got.Status != execution.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if s := h.stepByNode(t, exec.ID, "a"); s.Status != execution.StepFailed {
		t.Fatalf("node a status = %s", s.Status)
	}

	logs, _ := h.executions.ListLogs(exec.ID, execution.LevelError)
	if len(logs) == 0 {
		t.Fatal("expected an error log line")
	}
}

func TestRunnerToleratedFailureTakesErrorBranch(t *testing.T) {
	h := newRunnerHarness(t)
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "a", Type: "boom"},
			{ID: "recover", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "recovered", Value: true}},
			{ID: "happy", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "happy", Value: true}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "a", Target: "recover", Condition: `status == "failed"`},
			{ID: "e2", Source: "a", Target: "happy", Condition: `status == "completed"`},
		},
	}
	_, exec := h.start(t, def, nil)

	if err := h.runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := h.executions.Get(exec.ID)
	if got.Status != execution.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if s := h.stepByNode(t, exec.ID, "recover"); s.Status != execution.StepCompleted {
		t.Fatalf("recover status = %s", s.Status)
	}
	if s := h.stepByNode(t, exec.ID, "happy"); s.Status != execution.StepSkipped {
		t.Fatalf("happy status = %s, want skipped", s.Status)
	}
}

func TestRunnerMissingRequiredVariableFails(t *testing.T) {
	h := newRunnerHarness(t)
	wf, err := h.workflows.Create("org-1", "Guarded", "", nil, linearDefinition(), "user-1")
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := h.workflows.SetVariable(&workflow.Variable{
		WorkflowID: wf.ID,
		Name:       "customer_id",
		Type:       workflow.VarString,
		Required:   true,
	}); err != nil {
		t.Fatalf("set variable: %v", err)
	}

	exec, _ := h.executions.Create(&execution.Execution{OrgID: "org-1", WorkflowID: wf.ID})
	_ = h.executions.MarkRunning(exec.ID, time.Now().Add(time.Hour))
	exec.Status = execution.StatusRunning

	runErr := h.runner.Run(context.Background(), exec)
	if runErr == nil {
		t.Fatal("expected failure")
	}

	got, _ := h.executions.Get(exec.ID)
	if got.Status != execution.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	steps, _ := h.executions.ListSteps(exec.ID)
	if len(steps) != 0 {
		t.Fatalf("no steps should run, got %d", len(steps))
	}
}

func TestRunnerVariableDefaultsAndInputOverride(t *testing.T) {
	h := newRunnerHarness(t)
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "check", Type: workflow.NodeTypeCondition, Config: workflow.ConditionConfig{Expression: `region == "eu"`}},
		},
	}
	wf, err := h.workflows.Create("org-1", "Defaults", "", nil, def, "user-1")
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := h.workflows.SetVariable(&workflow.Variable{
		WorkflowID: wf.ID, Name: "region", Type: workflow.VarString, Default: "us",
	}); err != nil {
		t.Fatalf("set variable: %v", err)
	}

	exec, _ := h.executions.Create(&execution.Execution{
		OrgID: "org-1", WorkflowID: wf.ID,
		Input: map[string]any{"region": "eu"},
	})
	_ = h.executions.MarkRunning(exec.ID, time.Now().Add(time.Hour))
	exec.Status = execution.StatusRunning

	if err := h.runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.executions.Get(exec.ID)
	check, ok := got.Output["check"].(map[string]any)
	if !ok || check["result"] != true {
		t.Fatalf("input should override default: %v", got.Output)
	}
}

func TestRunnerCancellation(t *testing.T) {
	h := newRunnerHarness(t)
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "wait", Type: workflow.NodeTypeDelay, Config: workflow.DelayConfig{Seconds: 30}},
		},
	}
	_, exec := h.start(t, def, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := h.runner.Run(ctx, exec)
	if err == nil {
		t.Fatal("expected interruption")
	}

	got, _ := h.executions.Get(exec.ID)
	if got.Status != execution.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if s := h.stepByNode(t, exec.ID, "wait"); s.Status != execution.StepFailed || s.Error != "interrupted" {
		t.Fatalf("step = %s (%q)", s.Status, s.Error)
	}
}

func TestRunnerTimeout(t *testing.T) {
	h := newRunnerHarness(t)
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "wait", Type: workflow.NodeTypeDelay, Config: workflow.DelayConfig{Seconds: 30}},
		},
	}
	_, exec := h.start(t, def, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.runner.Run(ctx, exec)
	if !apperr.IsKind(err, apperr.KindTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}

	got, _ := h.executions.Get(exec.ID)
	if got.Status != execution.StatusFailed || got.Error != "execution timed out" {
		t.Fatalf("execution = %s (%q)", got.Status, got.Error)
	}
}

func TestRunnerParallelBranches(t *testing.T) {
	h := newRunnerHarness(t)
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "root", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "r", Value: float64(1)}},
			{ID: "left", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "l", Value: float64(2)}},
			{ID: "right", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "rt", Value: float64(3)}},
			{ID: "join", Type: workflow.NodeTypeCondition, Config: workflow.ConditionConfig{Expression: "l + rt == 5.0"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "root", Target: "left"},
			{ID: "e2", Source: "root", Target: "right"},
			{ID: "e3", Source: "left", Target: "join"},
			{ID: "e4", Source: "right", Target: "join"},
		},
	}
	_, exec := h.start(t, def, nil)

	if err := h.runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.executions.Get(exec.ID)
	join, ok := got.Output["join"].(map[string]any)
	if !ok || join["result"] != true {
		t.Fatalf("join saw partial context: %v", got.Output)
	}
}
