package execution

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "execution.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func newExecution(t *testing.T, store *Store) *Execution {
	t.Helper()
	e, err := store.Create(&Execution{
		OrgID:      "org-1",
		WorkflowID: "wf-1",
		Input:      map[string]any{"k": "v"},
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return e
}

func TestExecutionLifecycle(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	if e.Status != StatusPending {
		t.Fatalf("new execution status = %s", e.Status)
	}

	if err := store.MarkRunning(e.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.Complete(e.ID, map[string]any{"result": "ok"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := store.Get(e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.Output["result"] != "ok" {
		t.Fatalf("finished execution = %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatal("timestamps not set")
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	// Completing a pending execution skips running.
	if err := store.Complete(e.ID, nil); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	_ = store.MarkRunning(e.ID, time.Now().Add(time.Minute))
	if err := store.Complete(e.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Terminal states accept nothing further.
	if err := store.Cancel(e.ID); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict cancelling completed, got %v", err)
	}
	if err := store.MarkRunning(e.ID, time.Now().Add(time.Minute)); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict restarting completed, got %v", err)
	}
}

func TestMarkRunningClaimsOnce(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	if err := store.MarkRunning(e.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := store.MarkRunning(e.ID, time.Now().Add(time.Minute)); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	_ = store.MarkRunning(e.ID, time.Now().Add(time.Minute))
	if err := store.Pause(e.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := store.MarkRunning(e.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := store.Get(e.ID)
	if got.Status != StatusRunning {
		t.Fatalf("status after resume = %s", got.Status)
	}
}

func TestStaleLeaseDetection(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	_ = store.MarkRunning(e.ID, time.Now().Add(-time.Minute))
	stale, err := store.StaleRunning(time.Now())
	if err != nil {
		t.Fatalf("stale running: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != e.ID {
		t.Fatalf("stale = %+v", stale)
	}

	if err := store.ExtendLease(e.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("extend lease: %v", err)
	}
	stale, _ = store.StaleRunning(time.Now())
	if len(stale) != 0 {
		t.Fatalf("lease extension should clear staleness, got %+v", stale)
	}
}

func TestRequeueRespectsLiveLease(t *testing.T) {
	store := newTestStore(t)

	stale := newExecution(t, store)
	_ = store.MarkRunning(stale.ID, time.Now().Add(-time.Minute))
	if err := store.Requeue(stale.ID, time.Now()); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, _ := store.Get(stale.ID)
	if got.Status != StatusPending {
		t.Fatalf("stale execution status = %s, want pending", got.Status)
	}

	live := newExecution(t, store)
	_ = store.MarkRunning(live.ID, time.Now().Add(time.Hour))
	if err := store.Requeue(live.ID, time.Now()); err != nil {
		t.Fatalf("requeue live: %v", err)
	}
	got, _ = store.Get(live.ID)
	if got.Status != StatusRunning {
		t.Fatalf("live execution status = %s, want running", got.Status)
	}
}

func TestRetryInheritsAndCounts(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	// Only failed executions retry.
	if _, err := store.CreateRetry(e); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("retry of pending should conflict, got %v", err)
	}

	_ = store.MarkRunning(e.ID, time.Now().Add(time.Minute))
	_ = store.Fail(e.ID, "node b exploded")
	failed, _ := store.Get(e.ID)
	if !failed.CanRetry() {
		t.Fatal("failed execution with budget should be retryable")
	}

	retry, err := store.CreateRetry(failed)
	if err != nil {
		t.Fatalf("create retry: %v", err)
	}
	if retry.RetryCount != 1 || retry.ParentID != e.ID {
		t.Fatalf("retry = %+v", retry)
	}
	if retry.Input["k"] != "v" {
		t.Fatalf("retry did not inherit input: %v", retry.Input)
	}

	// Exhaust the budget.
	failed.RetryCount = failed.MaxRetries
	if failed.CanRetry() {
		t.Fatal("exhausted execution must not be retryable")
	}
}

func TestStepsAreDenselyNumbered(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	s1, err := store.CreateStep(e.ID, "a", "variable", nil)
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	s2, _ := store.CreateStep(e.ID, "b", "condition", map[string]any{"x": float64(1)})
	s3, _ := store.CreateStep(e.ID, "c", "variable", nil)

	if s1.Number != 1 || s2.Number != 2 || s3.Number != 3 {
		t.Fatalf("step numbers = %d %d %d", s1.Number, s2.Number, s3.Number)
	}

	_ = store.StartStep(s1.ID)
	_ = store.CompleteStep(s1.ID, map[string]any{"x": float64(42)})
	_ = store.SkipStep(s2.ID)
	_ = store.StartStep(s3.ID)
	_ = store.FailStep(s3.ID, "boom")

	steps, err := store.ListSteps(e.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if steps[0].Status != StepCompleted || steps[1].Status != StepSkipped || steps[2].Status != StepFailed {
		t.Fatalf("step statuses = %s %s %s", steps[0].Status, steps[1].Status, steps[2].Status)
	}
	if steps[0].Output["x"] != float64(42) {
		t.Fatalf("step output = %v", steps[0].Output)
	}
	if steps[2].Error != "boom" {
		t.Fatalf("step error = %q", steps[2].Error)
	}
}

func TestConcurrentStepCreation(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	// Parallel branches of one execution create their steps at the
	// same time; numbering must stay dense and the inserts must not
	// trip over each other's write locks.
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.CreateStep(e.ID, fmt.Sprintf("n%d", i), "variable", nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent create step: %v", err)
	}

	steps, err := store.ListSteps(e.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != n {
		t.Fatalf("expected %d steps, got %d", n, len(steps))
	}
	seen := make(map[int]bool, n)
	for _, st := range steps {
		seen[st.Number] = true
	}
	for i := 1; i <= n; i++ {
		if !seen[i] {
			t.Fatalf("step number %d missing; numbering not dense: %v", i, seen)
		}
	}
}

func TestLogsFilterByLevel(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	_ = store.AppendLog(e.ID, "", "a", LevelInfo, "node a start", nil)
	_ = store.AppendLog(e.ID, "", "b", LevelError, "node b failed", map[string]any{"attempt": float64(1)})
	_ = store.AppendLog(e.ID, "", "b", LevelInfo, "retrying", nil)

	all, err := store.ListLogs(e.ID, "")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(all))
	}

	errors, err := store.ListLogs(e.ID, LevelError)
	if err != nil {
		t.Fatalf("list error logs: %v", err)
	}
	if len(errors) != 1 || errors[0].Message != "node b failed" {
		t.Fatalf("error logs = %+v", errors)
	}
	if errors[0].Details["attempt"] != float64(1) {
		t.Fatalf("details = %v", errors[0].Details)
	}
}

func TestAIRequestTotalsDerived(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)

	r, err := store.RecordAIRequest(&AIRequest{
		OrgID:        "org-1",
		ExecID:       e.ID,
		Model:        "gpt-4o-mini",
		Prompt:       "hello",
		Response:     "hi there",
		InputTokens:  10,
		OutputTokens: 25,
		CostCents:    3,
	})
	if err != nil {
		t.Fatalf("record ai request: %v", err)
	}
	if r.TotalTokens != 35 {
		t.Fatalf("total tokens = %d, want 35", r.TotalTokens)
	}

	if err := store.AddUsage(e.ID, r.TotalTokens, r.CostCents); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	got, _ := store.Get(e.ID)
	if got.TokensUsed != 35 || got.CostCents != 3 {
		t.Fatalf("execution usage = %d tokens %d cents", got.TokensUsed, got.CostCents)
	}

	list, _ := store.ListAIRequests(e.ID)
	if len(list) != 1 {
		t.Fatalf("expected one ai request, got %d", len(list))
	}
}

func TestPurgeOldExecutions(t *testing.T) {
	store := newTestStore(t)
	e := newExecution(t, store)
	_ = store.MarkRunning(e.ID, time.Now().Add(time.Minute))
	_ = store.Complete(e.ID, nil)

	// Finished just now, so a cutoff in the past removes nothing.
	n, err := store.PurgeOlderThan(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("purged %d, want 0", n)
	}

	n, err = store.PurgeOlderThan(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := store.Get(e.ID); !IsNotFound(err) {
		t.Fatalf("expected purged execution to be gone, got %v", err)
	}
}
