package trigger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/storage"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []SubmitRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, req SubmitRequest) (*execution.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &execution.Execution{ID: "exec-1", Status: execution.StatusPending, OrgID: req.OrgID, WorkflowID: req.WorkflowID}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *workflow.Store, *fakeSubmitter, *Bus) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "trigger.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	workflows, err := workflow.NewStore(db)
	if err != nil {
		t.Fatalf("new workflow store: %v", err)
	}
	submitter := &fakeSubmitter{}
	bus := NewBus(8)
	return NewDispatcher(workflows, submitter, bus, nil), workflows, submitter, bus
}

func activeWorkflow(t *testing.T, store *workflow.Store) *workflow.Workflow {
	t.Helper()
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "a", Type: workflow.NodeTypeVariable, Config: workflow.VariableConfig{Name: "x", Value: float64(1)}},
		},
	}
	w, err := store.Create("org-1", "triggered", "", nil, def, "user-1")
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := store.SetStatus(w.ID, workflow.StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	w, _ = store.Get(w.ID)
	return w
}

func TestFireManual(t *testing.T) {
	d, workflows, submitter, _ := newTestDispatcher(t)
	w := activeWorkflow(t, workflows)

	exec, err := d.FireManual(context.Background(), "org-1", w.ID, map[string]any{"k": "v"}, "user-1")
	if err != nil {
		t.Fatalf("fire manual: %v", err)
	}
	if exec.Status != execution.StatusPending {
		t.Fatalf("status = %s", exec.Status)
	}
	req := submitter.requests[0]
	if req.TriggerType != workflow.TriggerManual || req.StartedBy != "user-1" || req.Input["k"] != "v" {
		t.Fatalf("request = %+v", req)
	}

	// Cross-tenant and archived workflows are rejected.
	if _, err := d.FireManual(context.Background(), "org-2", w.ID, nil, "user-1"); !workflow.IsNotFound(err) {
		t.Fatalf("cross-tenant fire should be not found, got %v", err)
	}
	_ = workflows.SetStatus(w.ID, workflow.StatusArchived)
	if _, err := d.FireManual(context.Background(), "org-1", w.ID, nil, "user-1"); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("archived fire should be a validation error, got %v", err)
	}
}

func TestHandleWebhook(t *testing.T) {
	d, workflows, submitter, _ := newTestDispatcher(t)
	w := activeWorkflow(t, workflows)
	tr, err := workflows.CreateTrigger(&workflow.Trigger{WorkflowID: w.ID, Type: workflow.TriggerWebhook, WebhookSecret: "shh"})
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err = d.HandleWebhook(context.Background(), w.ID, tr.WebhookToken, "shh", map[string]any{"order": "42"})
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if submitter.count() != 1 || submitter.requests[0].Input["order"] != "42" {
		t.Fatalf("requests = %+v", submitter.requests)
	}
	got, _ := workflows.GetTrigger(tr.ID)
	if got.ExecutionCount != 1 || got.LastTriggeredAt == nil {
		t.Fatalf("trigger stats not bumped: %+v", got)
	}

	// Wrong secret, wrong token, wrong workflow all fail authentication.
	if _, err := d.HandleWebhook(context.Background(), w.ID, tr.WebhookToken, "nope", nil); !apperr.IsKind(err, apperr.KindAuthentication) {
		t.Fatalf("bad secret: %v", err)
	}
	if _, err := d.HandleWebhook(context.Background(), w.ID, "bogus-token", "shh", nil); !apperr.IsKind(err, apperr.KindAuthentication) {
		t.Fatalf("bad token: %v", err)
	}
	if _, err := d.HandleWebhook(context.Background(), "other-workflow", tr.WebhookToken, "shh", nil); !apperr.IsKind(err, apperr.KindAuthentication) {
		t.Fatalf("token bound to one workflow: %v", err)
	}

	// Deactivated workflow stops webhook submissions.
	_ = workflows.SetStatus(w.ID, workflow.StatusPaused)
	if _, err := d.HandleWebhook(context.Background(), w.ID, tr.WebhookToken, "shh", nil); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("inactive workflow: %v", err)
	}
}

func TestTickScheduledFiresAndDedupes(t *testing.T) {
	d, workflows, submitter, _ := newTestDispatcher(t)
	w := activeWorkflow(t, workflows)
	if _, err := workflows.CreateTrigger(&workflow.Trigger{WorkflowID: w.ID, Type: workflow.TriggerScheduled, CronExpression: "* * * * *"}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	now := time.Date(2026, 3, 14, 9, 26, 30, 0, time.UTC)
	d.tickScheduled(context.Background(), now)
	if submitter.count() != 1 {
		t.Fatalf("expected 1 submission, got %d", submitter.count())
	}

	// Same minute fires only once; the next minute fires again.
	d.tickScheduled(context.Background(), now.Add(10*time.Second))
	if submitter.count() != 1 {
		t.Fatalf("duplicate minute should be suppressed, got %d", submitter.count())
	}
	d.tickScheduled(context.Background(), now.Add(time.Minute))
	if submitter.count() != 2 {
		t.Fatalf("next minute should fire, got %d", submitter.count())
	}
}

func TestTickScheduledRespectsCronWindow(t *testing.T) {
	d, workflows, submitter, _ := newTestDispatcher(t)
	w := activeWorkflow(t, workflows)
	if _, err := workflows.CreateTrigger(&workflow.Trigger{WorkflowID: w.ID, Type: workflow.TriggerScheduled, CronExpression: "30 9 * * *"}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	d.tickScheduled(context.Background(), time.Date(2026, 3, 14, 9, 29, 0, 0, time.UTC))
	if submitter.count() != 0 {
		t.Fatalf("9:29 should not fire a 9:30 cron, got %d", submitter.count())
	}
	d.tickScheduled(context.Background(), time.Date(2026, 3, 14, 9, 30, 45, 0, time.UTC))
	if submitter.count() != 1 {
		t.Fatalf("9:30 should fire, got %d", submitter.count())
	}
}

func TestTickScheduledSkipsInactiveWorkflow(t *testing.T) {
	d, workflows, submitter, _ := newTestDispatcher(t)
	w := activeWorkflow(t, workflows)
	if _, err := workflows.CreateTrigger(&workflow.Trigger{WorkflowID: w.ID, Type: workflow.TriggerScheduled, CronExpression: "* * * * *"}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	_ = workflows.SetStatus(w.ID, workflow.StatusPaused)

	d.tickScheduled(context.Background(), time.Now().UTC())
	if submitter.count() != 0 {
		t.Fatalf("inactive workflow should not fire, got %d", submitter.count())
	}
}

func TestEventTriggerMatching(t *testing.T) {
	d, workflows, submitter, _ := newTestDispatcher(t)
	w := activeWorkflow(t, workflows)
	if _, err := workflows.CreateTrigger(&workflow.Trigger{
		WorkflowID: w.ID,
		Type:       workflow.TriggerEvent,
		EventName:  "document.uploaded",
		Config:     map[string]any{"filter": map[string]any{"mime_type": "application/pdf"}},
	}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	d.handleEvent(context.Background(), Event{Name: "document.deleted", Payload: map[string]any{"mime_type": "application/pdf"}})
	if submitter.count() != 0 {
		t.Fatal("wrong event name should not fire")
	}
	d.handleEvent(context.Background(), Event{Name: "document.uploaded", Payload: map[string]any{"mime_type": "text/csv"}})
	if submitter.count() != 0 {
		t.Fatal("filter mismatch should not fire")
	}
	d.handleEvent(context.Background(), Event{Name: "document.uploaded", Payload: map[string]any{"mime_type": "application/pdf", "document_id": "d1"}})
	if submitter.count() != 1 {
		t.Fatalf("matching event should fire, got %d", submitter.count())
	}
	if submitter.requests[0].Input["document_id"] != "d1" {
		t.Fatalf("event payload becomes input, got %+v", submitter.requests[0].Input)
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe("t")
	defer bus.Unsubscribe("t")

	bus.Publish("document.uploaded", map[string]any{"document_id": "d1"})

	select {
	case evt := <-ch:
		if evt.Name != "document.uploaded" || evt.Payload["document_id"] != "d1" {
			t.Fatalf("event = %+v", evt)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp should be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe("slow")
	defer bus.Unsubscribe("slow")

	bus.Publish("e", nil)
	bus.Publish("e", nil) // dropped, buffer full

	if len(ch) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(ch))
	}
}
