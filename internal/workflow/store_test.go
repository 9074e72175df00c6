package workflow

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "workflow.db"))
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

func simpleDefinition() *Definition {
	return &Definition{
		Nodes: []Node{
			{ID: "a", Type: NodeTypeVariable, Config: VariableConfig{Name: "x", Value: float64(42)}},
			{ID: "b", Type: NodeTypeCondition, Config: ConditionConfig{Expression: "a.x > 0"}},
		},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
}

func TestCreateAndGetWorkflow(t *testing.T) {
	store := newTestStore(t)

	w, err := store.Create("org-1", "Invoice Sync", "syncs invoices", []string{"billing"}, simpleDefinition(), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Status != StatusDraft || w.Version != 1 {
		t.Fatalf("new workflow = status %s version %d", w.Status, w.Version)
	}

	got, err := store.Get(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Invoice Sync" || len(got.Definition.Nodes) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "billing" {
		t.Fatalf("tags = %v", got.Tags)
	}

	versions, err := store.ListVersions(w.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Number != 1 {
		t.Fatalf("expected one initial version, got %+v", versions)
	}
}

func TestCreateRejectsInvalidDefinition(t *testing.T) {
	store := newTestStore(t)
	bad := &Definition{
		Nodes: []Node{{ID: "a", Type: "variable"}},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "missing"}},
	}
	_, err := store.Create("org-1", "Broken", "", nil, bad, "user-1")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetInOrgHidesForeignWorkflows(t *testing.T) {
	store := newTestStore(t)
	w, err := store.Create("org-1", "Mine", "", nil, simpleDefinition(), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.GetInOrg("org-2", w.ID); !IsNotFound(err) {
		t.Fatalf("cross-tenant read should be not found, got %v", err)
	}
	if _, err := store.GetInOrg("org-1", w.ID); err != nil {
		t.Fatalf("same-tenant read: %v", err)
	}
}

func TestVersioningAndRollback(t *testing.T) {
	store := newTestStore(t)
	w, err := store.Create("org-1", "Versioned", "", nil, simpleDefinition(), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d2 := simpleDefinition()
	d2.Nodes = append(d2.Nodes, Node{ID: "c", Type: NodeTypeVariable, Config: VariableConfig{Name: "y", Value: "ok"}})
	d2.Edges = append(d2.Edges, Edge{ID: "e2", Source: "b", Target: "c"})

	v2, err := store.CreateVersion(w.ID, d2, "user-1", "add node c")
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if v2.Number != 2 {
		t.Fatalf("version number = %d, want 2", v2.Number)
	}

	got, _ := store.Get(w.ID)
	if got.Version != 2 || len(got.Definition.Nodes) != 3 {
		t.Fatalf("workflow not pointed at v2: version=%d nodes=%d", got.Version, len(got.Definition.Nodes))
	}

	if err := store.Rollback(w.ID, 1); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	got, _ = store.Get(w.ID)
	if len(got.Definition.Nodes) != 2 {
		t.Fatalf("rollback did not restore v1 definition, nodes=%d", len(got.Definition.Nodes))
	}
	// Later versions survive rollback.
	versions, _ := store.ListVersions(w.ID)
	if len(versions) != 2 {
		t.Fatalf("rollback destroyed versions: %d remain", len(versions))
	}

	if err := store.Rollback(w.ID, 99); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("rollback to missing version should be not found, got %v", err)
	}
}

func TestPruneVersionsKeepsCurrentAndRecent(t *testing.T) {
	store := newTestStore(t)
	w, err := store.Create("org-1", "Pruned", "", nil, simpleDefinition(), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.CreateVersion(w.ID, simpleDefinition(), "user-1", "edit"); err != nil {
			t.Fatalf("create version %d: %v", i, err)
		}
	}
	// Rollback to v1 so the current version is outside the recent set.
	if err := store.Rollback(w.ID, 1); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	deleted, err := store.PruneVersions(w.ID, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted == 0 {
		t.Fatal("expected prune to delete old versions")
	}
	versions, _ := store.ListVersions(w.ID)
	found := false
	for _, v := range versions {
		if v.Number == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("prune deleted the current version")
	}
}

func TestSetStatusControlsActiveFlag(t *testing.T) {
	store := newTestStore(t)
	w, _ := store.Create("org-1", "Status", "", nil, simpleDefinition(), "user-1")

	if err := store.SetStatus(w.ID, StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ := store.Get(w.ID)
	if !got.Active {
		t.Fatal("active status must set the active flag")
	}

	if err := store.SetStatus(w.ID, StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ = store.Get(w.ID)
	if got.Active {
		t.Fatal("paused status must clear the active flag")
	}

	if err := store.SetStatus(w.ID, "bogus"); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for bogus status, got %v", err)
	}
}

func TestVariableTypeChecking(t *testing.T) {
	store := newTestStore(t)
	w, _ := store.Create("org-1", "Vars", "", nil, simpleDefinition(), "user-1")

	if _, err := store.SetVariable(&Variable{WorkflowID: w.ID, Name: "count", Type: VarNumber, Value: float64(3)}); err != nil {
		t.Fatalf("set number variable: %v", err)
	}
	_, err := store.SetVariable(&Variable{WorkflowID: w.ID, Name: "count", Type: VarNumber, Value: "three"})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected type mismatch error, got %v", err)
	}

	// Upsert replaces in place.
	if _, err := store.SetVariable(&Variable{WorkflowID: w.ID, Name: "count", Type: VarNumber, Value: float64(9)}); err != nil {
		t.Fatalf("upsert variable: %v", err)
	}
	vars, err := store.ListVariables(w.ID)
	if err != nil {
		t.Fatalf("list variables: %v", err)
	}
	if len(vars) != 1 || vars[0].Value != float64(9) {
		t.Fatalf("variables = %+v", vars)
	}
}

func TestTriggerValidation(t *testing.T) {
	store := newTestStore(t)
	w, _ := store.Create("org-1", "Triggers", "", nil, simpleDefinition(), "user-1")

	_, err := store.CreateTrigger(&Trigger{WorkflowID: w.ID, Type: TriggerScheduled, CronExpression: "not a cron"})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected cron validation error, got %v", err)
	}

	sched, err := store.CreateTrigger(&Trigger{WorkflowID: w.ID, Type: TriggerScheduled, CronExpression: "*/5 * * * *", Timezone: "America/New_York"})
	if err != nil {
		t.Fatalf("create scheduled trigger: %v", err)
	}
	if sched.Timezone != "America/New_York" {
		t.Fatalf("timezone = %s", sched.Timezone)
	}

	hook, err := store.CreateTrigger(&Trigger{WorkflowID: w.ID, Type: TriggerWebhook, WebhookSecret: "shh"})
	if err != nil {
		t.Fatalf("create webhook trigger: %v", err)
	}
	if hook.WebhookToken == "" {
		t.Fatal("webhook trigger must be assigned a token")
	}
	got, err := store.TriggerByWebhookToken(hook.WebhookToken)
	if err != nil {
		t.Fatalf("lookup by token: %v", err)
	}
	if got.ID != hook.ID || got.WebhookSecret != "shh" {
		t.Fatalf("token lookup mismatch: %+v", got)
	}

	if _, err := store.CreateTrigger(&Trigger{WorkflowID: w.ID, Type: TriggerEvent}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatal("event trigger without event name should be rejected")
	}
}

func TestMarkTriggeredAndStatistics(t *testing.T) {
	store := newTestStore(t)
	w, _ := store.Create("org-1", "Stats", "", nil, simpleDefinition(), "user-1")
	trig, _ := store.CreateTrigger(&Trigger{WorkflowID: w.ID, Type: TriggerManual})

	now := time.Now()
	if err := store.MarkTriggered(trig.ID, now); err != nil {
		t.Fatalf("mark triggered: %v", err)
	}
	got, _ := store.GetTrigger(trig.ID)
	if got.ExecutionCount != 1 || got.LastTriggeredAt == nil {
		t.Fatalf("trigger stats not bumped: %+v", got)
	}

	_ = store.RecordExecution(w.ID, true, now)
	_ = store.RecordExecution(w.ID, true, now)
	_ = store.RecordExecution(w.ID, false, now)

	st, err := store.Statistics(w.ID)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if st.ExecutionCount != 3 || st.SuccessCount != 2 || st.FailureCount != 1 {
		t.Fatalf("statistics = %+v", st)
	}
	if st.SuccessRate < 0.66 || st.SuccessRate > 0.67 {
		t.Fatalf("success rate = %f", st.SuccessRate)
	}
}

func TestTemplates(t *testing.T) {
	store := newTestStore(t)

	tpl, err := store.CreateTemplate(&Template{
		OrgID:      "org-1",
		Name:       "Starter",
		Definition: simpleDefinition(),
		CreatedBy:  "user-1",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	pub, err := store.CreateTemplate(&Template{
		Name:       "Public Starter",
		Definition: simpleDefinition(),
		Public:     true,
		CreatedBy:  "user-2",
	})
	if err != nil {
		t.Fatalf("create public template: %v", err)
	}

	visible, err := store.ListTemplates("org-2")
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != pub.ID {
		t.Fatalf("org-2 should only see the public template, got %+v", visible)
	}

	// A private template cannot be instantiated cross-tenant.
	if _, err := store.Instantiate(tpl.ID, "org-2", "", "user-3"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	w, err := store.Instantiate(pub.ID, "org-2", "From Template", "user-3")
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if w.OrgID != "org-2" || w.Name != "From Template" {
		t.Fatalf("instantiated workflow = %+v", w)
	}
}
