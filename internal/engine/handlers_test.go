package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/ai"
	"github.com/flowpilot-ai/flowpilot/internal/aicache"
	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
	"github.com/flowpilot-ai/flowpilot/internal/storage"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

type fakeMailer struct {
	to      []string
	subject string
	body    string
}

func (m *fakeMailer) SendTo(_ context.Context, to []string, subject, body string) error {
	m.to = to
	m.subject = subject
	m.body = body
	return nil
}

type fakeProvider struct {
	calls    int
	response string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, req *ai.CompletionRequest) (*ai.CompletionResponse, error) {
	p.calls++
	return &ai.CompletionResponse{
		Content:      p.response,
		Model:        req.Model,
		PromptTokens: 100,
		CompTokens:   50,
	}, nil
}

func TestVariableHandler(t *testing.T) {
	out, err := variableHandler(context.Background(), HandlerInput{
		Node: workflow.Node{ID: "a", Type: workflow.NodeTypeVariable,
			Config: workflow.VariableConfig{Name: "x", Value: float64(42)}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["x"] != float64(42) {
		t.Fatalf("output = %v", out)
	}

	_, err = variableHandler(context.Background(), HandlerInput{
		Node: workflow.Node{ID: "a", Type: workflow.NodeTypeVariable,
			Config: workflow.VariableConfig{}},
	})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("unnamed variable should be rejected, got %v", err)
	}
}

func TestConditionHandler(t *testing.T) {
	h := conditionHandler(NewEvaluator())
	out, err := h(context.Background(), HandlerInput{
		Node: workflow.Node{ID: "c", Type: workflow.NodeTypeCondition,
			Config: workflow.ConditionConfig{Expression: "x > 10"}},
		Context: map[string]any{"x": int64(42)},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["result"] != true {
		t.Fatalf("result = %v", out["result"])
	}
}

func TestDelayHandlerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := delayHandler(ctx, HandlerInput{
		Node: workflow.Node{ID: "d", Type: workflow.NodeTypeDelay,
			Config: workflow.DelayConfig{Seconds: 30}},
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("delay did not stop on cancel")
	}
}

func TestEmailHandlerRendersTemplates(t *testing.T) {
	mailer := &fakeMailer{}
	h := emailHandler(mailer)

	out, err := h(context.Background(), HandlerInput{
		Node: workflow.Node{ID: "e", Type: workflow.NodeTypeEmail,
			Config: workflow.EmailConfig{
				To:      []string{"ops@example.com"},
				Subject: "Order {{order_id}}",
				Body:    "Customer: {{lookup.name}}",
			}},
		Context: map[string]any{
			"order_id": "A-17",
			"lookup":   map[string]any{"name": "Acme"},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["sent"] != true || out["recipients"] != 1 {
		t.Fatalf("output = %v", out)
	}
	if mailer.subject != "Order A-17" || mailer.body != "Customer: Acme" {
		t.Fatalf("rendered = %q / %q", mailer.subject, mailer.body)
	}
}

func TestHTTPRequestHandler(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	h := httpRequestHandler(srv.Client())
	out, err := h(context.Background(), HandlerInput{
		Node: workflow.Node{ID: "h", Type: workflow.NodeTypeHTTPRequest,
			Config: workflow.HTTPRequestConfig{URL: srv.URL + "/v1/things"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotMethod != "GET" || gotPath != "/v1/things" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if out["status_code"] != 200 {
		t.Fatalf("status = %v", out["status_code"])
	}
	body, ok := out["body"].(map[string]any)
	if !ok || body["ok"] != true {
		t.Fatalf("body = %v", out["body"])
	}
}

func TestWebhookHandlerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := webhookHandler(srv.Client())
	out, err := h(context.Background(), HandlerInput{
		Node: workflow.Node{ID: "w", Type: workflow.NodeTypeWebhook,
			Config: workflow.WebhookConfig{URL: srv.URL}},
		Context: map[string]any{"k": "v"},
	})
	if !apperr.IsKind(err, apperr.KindUpstreamFailure) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if out["status_code"] != 502 {
		t.Fatalf("status = %v", out["status_code"])
	}
}

func TestRenderTemplate(t *testing.T) {
	context := map[string]any{
		"name": "Ada",
		"node": map[string]any{"score": int64(9)},
	}
	cases := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"hi {{name}}", "hi Ada"},
		{"score={{node.score}}", "score=9"},
		{"{{missing}} stays", "{{missing}} stays"},
		{"{{node.absent}}", "{{node.absent}}"},
		{"{{ name }} trimmed", "Ada trimmed"},
	}
	for _, c := range cases {
		if got := renderTemplate(c.in, context); got != c.want {
			t.Errorf("render %q = %q, want %q", c.in, got, c.want)
		}
	}
}

func newAIHandler(t *testing.T, provider ai.Provider) (*AIHandler, *execution.Store, *metering.Store) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cache, err := aicache.NewStore(db, time.Hour)
	if err != nil {
		t.Fatalf("cache store: %v", err)
	}
	executions, err := execution.NewStore(db)
	if err != nil {
		t.Fatalf("execution store: %v", err)
	}
	meter, err := metering.NewStore(db)
	if err != nil {
		t.Fatalf("metering store: %v", err)
	}
	if err := meter.SeedDefaults("org-1"); err != nil {
		t.Fatalf("seed quotas: %v", err)
	}

	return &AIHandler{
		provider:   provider,
		cache:      cache,
		executions: executions,
		meter:      meter,
		model:      "gpt-4o-mini",
	}, executions, meter
}

func TestAIHandlerCachesResponses(t *testing.T) {
	provider := &fakeProvider{response: "the answer"}
	h, executions, meter := newAIHandler(t, provider)

	exec, err := executions.Create(&execution.Execution{OrgID: "org-1", WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	step, err := executions.CreateStep(exec.ID, "n1", "ai_completion", nil)
	if err != nil {
		t.Fatalf("create step: %v", err)
	}

	in := HandlerInput{
		Node: workflow.Node{ID: "n1", Type: "ai_completion",
			Config: workflow.AIConfig{Prompt: "Summarize {{doc}}"}},
		Context:   map[string]any{"doc": "report.pdf"},
		Execution: exec,
		Step:      step,
	}

	out, err := h.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if out["cached"] != false || out["response"] != "the answer" {
		t.Fatalf("first output = %v", out)
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d", provider.calls)
	}

	reqs, _ := executions.ListAIRequests(exec.ID)
	if len(reqs) != 1 {
		t.Fatalf("ai requests after miss = %d", len(reqs))
	}
	q, err := meter.Get("org-1", metering.ResourceAITokens)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if q.CurrentUsage != 150 {
		t.Fatalf("token usage = %d, want 150", q.CurrentUsage)
	}

	// Same rendered prompt again: served from cache, no provider call,
	// no new request record, no extra token charge.
	out, err = h.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out["cached"] != true || out["response"] != "the answer" {
		t.Fatalf("second output = %v", out)
	}
	if provider.calls != 1 {
		t.Fatalf("provider called on cache hit, calls = %d", provider.calls)
	}
	reqs, _ = executions.ListAIRequests(exec.ID)
	if len(reqs) != 1 {
		t.Fatalf("ai requests after hit = %d", len(reqs))
	}
	q, _ = meter.Get("org-1", metering.ResourceAITokens)
	if q.CurrentUsage != 150 {
		t.Fatalf("token usage after hit = %d, want 150", q.CurrentUsage)
	}
}

func TestAIHandlerTokenQuotaBlocks(t *testing.T) {
	provider := &fakeProvider{response: "over budget"}
	h, executions, meter := newAIHandler(t, provider)

	if err := meter.SetLimit("org-1", metering.ResourceAITokens, 10, true); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	exec, _ := executions.Create(&execution.Execution{OrgID: "org-1", WorkflowID: "wf-1"})
	step, _ := executions.CreateStep(exec.ID, "n1", "ai_completion", nil)

	_, err := h.Run(context.Background(), HandlerInput{
		Node: workflow.Node{ID: "n1", Type: "ai_completion",
			Config: workflow.AIConfig{Prompt: "expensive"}},
		Execution: exec,
		Step:      step,
	})
	if !apperr.IsKind(err, apperr.KindQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
}
