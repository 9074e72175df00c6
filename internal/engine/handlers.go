package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/ai"
	"github.com/flowpilot-ai/flowpilot/internal/aicache"
	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/execution"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
	"github.com/flowpilot-ai/flowpilot/internal/metrics"
	"github.com/flowpilot-ai/flowpilot/internal/workflow"
)

// Mailer delivers workflow emails. notify.EmailChannel satisfies this.
type Mailer interface {
	SendTo(ctx context.Context, to []string, subject, body string) error
}

// ConnectorInvoker executes connector actions. connector.Client
// satisfies this.
type ConnectorInvoker interface {
	Execute(ctx context.Context, orgID, connectorID, action string, params map[string]any) (map[string]any, error)
}

// Deps collects the services the built-in handlers need. Nil fields
// disable the corresponding handlers.
type Deps struct {
	Provider   ai.Provider
	Cache      *aicache.Store
	Executions *execution.Store
	Meter      *metering.Store
	Mailer     Mailer
	Connectors ConnectorInvoker
	Evaluator  *Evaluator
	Model      string // default model when a node names none
	HTTPClient *http.Client
}

// RegisterBuiltins wires the standard node handlers into a registry.
func RegisterBuiltins(r *Registry, deps Deps) {
	if deps.Evaluator == nil {
		deps.Evaluator = NewEvaluator()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	r.Register(workflow.NodeTypeVariable, HandlerFunc(variableHandler))
	r.Register(workflow.NodeTypeDelay, HandlerFunc(delayHandler))
	r.Register(workflow.NodeTypeCondition, conditionHandler(deps.Evaluator))
	r.Register(workflow.NodeTypeWebhook, webhookHandler(deps.HTTPClient))
	r.Register(workflow.NodeTypeHTTPRequest, httpRequestHandler(deps.HTTPClient))
	if deps.Mailer != nil {
		r.Register(workflow.NodeTypeEmail, emailHandler(deps.Mailer))
	}
	if deps.Provider != nil {
		r.RegisterPrefix(workflow.NodeTypePrefixAI, &AIHandler{
			provider:   deps.Provider,
			cache:      deps.Cache,
			executions: deps.Executions,
			meter:      deps.Meter,
			model:      deps.Model,
		})
	}
	if deps.Connectors != nil {
		r.RegisterPrefix(workflow.NodeTypePrefixConnector, connectorHandler(deps.Connectors))
	}
}

func variableHandler(_ context.Context, in HandlerInput) (map[string]any, error) {
	cfg, ok := in.Node.Config.(workflow.VariableConfig)
	if !ok {
		return nil, apperr.Validation("node %s: variable config expected", in.Node.ID)
	}
	if cfg.Name == "" {
		return nil, apperr.Validation("node %s: variable name is required", in.Node.ID)
	}
	return map[string]any{cfg.Name: cfg.Value}, nil
}

func delayHandler(ctx context.Context, in HandlerInput) (map[string]any, error) {
	cfg, ok := in.Node.Config.(workflow.DelayConfig)
	if !ok {
		return nil, apperr.Validation("node %s: delay config expected", in.Node.ID)
	}
	d := time.Duration(cfg.Seconds * float64(time.Second))
	if d < 0 {
		return nil, apperr.Validation("node %s: negative delay", in.Node.ID)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"delayed_seconds": cfg.Seconds}, nil
}

func conditionHandler(eval *Evaluator) HandlerFunc {
	return func(_ context.Context, in HandlerInput) (map[string]any, error) {
		cfg, ok := in.Node.Config.(workflow.ConditionConfig)
		if !ok {
			return nil, apperr.Validation("node %s: condition config expected", in.Node.ID)
		}
		result, err := eval.EvalBool(cfg.Expression, in.Context)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": result}, nil
	}
}

func emailHandler(mailer Mailer) HandlerFunc {
	return func(ctx context.Context, in HandlerInput) (map[string]any, error) {
		cfg, ok := in.Node.Config.(workflow.EmailConfig)
		if !ok {
			return nil, apperr.Validation("node %s: email config expected", in.Node.ID)
		}
		if len(cfg.To) == 0 {
			return nil, apperr.Validation("node %s: email has no recipients", in.Node.ID)
		}
		subject := renderTemplate(cfg.Subject, in.Context)
		body := renderTemplate(cfg.Body, in.Context)
		if err := mailer.SendTo(ctx, cfg.To, subject, body); err != nil {
			return nil, apperr.Wrap(err, apperr.KindUpstreamFailure, "node %s: send email", in.Node.ID)
		}
		return map[string]any{"sent": true, "recipients": len(cfg.To)}, nil
	}
}

func webhookHandler(client *http.Client) HandlerFunc {
	return func(ctx context.Context, in HandlerInput) (map[string]any, error) {
		cfg, ok := in.Node.Config.(workflow.WebhookConfig)
		if !ok {
			return nil, apperr.Validation("node %s: webhook config expected", in.Node.ID)
		}
		payload := cfg.Payload
		if payload == nil {
			payload = in.Context
		}
		return postJSON(ctx, client, in.Node.ID, "POST", cfg.URL, cfg.Headers, payload)
	}
}

func httpRequestHandler(client *http.Client) HandlerFunc {
	return func(ctx context.Context, in HandlerInput) (map[string]any, error) {
		cfg, ok := in.Node.Config.(workflow.HTTPRequestConfig)
		if !ok {
			return nil, apperr.Validation("node %s: http_request config expected", in.Node.ID)
		}
		method := strings.ToUpper(cfg.Method)
		if method == "" {
			method = "GET"
		}
		return postJSON(ctx, client, in.Node.ID, method, cfg.URL, cfg.Headers, cfg.Body)
	}
}

func postJSON(ctx context.Context, client *http.Client, nodeID, method, url string, headers map[string]string, body any) (map[string]any, error) {
	if url == "" {
		return nil, apperr.Validation("node %s: url is required", nodeID)
	}

	var reader io.Reader
	if body != nil && method != "GET" {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Validation("node %s: encode body: %v", nodeID, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, apperr.Validation("node %s: %v", nodeID, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(err, apperr.KindUpstreamFailure, "node %s: %s %s", nodeID, method, url)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	out := map[string]any{"status_code": resp.StatusCode}
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		out["body"] = decoded
	} else if len(raw) > 0 {
		out["body"] = string(raw)
	}
	if resp.StatusCode >= 400 {
		return out, apperr.New(apperr.KindUpstreamFailure, "node %s: %s %s returned %d", nodeID, method, url, resp.StatusCode)
	}
	return out, nil
}

func connectorHandler(invoker ConnectorInvoker) HandlerFunc {
	return func(ctx context.Context, in HandlerInput) (map[string]any, error) {
		cfg, ok := in.Node.Config.(workflow.ConnectorConfig)
		if !ok {
			return nil, apperr.Validation("node %s: connector config expected", in.Node.ID)
		}
		if cfg.ConnectorID == "" || cfg.Action == "" {
			return nil, apperr.Validation("node %s: connector_id and action are required", in.Node.ID)
		}
		return invoker.Execute(ctx, in.Execution.OrgID, cfg.ConnectorID, cfg.Action, cfg.Params)
	}
}

// AIHandler serves every ai_* node: semantic cache first, then the model
// provider, recording the request and charging token usage.
type AIHandler struct {
	provider   ai.Provider
	cache      *aicache.Store
	executions *execution.Store
	meter      *metering.Store
	model      string
}

func (h *AIHandler) Run(ctx context.Context, in HandlerInput) (map[string]any, error) {
	cfg, ok := in.Node.Config.(workflow.AIConfig)
	if !ok {
		return nil, apperr.Validation("node %s: ai config expected", in.Node.ID)
	}
	if cfg.Prompt == "" {
		return nil, apperr.Validation("node %s: prompt is required", in.Node.ID)
	}

	model := cfg.Model
	if model == "" {
		model = h.model
	}
	prompt := renderTemplate(cfg.Prompt, in.Context)

	if h.cache != nil {
		if entry, err := h.cache.Lookup(prompt, model); err == nil {
			metrics.RecordCacheLookup(true)
			return map[string]any{
				"response": entry.Response,
				"model":    model,
				"cached":   true,
			}, nil
		} else if !aicache.IsMiss(err) {
			return nil, err
		}
		metrics.RecordCacheLookup(false)
	}

	messages := []ai.Message{}
	if cfg.SystemPrompt != "" {
		messages = append(messages, ai.Message{Role: ai.RoleSystem, Content: cfg.SystemPrompt})
	}
	messages = append(messages, ai.Message{Role: ai.RoleUser, Content: prompt})

	start := time.Now()
	resp, err := h.provider.Complete(ctx, &ai.CompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	latency := time.Since(start).Milliseconds()

	inputTokens := int64(resp.PromptTokens)
	outputTokens := int64(resp.CompTokens)
	cost := ai.CostCents(model, inputTokens, outputTokens)

	if h.cache != nil {
		if _, err := h.cache.Put(prompt, model, resp.Content); err != nil {
			return nil, fmt.Errorf("cache response: %w", err)
		}
	}
	if h.executions != nil {
		_, _ = h.executions.RecordAIRequest(&execution.AIRequest{
			OrgID:        in.Execution.OrgID,
			ExecID:       in.Execution.ID,
			StepID:       in.Step.ID,
			Model:        model,
			Prompt:       prompt,
			Response:     resp.Content,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CostCents:    cost,
			LatencyMS:    latency,
		})
		_ = h.executions.AddUsage(in.Execution.ID, inputTokens+outputTokens, cost)
	}
	metrics.RecordAICall(model, inputTokens+outputTokens, cost)
	if h.meter != nil {
		if _, err := h.meter.Charge(in.Execution.OrgID, metering.ResourceAITokens, inputTokens+outputTokens); err != nil {
			metrics.RecordQuotaDenial(metering.ResourceAITokens)
			return nil, err
		}
		_ = h.meter.RecordEvent(&metering.UsageEvent{
			OrgID:     in.Execution.OrgID,
			Resource:  metering.ResourceAITokens,
			Quantity:  inputTokens + outputTokens,
			CostCents: cost,
			Ref:       in.Execution.ID,
		})
	}

	return map[string]any{
		"response": resp.Content,
		"model":    model,
		"tokens":   resp.TotalTokens(),
		"cached":   false,
	}, nil
}

// renderTemplate substitutes {{key}} and {{node.key}} placeholders with
// values from the context. Unknown placeholders are left intact.
func renderTemplate(s string, context map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var out strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end := strings.Index(rest[open:], "}}")
		if end < 0 {
			out.WriteString(rest)
			return out.String()
		}
		out.WriteString(rest[:open])
		path := strings.TrimSpace(rest[open+2 : open+end])
		if v, ok := lookupPath(context, path); ok {
			out.WriteString(fmt.Sprintf("%v", v))
		} else {
			out.WriteString(rest[open : open+end+2])
		}
		rest = rest[open+end+2:]
	}
}

func lookupPath(context map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = context
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
