package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// mockOpenAIServer returns a test server that responds like OpenAI.
func mockOpenAIServer(responses []string) *httptest.Server {
	callIdx := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callIdx >= len(responses) {
			http.Error(w, "no more responses", 500)
			return
		}
		content := responses[callIdx]
		callIdx++

		resp := openAIResponse{
			Model: "test-model",
			Choices: []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				FinishReason string `json:"finish_reason"`
			}{
				{
					Message: struct {
						Content string `json:"content"`
					}{Content: content},
					FinishReason: "stop",
				},
			},
			Usage: struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			}{PromptTokens: 100, CompletionTokens: 50},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAIProviderComplete(t *testing.T) {
	srv := mockOpenAIServer([]string{"Hello, world!"})
	defer srv.Close()

	provider := NewOpenAIProvider(ProviderConfig{
		Name:    "test",
		BaseURL: srv.URL,
		Model:   "test-model",
	})

	resp, err := provider.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected 'Hello, world!', got %q", resp.Content)
	}
	if resp.PromptTokens != 100 || resp.TotalTokens() != 150 {
		t.Errorf("tokens = %d prompt, %d total", resp.PromptTokens, resp.TotalTokens())
	}
}

func TestOpenAIProviderErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, 401)
	}))
	defer srv.Close()

	provider := NewOpenAIProvider(ProviderConfig{BaseURL: srv.URL, Model: "m"})
	_, err := provider.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if !apperr.IsKind(err, apperr.KindUpstreamFailure) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestOpenAIProviderHonorsContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	provider := NewOpenAIProvider(ProviderConfig{BaseURL: srv.URL, Model: "m"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := provider.Complete(ctx, &CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if !apperr.IsKind(err, apperr.KindTimeout) {
		t.Fatalf("expected timeout kind on cancelled context, got %v", err)
	}
}

func TestCostCents(t *testing.T) {
	// 1M input tokens of gpt-4o-mini cost 15 cents.
	if c := CostCents("gpt-4o-mini", 1_000_000, 0); c != 15 {
		t.Fatalf("cost = %d, want 15", c)
	}
	// Fractional usage rounds up, never free.
	if c := CostCents("gpt-4o-mini", 10, 10); c != 1 {
		t.Fatalf("small usage cost = %d, want 1", c)
	}
	if c := CostCents("gpt-4o-mini", 0, 0); c != 0 {
		t.Fatalf("zero usage cost = %d, want 0", c)
	}
	// Unknown models bill at the default rate.
	if c := CostCents("mystery-model", 1_000_000, 0); c != 100 {
		t.Fatalf("default rate cost = %d, want 100", c)
	}
}
