package engine

import (
	"context"
	"testing"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

func namedHandler(name string) Handler {
	return HandlerFunc(func(_ context.Context, _ HandlerInput) (map[string]any, error) {
		return map[string]any{"handler": name}, nil
	})
}

func TestRegistryResolution(t *testing.T) {
	r := NewRegistry()
	r.Register("delay", namedHandler("delay"))
	r.RegisterPrefix("ai_", namedHandler("ai"))
	r.Register("ai_special", namedHandler("special"))

	cases := []struct {
		nodeType string
		want     string
	}{
		{"delay", "delay"},
		{"ai_completion", "ai"},
		{"ai_classify", "ai"},
		{"ai_special", "special"}, // exact beats prefix
	}
	for _, c := range cases {
		h, err := r.Resolve(c.nodeType)
		if err != nil {
			t.Fatalf("resolve %q: %v", c.nodeType, err)
		}
		out, _ := h.Run(context.Background(), HandlerInput{})
		if out["handler"] != c.want {
			t.Errorf("resolve %q = %v, want %v", c.nodeType, out["handler"], c.want)
		}
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("teleport")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
