package engine

import (
	"errors"
	"testing"
)

func newTestContext() *TemplateContext {
	return &TemplateContext{
		Input: map[string]any{
			"name":  "test",
			"count": 42,
			"text":  "Hello World",
			"list":  []string{"a", "b", "c"},
		},
		Run:  RunRef{ID: "run-1", CorrelationID: "lead-7"},
		Node: NodeRef{ID: "enrich", Key: "enrich_2", Index: 2},
	}
}

func TestRender(t *testing.T) {
	ctx := newTestContext()

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"string input", "Hello, {{ .Input.name }}!", "Hello, test!"},
		{"number input", "Count: {{ .Input.count }}", "Count: 42"},
		{"no template", "Plain text", "Plain text"},
		{"run ref", "{{ .Run.CorrelationID }}", "lead-7"},
		{"node ref", "{{ .Node.Key }}#{{ .Node.Index }}", "enrich_2#2"},
		{"lower", "{{ lower .Input.text }}", "hello world"},
		{"upper", "{{ upper .Input.text }}", "HELLO WORLD"},
		{"default with value", `{{ default "fallback" .Input.text }}`, "Hello World"},
		{"default with nil", `{{ default "fallback" .Input.missing }}`, "fallback"},
		{"json", `{{ json .Input.list }}`, `["a","b","c"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("{{ .Invalid syntax", newTestContext())
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

func TestRenderConfig(t *testing.T) {
	config := map[string]any{
		"url":     "https://api.example.com/users/{{ .Input.name }}",
		"retries": 3,
		"headers": map[string]any{
			"X-Run": "{{ .Run.ID }}",
		},
		"tags": []any{"static", "{{ .Node.ID }}"},
	}

	result, err := RenderConfig(config, newTestContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result["url"] != "https://api.example.com/users/test" {
		t.Errorf("unexpected url: %v", result["url"])
	}
	if result["retries"] != 3 {
		t.Errorf("non-string values should pass through, got %v", result["retries"])
	}
	if result["headers"].(map[string]any)["X-Run"] != "run-1" {
		t.Errorf("unexpected headers: %v", result["headers"])
	}
	if result["tags"].([]any)[1] != "enrich" {
		t.Errorf("unexpected tags: %v", result["tags"])
	}

	// Исходная конфигурация не меняется
	if config["url"] != "https://api.example.com/users/{{ .Input.name }}" {
		t.Error("RenderConfig must not modify its argument")
	}
}

func TestRenderConfig_Nil(t *testing.T) {
	result, err := RenderConfig(nil, newTestContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || len(result) != 0 {
		t.Errorf("expected empty map, got %v", result)
	}
}
