package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/cadence/pkg/provider/llm"
)

func TestParams(t *testing.T) {
	req := llm.CompletionRequest{
		SystemPrompt: "You are a compassionate assistant. The user appears sad.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "I lost my keys."},
			{Role: llm.RoleAssistant, Content: "That's frustrating."},
			{Role: llm.RoleUser, Content: "Found them!"},
		},
		MaxTokens:   150,
		Temperature: 0.7,
	}
	got := params("claude-3-5-haiku-latest", req)

	if got.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", got.Model)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(got.Messages))
	}
	if got.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", got.Messages[0].Role)
	}
	if c := got.Messages[3].ContentString(); c != "Found them!" {
		t.Errorf("last content = %q", c)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 150 {
		t.Errorf("MaxTokens = %v, want 150", got.MaxTokens)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", got.Temperature)
	}

	// The request is passed by value; later edits must not leak into params.
	req.MaxTokens = 1
	if *got.MaxTokens != 150 {
		t.Error("params aliases the caller's request")
	}
}

func TestParams_Defaults(t *testing.T) {
	got := params("llama3", llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if len(got.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(got.Messages))
	}
	if got.MaxTokens != nil || got.Temperature != nil {
		t.Error("unset limits should stay nil")
	}
}

func TestBackends(t *testing.T) {
	got := Backends()
	if !slices.IsSorted(got) {
		t.Errorf("Backends() = %v, not sorted", got)
	}
	for _, want := range []string{"anthropic", "ollama", "openai"} {
		if !slices.Contains(got, want) {
			t.Errorf("Backends() = %v, missing %q", got, want)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty model", Config{Backend: "openai", APIKey: "sk-test"}, true},
		{"unsupported backend", Config{Backend: "fakecloud", Model: "m"}, true},
		{"empty backend", Config{Model: "m"}, true},
		{"anthropic", Config{Backend: "anthropic", Model: "claude-3-5-sonnet-latest", APIKey: "sk-ant-test"}, false},
		{"case-insensitive", Config{Backend: "Ollama", Model: "llama3"}, false},
		{"openai with base url", Config{Backend: "openai", Model: "gpt-4o", APIKey: "sk-test", BaseURL: "http://localhost:8080/v1"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil || p == nil {
				t.Fatalf("New = %v, %v", p, err)
			}
		})
	}
}

func TestNew_OpenAIMissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New(Config{Backend: "openai", Model: "gpt-4o"}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}
