package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/cadence/pkg/provider/llm"
)

func TestChatParams(t *testing.T) {
	t.Parallel()

	params, err := chatParams("gpt-4o", llm.CompletionRequest{
		SystemPrompt: "You are a compassionate assistant. The user appears calm.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hello"},
			{Role: llm.RoleAssistant, Content: "hi, how are you?"},
			{Role: llm.RoleUser, Content: "fine"},
		},
		MaxTokens: 150,
	})
	if err != nil {
		t.Fatalf("chatParams: %v", err)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil || params.Messages[1].OfUser == nil || params.Messages[2].OfAssistant == nil {
		t.Error("messages are not mapped to their roles in order")
	}
	if got := params.MaxCompletionTokens.Value; got != 150 {
		t.Errorf("MaxCompletionTokens = %d, want 150", got)
	}
}

func TestChatParams_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := chatParams("gpt-4o", llm.CompletionRequest{}); err == nil {
		t.Error("expected error for a request without messages")
	}
	req := llm.CompletionRequest{Messages: []llm.Message{{Role: "tool", Content: "x"}}}
	if _, err := chatParams("gpt-4o", req); err == nil {
		t.Error("expected error for an unknown role")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Model: "gpt-4o"}); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New(Config{APIKey: "sk-test"}); err == nil {
		t.Error("expected error for empty model")
	}
}

// fakeChat serves one canned chat completion and records the request body.
func fakeChat(t *testing.T, finishReason, content string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o",
			"choices": []any{map[string]any{
				"index": 0, "finish_reason": finishReason,
				"message": map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := fakeChat(t, "stop", "  That sounds lovely.\n", &body)
	p, err := New(Config{APIKey: "sk-test", Model: "gpt-4o", BaseURL: srv.URL + "/v1/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "I went for a walk."}},
		Temperature: 0.4,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "That sounds lovely." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("total tokens = %d, want 16", resp.Usage.TotalTokens)
	}
	if body["model"] != "gpt-4o" || body["temperature"] != 0.4 {
		t.Errorf("request body = %v", body)
	}
}

func TestComplete_ContentFilter(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := fakeChat(t, "content_filter", "", &body)
	p, err := New(Config{APIKey: "sk-test", Model: "gpt-4o", BaseURL: srv.URL + "/v1/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, ErrFiltered) {
		t.Fatalf("err = %v, want ErrFiltered", err)
	}
}
