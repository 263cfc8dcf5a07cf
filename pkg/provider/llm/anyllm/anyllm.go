// Package anyllm generates responses through github.com/mozilla-ai/any-llm-go,
// which puts Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp,
// llamafile and OpenAI behind one completion API.
//
//	p, err := anyllm.New(anyllm.Config{Backend: "ollama", Model: "llama3"})
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/cadence/pkg/provider/llm"
)

// ErrNoChoices is returned when the backend answered without a choice.
var ErrNoChoices = errors.New("anyllm: response has no choices")

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

func adapt[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) factory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := f(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var factories = map[string]factory{
	"anthropic": adapt(anthropic.New),
	"deepseek":  adapt(deepseek.New),
	"gemini":    adapt(gemini.New),
	"groq":      adapt(groq.New),
	"llamacpp":  adapt(llamacpp.New),
	"llamafile": adapt(llamafile.New),
	"mistral":   adapt(mistral.New),
	"ollama":    adapt(ollama.New),
	"openai":    adapt(anyllmoai.New),
}

// Backends returns the accepted [Config.Backend] names, sorted.
func Backends() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of [Backends]. Case-insensitive.
	Backend string

	// Model is the backend's model identifier. Required.
	Model string

	// APIKey overrides the backend's environment variable
	// (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...).
	APIKey string

	// BaseURL points the backend at a proxy or self-hosted endpoint.
	BaseURL string
}

// Provider is an [llm.Provider] backed by any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New builds the backend named by cfg.
func New(cfg Config) (*Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	create, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", cfg.Backend, strings.Join(Backends(), ", "))
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	backend, err := create(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: cfg.Model}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, params(p.model, req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	out := &llm.CompletionResponse{Content: strings.TrimSpace(resp.Choices[0].Message.ContentString())}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// params maps req onto any-llm-go's request shape. The system prompt leads
// the message list; unset limits stay nil so the backend defaults apply.
func params(model string, req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	out := anyllmlib.CompletionParams{Model: model, Messages: msgs}
	if req.Temperature != 0 {
		out.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}
	return out
}
