// Package openai generates responses with the OpenAI chat completions API,
// or any server that speaks it (vLLM, LocalAI, LM Studio) via Config.BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/cadence/pkg/provider/llm"
)

var (
	// ErrNoChoices is returned when the API answered without a choice.
	ErrNoChoices = errors.New("openai: response has no choices")

	// ErrFiltered is returned when the reply was withheld by the content
	// filter.
	ErrFiltered = errors.New("openai: response withheld by content filter")
)

// Config configures a [Provider].
type Config struct {
	// APIKey authenticates every request. Required.
	APIKey string

	// Model is the chat model, e.g. "gpt-4o-mini". Required.
	Model string

	// BaseURL replaces the public API endpoint.
	BaseURL string

	// Organization is sent as the OpenAI-Organization header.
	Organization string

	// Timeout bounds every HTTP request. Zero leaves the SDK default.
	Timeout time.Duration
}

// Provider is an [llm.Provider] backed by the openai-go SDK.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// New builds a Provider from cfg.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	return &Provider{client: oai.NewClient(opts...), model: cfg.Model}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := chatParams(p.model, req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, ErrFiltered
	}
	return &llm.CompletionResponse{
		Content: strings.TrimSpace(choice.Message.Content),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// chatParams maps req onto the SDK request. A request needs at least one
// message; the system prompt is sent first.
func chatParams(model string, req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			msgs = append(msgs, oai.SystemMessage(m.Content))
		case llm.RoleUser:
			msgs = append(msgs, oai.UserMessage(m.Content))
		case llm.RoleAssistant:
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: unknown message role %q", m.Role)
		}
	}

	out := oai.ChatCompletionNewParams{Model: shared.ChatModel(model), Messages: msgs}
	if req.Temperature != 0 {
		out.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return out, nil
}
