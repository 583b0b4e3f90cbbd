// Package openai adapts the OpenAI chat completions API (and compatible
// endpoints) to the llm.Provider contract.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chubes4/data-machine/config"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/llm"
	openai "github.com/sashabaranov/go-openai"
)

// Provider calls the chat completions endpoint.
type Provider struct {
	name        string
	client      *openai.Client
	maxTokens   int
	temperature float32
}

// New builds a provider from configuration.
func New(name string, cfg config.LLMProvider) *Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	return &Provider{
		name:        name,
		client:      openai.NewClientWithConfig(clientCfg),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func (p *Provider) Name() string { return p.name }

// Complete sends one request. Transport and API failures are reported as
// flow.ErrProvider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.Model == "" {
		return llm.Response{}, fmt.Errorf("%w: model is required", flow.ErrConfiguration)
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toMessages(req.Messages),
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return llm.Response{}, fmt.Errorf("%w: %s: %v", flow.ErrProvider, p.name, err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%w: %s returned no choices", flow.ErrProvider, p.name)
	}
	msg := resp.Choices[0].Message
	out := llm.Response{
		Content: msg.Content,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return llm.Response{}, fmt.Errorf("%w: %s sent malformed arguments for %s: %v", flow.ErrProvider, p.name, tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

func toMessages(in []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			raw, _ := json.Marshal(tc.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(raw),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

var _ llm.Provider = (*Provider)(nil)
