package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chubes4/data-machine/config"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteMapsToolCalls(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "",
      "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "webhook_publish", "arguments": "{\"title\":\"Hello\"}"}}]
    }
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
}`))
	}))
	defer srv.Close()

	p := New("openai", config.LLMProvider{APIKey: "test", BaseURL: srv.URL + "/v1"})
	resp, err := p.Complete(context.Background(), llm.Request{
		Model: "gpt-4o-mini",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "publish this"},
		},
		Tools: []llm.ToolSpec{{Name: "webhook_publish", Description: "Publish", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "webhook_publish", resp.ToolCalls[0].Name)
	assert.Equal(t, "Hello", resp.ToolCalls[0].Arguments["title"])
	assert.Equal(t, 12, resp.Usage.PromptTokens)

	assert.Equal(t, "gpt-4o-mini", captured["model"])
	tools, ok := captured["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 1)
	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestCompleteWrapsProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	p := New("openai", config.LLMProvider{APIKey: "test", BaseURL: srv.URL + "/v1"})
	_, err := p.Complete(context.Background(), llm.Request{Model: "gpt-4o-mini", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, flow.ErrProvider)

	_, err = p.Complete(context.Background(), llm.Request{})
	assert.ErrorIs(t, err, flow.ErrConfiguration)
}

func TestRegistryDefault(t *testing.T) {
	reg := llm.NewRegistry("")
	reg.Register(New("primary", config.LLMProvider{APIKey: "k"}))
	p, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, "primary", p.Name())
	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, flow.ErrConfiguration)
}
