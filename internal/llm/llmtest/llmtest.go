// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/chubes4/data-machine/internal/llm"
)

// Scripted replays Responses in order and repeats the last one once the
// script runs out.
type Scripted struct {
	ProviderName string
	Responses    []llm.Response
	Err          error

	mu       sync.Mutex
	requests []llm.Request
}

// New returns a provider named "scripted".
func New(responses ...llm.Response) *Scripted {
	return &Scripted{ProviderName: "scripted", Responses: responses}
}

func (s *Scripted) Name() string { return s.ProviderName }

func (s *Scripted) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.Err != nil {
		return llm.Response{}, s.Err
	}
	if len(s.Responses) == 0 {
		return llm.Response{}, nil
	}
	i := len(s.requests) - 1
	if i >= len(s.Responses) {
		i = len(s.Responses) - 1
	}
	return s.Responses[i], nil
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// Call builds a tool call.
func Call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}
