// Package handlertest provides in-memory handlers for tests.
package handlertest

import (
	"context"
	"sync"

	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/handler"
)

// StaticFetcher returns a fixed item list, minus items already processed.
// The first returned item's URL is written to engine data.
type StaticFetcher struct {
	Slug  string
	mu    sync.Mutex
	items []handler.Item
	Calls int
}

// NewStaticFetcher builds a StaticFetcher.
func NewStaticFetcher(slug string, items ...handler.Item) *StaticFetcher {
	return &StaticFetcher{Slug: slug, items: items}
}

// SetItems replaces the source items.
func (f *StaticFetcher) SetItems(items ...handler.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

func (f *StaticFetcher) Describe() handler.Descriptor {
	return handler.Descriptor{Slug: f.Slug, Label: "Static", StepType: flow.StepFetch}
}

func (f *StaticFetcher) Fetch(ctx context.Context, req handler.FetchRequest) ([]handler.Item, error) {
	f.mu.Lock()
	items := append([]handler.Item(nil), f.items...)
	f.Calls++
	f.mu.Unlock()

	var out []handler.Item
	for _, item := range items {
		fresh, err := req.Unprocessed(ctx, item.Identifier)
		if err != nil {
			return nil, err
		}
		if fresh {
			out = append(out, item)
		}
	}
	if len(out) > 0 && out[0].SourceURL != "" {
		if err := req.SetEngineData(ctx, enginedata.Record{enginedata.KeySourceURL: out[0].SourceURL}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Action records publish or update requests.
type Action struct {
	Slug     string
	StepType flow.StepType
	Err      error

	mu       sync.Mutex
	requests []handler.ActionRequest
}

// NewPublisher returns a recording publish handler.
func NewPublisher(slug string) *Action { return &Action{Slug: slug, StepType: flow.StepPublish} }

// NewUpdater returns a recording update handler.
func NewUpdater(slug string) *Action { return &Action{Slug: slug, StepType: flow.StepUpdate} }

func (a *Action) Describe() handler.Descriptor {
	return handler.Descriptor{Slug: a.Slug, Label: "Recorder", StepType: a.StepType}
}

func (a *Action) record(req handler.ActionRequest) (handler.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return handler.Outcome{}, a.Err
	}
	a.requests = append(a.requests, req)
	return handler.Outcome{ID: a.Slug + "-1", URL: "https://dest.example/" + a.Slug}, nil
}

func (a *Action) Publish(ctx context.Context, req handler.ActionRequest) (handler.Outcome, error) {
	return a.record(req)
}

func (a *Action) Update(ctx context.Context, req handler.ActionRequest) (handler.Outcome, error) {
	if _, err := handler.RequireSourceURL(req.EngineData); err != nil {
		return handler.Outcome{}, err
	}
	return a.record(req)
}

// Requests returns what the handler received.
func (a *Action) Requests() []handler.ActionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]handler.ActionRequest(nil), a.requests...)
}

var (
	_ handler.FetchHandler   = (*StaticFetcher)(nil)
	_ handler.PublishHandler = (*Action)(nil)
	_ handler.UpdateHandler  = (*Action)(nil)
)
