// Package handler defines the capability interfaces fetch, publish and
// update handlers implement, and the typed registry the engine resolves
// them from.
package handler

import (
	"context"
	"time"

	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/flow"
)

// Descriptor is the static description of a handler.
type Descriptor struct {
	Slug     string
	Label    string
	StepType flow.StepType
	// Settings is the JSON schema of the handler's configuration.
	Settings map[string]any
	// Defaults are schema-level default settings.
	Defaults flow.Settings
	// ToolDescription and ToolParameters describe the tool exposed to AI
	// steps for publish and update handlers.
	ToolDescription string
	ToolParameters  map[string]any
}

// Handler is implemented by every handler.
type Handler interface {
	Describe() Descriptor
}

// Item is one source item returned by a fetch handler.
type Item struct {
	Identifier string
	Title      string
	Body       string
	SourceURL  string
	ImageURL   string
	Metadata   map[string]any
	FetchedAt  time.Time
}

// ProcessedChecker is the part of the deduplication tracker handlers consult.
type ProcessedChecker interface {
	HasProcessed(ctx context.Context, flowStepID, itemID string) (bool, error)
}

// EngineDataWriter records engine data for the running job.
type EngineDataWriter interface {
	Merge(ctx context.Context, jobID string, values enginedata.Record) error
}

// FetchRequest is passed to FetchHandler.Fetch.
type FetchRequest struct {
	PipelineID string
	FlowID     string
	FlowStepID string
	JobID      string
	Settings   flow.Settings
	Processed  ProcessedChecker
	EngineData EngineDataWriter
}

// Unprocessed reports whether itemID is new for this flow step.
func (r FetchRequest) Unprocessed(ctx context.Context, itemID string) (bool, error) {
	if r.Processed == nil {
		return true, nil
	}
	seen, err := r.Processed.HasProcessed(ctx, r.FlowStepID, itemID)
	return !seen, err
}

// SetEngineData merges values into the job's engine data.
func (r FetchRequest) SetEngineData(ctx context.Context, values enginedata.Record) error {
	if r.EngineData == nil {
		return nil
	}
	return r.EngineData.Merge(ctx, r.JobID, values)
}

// FetchHandler returns new items from a source. Implementations skip items
// the flow step has already processed and write the engine data later steps
// need.
type FetchHandler interface {
	Handler
	Fetch(ctx context.Context, req FetchRequest) ([]Item, error)
}

// ActionRequest is passed to publish and update handlers.
type ActionRequest struct {
	JobID      string
	FlowStepID string
	Settings   flow.Settings
	Title      string
	Content    string
	// Params is the full tool parameter set when invoked by an AI step.
	Params map[string]any
	// EngineData is a read-only snapshot.
	EngineData enginedata.Record
}

// Outcome is what a publish or update produced.
type Outcome struct {
	ID   string         `json:"id,omitempty"`
	URL  string         `json:"url,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// PublishHandler sends content to a destination.
type PublishHandler interface {
	Handler
	Publish(ctx context.Context, req ActionRequest) (Outcome, error)
}

// UpdateHandler changes content that already exists at source_url.
type UpdateHandler interface {
	Handler
	Update(ctx context.Context, req ActionRequest) (Outcome, error)
}

// RequireSourceURL returns the engine data source_url or a
// flow.MissingEngineDataError.
func RequireSourceURL(data enginedata.Record) (string, error) {
	url := data.String(enginedata.KeySourceURL)
	if url == "" {
		return "", flow.MissingEngineDataError{Key: enginedata.KeySourceURL}
	}
	return url, nil
}
