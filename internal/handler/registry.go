package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/tool"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

type entry struct {
	handler Handler
	desc    Descriptor
	schema  *jsonschema.Schema
}

// Registry maps handler slugs to implementations. It is populated at startup.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]entry
	siteDefaults map[string]flow.Settings
}

// NewRegistry builds a registry. siteDefaults holds per-slug settings that
// apply to every flow unless the flow sets the key itself.
func NewRegistry(siteDefaults map[string]map[string]any) *Registry {
	r := &Registry{entries: make(map[string]entry), siteDefaults: make(map[string]flow.Settings)}
	for slug, s := range siteDefaults {
		r.siteDefaults[slug] = flow.Settings(s)
	}
	return r
}

// Register adds h. The handler must implement the interface that matches
// its declared step type.
func (r *Registry) Register(h Handler) error {
	desc := h.Describe()
	if desc.Slug == "" {
		return fmt.Errorf("%w: handler slug is required", flow.ErrConfiguration)
	}
	var ok bool
	switch desc.StepType {
	case flow.StepFetch:
		_, ok = h.(FetchHandler)
	case flow.StepPublish:
		_, ok = h.(PublishHandler)
	case flow.StepUpdate:
		_, ok = h.(UpdateHandler)
	default:
		return fmt.Errorf("%w: handler %s has unsupported step type %q", flow.ErrConfiguration, desc.Slug, desc.StepType)
	}
	if !ok {
		return fmt.Errorf("%w: handler %s does not implement %s", flow.ErrConfiguration, desc.Slug, desc.StepType)
	}
	e := entry{handler: h, desc: desc}
	if desc.Settings != nil {
		compiled, err := tool.CompileSchema("handler-"+desc.Slug, desc.Settings)
		if err != nil {
			return fmt.Errorf("%w: handler %s settings schema: %v", flow.ErrConfiguration, desc.Slug, err)
		}
		e.schema = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Slug]; exists {
		return fmt.Errorf("%w: handler %s already registered", flow.ErrConfiguration, desc.Slug)
	}
	r.entries[desc.Slug] = e
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

func (r *Registry) get(slug string) (entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[slug]
	if !ok {
		return entry{}, fmt.Errorf("%w: unknown handler %q", flow.ErrConfiguration, slug)
	}
	return e, nil
}

// Descriptors lists registered handlers sorted by slug.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Settings merges schema defaults, site defaults and the flow's explicit
// settings (in increasing precedence) and validates the result.
func (r *Registry) Settings(slug string, explicit map[string]any) (flow.Settings, error) {
	e, err := r.get(slug)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	site := r.siteDefaults[slug]
	r.mu.RUnlock()
	merged := flow.MergeSettings(e.desc.Defaults, site, flow.Settings(explicit))
	if e.schema != nil {
		if err := tool.ValidateDocument(e.schema, map[string]any(merged)); err != nil {
			return nil, fmt.Errorf("%w: handler %s settings: %v", flow.ErrConfiguration, slug, err)
		}
	}
	return merged, nil
}

// ValidateConfig checks that cfg names a registered handler of the right
// type and that its settings validate.
func (r *Registry) ValidateConfig(cfg flow.FlowStepConfig) error {
	if cfg.HandlerSlug == "" {
		return nil
	}
	e, err := r.get(cfg.HandlerSlug)
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.FlowStepID, err)
	}
	if cfg.StepType != flow.StepAI && e.desc.StepType != cfg.StepType {
		return fmt.Errorf("%w: %s: handler %s is a %s handler, step is %s",
			flow.ErrConfiguration, cfg.FlowStepID, cfg.HandlerSlug, e.desc.StepType, cfg.StepType)
	}
	if _, err := r.Settings(cfg.HandlerSlug, cfg.HandlerConfig); err != nil {
		return fmt.Errorf("%s: %w", cfg.FlowStepID, err)
	}
	return nil
}

// Fetcher returns the fetch handler registered under slug.
func (r *Registry) Fetcher(slug string) (FetchHandler, error) {
	e, err := r.get(slug)
	if err != nil {
		return nil, err
	}
	h, ok := e.handler.(FetchHandler)
	if !ok || e.desc.StepType != flow.StepFetch {
		return nil, fmt.Errorf("%w: handler %s is not a fetch handler", flow.ErrConfiguration, slug)
	}
	return h, nil
}

// Publisher returns the publish handler registered under slug.
func (r *Registry) Publisher(slug string) (PublishHandler, error) {
	e, err := r.get(slug)
	if err != nil {
		return nil, err
	}
	h, ok := e.handler.(PublishHandler)
	if !ok || e.desc.StepType != flow.StepPublish {
		return nil, fmt.Errorf("%w: handler %s is not a publish handler", flow.ErrConfiguration, slug)
	}
	return h, nil
}

// Updater returns the update handler registered under slug.
func (r *Registry) Updater(slug string) (UpdateHandler, error) {
	e, err := r.get(slug)
	if err != nil {
		return nil, err
	}
	h, ok := e.handler.(UpdateHandler)
	if !ok || e.desc.StepType != flow.StepUpdate {
		return nil, fmt.Errorf("%w: handler %s is not an update handler", flow.ErrConfiguration, slug)
	}
	return h, nil
}

// Act runs the publish or update handler configured by cfg. Update handlers
// fail with flow.MissingEngineDataError before being called when source_url
// is absent.
func (r *Registry) Act(ctx context.Context, cfg flow.FlowStepConfig, req ActionRequest) (Outcome, error) {
	settings, err := r.Settings(cfg.HandlerSlug, cfg.HandlerConfig)
	if err != nil {
		return Outcome{}, err
	}
	req.Settings = settings
	req.FlowStepID = cfg.FlowStepID
	switch cfg.StepType {
	case flow.StepPublish:
		h, err := r.Publisher(cfg.HandlerSlug)
		if err != nil {
			return Outcome{}, err
		}
		out, err := h.Publish(ctx, req)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %s: %w", flow.ErrHandler, cfg.HandlerSlug, err)
		}
		return out, nil
	case flow.StepUpdate:
		h, err := r.Updater(cfg.HandlerSlug)
		if err != nil {
			return Outcome{}, err
		}
		if _, err := RequireSourceURL(req.EngineData); err != nil {
			return Outcome{}, err
		}
		out, err := h.Update(ctx, req)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %s: %w", flow.ErrHandler, cfg.HandlerSlug, err)
		}
		return out, nil
	}
	return Outcome{}, fmt.Errorf("%w: step %s of type %s has no action handler", flow.ErrConfiguration, cfg.FlowStepID, cfg.StepType)
}

// AsTool exposes the publish or update handler configured by cfg as a tool
// an AI step can call. The tool is named after the handler slug.
func (r *Registry) AsTool(cfg flow.FlowStepConfig) (tool.Definition, error) {
	e, err := r.get(cfg.HandlerSlug)
	if err != nil {
		return tool.Definition{}, err
	}
	if e.desc.StepType != flow.StepPublish && e.desc.StepType != flow.StepUpdate {
		return tool.Definition{}, fmt.Errorf("%w: handler %s cannot be used as a tool", flow.ErrConfiguration, cfg.HandlerSlug)
	}
	cfg.StepType = e.desc.StepType
	desc := e.desc.ToolDescription
	if desc == "" {
		label := e.desc.Label
		if label == "" {
			label = e.desc.Slug
		}
		if e.desc.StepType == flow.StepUpdate {
			desc = fmt.Sprintf("Update the content at the current source URL using %s.", label)
		} else {
			desc = fmt.Sprintf("Publish the content using %s.", label)
		}
	}
	params := e.desc.ToolParameters
	if params == nil {
		params = DefaultToolParameters()
	}
	return tool.Definition{
		Name:        cfg.HandlerSlug,
		Description: desc,
		Parameters:  params,
		Kind:        tool.KindHandler,
		Handler: func(ctx context.Context, p tool.Params) (any, error) {
			engine := enginedata.Record(p.EngineData())
			out, err := r.Act(ctx, cfg, ActionRequest{
				JobID:      p.String("job_id"),
				Title:      p.String("title"),
				Content:    p.String("content"),
				Params:     p,
				EngineData: engine,
			})
			if err != nil {
				return nil, err
			}
			return out, nil
		},
	}, nil
}

// DefaultToolParameters is the argument schema handler tools advertise
// unless the handler supplies its own.
func DefaultToolParameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":   map[string]any{"type": "string", "description": "Title of the content."},
			"content": map[string]any{"type": "string", "description": "Body of the content."},
		},
		"required": []any{"content"},
	}
}
