// Package seed loads pipeline and flow definitions from YAML and saves them
// through the store, optionally registering their schedules.
package seed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/scheduler"
	"gopkg.in/yaml.v3"
)

// Document is the root of a seed file.
type Document struct {
	Pipelines []Pipeline `yaml:"pipelines"`
	Flows     []Flow     `yaml:"flows"`
}

// Pipeline declares a pipeline template. Steps run in the order listed.
type Pipeline struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Schedule *Schedule      `yaml:"schedule,omitempty"`
	Steps    []PipelineStep `yaml:"steps"`
}

// PipelineStep declares one pipeline step.
type PipelineStep struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type"`
	Label  string         `yaml:"label,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`
}

// Flow declares a flow, keyed by the pipeline step ids it configures.
type Flow struct {
	ID       string              `yaml:"id"`
	Pipeline string              `yaml:"pipeline"`
	Name     string              `yaml:"name"`
	Schedule *Schedule           `yaml:"schedule,omitempty"`
	Steps    map[string]FlowStep `yaml:"steps"`
}

// FlowStep is the flow-specific configuration of a pipeline step.
type FlowStep struct {
	Handler   string         `yaml:"handler,omitempty"`
	Config    map[string]any `yaml:"config,omitempty"`
	Directive string         `yaml:"directive,omitempty"`
	Model     string         `yaml:"model,omitempty"`
	Provider  string         `yaml:"provider,omitempty"`
	AgentType string         `yaml:"agent_type,omitempty"`
	Tools     []string       `yaml:"tools,omitempty"`
}

// Schedule is the scheduling block of a pipeline or flow.
type Schedule struct {
	Interval string `yaml:"interval"`
	Status   string `yaml:"status,omitempty"`
}

// Store is where seeded definitions are saved.
type Store interface {
	SavePipeline(ctx context.Context, p flow.Pipeline) error
	GetPipeline(ctx context.Context, id string) (flow.Pipeline, bool, error)
	SaveFlow(ctx context.Context, f flow.Flow) error
}

// Scheduler registers seeded schedules.
type Scheduler interface {
	Schedule(ctx context.Context, flowID string, spec scheduler.Spec) error
	SchedulePipeline(ctx context.Context, pipelineID string, spec scheduler.Spec) error
}

// Validator checks handler configuration of a flow step.
type Validator interface {
	ValidateConfig(cfg flow.FlowStepConfig) error
}

// Report counts what Apply saved.
type Report struct {
	Pipelines int
	Flows     int
	Schedules int
}

// Parse decodes a seed document. Unknown fields are rejected.
func Parse(r io.Reader) (Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return doc, nil
		}
		return Document{}, fmt.Errorf("%w: parse seed: %v", flow.ErrConfiguration, err)
	}
	return doc, nil
}

// LoadDir parses every *.yaml and *.yml file in dir, in name order, into a
// single document.
func LoadDir(dir string) (Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Document{}, fmt.Errorf("read seed dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out Document
	for _, name := range names {
		doc, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return Document{}, err
		}
		out.Pipelines = append(out.Pipelines, doc.Pipelines...)
		out.Flows = append(out.Flows, doc.Flows...)
	}
	return out, nil
}

// LoadFile parses one seed file.
func LoadFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Seeder applies documents.
type Seeder struct {
	store     Store
	scheduler Scheduler
	validator Validator
	logger    *slog.Logger
}

// Option configures a Seeder.
type Option func(*Seeder)

// WithScheduler registers schedules through s instead of only persisting them.
func WithScheduler(s Scheduler) Option { return func(sd *Seeder) { sd.scheduler = s } }

// WithValidator checks every flow step's handler settings before saving.
func WithValidator(v Validator) Option { return func(sd *Seeder) { sd.validator = v } }

// WithLogger sets the seeder logger.
func WithLogger(l *slog.Logger) Option { return func(sd *Seeder) { sd.logger = l } }

// New returns a Seeder writing to st.
func New(st Store, opts ...Option) *Seeder {
	sd := &Seeder{store: st}
	for _, opt := range opts {
		opt(sd)
	}
	sd.logger = logging.OrDefault(sd.logger).With(slog.String("component", "seed"))
	return sd
}

// Apply validates the whole document first and then saves pipelines before
// flows. Existing records with the same ids are overwritten.
func (sd *Seeder) Apply(ctx context.Context, doc Document) (Report, error) {
	pipelines, err := sd.buildPipelines(doc)
	if err != nil {
		return Report{}, err
	}
	flows, err := sd.buildFlows(ctx, doc, pipelines)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for i, p := range pipelines {
		if err := sd.store.SavePipeline(ctx, p); err != nil {
			return rep, fmt.Errorf("save pipeline %s: %w", p.ID, err)
		}
		rep.Pipelines++
		sd.logger.Info("pipeline seeded", slog.String("pipeline_id", p.ID), slog.Int("steps", len(p.Steps)))
		if s := doc.Pipelines[i].Schedule; s != nil && sd.scheduler != nil {
			if err := sd.scheduler.SchedulePipeline(ctx, p.ID, scheduler.Spec{Interval: s.Interval, Status: s.Status}); err != nil {
				return rep, fmt.Errorf("schedule pipeline %s: %w", p.ID, err)
			}
			rep.Schedules++
		}
	}
	for i, f := range flows {
		if err := sd.store.SaveFlow(ctx, f); err != nil {
			return rep, fmt.Errorf("save flow %s: %w", f.ID, err)
		}
		rep.Flows++
		sd.logger.Info("flow seeded", slog.String("flow_id", f.ID), slog.String("pipeline_id", f.PipelineID))
		if s := doc.Flows[i].Schedule; s != nil && sd.scheduler != nil {
			if err := sd.scheduler.Schedule(ctx, f.ID, scheduler.Spec{Interval: s.Interval, Status: s.Status}); err != nil {
				return rep, fmt.Errorf("schedule flow %s: %w", f.ID, err)
			}
			rep.Schedules++
		}
	}
	return rep, nil
}

func (sd *Seeder) buildPipelines(doc Document) ([]flow.Pipeline, error) {
	seen := make(map[string]bool, len(doc.Pipelines))
	out := make([]flow.Pipeline, 0, len(doc.Pipelines))
	for _, sp := range doc.Pipelines {
		if sp.ID == "" {
			return nil, fmt.Errorf("%w: pipeline without id", flow.ErrConfiguration)
		}
		if seen[sp.ID] {
			return nil, fmt.Errorf("%w: pipeline %s declared twice", flow.ErrConfiguration, sp.ID)
		}
		seen[sp.ID] = true
		p := flow.Pipeline{ID: sp.ID, Name: sp.Name, Schedule: scheduling(sp.Schedule)}
		for _, st := range sp.Steps {
			if st.ID == "" || strings.Contains(st.ID, "_") {
				return nil, fmt.Errorf("%w: pipeline %s: step id %q must be non-empty and contain no underscore", flow.ErrConfiguration, sp.ID, st.ID)
			}
			ps := flow.PipelineStep{StepID: st.ID, StepType: flow.StepType(st.Type), Label: st.Label, Config: st.Config}
			if err := p.AddStep(ps); err != nil {
				return nil, fmt.Errorf("pipeline %s: %w", sp.ID, err)
			}
		}
		if len(p.Steps) == 0 {
			return nil, fmt.Errorf("%w: pipeline %s has no steps", flow.ErrConfiguration, sp.ID)
		}
		out = append(out, p)
	}
	return out, nil
}

func (sd *Seeder) buildFlows(ctx context.Context, doc Document, pipelines []flow.Pipeline) ([]flow.Flow, error) {
	byID := make(map[string]flow.Pipeline, len(pipelines))
	for _, p := range pipelines {
		byID[p.ID] = p
	}
	seen := make(map[string]bool, len(doc.Flows))
	out := make([]flow.Flow, 0, len(doc.Flows))
	for _, sf := range doc.Flows {
		if sf.ID == "" || strings.Contains(sf.ID, "_") {
			return nil, fmt.Errorf("%w: flow id %q must be non-empty and contain no underscore", flow.ErrConfiguration, sf.ID)
		}
		if seen[sf.ID] {
			return nil, fmt.Errorf("%w: flow %s declared twice", flow.ErrConfiguration, sf.ID)
		}
		seen[sf.ID] = true

		p, ok := byID[sf.Pipeline]
		if !ok {
			stored, found, err := sd.store.GetPipeline(ctx, sf.Pipeline)
			if err != nil {
				return nil, fmt.Errorf("load pipeline %s: %w", sf.Pipeline, err)
			}
			if !found {
				return nil, fmt.Errorf("%w: flow %s references unknown pipeline %q", flow.ErrNotFound, sf.ID, sf.Pipeline)
			}
			p = stored
		}

		f := flow.Flow{ID: sf.ID, Name: sf.Name, Scheduling: scheduling(sf.Schedule)}
		f.SyncSteps(p)
		for stepID, st := range sf.Steps {
			id := flow.FlowStepID(stepID, f.ID)
			cfg, ok := f.Config[id]
			if !ok {
				return nil, fmt.Errorf("%w: flow %s configures unknown step %q", flow.ErrConfiguration, sf.ID, stepID)
			}
			cfg.HandlerSlug = st.Handler
			cfg.HandlerConfig = st.Config
			cfg.Directive = st.Directive
			cfg.Model = st.Model
			cfg.Provider = st.Provider
			cfg.AgentType = st.AgentType
			cfg.Tools = st.Tools
			f.Config[id] = cfg
		}
		if err := f.Validate(p); err != nil {
			return nil, err
		}
		if sd.validator != nil {
			for _, cfg := range f.Config {
				if cfg.HandlerSlug == "" {
					continue
				}
				if err := sd.validator.ValidateConfig(cfg); err != nil {
					return nil, fmt.Errorf("flow %s: %w", sf.ID, err)
				}
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// scheduling is the initial persisted state. Registration happens through
// the Scheduler, which overwrites it.
func scheduling(s *Schedule) flow.Scheduling {
	if s == nil {
		return flow.Scheduling{Interval: flow.IntervalManual, Status: flow.ScheduleInactive}
	}
	status := s.Status
	if status == "" {
		status = flow.ScheduleActive
	}
	return flow.Scheduling{Interval: s.Interval, Status: status}
}
