package flow

import (
	"fmt"
	"strings"
	"time"
)

// Scheduling status values.
const (
	ScheduleActive   = "active"
	ScheduleInactive = "inactive"
)

// IntervalManual and IntervalInherit are the non-recurring interval values.
// A flow with IntervalInherit follows its pipeline's schedule.
const (
	IntervalManual  = "manual"
	IntervalInherit = "inherit"
)

// Scheduling is the persisted schedule of a flow or pipeline.
type Scheduling struct {
	Interval  string     `json:"interval"`
	Status    string     `json:"status"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Active reports whether the schedule should fire.
func (s Scheduling) Active() bool {
	return s.Status == ScheduleActive
}

// FlowStepID joins a pipeline step id and a flow id.
func FlowStepID(pipelineStepID, flowID string) string {
	return pipelineStepID + "_" + flowID
}

// ParseFlowStepID splits a flow step id on its last underscore.
func ParseFlowStepID(id string) (pipelineStepID, flowID string, err error) {
	i := strings.LastIndex(id, "_")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("%w: malformed flow step id %q", ErrConfiguration, id)
	}
	return id[:i], id[i+1:], nil
}

// FlowStepConfig is the concrete configuration of one pipeline step inside a flow.
type FlowStepConfig struct {
	FlowStepID     string         `json:"flow_step_id"`
	PipelineStepID string         `json:"pipeline_step_id"`
	PipelineID     string         `json:"pipeline_id"`
	FlowID         string         `json:"flow_id"`
	StepType       StepType       `json:"step_type"`
	ExecutionOrder int            `json:"execution_order"`
	HandlerSlug    string         `json:"handler,omitempty"`
	HandlerConfig  map[string]any `json:"handler_config,omitempty"`
	AgentType      string         `json:"agent_type,omitempty"`
	Tools          []string       `json:"enabled_tools,omitempty"`
	Directive      string         `json:"user_message,omitempty"`
	Model          string         `json:"model,omitempty"`
	Provider       string         `json:"provider,omitempty"`
}

// Flow is a configured instance of a pipeline.
type Flow struct {
	ID         string                    `json:"flow_id"`
	PipelineID string                    `json:"pipeline_id"`
	Name       string                    `json:"flow_name"`
	Config     map[string]FlowStepConfig `json:"flow_config"`
	Scheduling Scheduling                `json:"scheduling_config"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// StepConfig returns the configuration for a pipeline step in this flow.
func (f Flow) StepConfig(pipelineStepID string) (FlowStepConfig, bool) {
	cfg, ok := f.Config[FlowStepID(pipelineStepID, f.ID)]
	return cfg, ok
}

// SyncSteps makes the flow's step configuration mirror the pipeline's steps.
// Existing handler settings are kept; removed steps are dropped.
func (f *Flow) SyncSteps(p Pipeline) {
	next := make(map[string]FlowStepConfig, len(p.Steps))
	for _, step := range p.Steps {
		id := FlowStepID(step.StepID, f.ID)
		cfg, ok := f.Config[id]
		if !ok {
			cfg = FlowStepConfig{FlowStepID: id}
		}
		cfg.PipelineStepID = step.StepID
		cfg.PipelineID = p.ID
		cfg.FlowID = f.ID
		cfg.StepType = step.StepType
		cfg.ExecutionOrder = step.ExecutionOrder
		next[id] = cfg
	}
	f.Config = next
	f.PipelineID = p.ID
}

// Validate checks that every pipeline step has a usable configuration in this flow.
func (f Flow) Validate(p Pipeline) error {
	if f.PipelineID != p.ID {
		return fmt.Errorf("%w: flow %s belongs to pipeline %s, not %s", ErrConfiguration, f.ID, f.PipelineID, p.ID)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: pipeline %s has no steps", ErrConfiguration, p.ID)
	}
	for _, step := range p.Steps {
		if !step.StepType.Valid() {
			return fmt.Errorf("%w: step %s has unknown type %q", ErrConfiguration, step.StepID, step.StepType)
		}
		cfg, ok := f.StepConfig(step.StepID)
		if !ok {
			return fmt.Errorf("%w: flow %s missing configuration for step %s", ErrConfiguration, f.ID, step.StepID)
		}
		if step.StepType == StepFetch && cfg.HandlerSlug == "" {
			return fmt.Errorf("%w: fetch step %s has no handler", ErrConfiguration, cfg.FlowStepID)
		}
	}
	return nil
}
