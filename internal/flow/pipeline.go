// Package flow holds the data model shared by every part of the engine:
// pipelines, flows, jobs, data packets and processed-item records.
package flow

import (
	"fmt"
	"sort"
	"time"
)

// StepType identifies what a pipeline step does.
type StepType string

const (
	StepFetch   StepType = "fetch"
	StepAI      StepType = "ai"
	StepPublish StepType = "publish"
	StepUpdate  StepType = "update"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepFetch, StepAI, StepPublish, StepUpdate:
		return true
	}
	return false
}

// PipelineStep is one entry of a pipeline template.
type PipelineStep struct {
	StepID         string         `json:"pipeline_step_id"`
	StepType       StepType       `json:"step_type"`
	ExecutionOrder int            `json:"execution_order"`
	Label          string         `json:"label,omitempty"`
	Config         map[string]any `json:"step_config,omitempty"`
}

// Pipeline is an ordered template of steps. Flows instantiate it.
type Pipeline struct {
	ID        string         `json:"pipeline_id"`
	Name      string         `json:"pipeline_name"`
	Steps     []PipelineStep `json:"steps"`
	Schedule  Scheduling     `json:"scheduling_config"`
	CreatedAt time.Time      `json:"created_at"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
}

// OrderedSteps returns a copy of the steps sorted by execution order.
func (p Pipeline) OrderedSteps() []PipelineStep {
	out := make([]PipelineStep, len(p.Steps))
	copy(out, p.Steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutionOrder < out[j].ExecutionOrder })
	return out
}

// Step looks up a step by id.
func (p Pipeline) Step(stepID string) (PipelineStep, bool) {
	for _, s := range p.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return PipelineStep{}, false
}

// AddStep appends a step at the end of the pipeline.
func (p *Pipeline) AddStep(step PipelineStep) error {
	if step.StepID == "" {
		return fmt.Errorf("%w: pipeline step id is required", ErrConfiguration)
	}
	if !step.StepType.Valid() {
		return fmt.Errorf("%w: unknown step type %q", ErrConfiguration, step.StepType)
	}
	if _, exists := p.Step(step.StepID); exists {
		return fmt.Errorf("%w: duplicate pipeline step %s", ErrConfiguration, step.StepID)
	}
	p.Steps = append(p.OrderedSteps(), step)
	p.renumber()
	return nil
}

// RemoveStep drops a step and closes the gap in execution order.
func (p *Pipeline) RemoveStep(stepID string) bool {
	ordered := p.OrderedSteps()
	for i, s := range ordered {
		if s.StepID == stepID {
			p.Steps = append(ordered[:i], ordered[i+1:]...)
			p.renumber()
			return true
		}
	}
	return false
}

// MoveStep places a step at position to (0-based) and renumbers the rest.
func (p *Pipeline) MoveStep(stepID string, to int) error {
	ordered := p.OrderedSteps()
	from := -1
	for i, s := range ordered {
		if s.StepID == stepID {
			from = i
			break
		}
	}
	if from < 0 {
		return fmt.Errorf("%w: pipeline step %s", ErrNotFound, stepID)
	}
	if to < 0 || to >= len(ordered) {
		return fmt.Errorf("%w: position %d out of range", ErrConfiguration, to)
	}
	step := ordered[from]
	ordered = append(ordered[:from], ordered[from+1:]...)
	ordered = append(ordered[:to], append([]PipelineStep{step}, ordered[to:]...)...)
	p.Steps = ordered
	p.renumber()
	return nil
}

func (p *Pipeline) renumber() {
	for i := range p.Steps {
		p.Steps[i].ExecutionOrder = i
	}
}
