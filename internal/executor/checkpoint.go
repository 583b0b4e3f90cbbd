package executor

import (
	"context"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/step"
)

// CheckpointManager records progress at every step boundary of a job.
type CheckpointManager interface {
	StartRun(ctx context.Context, job flow.Job) error
	SaveStepStart(ctx context.Context, jobID string, cfg flow.FlowStepConfig) error
	SaveStepSuccess(ctx context.Context, jobID string, cfg flow.FlowStepConfig, res step.Result) error
	SaveStepFailure(ctx context.Context, jobID string, cfg flow.FlowStepConfig, err error) error
}

// NoopCheckpointManager is a default implementation that records nothing.
type NoopCheckpointManager struct{}

// NewNoopCheckpointManager returns a checkpoint manager that does nothing.
func NewNoopCheckpointManager() *NoopCheckpointManager { return &NoopCheckpointManager{} }

func (NoopCheckpointManager) StartRun(ctx context.Context, job flow.Job) error { return nil }
func (NoopCheckpointManager) SaveStepStart(ctx context.Context, jobID string, cfg flow.FlowStepConfig) error {
	return nil
}
func (NoopCheckpointManager) SaveStepSuccess(ctx context.Context, jobID string, cfg flow.FlowStepConfig, res step.Result) error {
	return nil
}
func (NoopCheckpointManager) SaveStepFailure(ctx context.Context, jobID string, cfg flow.FlowStepConfig, err error) error {
	return nil
}
