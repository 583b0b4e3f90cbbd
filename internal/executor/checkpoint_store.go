package executor

import (
	"context"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/step"
)

type stepRunStore interface {
	SaveStepRun(ctx context.Context, sr flow.StepRun) error
}

// StoreCheckpointManager persists step checkpoints as job_steps rows.
type StoreCheckpointManager struct {
	store stepRunStore
	now   func() time.Time
}

// NewStoreCheckpointManager constructs a CheckpointManager backed by the store.
func NewStoreCheckpointManager(st stepRunStore) *StoreCheckpointManager {
	return &StoreCheckpointManager{store: st, now: time.Now}
}

func (m *StoreCheckpointManager) StartRun(ctx context.Context, job flow.Job) error {
	// no-op: the job row itself marks the start
	return nil
}

func (m *StoreCheckpointManager) SaveStepStart(ctx context.Context, jobID string, cfg flow.FlowStepConfig) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveStepRun(ctx, flow.StepRun{
		JobID:      jobID,
		FlowStepID: cfg.FlowStepID,
		StepType:   cfg.StepType,
		Status:     flow.StepRunStarted,
		UpdatedAt:  m.now().UTC(),
	})
}

func (m *StoreCheckpointManager) SaveStepSuccess(ctx context.Context, jobID string, cfg flow.FlowStepConfig, res step.Result) error {
	if m.store == nil {
		return nil
	}
	detail := map[string]any{"outcome": string(res.Outcome)}
	for k, v := range res.Detail {
		detail[k] = v
	}
	if res.SkipReason != "" {
		detail["skip_reason"] = res.SkipReason
	}
	if res.Items > 0 {
		detail["items"] = res.Items
	}
	return m.store.SaveStepRun(ctx, flow.StepRun{
		JobID:      jobID,
		FlowStepID: cfg.FlowStepID,
		StepType:   cfg.StepType,
		Status:     flow.StepRunSucceeded,
		Packets:    len(res.Packets),
		Detail:     detail,
		UpdatedAt:  m.now().UTC(),
	})
}

func (m *StoreCheckpointManager) SaveStepFailure(ctx context.Context, jobID string, cfg flow.FlowStepConfig, err error) error {
	if m.store == nil {
		return nil
	}
	sr := flow.StepRun{
		JobID:      jobID,
		FlowStepID: cfg.FlowStepID,
		StepType:   cfg.StepType,
		Status:     flow.StepRunFailed,
		Detail:     map[string]any{"kind": string(flow.KindOf(err))},
		UpdatedAt:  m.now().UTC(),
	}
	if err != nil {
		sr.Error = err.Error()
	}
	return m.store.SaveStepRun(ctx, sr)
}

var _ CheckpointManager = (*StoreCheckpointManager)(nil)
