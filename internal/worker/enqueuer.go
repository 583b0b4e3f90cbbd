package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/queue/streams"
)

// Preparer creates pending jobs. *executor.Executor satisfies it.
type Preparer interface {
	Prepare(ctx context.Context, flowID, trigger string) (flow.Job, error)
}

// Enqueuer hands flow runs to workers instead of running them in-process.
// It satisfies scheduler.Runner, so the scheduler can fire into the queue.
type Enqueuer struct {
	jobs      Preparer
	publisher *streams.Publisher
	stream    string
	now       func() time.Time
}

// NewEnqueuer returns an Enqueuer publishing to stream.
func NewEnqueuer(jobs Preparer, pub *streams.Publisher, stream string) *Enqueuer {
	return &Enqueuer{jobs: jobs, publisher: pub, stream: stream, now: time.Now}
}

// RunFlow creates the pending job and publishes its run request. The
// returned job is still pending.
func (e *Enqueuer) RunFlow(ctx context.Context, flowID, trigger string) (flow.Job, error) {
	job, err := e.jobs.Prepare(ctx, flowID, trigger)
	if err != nil {
		return flow.Job{}, err
	}
	_, err = e.publisher.PublishEvent(ctx, e.stream, streams.EventFlowRunRequested, streams.RunRequested{
		JobID:       job.ID,
		FlowID:      job.FlowID,
		PipelineID:  job.PipelineID,
		Trigger:     job.Trigger,
		RequestedAt: e.now().UTC(),
	})
	if err != nil {
		return job, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return job, nil
}
