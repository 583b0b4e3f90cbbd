package streams

import (
	"time"

	"github.com/chubes4/data-machine/internal/flow"
)

// RunRequested asks a worker to execute a flow. JobID is set when the job
// was already created by the requester; otherwise the worker creates it.
type RunRequested struct {
	JobID       string    `json:"job_id,omitempty"`
	FlowID      string    `json:"flow_id"`
	PipelineID  string    `json:"pipeline_id,omitempty"`
	Trigger     string    `json:"trigger"`
	RequestedAt time.Time `json:"requested_at"`
}

// JobFinished reports the terminal state of a job.
type JobFinished struct {
	JobID        string `json:"job_id"`
	FlowID       string `json:"flow_id"`
	PipelineID   string `json:"pipeline_id,omitempty"`
	Status       string `json:"status"`
	SkipReason   string `json:"skip_reason,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Items        int    `json:"items_processed"`
}

// JobFinishedFrom builds the event for a finished job.
func JobFinishedFrom(j flow.Job) JobFinished {
	return JobFinished{
		JobID:        j.ID,
		FlowID:       j.FlowID,
		PipelineID:   j.PipelineID,
		Status:       string(j.Status),
		SkipReason:   j.SkipReason,
		ErrorMessage: j.ErrorMessage,
		Items:        j.ItemsCount,
	}
}
