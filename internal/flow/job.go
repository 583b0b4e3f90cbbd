package flow

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending          JobStatus = "pending"
	JobProcessing       JobStatus = "processing"
	JobCompleted        JobStatus = "completed"
	JobCompletedNoItems JobStatus = "completed_no_items"
	JobAgentSkipped     JobStatus = "agent_skipped"
	JobFailed           JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedNoItems, JobAgentSkipped, JobFailed:
		return true
	}
	return false
}

// Success reports whether the status is a non-failed terminal state.
func (s JobStatus) Success() bool {
	return s.Terminal() && s != JobFailed
}

// Job is one execution of a flow.
type Job struct {
	ID           string     `json:"job_id"`
	FlowID       string     `json:"flow_id"`
	PipelineID   string     `json:"pipeline_id"`
	Status       JobStatus  `json:"status"`
	SkipReason   string     `json:"skip_reason,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Trigger      string     `json:"trigger,omitempty"`
	ItemsCount   int        `json:"items_processed"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StatusLabel renders the status the way string-only consumers expect it,
// with the skip reason appended to agent_skipped.
func (j Job) StatusLabel() string {
	if j.Status == JobAgentSkipped && j.SkipReason != "" {
		return string(j.Status) + "-" + j.SkipReason
	}
	return string(j.Status)
}

// Step run statuses recorded at each step boundary.
const (
	StepRunStarted   = "started"
	StepRunSucceeded = "succeeded"
	StepRunFailed    = "failed"
)

// StepRun is the checkpoint of one step inside a job.
type StepRun struct {
	JobID      string         `json:"job_id"`
	FlowStepID string         `json:"flow_step_id"`
	StepType   StepType       `json:"step_type"`
	Status     string         `json:"status"`
	Packets    int            `json:"packets"`
	Error      string         `json:"error,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
