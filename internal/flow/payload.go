package flow

// Payload is what every step and tool receives: the job context, the packets
// produced so far and a snapshot of the job's engine data.
type Payload struct {
	JobID      string         `json:"job_id"`
	FlowStepID string         `json:"flow_step_id"`
	Data       Packets        `json:"data"`
	StepConfig FlowStepConfig `json:"flow_step_config"`
	EngineData map[string]any `json:"engine_data"`
}
