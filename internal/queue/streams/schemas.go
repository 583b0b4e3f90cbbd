package streams

// Event types carried on the run streams.
const (
	EventFlowRunRequested = "flow.run.requested"
	EventJobFinished      = "job.finished"
)

// Definition is the JSON schema of one event type and payload version.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventFlowRunRequested,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["flow_id", "trigger"],
  "properties": {
    "job_id": {"type": "string"},
    "flow_id": {"type": "string", "minLength": 1},
    "pipeline_id": {"type": "string"},
    "trigger": {"type": "string", "enum": ["manual", "schedule", "api", "queue"]},
    "requested_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventJobFinished,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "flow_id", "status"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "flow_id": {"type": "string", "minLength": 1},
    "pipeline_id": {"type": "string"},
    "status": {
      "type": "string",
      "enum": ["completed", "completed_no_items", "agent_skipped", "failed"]
    },
    "skip_reason": {"type": "string"},
    "error_message": {"type": "string"},
    "items_processed": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
}

// NewBaseRegistry returns a registry holding the schemas of the run and
// result events.
func NewBaseRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	for _, def := range baseDefinitions {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
