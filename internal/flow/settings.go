package flow

import "time"

// DedupRecord marks an item as processed by a flow step.
type DedupRecord struct {
	ID             int64     `json:"id"`
	FlowStepID     string    `json:"flow_step_id"`
	SourceType     string    `json:"source_type"`
	ItemIdentifier string    `json:"item_identifier"`
	JobID          string    `json:"job_id"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// Settings is a handler configuration map.
type Settings map[string]any

// MergeSettings layers handler settings. Later layers win, so callers pass
// schema defaults first, then site defaults, then the flow's explicit values.
// Nil values in a layer do not override.
func MergeSettings(layers ...Settings) Settings {
	out := Settings{}
	for _, layer := range layers {
		for k, v := range layer {
			if v == nil {
				continue
			}
			out[k] = v
		}
	}
	return out
}

// String returns a string setting or def.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Int returns an integer setting or def. JSON numbers decode as float64.
func (s Settings) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Bool returns a boolean setting or def.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// Strings returns a string list setting. A single string becomes a one-item list.
func (s Settings) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
