package flow

import "time"

// Packet types produced by the step runner.
const (
	PacketFetch   = "fetch"
	PacketAI      = "ai"
	PacketPublish = "publish"
	PacketUpdate  = "update"
)

// Content is the human-readable part of a packet.
type Content struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Extra map[string]any `json:"extra,omitempty"`
}

// DataPacket is one unit of content passed between steps.
type DataPacket struct {
	Type      string         `json:"type"`
	Handler   string         `json:"handler,omitempty"`
	Content   Content        `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SourceURL returns metadata.source_url when set.
func (p DataPacket) SourceURL() string {
	if v, ok := p.Metadata["source_url"].(string); ok {
		return v
	}
	return ""
}

// Packets is the append-only chain carried through a job.
type Packets []DataPacket

// Append returns a new chain with more added at the end. The receiver is not
// modified, so a chain held by an earlier step keeps its contents.
func (p Packets) Append(more ...DataPacket) Packets {
	out := make(Packets, 0, len(p)+len(more))
	out = append(out, p...)
	return append(out, more...)
}

// Latest returns the most recently appended packet.
func (p Packets) Latest() (DataPacket, bool) {
	if len(p) == 0 {
		return DataPacket{}, false
	}
	return p[len(p)-1], true
}

// HasPrefix reports whether prefix is an initial segment of p, compared by
// type, handler, title and timestamp.
func (p Packets) HasPrefix(prefix Packets) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		a, b := p[i], prefix[i]
		if a.Type != b.Type || a.Handler != b.Handler || a.Content.Title != b.Content.Title || !a.Timestamp.Equal(b.Timestamp) {
			return false
		}
	}
	return true
}
