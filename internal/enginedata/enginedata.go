// Package enginedata stores the per-job values that later steps need but that
// do not belong in data packets, such as the source URL of the fetched item.
package enginedata

import (
	"context"
	"sync"
)

// Well-known keys.
const (
	KeySourceURL = "source_url"
	KeyImageURL  = "image_url"
	KeyItemID    = "item_identifier"
)

// Record is the engine data of one job.
type Record map[string]any

// String returns a string value, or "" when absent.
func (r Record) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy that callers may modify freely.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store keeps engine data keyed by job id.
type Store interface {
	Get(ctx context.Context, jobID string) (Record, error)
	Merge(ctx context.Context, jobID string, values Record) error
	Delete(ctx context.Context, jobID string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record)}
}

func (m *MemoryStore) Get(ctx context.Context, jobID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[jobID].Clone(), nil
}

func (m *MemoryStore) Merge(ctx context.Context, jobID string, values Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[jobID]
	if !ok {
		rec = Record{}
		m.data[jobID] = rec
	}
	for k, v := range values {
		rec[k] = v
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, jobID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
