// Package dedup records which source items each flow step has already
// processed so repeated runs only see new items.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/logging"
)

// Scope selects which records Clear removes.
type Scope string

const (
	ScopePipeline Scope = "pipeline"
	ScopeFlow     Scope = "flow"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool { return s == ScopePipeline || s == ScopeFlow }

// Repository persists processed-item records. Insert must be a no-op when a
// record for (flow_step_id, item_identifier) already exists.
type Repository interface {
	HasProcessed(ctx context.Context, flowStepID, itemID string) (bool, error)
	InsertProcessed(ctx context.Context, rec flow.DedupRecord) (bool, error)
	ClearProcessed(ctx context.Context, scope Scope, targetID string) ([]string, error)
	DeleteProcessed(ctx context.Context, recordID int64) (flow.DedupRecord, bool, error)
	DeleteProcessedByJob(ctx context.Context, jobID string) ([]flow.DedupRecord, error)
	CountProcessed(ctx context.Context, flowStepID string) (int, error)
}

// Cache is an optional read-through membership cache in front of the repository.
type Cache interface {
	Contains(ctx context.Context, flowStepID, itemID string) (bool, error)
	Add(ctx context.Context, flowStepID, itemID string) error
	Remove(ctx context.Context, flowStepID, itemID string) error
	Drop(ctx context.Context, flowStepIDs ...string) error
}

// Tracker answers "has this flow step seen this item" and records new items.
type Tracker struct {
	repo   Repository
	cache  Cache
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCache puts c in front of the repository.
func WithCache(c Cache) Option {
	return func(t *Tracker) { t.cache = c }
}

// WithLogger sets the tracker logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides the processed_at clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker backed by repo.
func New(repo Repository, opts ...Option) *Tracker {
	t := &Tracker{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrDefault(t.logger).With(slog.String("component", "dedup"))
	return t
}

// HasProcessed reports whether itemID was already processed by flowStepID.
func (t *Tracker) HasProcessed(ctx context.Context, flowStepID, itemID string) (bool, error) {
	if flowStepID == "" || itemID == "" {
		return false, fmt.Errorf("%w: flow step id and item identifier are required", flow.ErrConfiguration)
	}
	if t.cache != nil {
		hit, err := t.cache.Contains(ctx, flowStepID, itemID)
		if err != nil {
			t.logger.Warn("dedup cache lookup failed", slog.String("flow_step_id", flowStepID), slog.Any("error", err))
		} else if hit {
			return true, nil
		}
	}
	seen, err := t.repo.HasProcessed(ctx, flowStepID, itemID)
	if err != nil {
		return false, fmt.Errorf("has processed: %w", err)
	}
	if seen && t.cache != nil {
		_ = t.cache.Add(ctx, flowStepID, itemID)
	}
	return seen, nil
}

// MarkProcessed records itemID for flowStepID. Marking the same pair twice
// leaves exactly one record.
func (t *Tracker) MarkProcessed(ctx context.Context, flowStepID, sourceType, itemID, jobID string) error {
	if flowStepID == "" || itemID == "" {
		return fmt.Errorf("%w: flow step id and item identifier are required", flow.ErrConfiguration)
	}
	rec := flow.DedupRecord{
		FlowStepID:     flowStepID,
		SourceType:     sourceType,
		ItemIdentifier: itemID,
		JobID:          jobID,
		ProcessedAt:    t.now().UTC(),
	}
	inserted, err := t.repo.InsertProcessed(ctx, rec)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if t.cache != nil {
		if err := t.cache.Add(ctx, flowStepID, itemID); err != nil {
			t.logger.Warn("dedup cache add failed", slog.String("flow_step_id", flowStepID), slog.Any("error", err))
		}
	}
	if inserted {
		t.logger.Debug("item marked processed",
			slog.String("flow_step_id", flowStepID),
			slog.String("item", itemID),
			slog.String("job_id", jobID))
	}
	return nil
}

// Filter returns the ids in items that flowStepID has not processed, in order.
func (t *Tracker) Filter(ctx context.Context, flowStepID string, items []string) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, id := range items {
		seen, err := t.HasProcessed(ctx, flowStepID, id)
		if err != nil {
			return nil, err
		}
		if !seen {
			out = append(out, id)
		}
	}
	return out, nil
}

// Clear removes every record under a pipeline or flow and returns how many
// flow steps were affected.
func (t *Tracker) Clear(ctx context.Context, scope Scope, targetID string) (int, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: unknown clear scope %q", flow.ErrConfiguration, scope)
	}
	if targetID == "" {
		return 0, fmt.Errorf("%w: clear target id is required", flow.ErrConfiguration)
	}
	steps, err := t.repo.ClearProcessed(ctx, scope, targetID)
	if err != nil {
		return 0, fmt.Errorf("clear processed: %w", err)
	}
	if t.cache != nil && len(steps) > 0 {
		if err := t.cache.Drop(ctx, steps...); err != nil {
			return len(steps), fmt.Errorf("drop dedup cache: %w", err)
		}
	}
	t.logger.Info("processed items cleared",
		slog.String("scope", string(scope)),
		slog.String("target_id", targetID),
		slog.Int("flow_steps", len(steps)))
	return len(steps), nil
}

// Delete removes a single record by id.
func (t *Tracker) Delete(ctx context.Context, recordID int64) error {
	rec, ok, err := t.repo.DeleteProcessed(ctx, recordID)
	if err != nil {
		return fmt.Errorf("delete processed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: processed item %d", flow.ErrNotFound, recordID)
	}
	if t.cache != nil {
		if err := t.cache.Remove(ctx, rec.FlowStepID, rec.ItemIdentifier); err != nil {
			return fmt.Errorf("remove from dedup cache: %w", err)
		}
	}
	return nil
}

// ReleaseJob removes the records a job wrote, so items fetched by a failed
// job are seen as new by the next run. It returns how many were removed.
func (t *Tracker) ReleaseJob(ctx context.Context, jobID string) (int, error) {
	if jobID == "" {
		return 0, nil
	}
	recs, err := t.repo.DeleteProcessedByJob(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("release job items: %w", err)
	}
	if t.cache != nil {
		for _, rec := range recs {
			if err := t.cache.Remove(ctx, rec.FlowStepID, rec.ItemIdentifier); err != nil {
				return len(recs), fmt.Errorf("remove from dedup cache: %w", err)
			}
		}
	}
	if len(recs) > 0 {
		t.logger.Info("processed items released",
			slog.String("job_id", jobID),
			slog.Int("items", len(recs)))
	}
	return len(recs), nil
}

// Count returns the number of records for flowStepID.
func (t *Tracker) Count(ctx context.Context, flowStepID string) (int, error) {
	return t.repo.CountProcessed(ctx, flowStepID)
}
