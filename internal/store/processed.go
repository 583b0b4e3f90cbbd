package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chubes4/data-machine/internal/dedup"
	"github.com/chubes4/data-machine/internal/flow"
)

// HasProcessed reports whether a processed_items row exists for the pair.
func (s *Store) HasProcessed(ctx context.Context, flowStepID, itemID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM processed_items WHERE flow_step_id = $1 AND item_identifier = $2)`,
		flowStepID, itemID).Scan(&exists)
	return exists, err
}

// InsertProcessed records an item. Duplicates are ignored and reported as false.
func (s *Store) InsertProcessed(ctx context.Context, rec flow.DedupRecord) (bool, error) {
	_, flowID, err := flow.ParseFlowStepID(rec.FlowStepID)
	if err != nil {
		return false, err
	}
	var id int64
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO processed_items (flow_step_id, flow_id, source_type, item_identifier, job_id, processed_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (flow_step_id, item_identifier) DO NOTHING
RETURNING id`, rec.FlowStepID, flowID, rec.SourceType, rec.ItemIdentifier, rec.JobID, rec.ProcessedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearProcessed deletes records under a pipeline or flow and returns the
// distinct flow step ids that lost records.
func (s *Store) ClearProcessed(ctx context.Context, scope dedup.Scope, targetID string) ([]string, error) {
	var query string
	switch scope {
	case dedup.ScopeFlow:
		query = `DELETE FROM processed_items WHERE flow_id = $1 RETURNING flow_step_id`
	case dedup.ScopePipeline:
		query = `DELETE FROM processed_items WHERE flow_id IN (SELECT id FROM flows WHERE pipeline_id = $1) RETURNING flow_step_id`
	default:
		return nil, fmt.Errorf("%w: unknown clear scope %q", flow.ErrConfiguration, scope)
	}
	rows, err := s.DB.QueryContext(ctx, query, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[string]struct{})
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteProcessed removes one record by id and returns it.
func (s *Store) DeleteProcessed(ctx context.Context, recordID int64) (flow.DedupRecord, bool, error) {
	var rec flow.DedupRecord
	err := s.DB.QueryRowContext(ctx, `
DELETE FROM processed_items WHERE id = $1
RETURNING id, flow_step_id, source_type, item_identifier, job_id, processed_at`, recordID).
		Scan(&rec.ID, &rec.FlowStepID, &rec.SourceType, &rec.ItemIdentifier, &rec.JobID, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return flow.DedupRecord{}, false, nil
	}
	if err != nil {
		return flow.DedupRecord{}, false, err
	}
	return rec, true, nil
}

// DeleteProcessedByJob removes every record written by jobID and returns them.
func (s *Store) DeleteProcessedByJob(ctx context.Context, jobID string) ([]flow.DedupRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
DELETE FROM processed_items WHERE job_id = $1
RETURNING id, flow_step_id, source_type, item_identifier, job_id, processed_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []flow.DedupRecord
	for rows.Next() {
		var rec flow.DedupRecord
		if err := rows.Scan(&rec.ID, &rec.FlowStepID, &rec.SourceType, &rec.ItemIdentifier, &rec.JobID, &rec.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountProcessed returns how many records a flow step has.
func (s *Store) CountProcessed(ctx context.Context, flowStepID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_items WHERE flow_step_id = $1`, flowStepID).Scan(&n)
	return n, err
}

var _ dedup.Repository = (*Store)(nil)
