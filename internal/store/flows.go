package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chubes4/data-machine/internal/flow"
)

const flowColumns = `id, pipeline_id, name, flow_config, scheduling_config, created_at`

func scanFlow(row rowScanner) (flow.Flow, error) {
	var (
		f          flow.Flow
		cfg        []byte
		scheduling []byte
	)
	if err := row.Scan(&f.ID, &f.PipelineID, &f.Name, &cfg, &scheduling, &f.CreatedAt); err != nil {
		return flow.Flow{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &f.Config); err != nil {
			return flow.Flow{}, fmt.Errorf("decode flow config: %w", err)
		}
	}
	if len(scheduling) > 0 {
		if err := json.Unmarshal(scheduling, &f.Scheduling); err != nil {
			return flow.Flow{}, fmt.Errorf("decode flow scheduling: %w", err)
		}
	}
	return f, nil
}

// SaveFlow inserts or replaces a flow.
func (s *Store) SaveFlow(ctx context.Context, f flow.Flow) error {
	if f.ID == "" || f.PipelineID == "" {
		return fmt.Errorf("flow id and pipeline id must be provided")
	}
	cfg, err := marshalJSON(f.Config)
	if err != nil {
		return fmt.Errorf("marshal flow config: %w", err)
	}
	scheduling, err := marshalJSON(f.Scheduling)
	if err != nil {
		return fmt.Errorf("marshal scheduling: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO flows (id, pipeline_id, name, flow_config, scheduling_config)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
  pipeline_id       = EXCLUDED.pipeline_id,
  name              = EXCLUDED.name,
  flow_config       = EXCLUDED.flow_config,
  scheduling_config = EXCLUDED.scheduling_config`, f.ID, f.PipelineID, f.Name, cfg, scheduling)
	return err
}

// GetFlow returns a flow. The bool indicates whether it exists.
func (s *Store) GetFlow(ctx context.Context, id string) (flow.Flow, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return flow.Flow{}, false, nil
	}
	if err != nil {
		return flow.Flow{}, false, err
	}
	return f, true, nil
}

// ListFlows returns every flow.
func (s *Store) ListFlows(ctx context.Context) ([]flow.Flow, error) {
	return s.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows ORDER BY created_at, id`)
}

// ListFlowsByPipeline returns the flows of one pipeline.
func (s *Store) ListFlowsByPipeline(ctx context.Context, pipelineID string) ([]flow.Flow, error) {
	return s.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE pipeline_id = $1 ORDER BY created_at, id`, pipelineID)
}

func (s *Store) queryFlows(ctx context.Context, query string, args ...any) ([]flow.Flow, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []flow.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFlow removes a flow with its jobs and processed items.
func (s *Store) DeleteFlow(ctx context.Context, id string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM processed_items WHERE flow_id = $1`, id); err != nil {
		return false, fmt.Errorf("delete processed items: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveFlowScheduling replaces a flow's scheduling config.
func (s *Store) SaveFlowScheduling(ctx context.Context, id string, sc flow.Scheduling) error {
	raw, err := marshalJSON(sc)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE flows SET scheduling_config = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return err
	}
	return requireRow(res, "flow", id)
}
