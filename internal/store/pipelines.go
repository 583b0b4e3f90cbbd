package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/lib/pq"
)

const pipelineColumns = `id, name, steps, scheduling_config, last_run_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (flow.Pipeline, error) {
	var (
		p          flow.Pipeline
		steps      []byte
		scheduling []byte
		lastRun    pq.NullTime
	)
	if err := row.Scan(&p.ID, &p.Name, &steps, &scheduling, &lastRun, &p.CreatedAt); err != nil {
		return flow.Pipeline{}, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &p.Steps); err != nil {
			return flow.Pipeline{}, fmt.Errorf("decode pipeline steps: %w", err)
		}
	}
	if len(scheduling) > 0 {
		if err := json.Unmarshal(scheduling, &p.Schedule); err != nil {
			return flow.Pipeline{}, fmt.Errorf("decode pipeline scheduling: %w", err)
		}
	}
	p.LastRunAt = timePtr(lastRun)
	return p, nil
}

// SavePipeline inserts or replaces a pipeline definition.
func (s *Store) SavePipeline(ctx context.Context, p flow.Pipeline) error {
	if p.ID == "" {
		return fmt.Errorf("pipeline id must be provided")
	}
	steps, err := json.Marshal(p.OrderedSteps())
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	scheduling, err := marshalJSON(p.Schedule)
	if err != nil {
		return fmt.Errorf("marshal scheduling: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO pipelines (id, name, steps, scheduling_config)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET
  name              = EXCLUDED.name,
  steps             = EXCLUDED.steps,
  scheduling_config = EXCLUDED.scheduling_config`, p.ID, p.Name, steps, scheduling)
	return err
}

// GetPipeline returns a pipeline. The bool indicates whether it exists.
func (s *Store) GetPipeline(ctx context.Context, id string) (flow.Pipeline, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return flow.Pipeline{}, false, nil
	}
	if err != nil {
		return flow.Pipeline{}, false, err
	}
	return p, true, nil
}

// ListPipelines returns every pipeline ordered by creation.
func (s *Store) ListPipelines(ctx context.Context) ([]flow.Pipeline, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []flow.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePipeline removes a pipeline with its flows, jobs and processed items.
func (s *Store) DeletePipeline(ctx context.Context, id string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM processed_items WHERE flow_id IN (SELECT id FROM flows WHERE pipeline_id = $1)`, id); err != nil {
		return false, fmt.Errorf("delete processed items: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
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

// SavePipelineScheduling replaces a pipeline's scheduling config.
func (s *Store) SavePipelineScheduling(ctx context.Context, id string, sc flow.Scheduling) error {
	raw, err := marshalJSON(sc)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE pipelines SET scheduling_config = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return err
	}
	return requireRow(res, "pipeline", id)
}

// MarkFlowRun records a successful run on the flow and its pipeline.
func (s *Store) MarkFlowRun(ctx context.Context, flowID, pipelineID string, at time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE flows SET scheduling_config = jsonb_set(scheduling_config, '{last_run_at}', to_jsonb($2::timestamptz)) WHERE id = $1`, flowID, at); err != nil {
		return fmt.Errorf("mark flow run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pipelines SET last_run_at = $2 WHERE id = $1`, pipelineID, at); err != nil {
		return fmt.Errorf("mark pipeline run: %w", err)
	}
	return tx.Commit()
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", flow.ErrNotFound, kind, id)
	}
	return nil
}
