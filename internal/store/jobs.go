package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/lib/pq"
)

const jobColumns = `id, flow_id, pipeline_id, status, skip_reason, error_message, trigger, items_count, created_at, started_at, completed_at`

func scanJob(row rowScanner) (flow.Job, error) {
	var (
		j                      flow.Job
		status                 string
		skip, errMsg, trigger  sql.NullString
		startedAt, completedAt pq.NullTime
	)
	if err := row.Scan(&j.ID, &j.FlowID, &j.PipelineID, &status, &skip, &errMsg, &trigger, &j.ItemsCount, &j.CreatedAt, &startedAt, &completedAt); err != nil {
		return flow.Job{}, err
	}
	j.Status = flow.JobStatus(status)
	j.SkipReason = skip.String
	j.ErrorMessage = errMsg.String
	j.Trigger = trigger.String
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return j, nil
}

// CreateJob inserts a job row in its current (pending) state.
func (s *Store) CreateJob(ctx context.Context, j flow.Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO jobs (id, flow_id, pipeline_id, status, trigger, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, j.ID, j.FlowID, j.PipelineID, string(j.Status), nullString(j.Trigger), j.CreatedAt)
	return err
}

// StartJob moves a pending job to processing. It returns false when the job
// was not pending, which means another runner already claimed it.
func (s *Store) StartJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`,
		id, string(flow.JobProcessing), at, string(flow.JobPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishJob writes a job's terminal state.
func (s *Store) FinishJob(ctx context.Context, j flow.Job) error {
	if !j.Status.Terminal() {
		return fmt.Errorf("job %s: status %q is not terminal", j.ID, j.Status)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE jobs SET status = $2, skip_reason = $3, error_message = $4, items_count = $5, completed_at = $6
WHERE id = $1`, j.ID, string(j.Status), nullString(j.SkipReason), nullString(j.ErrorMessage), j.ItemsCount, nullTime(j.CompletedAt))
	if err != nil {
		return err
	}
	return requireRow(res, "job", j.ID)
}

// GetJob returns a job. The bool indicates whether it exists.
func (s *Store) GetJob(ctx context.Context, id string) (flow.Job, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return flow.Job{}, false, nil
	}
	if err != nil {
		return flow.Job{}, false, err
	}
	return j, true, nil
}

// ListJobs returns the most recent jobs of a flow, newest first.
func (s *Store) ListJobs(ctx context.Context, flowID string, limit int) ([]flow.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE flow_id = $1 ORDER BY created_at DESC LIMIT $2`, flowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []flow.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FailStuckJobs marks jobs of a pipeline that have been processing since before
// startedBefore as failed.
func (s *Store) FailStuckJobs(ctx context.Context, pipelineID string, startedBefore time.Time, reason string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE jobs SET status = $2, error_message = $3, completed_at = NOW()
WHERE pipeline_id = $1 AND status = $4 AND started_at < $5`,
		pipelineID, string(flow.JobFailed), reason, string(flow.JobProcessing), startedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteJobsBefore removes terminal jobs of a pipeline completed before cutoff.
func (s *Store) DeleteJobsBefore(ctx context.Context, pipelineID string, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM jobs WHERE pipeline_id = $1 AND status = ANY($2) AND completed_at < $3`,
		pipelineID, pq.Array(terminalStatuses()), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func terminalStatuses() []string {
	return []string{
		string(flow.JobCompleted),
		string(flow.JobCompletedNoItems),
		string(flow.JobAgentSkipped),
		string(flow.JobFailed),
	}
}

// SaveStepRun upserts the checkpoint of one step of a job.
func (s *Store) SaveStepRun(ctx context.Context, sr flow.StepRun) error {
	if sr.JobID == "" || sr.FlowStepID == "" {
		return fmt.Errorf("job_id and flow_step_id are required")
	}
	detail, err := marshalJSON(sr.Detail)
	if err != nil {
		return fmt.Errorf("marshal step detail: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO job_steps (job_id, flow_step_id, step_type, status, packets, error, detail, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (job_id, flow_step_id) DO UPDATE SET
  status     = EXCLUDED.status,
  packets    = EXCLUDED.packets,
  error      = EXCLUDED.error,
  detail     = EXCLUDED.detail,
  updated_at = NOW()`, sr.JobID, sr.FlowStepID, string(sr.StepType), sr.Status, sr.Packets, nullString(sr.Error), detail)
	return err
}

// ListStepRuns returns the step checkpoints of a job in update order.
func (s *Store) ListStepRuns(ctx context.Context, jobID string) ([]flow.StepRun, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT job_id, flow_step_id, step_type, status, packets, error, updated_at
FROM job_steps WHERE job_id = $1 ORDER BY updated_at, flow_step_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []flow.StepRun
	for rows.Next() {
		var (
			sr       flow.StepRun
			stepType string
			errMsg   sql.NullString
		)
		if err := rows.Scan(&sr.JobID, &sr.FlowStepID, &stepType, &sr.Status, &sr.Packets, &errMsg, &sr.UpdatedAt); err != nil {
			return nil, err
		}
		sr.StepType = flow.StepType(stepType)
		sr.Error = errMsg.String
		out = append(out, sr)
	}
	return out, rows.Err()
}
