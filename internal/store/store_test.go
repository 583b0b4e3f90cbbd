package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/chubes4/data-machine/internal/dedup"
	"github.com/chubes4/data-machine/internal/flow"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestInsertProcessedIgnoresDuplicates(t *testing.T) {
	st, mock := newMock(t)
	ctx := context.Background()
	rec := flow.DedupRecord{FlowStepID: "fetch_f1", SourceType: "rss", ItemIdentifier: "guid-1", JobID: "job-1", ProcessedAt: time.Unix(1700000000, 0)}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO processed_items`)).
		WithArgs("fetch_f1", "f1", "rss", "guid-1", "job-1", rec.ProcessedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO processed_items`)).
		WithArgs("fetch_f1", "f1", "rss", "guid-1", "job-1", rec.ProcessedAt).
		WillReturnError(sql.ErrNoRows)

	inserted, err := st.InsertProcessed(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = st.InsertProcessed(ctx, rec)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClearProcessedByPipelineReturnsDistinctSteps(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM processed_items WHERE flow_id IN (SELECT id FROM flows WHERE pipeline_id = $1)`)).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"flow_step_id"}).AddRow("fetch_f1").AddRow("fetch_f1").AddRow("fetch_f2"))

	steps, err := st.ClearProcessed(context.Background(), dedup.ScopePipeline, "p1")
	if err != nil {
		t.Fatalf("ClearProcessed: %v", err)
	}
	if len(steps) != 2 || steps[0] != "fetch_f1" || steps[1] != "fetch_f2" {
		t.Fatalf("unexpected steps: %v", steps)
	}
	if _, err := st.ClearProcessed(context.Background(), dedup.Scope("site"), "p1"); !errors.Is(err, flow.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteProcessedByJob(t *testing.T) {
	st, mock := newMock(t)
	at := time.Unix(1700000000, 0)
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM processed_items WHERE job_id = $1`)).
		WithArgs("job-9").
		WillReturnRows(sqlmock.NewRows([]string{"id", "flow_step_id", "source_type", "item_identifier", "job_id", "processed_at"}).
			AddRow(3, "fetch_f1", "rss", "a", "job-9", at).
			AddRow(4, "fetch_f1", "rss", "b", "job-9", at))

	recs, err := st.DeleteProcessedByJob(context.Background(), "job-9")
	if err != nil {
		t.Fatalf("DeleteProcessedByJob: %v", err)
	}
	if len(recs) != 2 || recs[0].ItemIdentifier != "a" || recs[1].ID != 4 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStartJobOnlyClaimsPending(t *testing.T) {
	st, mock := newMock(t)
	at := time.Unix(1700000000, 0)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`)).
		WithArgs("job-1", "processing", at, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`)).
		WithArgs("job-1", "processing", at, "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.StartJob(context.Background(), "job-1", at)
	if err != nil || !ok {
		t.Fatalf("first start: ok=%v err=%v", ok, err)
	}
	ok, err = st.StartJob(context.Background(), "job-1", at)
	if err != nil || ok {
		t.Fatalf("second start should not claim: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinishJobRejectsNonTerminal(t *testing.T) {
	st, _ := newMock(t)
	if err := st.FinishJob(context.Background(), flow.Job{ID: "job-1", Status: flow.JobProcessing}); err == nil {
		t.Fatalf("expected error for non-terminal status")
	}
}

func TestFinishJobMissingRow(t *testing.T) {
	st, mock := newMock(t)
	done := time.Unix(1700000000, 0)
	mock.ExpectExec(`UPDATE jobs SET status = \$2`).
		WithArgs("job-x", "failed", sqlmock.AnyArg(), sqlmock.AnyArg(), 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.FinishJob(context.Background(), flow.Job{ID: "job-x", Status: flow.JobFailed, ErrorMessage: "boom", CompletedAt: &done})
	if !errors.Is(err, flow.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMaintenanceQueries(t *testing.T) {
	st, mock := newMock(t)
	ctx := context.Background()
	cutoff := time.Unix(1700000000, 0)

	mock.ExpectExec(`UPDATE jobs SET status = \$2, error_message = \$3`).
		WithArgs("p1", "failed", "stuck", "processing", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM jobs WHERE pipeline_id = \$1 AND status = ANY\(\$2\)`).
		WithArgs("p1", sqlmock.AnyArg(), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	failed, err := st.FailStuckJobs(ctx, "p1", cutoff, "stuck")
	if err != nil || failed != 2 {
		t.Fatalf("FailStuckJobs: n=%d err=%v", failed, err)
	}
	deleted, err := st.DeleteJobsBefore(ctx, "p1", cutoff)
	if err != nil || deleted != 4 {
		t.Fatalf("DeleteJobsBefore: n=%d err=%v", deleted, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetFlowDecodesConfig(t *testing.T) {
	st, mock := newMock(t)
	cfg, _ := json.Marshal(map[string]flow.FlowStepConfig{
		"fetch_f1": {FlowStepID: "fetch_f1", HandlerSlug: "webpage", StepType: flow.StepFetch},
	})
	sched, _ := json.Marshal(flow.Scheduling{Interval: "hourly", Status: flow.ScheduleActive})
	created := time.Unix(1700000000, 0)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, pipeline_id, name, flow_config, scheduling_config, created_at FROM flows WHERE id = $1`)).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "pipeline_id", "name", "flow_config", "scheduling_config", "created_at"}).
			AddRow("f1", "p1", "Daily digest", cfg, sched, created))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, pipeline_id, name, flow_config, scheduling_config, created_at FROM flows WHERE id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	f, ok, err := st.GetFlow(context.Background(), "f1")
	if err != nil || !ok {
		t.Fatalf("GetFlow: ok=%v err=%v", ok, err)
	}
	if f.Config["fetch_f1"].HandlerSlug != "webpage" || f.Scheduling.Interval != "hourly" {
		t.Fatalf("unexpected flow: %#v", f)
	}
	_, ok, err = st.GetFlow(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected missing flow, ok=%v err=%v", ok, err)
	}
}

func TestSaveStepRunUpserts(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec("INSERT INTO job_steps").
		WithArgs("job-1", "ai_f1", "ai", flow.StepRunFailed, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.SaveStepRun(context.Background(), flow.StepRun{JobID: "job-1", FlowStepID: "ai_f1", StepType: flow.StepAI, Status: flow.StepRunFailed, Packets: 1, Error: "provider down"})
	if err != nil {
		t.Fatalf("SaveStepRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimIdempotency(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery("INSERT INTO idempotency_keys").
		WithArgs("flow.run.requested", "evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO idempotency_keys").
		WithArgs("flow.run.requested", "evt-1").
		WillReturnError(sql.ErrNoRows)

	ok, err := st.ClaimIdempotency(context.Background(), "flow.run.requested", "evt-1")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = st.ClaimIdempotency(context.Background(), "flow.run.requested", "evt-1")
	if err != nil || ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}
}
