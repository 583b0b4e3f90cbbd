// Package memstore is an in-process implementation of the persistence
// methods the engine uses. It backs tests and single-process runs without
// Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chubes4/data-machine/internal/dedup"
	"github.com/chubes4/data-machine/internal/flow"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	pipelines   map[string]flow.Pipeline
	flows       map[string]flow.Flow
	jobs        map[string]flow.Job
	stepRuns    map[string][]flow.StepRun
	processed   map[int64]processedRow
	nextID      int64
	idempotency map[string]struct{}
}

type processedRow struct {
	rec    flow.DedupRecord
	flowID string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		pipelines:   make(map[string]flow.Pipeline),
		flows:       make(map[string]flow.Flow),
		jobs:        make(map[string]flow.Job),
		stepRuns:    make(map[string][]flow.StepRun),
		processed:   make(map[int64]processedRow),
		idempotency: make(map[string]struct{}),
	}
}

func (s *Store) SavePipeline(ctx context.Context, p flow.Pipeline) error {
	if p.ID == "" {
		return fmt.Errorf("pipeline id must be provided")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pipelines[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
		p.LastRunAt = existing.LastRunAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Steps = p.OrderedSteps()
	s.pipelines[p.ID] = p
	return nil
}

func (s *Store) GetPipeline(ctx context.Context, id string) (flow.Pipeline, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	return p, ok, nil
}

func (s *Store) ListPipelines(ctx context.Context) ([]flow.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]flow.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeletePipeline(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return false, nil
	}
	delete(s.pipelines, id)
	for fid, f := range s.flows {
		if f.PipelineID == id {
			s.deleteFlowLocked(fid)
		}
	}
	return true, nil
}

func (s *Store) SavePipelineScheduling(ctx context.Context, id string, sc flow.Scheduling) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return fmt.Errorf("%w: pipeline %s", flow.ErrNotFound, id)
	}
	p.Schedule = sc
	s.pipelines[id] = p
	return nil
}

func (s *Store) SaveFlow(ctx context.Context, f flow.Flow) error {
	if f.ID == "" || f.PipelineID == "" {
		return fmt.Errorf("flow id and pipeline id must be provided")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.flows[f.ID]; ok {
		f.CreatedAt = existing.CreatedAt
	} else if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.flows[f.ID] = f
	return nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (flow.Flow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	return f, ok, nil
}

func (s *Store) ListFlows(ctx context.Context) ([]flow.Flow, error) {
	return s.filterFlows(func(flow.Flow) bool { return true }), nil
}

func (s *Store) ListFlowsByPipeline(ctx context.Context, pipelineID string) ([]flow.Flow, error) {
	return s.filterFlows(func(f flow.Flow) bool { return f.PipelineID == pipelineID }), nil
}

func (s *Store) filterFlows(keep func(flow.Flow) bool) []flow.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.Flow
	for _, f := range s.flows {
		if keep(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) DeleteFlow(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return false, nil
	}
	s.deleteFlowLocked(id)
	return true, nil
}

func (s *Store) deleteFlowLocked(id string) {
	delete(s.flows, id)
	for jid, j := range s.jobs {
		if j.FlowID == id {
			delete(s.jobs, jid)
			delete(s.stepRuns, jid)
		}
	}
	for rid, row := range s.processed {
		if row.flowID == id {
			delete(s.processed, rid)
		}
	}
}

func (s *Store) SaveFlowScheduling(ctx context.Context, id string, sc flow.Scheduling) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return fmt.Errorf("%w: flow %s", flow.ErrNotFound, id)
	}
	f.Scheduling = sc
	s.flows[id] = f
	return nil
}

func (s *Store) MarkFlowRun(ctx context.Context, flowID, pipelineID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[flowID]; ok {
		t := at
		f.Scheduling.LastRunAt = &t
		s.flows[flowID] = f
	}
	if p, ok := s.pipelines[pipelineID]; ok {
		t := at
		p.LastRunAt = &t
		s.pipelines[pipelineID] = p
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, j flow.Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id must be provided")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) StartJob(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != flow.JobPending {
		return false, nil
	}
	t := at
	j.Status = flow.JobProcessing
	j.StartedAt = &t
	s.jobs[id] = j
	return true, nil
}

func (s *Store) FinishJob(ctx context.Context, j flow.Job) error {
	if !j.Status.Terminal() {
		return fmt.Errorf("job %s: status %q is not terminal", j.ID, j.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		return fmt.Errorf("%w: job %s", flow.ErrNotFound, j.ID)
	}
	cur.Status = j.Status
	cur.SkipReason = j.SkipReason
	cur.ErrorMessage = j.ErrorMessage
	cur.ItemsCount = j.ItemsCount
	cur.CompletedAt = j.CompletedAt
	s.jobs[j.ID] = cur
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (flow.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok, nil
}

func (s *Store) ListJobs(ctx context.Context, flowID string, limit int) ([]flow.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.Job
	for _, j := range s.jobs {
		if j.FlowID == flowID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FailStuckJobs(ctx context.Context, pipelineID string, startedBefore time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for id, j := range s.jobs {
		if j.PipelineID != pipelineID || j.Status != flow.JobProcessing || j.StartedAt == nil || !j.StartedAt.Before(startedBefore) {
			continue
		}
		j.Status = flow.JobFailed
		j.ErrorMessage = reason
		j.CompletedAt = &now
		s.jobs[id] = j
		n++
	}
	return n, nil
}

func (s *Store) DeleteJobsBefore(ctx context.Context, pipelineID string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.PipelineID != pipelineID || !j.Status.Terminal() || j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		delete(s.stepRuns, id)
		n++
	}
	return n, nil
}

func (s *Store) SaveStepRun(ctx context.Context, sr flow.StepRun) error {
	if sr.JobID == "" || sr.FlowStepID == "" {
		return fmt.Errorf("job_id and flow_step_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr.UpdatedAt.IsZero() {
		sr.UpdatedAt = time.Now().UTC()
	}
	runs := s.stepRuns[sr.JobID]
	for i := range runs {
		if runs[i].FlowStepID == sr.FlowStepID {
			runs[i] = sr
			return nil
		}
	}
	s.stepRuns[sr.JobID] = append(runs, sr)
	return nil
}

func (s *Store) ListStepRuns(ctx context.Context, jobID string) ([]flow.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]flow.StepRun, len(s.stepRuns[jobID]))
	copy(out, s.stepRuns[jobID])
	return out, nil
}

func (s *Store) HasProcessed(ctx context.Context, flowStepID, itemID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.findProcessedLocked(flowStepID, itemID)
	return ok, nil
}

func (s *Store) findProcessedLocked(flowStepID, itemID string) (int64, bool) {
	for id, row := range s.processed {
		if row.rec.FlowStepID == flowStepID && row.rec.ItemIdentifier == itemID {
			return id, true
		}
	}
	return 0, false
}

func (s *Store) InsertProcessed(ctx context.Context, rec flow.DedupRecord) (bool, error) {
	_, flowID, err := flow.ParseFlowStepID(rec.FlowStepID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findProcessedLocked(rec.FlowStepID, rec.ItemIdentifier); ok {
		return false, nil
	}
	s.nextID++
	rec.ID = s.nextID
	s.processed[rec.ID] = processedRow{rec: rec, flowID: flowID}
	return true, nil
}

func (s *Store) ClearProcessed(ctx context.Context, scope dedup.Scope, targetID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var match func(processedRow) bool
	switch scope {
	case dedup.ScopeFlow:
		match = func(row processedRow) bool { return row.flowID == targetID }
	case dedup.ScopePipeline:
		match = func(row processedRow) bool {
			f, ok := s.flows[row.flowID]
			return ok && f.PipelineID == targetID
		}
	default:
		return nil, fmt.Errorf("%w: unknown clear scope %q", flow.ErrConfiguration, scope)
	}
	seen := make(map[string]struct{})
	var out []string
	for id, row := range s.processed {
		if !match(row) {
			continue
		}
		delete(s.processed, id)
		if _, ok := seen[row.rec.FlowStepID]; !ok {
			seen[row.rec.FlowStepID] = struct{}{}
			out = append(out, row.rec.FlowStepID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) DeleteProcessed(ctx context.Context, recordID int64) (flow.DedupRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.processed[recordID]
	if !ok {
		return flow.DedupRecord{}, false, nil
	}
	delete(s.processed, recordID)
	return row.rec, true, nil
}

func (s *Store) DeleteProcessedByJob(ctx context.Context, jobID string) ([]flow.DedupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.DedupRecord
	for id, row := range s.processed {
		if row.rec.JobID != jobID {
			continue
		}
		delete(s.processed, id)
		out = append(out, row.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountProcessed(ctx context.Context, flowStepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.processed {
		if row.rec.FlowStepID == flowStepID {
			n++
		}
	}
	return n, nil
}

// ListProcessed returns the records of a flow step ordered by id.
func (s *Store) ListProcessed(flowStepID string) []flow.DedupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.DedupRecord
	for _, row := range s.processed {
		if row.rec.FlowStepID == flowStepID {
			out = append(out, row.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope + "\x00" + key
	if _, ok := s.idempotency[k]; ok {
		return false, nil
	}
	s.idempotency[k] = struct{}{}
	return true, nil
}

var _ dedup.Repository = (*Store)(nil)
