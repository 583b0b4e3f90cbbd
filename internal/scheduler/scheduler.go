// Package scheduler fires flow runs on recurring intervals or at a single
// future time, and performs daily job housekeeping per pipeline.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/logging"
)

// TriggerSchedule is recorded on jobs started by the scheduler.
const TriggerSchedule = "schedule"

// Store is the persistence the scheduler reads targets from and writes
// scheduling configuration to.
type Store interface {
	GetFlow(ctx context.Context, id string) (flow.Flow, bool, error)
	GetPipeline(ctx context.Context, id string) (flow.Pipeline, bool, error)
	ListFlows(ctx context.Context) ([]flow.Flow, error)
	ListPipelines(ctx context.Context) ([]flow.Pipeline, error)
	ListFlowsByPipeline(ctx context.Context, pipelineID string) ([]flow.Flow, error)
	SaveFlowScheduling(ctx context.Context, id string, sc flow.Scheduling) error
	SavePipelineScheduling(ctx context.Context, id string, sc flow.Scheduling) error
	FailStuckJobs(ctx context.Context, pipelineID string, startedBefore time.Time, reason string) (int64, error)
	DeleteJobsBefore(ctx context.Context, pipelineID string, cutoff time.Time) (int64, error)
}

// Runner starts a flow. The executor runs it in-process; the queue publisher
// hands it to a worker.
type Runner interface {
	RunFlow(ctx context.Context, flowID, trigger string) (flow.Job, error)
}

// Target is what a registration fires.
type Target string

const (
	TargetFlow     Target = "flow"
	TargetPipeline Target = "pipeline"
)

// Spec is a scheduling request.
type Spec struct {
	Interval  string     `json:"interval"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Status    string     `json:"status,omitempty"`
}

// Registration is a live schedule entry.
type Registration struct {
	Target   Target    `json:"target"`
	ID       string    `json:"id"`
	Interval string    `json:"interval,omitempty"`
	Next     time.Time `json:"next_run_at"`
	Once     bool      `json:"once"`

	recurrence Recurrence
}

func (r Registration) key() string { return string(r.Target) + ":" + r.ID }

// Maintenance controls housekeeping of old and stuck jobs.
type Maintenance struct {
	StuckAfter time.Duration
	Retention  time.Duration
	Window     time.Duration
}

// MaintenanceReport summarizes one housekeeping pass.
type MaintenanceReport struct {
	PipelineID  string `json:"pipeline_id"`
	Ran         bool   `json:"ran"`
	FailedJobs  int64  `json:"failed_jobs"`
	DeletedJobs int64  `json:"deleted_jobs"`
}

// Scheduler keeps registrations in memory and persists the scheduling
// configuration through Store so Restore can rebuild them.
type Scheduler struct {
	store  Store
	runner Runner
	locker Locker
	logger *slog.Logger
	now    func() time.Time

	tick        time.Duration
	lockTTL     time.Duration
	maintenance Maintenance

	mu   sync.Mutex
	regs map[string]*Registration
	wg   sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker shares fire locks and maintenance markers across processes.
func WithLocker(l Locker) Option { return func(s *Scheduler) { s.locker = l } }

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithTick sets how often Run checks for due registrations.
func WithTick(d time.Duration) Option { return func(s *Scheduler) { s.tick = d } }

// WithLockTTL sets how long a fire lock is held.
func WithLockTTL(d time.Duration) Option { return func(s *Scheduler) { s.lockTTL = d } }

// WithMaintenance configures job housekeeping.
func WithMaintenance(m Maintenance) Option { return func(s *Scheduler) { s.maintenance = m } }

// New creates a Scheduler.
func New(st Store, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   st,
		runner:  runner,
		now:     time.Now,
		tick:    15 * time.Second,
		lockTTL: 2 * time.Minute,
		maintenance: Maintenance{
			StuckAfter: 2 * time.Hour,
			Retention:  30 * 24 * time.Hour,
			Window:     24 * time.Hour,
		},
		regs: make(map[string]*Registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker(s.now)
	}
	s.logger = logging.OrDefault(s.logger).With(slog.String("component", "scheduler"))
	return s
}

// Schedule replaces the flow's schedule. A recurring interval fires at its
// next slot; a timestamp fires once and must be in the future.
// manual, inherit and inactive schedules are persisted without a
// registration.
func (s *Scheduler) Schedule(ctx context.Context, flowID string, spec Spec) error {
	fl, ok, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return fmt.Errorf("load flow: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: flow %s", flow.ErrNotFound, flowID)
	}
	reg, sc, err := s.plan(TargetFlow, flowID, spec, fl.Scheduling.LastRunAt)
	if err != nil {
		return err
	}
	if err := s.store.SaveFlowScheduling(ctx, flowID, sc); err != nil {
		return fmt.Errorf("save flow scheduling: %w", err)
	}
	s.replace(Registration{Target: TargetFlow, ID: flowID}, reg)
	return nil
}

// SchedulePipeline replaces the pipeline's schedule. Each fire runs the
// pipeline's active flows whose interval is inherit.
func (s *Scheduler) SchedulePipeline(ctx context.Context, pipelineID string, spec Spec) error {
	if spec.Interval == flow.IntervalInherit {
		return fmt.Errorf("%w: pipelines cannot inherit a schedule", ErrInvalidInterval)
	}
	pl, ok, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: pipeline %s", flow.ErrNotFound, pipelineID)
	}
	reg, sc, err := s.plan(TargetPipeline, pipelineID, spec, pl.LastRunAt)
	if err != nil {
		return err
	}
	if err := s.store.SavePipelineScheduling(ctx, pipelineID, sc); err != nil {
		return fmt.Errorf("save pipeline scheduling: %w", err)
	}
	s.replace(Registration{Target: TargetPipeline, ID: pipelineID}, reg)
	return nil
}

// Unschedule removes the flow's registration and marks it manual. It is a
// no-op for flows that are not scheduled or no longer exist.
func (s *Scheduler) Unschedule(ctx context.Context, flowID string) error {
	s.replace(Registration{Target: TargetFlow, ID: flowID}, nil)
	fl, ok, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return fmt.Errorf("load flow: %w", err)
	}
	if !ok || fl.Scheduling.Interval == flow.IntervalManual {
		return nil
	}
	return s.store.SaveFlowScheduling(ctx, flowID, flow.Scheduling{
		Interval:  flow.IntervalManual,
		Status:    flow.ScheduleInactive,
		LastRunAt: fl.Scheduling.LastRunAt,
	})
}

// UnschedulePipeline is Unschedule for pipeline registrations.
func (s *Scheduler) UnschedulePipeline(ctx context.Context, pipelineID string) error {
	s.replace(Registration{Target: TargetPipeline, ID: pipelineID}, nil)
	pl, ok, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline: %w", err)
	}
	if !ok || pl.Schedule.Interval == flow.IntervalManual {
		return nil
	}
	return s.store.SavePipelineScheduling(ctx, pipelineID, flow.Scheduling{
		Interval:  flow.IntervalManual,
		Status:    flow.ScheduleInactive,
		LastRunAt: pl.LastRunAt,
	})
}

// plan validates spec and returns the registration to install (nil for none)
// and the scheduling to persist.
func (s *Scheduler) plan(target Target, id string, spec Spec, lastRun *time.Time) (*Registration, flow.Scheduling, error) {
	now := s.now()
	if spec.Status == "" {
		spec.Status = flow.ScheduleActive
	}
	if spec.Status != flow.ScheduleActive && spec.Status != flow.ScheduleInactive {
		return nil, flow.Scheduling{}, fmt.Errorf("%w: unknown schedule status %q", flow.ErrConfiguration, spec.Status)
	}
	sc := flow.Scheduling{Interval: spec.Interval, Status: spec.Status, LastRunAt: lastRun}

	if spec.Timestamp != nil {
		if !spec.Timestamp.After(now) {
			return nil, flow.Scheduling{}, fmt.Errorf("%w: %s", ErrPastTimestamp, spec.Timestamp.Format(time.RFC3339))
		}
		at := spec.Timestamp.UTC()
		sc.Timestamp = &at
		if sc.Interval == "" {
			sc.Interval = flow.IntervalManual
		}
		if sc.Status != flow.ScheduleActive {
			return nil, sc, nil
		}
		return &Registration{Target: target, ID: id, Next: at, Once: true}, sc, nil
	}

	switch spec.Interval {
	case "", flow.IntervalManual:
		sc.Interval = flow.IntervalManual
		return nil, sc, nil
	case flow.IntervalInherit:
		return nil, sc, nil
	}
	rec, err := ParseInterval(spec.Interval)
	if err != nil {
		return nil, flow.Scheduling{}, err
	}
	if sc.Status != flow.ScheduleActive {
		return nil, sc, nil
	}
	next := rec.Next(now)
	if next.IsZero() {
		return nil, flow.Scheduling{}, fmt.Errorf("%w %q: no future runs", ErrInvalidInterval, spec.Interval)
	}
	return &Registration{Target: target, ID: id, Interval: rec.String(), Next: next, recurrence: rec}, sc, nil
}

// replace drops the registration for old's key and installs next if set.
func (s *Scheduler) replace(old Registration, next *Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, old.key())
	if next != nil {
		s.regs[next.key()] = next
	}
}

// Registrations returns a snapshot of live registrations ordered by next
// fire time.
func (s *Scheduler) Registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].key() < out[j].key()
	})
	return out
}

// Lookup returns the registration for a flow, if any.
func (s *Scheduler) Lookup(target Target, id string) (Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[Registration{Target: target, ID: id}.key()]
	if !ok {
		return Registration{}, false
	}
	return *r, true
}

// Restore rebuilds registrations from persisted scheduling. A recurring
// schedule whose slot after the last run has passed keeps that slot and
// fires on the next tick; past one-off timestamps are dropped.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	flows, err := s.store.ListFlows(ctx)
	if err != nil {
		return 0, fmt.Errorf("list flows: %w", err)
	}
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pipelines: %w", err)
	}
	n := 0
	for _, fl := range flows {
		if s.restore(TargetFlow, fl.ID, fl.Scheduling) {
			n++
		}
	}
	for _, pl := range pipelines {
		sc := pl.Schedule
		sc.LastRunAt = pl.LastRunAt
		if s.restore(TargetPipeline, pl.ID, sc) {
			n++
		}
	}
	s.logger.Info("schedules restored", slog.Int("registrations", n))
	return n, nil
}

func (s *Scheduler) restore(target Target, id string, sc flow.Scheduling) bool {
	if !sc.Active() {
		return false
	}
	now := s.now()
	logger := s.logger.With(slog.String("target", string(target)), slog.String("id", id))
	if sc.Timestamp != nil {
		if !sc.Timestamp.After(now) {
			logger.Info("one-off schedule already passed", slog.Time("timestamp", *sc.Timestamp))
			return false
		}
		s.replace(Registration{Target: target, ID: id}, &Registration{Target: target, ID: id, Next: *sc.Timestamp, Once: true})
		return true
	}
	if sc.Interval == flow.IntervalManual || sc.Interval == flow.IntervalInherit || sc.Interval == "" {
		return false
	}
	rec, err := ParseInterval(sc.Interval)
	if err != nil {
		logger.Warn("stored schedule ignored", slog.Any("error", err))
		return false
	}
	next := rec.Next(now)
	if sc.LastRunAt != nil {
		next = rec.Next(*sc.LastRunAt)
	}
	if next.IsZero() {
		logger.Info("stored schedule has no further runs", slog.String("interval", sc.Interval))
		return false
	}
	s.replace(Registration{Target: target, ID: id}, &Registration{Target: target, ID: id, Interval: rec.String(), Next: next, recurrence: rec})
	return true
}

// Run fires due registrations every tick until ctx is done, then waits for
// in-flight triggers.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a trigger goroutine for every due registration and returns
// how many were started. Recurring registrations advance; one-off ones are
// removed.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	var due []Registration
	s.mu.Lock()
	for key, r := range s.regs {
		if r.Next.After(now) {
			continue
		}
		due = append(due, *r)
		if r.Once {
			delete(s.regs, key)
			continue
		}
		r.Next = r.recurrence.After(r.Next, now)
		if r.Next.IsZero() {
			delete(s.regs, key)
		}
	}
	s.mu.Unlock()

	for _, r := range due {
		s.wg.Add(1)
		go func(r Registration) {
			defer s.wg.Done()
			s.fire(ctx, r)
		}(r)
	}
	return len(due)
}

// Wait blocks until every started trigger has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) fire(ctx context.Context, r Registration) {
	logger := s.logger.With(slog.String("target", string(r.Target)), slog.String("id", r.ID))
	switch r.Target {
	case TargetFlow:
		fl, ok, err := s.store.GetFlow(ctx, r.ID)
		if err != nil {
			logger.Error("load scheduled flow failed", slog.Any("error", err))
			return
		}
		if !ok {
			s.replace(r, nil)
			logger.Info("scheduled flow no longer exists, unscheduled")
			return
		}
		s.runFlow(ctx, logger, fl.ID, r.Next)
		s.maintain(ctx, logger, fl.PipelineID)
	case TargetPipeline:
		pl, ok, err := s.store.GetPipeline(ctx, r.ID)
		if err != nil {
			logger.Error("load scheduled pipeline failed", slog.Any("error", err))
			return
		}
		if !ok {
			s.replace(r, nil)
			logger.Info("scheduled pipeline no longer exists, unscheduled")
			return
		}
		flows, err := s.store.ListFlowsByPipeline(ctx, pl.ID)
		if err != nil {
			logger.Error("list pipeline flows failed", slog.Any("error", err))
			return
		}
		for _, fl := range flows {
			if fl.Scheduling.Interval != flow.IntervalInherit || !fl.Scheduling.Active() {
				continue
			}
			s.runFlow(ctx, logger, fl.ID, r.Next)
		}
		s.maintain(ctx, logger, pl.ID)
	}
}

// runFlow starts a run unless another scheduler already claimed this fire.
func (s *Scheduler) runFlow(ctx context.Context, logger *slog.Logger, flowID string, fireAt time.Time) {
	key := fmt.Sprintf("sched:lock:%s:%d", flowID, fireAt.Unix())
	ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		logger.Warn("schedule lock failed", slog.String("flow_id", flowID), slog.Any("error", err))
		return
	}
	if !ok {
		logger.Debug("schedule fire already claimed", slog.String("flow_id", flowID))
		return
	}
	job, err := s.runner.RunFlow(ctx, flowID, TriggerSchedule)
	if err != nil {
		logger.Error("scheduled run failed", slog.String("flow_id", flowID),
			slog.String("kind", string(flow.KindOf(err))), slog.Any("error", err))
		return
	}
	logger.Info("scheduled run finished", slog.String("flow_id", flowID),
		slog.String("job_id", job.ID), slog.String("status", job.StatusLabel()))
}

func (s *Scheduler) maintain(ctx context.Context, logger *slog.Logger, pipelineID string) {
	report, err := s.Maintain(ctx, pipelineID)
	if err != nil {
		logger.Warn("job maintenance failed", slog.String("pipeline_id", pipelineID), slog.Any("error", err))
		return
	}
	if report.Ran {
		logger.Info("job maintenance done", slog.String("pipeline_id", pipelineID),
			slog.Int64("failed_jobs", report.FailedJobs), slog.Int64("deleted_jobs", report.DeletedJobs))
	}
}

// Maintain fails jobs stuck in processing and deletes old terminal jobs for
// a pipeline, at most once per maintenance window.
func (s *Scheduler) Maintain(ctx context.Context, pipelineID string) (MaintenanceReport, error) {
	report := MaintenanceReport{PipelineID: pipelineID}
	ok, err := s.locker.TryLock(ctx, "dm:maint:"+pipelineID, s.maintenance.Window)
	if err != nil {
		return report, fmt.Errorf("maintenance marker: %w", err)
	}
	if !ok {
		return report, nil
	}
	report.Ran = true
	now := s.now()
	report.FailedJobs, err = s.store.FailStuckJobs(ctx, pipelineID, now.Add(-s.maintenance.StuckAfter), "job timed out in processing")
	if err != nil {
		return report, fmt.Errorf("fail stuck jobs: %w", err)
	}
	report.DeletedJobs, err = s.store.DeleteJobsBefore(ctx, pipelineID, now.Add(-s.maintenance.Retention))
	if err != nil {
		return report, fmt.Errorf("delete old jobs: %w", err)
	}
	return report, nil
}
