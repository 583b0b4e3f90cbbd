package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/chubes4/data-machine/internal/executor"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/tool"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's prometheus collectors.
type Metrics struct {
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamachine",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datamachine",
			Name:      "job_duration_seconds",
			Help:      "Wall time from job start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datamachine",
			Name:      "step_duration_seconds",
			Help:      "Step execution time by step type.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"step_type"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamachine",
			Name:      "step_failures_total",
			Help:      "Failed steps by step type and error kind.",
		}, []string{"step_type", "kind"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamachine",
			Name:      "tool_calls_total",
			Help:      "Tool executions requested by the AI.",
		}, []string{"tool", "success"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datamachine",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
	}
	for _, c := range []prometheus.Collector{m.jobsFinished, m.jobDuration, m.stepDuration, m.stepFailures, m.toolCalls, m.toolDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ExecutorMetrics adapts the collectors to the orchestrator callbacks.
// agent_skipped is counted under its own status, never with failed.
func (m *Metrics) ExecutorMetrics() executor.Metrics {
	return executor.Metrics{
		JobFinished: func(_ context.Context, job flow.Job, took time.Duration) {
			status := string(job.Status)
			m.jobsFinished.WithLabelValues(status).Inc()
			m.jobDuration.WithLabelValues(status).Observe(took.Seconds())
		},
		StepDuration: func(_ context.Context, cfg flow.FlowStepConfig, took time.Duration, err error) {
			stepType := string(cfg.StepType)
			m.stepDuration.WithLabelValues(stepType).Observe(took.Seconds())
			if err != nil {
				m.stepFailures.WithLabelValues(stepType, string(flow.KindOf(err))).Inc()
			}
		},
	}
}

// ToolObserver records every tool execution.
func (m *Metrics) ToolObserver() tool.Observer {
	return func(_ context.Context, name string, res tool.Result, took time.Duration) {
		m.toolCalls.WithLabelValues(name, strconv.FormatBool(res.Success)).Inc()
		m.toolDuration.WithLabelValues(name).Observe(took.Seconds())
	}
}
