// Package metrics registers the Prometheus instruments for the scan
// pipeline. One Metrics value is shared across components; the ops server
// exposes the registry on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the inventory service.
type Metrics struct {
	// Scan pipeline
	ScansTotal   *prometheus.CounterVec
	ScanDuration *prometheus.HistogramVec

	// SSH transport
	SSHAttempts *prometheus.CounterVec

	// Queue state
	JobsInFlight *prometheus.GaugeVec
	QueueDepth   *prometheus.GaugeVec

	// Change tracking
	DiffsRecorded *prometheus.CounterVec
	AlertsFired   *prometheus.CounterVec

	// Fleet health
	HostsByStatus *prometheus.GaugeVec

	// LLM pipelines
	LLMCalls    *prometheus.CounterVec
	LLMDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in the server, a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "systemmap_scans_total",
				Help: "Total scan jobs by queue and outcome",
			},
			[]string{"queue", "status"}, // status: completed, failed
		),

		ScanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "systemmap_scan_duration_seconds",
				Help:    "End-to-end duration of scan jobs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300, 600},
			},
			[]string{"queue"},
		),

		SSHAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "systemmap_ssh_attempts_total",
				Help: "SSH execution attempts by result kind",
			},
			[]string{"kind"}, // ok or an error kind such as auth-failed
		),

		JobsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "systemmap_jobs_in_flight",
				Help: "Jobs currently held by a worker",
			},
			[]string{"queue"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "systemmap_queue_depth",
				Help: "Jobs waiting per queue and state",
			},
			[]string{"queue", "state"}, // state: pending, delayed, dead
		),

		DiffsRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "systemmap_diffs_recorded_total",
				Help: "Inventory diff entries written, by severity",
			},
			[]string{"severity"},
		),

		AlertsFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "systemmap_alerts_fired_total",
				Help: "Alerts created by rule evaluation",
			},
			[]string{"rule_type", "severity"},
		),

		HostsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "systemmap_hosts_by_status",
				Help: "Host count per lifecycle status",
			},
			[]string{"status"}, // discovered, configured, scanning, online, offline, error
		),

		LLMCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "systemmap_llm_calls_total",
				Help: "LLM chat completions by provider, task and outcome",
			},
			[]string{"provider", "task", "status"},
		),

		LLMDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "systemmap_llm_call_duration_seconds",
				Help:    "Wall time of LLM chat completions",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider"},
		),
	}
}

// RecordScan records one finished scan job.
func (m *Metrics) RecordScan(queue string, succeeded bool, seconds float64) {
	status := "failed"
	if succeeded {
		status = "completed"
	}
	m.ScansTotal.WithLabelValues(queue, status).Inc()
	m.ScanDuration.WithLabelValues(queue).Observe(seconds)
}

// RecordSSHAttempt records an SSH execution result. kind is "ok" on
// success, otherwise the error kind.
func (m *Metrics) RecordSSHAttempt(kind string) {
	m.SSHAttempts.WithLabelValues(kind).Inc()
}

// JobStarted marks a job as held by a worker.
func (m *Metrics) JobStarted(queue string) {
	m.JobsInFlight.WithLabelValues(queue).Inc()
}

// JobFinished releases the in-flight slot.
func (m *Metrics) JobFinished(queue string) {
	m.JobsInFlight.WithLabelValues(queue).Dec()
}

// SetQueueDepth publishes the current backlog for one queue state.
func (m *Metrics) SetQueueDepth(queue, state string, n int64) {
	m.QueueDepth.WithLabelValues(queue, state).Set(float64(n))
}

// RecordDiffs counts diff entries written at a given severity.
func (m *Metrics) RecordDiffs(severity string, n int) {
	if n <= 0 {
		return
	}
	m.DiffsRecorded.WithLabelValues(severity).Add(float64(n))
}

// RecordAlert counts a fired alert.
func (m *Metrics) RecordAlert(ruleType, severity string) {
	m.AlertsFired.WithLabelValues(ruleType, severity).Inc()
}

// SetHostsByStatus publishes the fleet breakdown from the health loop.
func (m *Metrics) SetHostsByStatus(status string, n int) {
	m.HostsByStatus.WithLabelValues(status).Set(float64(n))
}

// RecordLLMCall records one chat completion.
func (m *Metrics) RecordLLMCall(provider, task string, succeeded bool, seconds float64) {
	status := "error"
	if succeeded {
		status = "ok"
	}
	m.LLMCalls.WithLabelValues(provider, task, status).Inc()
	m.LLMDuration.WithLabelValues(provider).Observe(seconds)
}
