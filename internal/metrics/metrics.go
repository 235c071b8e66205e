// Package metrics exposes workflow counters to Prometheus. Metrics
// implements stepflow.Observer so it can be handed to the executor, the
// stager and the submitter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sicko7947/stepflow"
)

const namespace = "safeverify"

// Metrics holds all Prometheus collectors of the service
type Metrics struct {
	RunsStarted  *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec

	FilesRejected *prometheus.CounterVec

	OutcomesAppended   *prometheus.CounterVec
	DuplicatesDetected *prometheus.CounterVec

	LiveInstances prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_runs_started_total",
				Help:      "Step action runs started",
			},
			[]string{"workflow", "step"},
		),
		RunsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_runs_finished_total",
				Help:      "Step action runs finished, by final status",
			},
			[]string{"workflow", "step", "status"},
		),
		// Buckets: 100ms .. 2m, step timeouts are 30s by default
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_run_duration_seconds",
				Help:      "Duration of step action runs",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"workflow", "step"},
		),
		FilesRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_rejected_total",
				Help:      "Files refused before staging",
			},
			[]string{"workflow", "reason"},
		),
		OutcomesAppended: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_appended_total",
				Help:      "Outcomes persisted",
			},
			[]string{"workflow"},
		),
		DuplicatesDetected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_detected_total",
				Help:      "Submissions that matched an existing outcome",
			},
			[]string{"workflow"},
		),
		LiveInstances: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_instances",
				Help:      "Instances held in memory",
			},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
	}
}

func (m *Metrics) RunStarted(typ stepflow.WorkflowType, step stepflow.StepID) {
	m.RunsStarted.WithLabelValues(string(typ), string(step)).Inc()
}

func (m *Metrics) RunFinished(typ stepflow.WorkflowType, step stepflow.StepID, status string, duration time.Duration) {
	m.RunsFinished.WithLabelValues(string(typ), string(step), status).Inc()
	m.RunDuration.WithLabelValues(string(typ), string(step)).Observe(duration.Seconds())
}

func (m *Metrics) FileRejected(typ stepflow.WorkflowType, reason stepflow.RejectReason) {
	m.FilesRejected.WithLabelValues(string(typ), string(reason)).Inc()
}

func (m *Metrics) OutcomeAppended(typ stepflow.WorkflowType) {
	m.OutcomesAppended.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) DuplicateDetected(typ stepflow.WorkflowType) {
	m.DuplicatesDetected.WithLabelValues(string(typ)).Inc()
}

var _ stepflow.Observer = (*Metrics)(nil)
