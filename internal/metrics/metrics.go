package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voiceagent"

// Metrics holds all application metrics
type Metrics struct {
	// Call sessions
	SessionsAdmitted   prometheus.Counter
	AdmissionsRejected *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	SessionOutcomes    *prometheus.CounterVec
	TurnLatency        prometheus.Histogram
	PipelineFailures   *prometheus.CounterVec

	// Scheduling
	Holds             *prometheus.CounterVec
	Appointments      *prometheus.CounterVec
	SchedulingLatency *prometheus.HistogramVec

	// Handoff
	HandoffWait     prometheus.Histogram
	HandoffOutcomes *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsAdmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "sessions_admitted_total",
			Help:      "Total number of calls admitted",
		}),
		AdmissionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "admissions_rejected_total",
			Help:      "Calls refused at admission",
		}, []string{"reason"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "active_sessions",
			Help:      "Current number of live call sessions",
		}),
		SessionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "session_outcomes_total",
			Help:      "Retired call sessions by terminal state",
		}, []string{"state"}),
		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "turn_duration_seconds",
			Help:      "Time from utterance arrival to prompt",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10},
		}),
		PipelineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "pipeline_failures_total",
			Help:      "Voice pipeline calls that failed after retries",
		}, []string{"op"}),

		Holds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "holds_total",
			Help:      "Hold attempts and lifecycle transitions",
		}, []string{"result"}),
		Appointments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "appointments_total",
			Help:      "Appointment mutations",
		}, []string{"action"}),
		SchedulingLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "operation_duration_seconds",
			Help:      "Duration of scheduling engine operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),

		HandoffWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "wait_seconds",
			Help:      "Time a caller waited for a human",
			Buckets:   []float64{.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		HandoffOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "outcomes_total",
			Help:      "Handoff requests by outcome",
		}, []string{"outcome"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// NewNop returns metrics registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
