package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Grievance lifecycle
	GrievanceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grievline_grievance_transitions_total",
		Help: "Total number of grievance lifecycle operations by outcome",
	}, []string{"operation", "outcome"})

	// Escalation scheduler
	EscalationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grievline_escalation_runs_total",
		Help: "Total number of escalation scheduler runs by result (ok, error, skipped)",
	}, []string{"result"})
	Escalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grievline_escalations_total",
		Help: "Total number of grievances escalated",
	}, []string{"department"})
	EscalationRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grievline_escalation_run_duration_seconds",
		Help:    "Duration of escalation scheduler runs",
		Buckets: prometheus.DefBuckets,
	})
	NotifyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grievline_notify_failures_total",
		Help: "Total number of failed escalation notifications by sink",
	}, []string{"sink"})

	// Classifier
	ClassifierDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grievline_classifier_decisions_total",
		Help: "Total number of priority decisions by source and priority",
	}, []string{"source", "priority"})
	ClassifierFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grievline_classifier_fallbacks_total",
		Help: "Total number of remote classifier failures that fell back to local rules",
	}, []string{"reason"})

	// Call metrics
	CallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grievline_call_latency_seconds",
		Help:    "Latency of recorded external calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "success"})
	MetricSamplesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grievline_metric_samples_dropped_total",
		Help: "Total number of metric samples dropped because the recorder buffer was full",
	})
	MetricWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grievline_metric_write_failures_total",
		Help: "Total number of metric samples that failed to persist",
	})
)

func init() {
	prometheus.MustRegister(GrievanceTransitions)
	prometheus.MustRegister(EscalationRuns)
	prometheus.MustRegister(Escalations)
	prometheus.MustRegister(EscalationRunDuration)
	prometheus.MustRegister(NotifyFailures)
	prometheus.MustRegister(ClassifierDecisions)
	prometheus.MustRegister(ClassifierFallbacks)
	prometheus.MustRegister(CallLatency)
	prometheus.MustRegister(MetricSamplesDropped)
	prometheus.MustRegister(MetricWriteFailures)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
