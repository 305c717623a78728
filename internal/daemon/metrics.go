package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawup/clawup/internal/models"
	"github.com/clawup/clawup/internal/provision"
)

// Metrics collects Prometheus counters and histograms for clawupd.
//
// A nil *Metrics is valid and records nothing. Metrics implements
// provision.Observer.
type Metrics struct {
	registry            *prometheus.Registry
	runStatusTotal      *prometheus.CounterVec
	runDurationSeconds  *prometheus.HistogramVec
	stepDurationSeconds *prometheus.HistogramVec
	lockWaitProbesTotal *prometheus.CounterVec
	readinessAttempts   prometheus.Histogram
	postConfigureTotal  *prometheus.CounterVec
	runsRejectedTotal   prometheus.Counter
	validationsTotal    *prometheus.CounterVec
	activeRuns          prometheus.Gauge
}

var _ provision.Observer = (*Metrics)(nil)

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	runStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawup",
			Subsystem: "run",
			Name:      "status_total",
			Help:      "Total provisioning runs by final status.",
		},
		[]string{"status"},
	)
	runDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clawup",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Provisioning run time from request to final event.",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"status"},
	)
	stepDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clawup",
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Time spent in each provisioning step.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"step"},
	)
	lockWaitProbesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawup",
			Subsystem: "lock_wait",
			Name:      "probes_total",
			Help:      "Package manager lock probes by result.",
		},
		[]string{"result"},
	)
	readinessAttempts := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clawup",
			Name:      "readiness_attempts",
			Help:      "Log probes needed before the gateway reported ready.",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15},
		},
	)
	postConfigureTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawup",
			Subsystem: "post_configure",
			Name:      "total",
			Help:      "Configuration keys applied, by key and the invocation that succeeded.",
		},
		[]string{"key", "candidate"},
	)
	runsRejectedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawup",
			Subsystem: "run",
			Name:      "rejected_total",
			Help:      "Provisioning requests rejected because every run slot was busy.",
		},
	)
	validationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawup",
			Subsystem: "validation",
			Name:      "total",
			Help:      "Credential checks by type and result.",
		},
		[]string{"type", "result"},
	)
	activeRuns := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clawup",
			Subsystem: "run",
			Name:      "active",
			Help:      "Provisioning runs currently executing.",
		},
	)

	registry.MustRegister(
		runStatusTotal,
		runDurationSeconds,
		stepDurationSeconds,
		lockWaitProbesTotal,
		readinessAttempts,
		postConfigureTotal,
		runsRejectedTotal,
		validationsTotal,
		activeRuns,
	)

	return &Metrics{
		registry:            registry,
		runStatusTotal:      runStatusTotal,
		runDurationSeconds:  runDurationSeconds,
		stepDurationSeconds: stepDurationSeconds,
		lockWaitProbesTotal: lockWaitProbesTotal,
		readinessAttempts:   readinessAttempts,
		postConfigureTotal:  postConfigureTotal,
		runsRejectedTotal:   runsRejectedTotal,
		validationsTotal:    validationsTotal,
		activeRuns:          activeRuns,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(status models.RunStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.runStatusTotal.WithLabelValues(string(status)).Inc()
	if seconds := duration.Seconds(); seconds >= 0 {
		m.runDurationSeconds.WithLabelValues(string(status)).Observe(seconds)
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RunEnded() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

func (m *Metrics) IncRunRejected() {
	if m == nil {
		return
	}
	m.runsRejectedTotal.Inc()
}

func (m *Metrics) IncValidation(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if ok {
		result = "valid"
	}
	m.validationsTotal.WithLabelValues(kind, result).Inc()
}

// StepFinished records the duration of one orchestrator step.
func (m *Metrics) StepFinished(step provision.Step, seconds float64) {
	if m == nil || seconds < 0 {
		return
	}
	m.stepDurationSeconds.WithLabelValues(string(step)).Observe(seconds)
}

// LockProbe counts one package manager lock probe.
func (m *Metrics) LockProbe(held bool) {
	if m == nil {
		return
	}
	result := "clear"
	if held {
		result = "held"
	}
	m.lockWaitProbesTotal.WithLabelValues(result).Inc()
}

// ReadinessAttempts records how many log probes a run used.
func (m *Metrics) ReadinessAttempts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.readinessAttempts.Observe(float64(n))
}

// PostConfigure counts a configuration key set through candidate.
func (m *Metrics) PostConfigure(key, candidate string) {
	if m == nil {
		return
	}
	if candidate == "" {
		candidate = "none"
	}
	m.postConfigureTotal.WithLabelValues(key, candidate).Inc()
}
