package telemetry

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkamali/deepscout/internal/config"
)

// Telemetry tracks run, search and LLM metrics and exposes them through a
// prometheus registry mounted at /metrics by the server.
type Telemetry struct {
	config   config.TelemetryConfig
	logger   *log.Logger
	registry *prometheus.Registry

	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	searchAttempts *prometheus.CounterVec
	searchFallback prometheus.Counter
	llmRequests    *prometheus.CounterVec
	llmLatency     *prometheus.HistogramVec
	eventsEmitted  *prometheus.CounterVec
}

// NewTelemetry creates a new telemetry instance with its own registry.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config:   cfg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscout_runs_started_total",
			Help: "Research runs started, by mode.",
		}, []string{"mode"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscout_runs_finished_total",
			Help: "Research runs finished, by mode and status.",
		}, []string{"mode", "status"}),
		searchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscout_search_attempts_total",
			Help: "Search provider attempts, by outcome.",
		}, []string{"outcome"}),
		searchFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepscout_search_fallbacks_total",
			Help: "Searches that exhausted retries and fell back to model knowledge.",
		}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscout_llm_requests_total",
			Help: "LLM completion requests, by model key.",
		}, []string{"model"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepscout_llm_latency_seconds",
			Help:    "LLM completion latency.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscout_stream_events_total",
			Help: "Stream events emitted, by type.",
		}, []string{"type"}),
	}

	t.registry.MustRegister(
		t.runsStarted,
		t.runsFinished,
		t.searchAttempts,
		t.searchFallback,
		t.llmRequests,
		t.llmLatency,
		t.eventsEmitted,
	)

	return t
}

// Registry returns the prometheus registry backing this instance.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

func (t *Telemetry) RecordRunStarted(mode string) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.runsStarted.WithLabelValues(mode).Inc()
}

func (t *Telemetry) RecordRunFinished(mode, status string) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.runsFinished.WithLabelValues(mode, status).Inc()
}

func (t *Telemetry) RecordSearchAttempt(outcome string) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.searchAttempts.WithLabelValues(outcome).Inc()
}

func (t *Telemetry) RecordSearchFallback() {
	if t == nil || !t.config.Enabled {
		return
	}
	t.searchFallback.Inc()
}

func (t *Telemetry) RecordLLMRequest(model string, elapsed time.Duration) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.llmRequests.WithLabelValues(model).Inc()
	t.llmLatency.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (t *Telemetry) RecordEvent(eventType string) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.eventsEmitted.WithLabelValues(eventType).Inc()
}
