package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orchestration outcomes by terminal state
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_relay",
			Subsystem: "orchestrator",
			Name:      "outcomes_total",
			Help:      "Orchestration cycles by terminal state and reason",
		},
		[]string{"state", "reason"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chat_relay",
			Subsystem: "orchestrator",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one orchestration cycle",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"state"},
	)

	PersistFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_relay",
			Subsystem: "orchestrator",
			Name:      "persist_failures_total",
			Help:      "Completed exchanges that could not be stored",
		},
		[]string{"policy"},
	)

	// Dispatcher
	DispatchRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_relay",
			Subsystem: "dispatcher",
			Name:      "rejected_total",
			Help:      "Messages rejected at submission",
		},
		[]string{"reason"},
	)

	ActiveLanes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chat_relay",
			Subsystem: "dispatcher",
			Name:      "active_lanes",
			Help:      "Conversation lanes with pending work",
		},
	)

	// LLM
	LLMAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_relay",
			Subsystem: "llm",
			Name:      "attempts_total",
			Help:      "LLM call attempts by provider and result kind",
		},
		[]string{"provider", "kind"},
	)

	LLMDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chat_relay",
			Subsystem: "llm",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single LLM attempt",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_relay",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by type",
		},
		[]string{"model", "type"},
	)

	// Admin API
	AdminRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_relay",
			Subsystem: "admin_api",
			Name:      "requests_total",
			Help:      "Admin API requests",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordOutcome records a finished orchestration cycle
func RecordOutcome(state, reason string, durationSec float64) {
	if reason == "" {
		reason = "none"
	}
	OutcomesTotal.WithLabelValues(state, reason).Inc()
	CycleDuration.WithLabelValues(state).Observe(durationSec)
}

// RecordAttempt records one LLM attempt; kind is "ok" on success
func RecordAttempt(provider, kind string, durationSec float64) {
	if provider == "" {
		provider = "unknown"
	}
	LLMAttemptsTotal.WithLabelValues(provider, kind).Inc()
	LLMDuration.WithLabelValues(provider).Observe(durationSec)
}

func RecordTokens(model string, prompt, completion int) {
	TokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	TokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
}

func RecordPersistFailure(policy string) {
	PersistFailuresTotal.WithLabelValues(policy).Inc()
}

func RecordRejected(reason string) {
	DispatchRejectedTotal.WithLabelValues(reason).Inc()
}
