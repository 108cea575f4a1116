// Package metrics provides Prometheus metrics for the recognition and
// generation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "darko"

// Metrics holds every collector of the daemon. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	// Recognition
	Cycles             prometheus.Counter
	Activity           prometheus.Counter
	WakeDecisions      *prometheus.CounterVec
	RecognitionErrors  *prometheus.CounterVec
	RecognitionLatency *prometheus.HistogramVec

	// Dispatch
	Commands       *prometheus.CounterVec
	DispatchErrors *prometheus.CounterVec

	// Generation
	Turns             *prometheus.CounterVec
	GenerationLatency prometheus.Histogram
	GeneratedTokens   prometheus.Counter
	Evictions         prometheus.Counter
	HistoryTokens     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_cycles_total",
			Help:      "Total number of idle probe cycles",
		}),
		Activity: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_activity_total",
			Help:      "Total number of probes that detected a finished utterance",
		}),
		WakeDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_decisions_total",
			Help:      "Recognised utterances by outcome",
		}, []string{"outcome"}),
		RecognitionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Speech engine failures by strategy",
		}, []string{"strategy"}),
		RecognitionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_latency_seconds",
			Help:      "Speech engine latency per captured command window",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"strategy"}),

		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Accepted commands by dispatch mode",
		}, []string{"mode"}),
		DispatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Failed command dispatches by stage",
		}, []string{"stage"}),

		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_turns_total",
			Help:      "Generation turns by result",
		}, []string{"result"}),
		GenerationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_seconds",
			Help:      "Wall time of one generation turn",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		GeneratedTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_tokens_total",
			Help:      "Total number of sampled tokens",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_evictions_total",
			Help:      "Total number of rolling-history evictions",
		}),
		HistoryTokens: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_tokens",
			Help:      "Tokens currently held in the conversation context",
		}),
	}
}

// RecordCycle records one idle probe and whether it found activity.
func (m *Metrics) RecordCycle(active bool) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	if active {
		m.Activity.Inc()
	}
}

// RecordRecognition records one speech engine call.
func (m *Metrics) RecordRecognition(strategy string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RecognitionLatency.WithLabelValues(strategy).Observe(d.Seconds())
	if err != nil {
		m.RecognitionErrors.WithLabelValues(strategy).Inc()
	}
}

// RecordWake records a wake gate outcome: "accepted", "rejected" or "empty".
func (m *Metrics) RecordWake(outcome string) {
	if m == nil {
		return
	}
	m.WakeDecisions.WithLabelValues(outcome).Inc()
}

// RecordCommand records an accepted command routed in mode.
func (m *Metrics) RecordCommand(mode string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(mode).Inc()
}

// RecordDispatchError records a failure in a dispatch stage.
func (m *Metrics) RecordDispatchError(stage string) {
	if m == nil {
		return
	}
	m.DispatchErrors.WithLabelValues(stage).Inc()
}

// RecordTurn records a finished generation turn.
func (m *Metrics) RecordTurn(d time.Duration, tokens int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Turns.WithLabelValues(result).Inc()
	m.GenerationLatency.Observe(d.Seconds())
	m.GeneratedTokens.Add(float64(tokens))
}

// RecordEviction records one rolling-history rewrite.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

// SetHistory publishes the current context occupancy.
func (m *Metrics) SetHistory(tokens int) {
	if m == nil {
		return
	}
	m.HistoryTokens.Set(float64(tokens))
}
