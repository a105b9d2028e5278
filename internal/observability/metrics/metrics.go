// Package metrics exposes the Prometheus collectors the mediator publishes
// on /metrics: cycle throughput, negotiation cost, circuit-breaker state,
// and reputation weight.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Mediator bundles every collector the engine updates.
type Mediator struct {
	cyclesTotal       *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	candidatesFound   prometheus.Counter
	settlementsTotal  *prometheus.CounterVec
	negotiationTokens prometheus.Counter
	negotiationLatency prometheus.Histogram
	circuitState      *prometheus.GaugeVec
	reputationWeight  prometheus.Gauge
	challengesTotal   *prometheus.CounterVec
	ingestErrors      prometheus.Counter
}

var (
	once     sync.Once
	registry *Mediator
)

// Registry returns the lazily-initialised, process-wide metrics registry.
func Registry() *Mediator {
	once.Do(func() {
		registry = &Mediator{
			cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mediator",
				Subsystem: "orchestrator",
				Name:      "cycles_total",
				Help:      "Count of alignment cycles segmented by outcome.",
			}, []string{"outcome"}),
			cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "mediator",
				Subsystem: "orchestrator",
				Name:      "cycle_duration_seconds",
				Help:      "Latency distribution of full alignment cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
			candidatesFound: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "mediator",
				Subsystem: "orchestrator",
				Name:      "candidates_found_total",
				Help:      "Count of alignment candidates produced by the vector index.",
			}),
			settlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mediator",
				Subsystem: "settlement",
				Name:      "submitted_total",
				Help:      "Count of settlements submitted segmented by outcome.",
			}, []string{"outcome"}),
			negotiationTokens: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "mediator",
				Subsystem: "negotiation",
				Name:      "tokens_total",
				Help:      "Cumulative LLM tokens spent on negotiation and verification calls.",
			}),
			negotiationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "mediator",
				Subsystem: "negotiation",
				Name:      "latency_seconds",
				Help:      "Latency distribution of negotiation LLM calls.",
				Buckets:   prometheus.DefBuckets,
			}),
			circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "mediator",
				Subsystem: "chain_adapter",
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed,1=open,2=half_open) per adapter.",
			}, []string{"adapter"}),
			reputationWeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "mediator",
				Subsystem: "reputation",
				Name:      "weight",
				Help:      "Current reputation weight of this mediator.",
			}),
			challengesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mediator",
				Subsystem: "challenge",
				Name:      "submitted_total",
				Help:      "Count of challenges submitted against foreign settlements.",
			}, []string{"outcome"}),
			ingestErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "mediator",
				Subsystem: "ingest",
				Name:      "errors_total",
				Help:      "Count of ingest ticks that failed to refresh the intent cache.",
			}),
		}
		prometheus.MustRegister(
			registry.cyclesTotal,
			registry.cycleDuration,
			registry.candidatesFound,
			registry.settlementsTotal,
			registry.negotiationTokens,
			registry.negotiationLatency,
			registry.circuitState,
			registry.reputationWeight,
			registry.challengesTotal,
			registry.ingestErrors,
		)
	})
	return registry
}

// ObserveCycle records a completed alignment cycle.
func (m *Mediator) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(normalize(outcome)).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// RecordCandidates adds n to the candidates-found counter.
func (m *Mediator) RecordCandidates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.candidatesFound.Add(float64(n))
}

// RecordSettlement increments the settlement counter for outcome.
func (m *Mediator) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlementsTotal.WithLabelValues(normalize(outcome)).Inc()
}

// ObserveNegotiation records the token cost and latency of a negotiation call.
func (m *Mediator) ObserveNegotiation(tokens int, d time.Duration) {
	if m == nil {
		return
	}
	if tokens > 0 {
		m.negotiationTokens.Add(float64(tokens))
	}
	m.negotiationLatency.Observe(d.Seconds())
}

// SetCircuitState records the breaker state (0 closed, 1 open, 2 half-open).
func (m *Mediator) SetCircuitState(adapter string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(normalize(adapter)).Set(float64(state))
}

// SetReputationWeight records the current reputation weight.
func (m *Mediator) SetReputationWeight(weight float64) {
	if m == nil {
		return
	}
	m.reputationWeight.Set(weight)
}

// RecordChallenge increments the challenge counter for outcome.
func (m *Mediator) RecordChallenge(outcome string) {
	if m == nil {
		return
	}
	m.challengesTotal.WithLabelValues(normalize(outcome)).Inc()
}

// RecordIngestError increments the ingest-error counter.
func (m *Mediator) RecordIngestError() {
	if m == nil {
		return
	}
	m.ingestErrors.Inc()
}

func normalize(label string) string {
	if trimmed := strings.TrimSpace(label); trimmed != "" {
		return strings.ToLower(trimmed)
	}
	return "unspecified"
}
