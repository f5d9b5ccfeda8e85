package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Utterance metrics
	activeUtterances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_broadcast_active_utterances",
		Help: "Number of utterances currently in flight",
	})

	utterancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_broadcast_utterances_total",
		Help: "Total utterances by terminal state",
	}, []string{"state"}) // completed, cancelled, failed

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_broadcast_state_transitions_total",
		Help: "Utterance state machine transitions",
	}, []string{"from", "to"})

	// Timeline metrics
	slotsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_broadcast_timeline_slots_total",
		Help: "Total timeline slots emitted",
	})

	underrunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_broadcast_underruns_total",
		Help: "Total ticks emitted with freeze-frame or silence substitution",
	})

	consecutiveUnderruns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_broadcast_consecutive_underruns",
		Help: "Current run of consecutive underrun ticks",
	})

	preemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_broadcast_preemptions_total",
		Help: "Total interrupt-priority preemptions",
	})

	// Sink metrics
	sinkDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_broadcast_sink_drops_total",
		Help: "Timeline slots dropped because the sink lagged",
	})

	sinkBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_broadcast_sink_buffer_depth",
		Help: "Slots currently buffered ahead of the sink",
	})

	// Engine metrics
	engineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_broadcast_engine_requests_total",
		Help: "Engine calls by engine, stage, and status",
	}, []string{"engine", "stage", "status"})

	engineLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "avatar_broadcast_engine_latency_seconds",
		Help:    "Engine call latency by engine and stage",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"engine", "stage"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avatar_broadcast_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"engine"})
)

// RecordUtteranceStart marks an utterance entering the pipeline.
func RecordUtteranceStart() {
	activeUtterances.Inc()
}

// RecordUtteranceEnd marks an utterance reaching a terminal state.
func RecordUtteranceEnd(state string) {
	activeUtterances.Dec()
	utterancesTotal.WithLabelValues(state).Inc()
}

// RecordStateTransition counts one state machine transition.
func RecordStateTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordSlotEmitted counts one assembled timeline slot.
func RecordSlotEmitted() {
	slotsEmitted.Inc()
}

// RecordUnderrun records an underrun tick and the current run length.
func RecordUnderrun(consecutive int) {
	underrunsTotal.Inc()
	consecutiveUnderruns.Set(float64(consecutive))
}

// RecordUnderrunRecovered clears the consecutive underrun gauge.
func RecordUnderrunRecovered() {
	consecutiveUnderruns.Set(0)
}

// RecordPreemption counts one interrupt preemption.
func RecordPreemption() {
	preemptionsTotal.Inc()
}

// RecordSinkDrop counts slots aged out of the sink buffer.
func RecordSinkDrop(n int) {
	sinkDropsTotal.Add(float64(n))
}

// RecordSinkBufferDepth reports the writer's current buffer depth.
func RecordSinkBufferDepth(depth int) {
	sinkBufferDepth.Set(float64(depth))
}

// RecordEngineCall records one engine call's latency and outcome.
func RecordEngineCall(engine, stage string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	engineRequests.WithLabelValues(engine, stage, status).Inc()
	engineLatency.WithLabelValues(engine, stage).Observe(d.Seconds())
}

// SetCircuitBreakerState updates the breaker gauge for an engine.
func SetCircuitBreakerState(engine string, state int) {
	circuitBreakerState.WithLabelValues(engine).Set(float64(state))
}
