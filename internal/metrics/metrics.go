package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/replikv/sinkrepl/internal/domain"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	FetchOutcomes *prometheus.CounterVec
	ReplLatency   *prometheus.HistogramVec
	PeerDelay     *prometheus.GaugeVec
	BacklogDepth  *prometheus.GaugeVec
	InFlightItems *prometheus.GaugeVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_fetch_outcomes_total",
			Help: "Completed fetch/apply attempts by queue and outcome kind.",
		}, []string{"queue", "outcome"}),

		ReplLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sink_replication_seconds",
			Help:    "Remote fetch latency for delivered objects and tombstones.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),

		PeerDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sink_peer_delay_ms",
			Help: "Current adaptive pacing delay per peer, in milliseconds.",
		}, []string{"queue", "peer"}),

		BacklogDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sink_backlog_depth",
			Help: "Work items currently staged in the queue's backlog.",
		}, []string{"queue"}),

		InFlightItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sink_in_flight_items",
			Help: "Work items dispatched to fetch workers and awaiting requeue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		m.FetchOutcomes,
		m.ReplLatency,
		m.PeerDelay,
		m.BacklogDepth,
		m.InFlightItems,
	)

	return m
}

// CoordinatorHooks returns the metric callback functions expected by
// sink.Hooks. Centralises the prometheus observation calls so the
// coordinator stays metrics-agnostic.
func (m *Metrics) CoordinatorHooks() (
	onOutcome func(queue string, o domain.Outcome),
	onDelay func(queue string, peerID int, delayMs int64),
	onDepth func(queue string, backlog, inFlight int),
	onQueueGone func(queue string),
) {
	onOutcome = func(queue string, o domain.Outcome) {
		m.FetchOutcomes.WithLabelValues(queue, string(o.Kind)).Inc()
		if o.Delivered() {
			m.ReplLatency.WithLabelValues(queue).
				Observe((time.Duration(o.FetchElapsedMs) * time.Millisecond).Seconds())
		}
	}
	onDelay = func(queue string, peerID int, delayMs int64) {
		m.PeerDelay.WithLabelValues(queue, strconv.Itoa(peerID)).Set(float64(delayMs))
	}
	onDepth = func(queue string, backlog, inFlight int) {
		m.BacklogDepth.WithLabelValues(queue).Set(float64(backlog))
		m.InFlightItems.WithLabelValues(queue).Set(float64(inFlight))
	}
	onQueueGone = func(queue string) {
		m.FetchOutcomes.DeletePartialMatch(prometheus.Labels{"queue": queue})
		m.ReplLatency.DeletePartialMatch(prometheus.Labels{"queue": queue})
		m.PeerDelay.DeletePartialMatch(prometheus.Labels{"queue": queue})
		m.BacklogDepth.DeletePartialMatch(prometheus.Labels{"queue": queue})
		m.InFlightItems.DeletePartialMatch(prometheus.Labels{"queue": queue})
	}
	return
}
