// Package mbusprom provides a Prometheus-backed implementation of
// mbus.Metrics for the Modbus TCP client engine.
package mbusprom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/go-mbus/mbus"
)

// Metrics implements mbus.Metrics on Prometheus counters and a round-trip
// latency histogram. All collectors live under the "mbus_client" namespace
// and carry the instance label when one is given.
type Metrics struct {
	submitted     prometheus.Counter
	completed     prometheus.Counter
	late          prometheus.Counter
	timeouts      prometheus.Counter
	acquireFailed prometheus.Counter
	roundTrip     prometheus.Histogram
}

var _ mbus.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them with reg. The instance label
// namespaces the collectors when one process drives several clients; pass ""
// for none.
func New(reg prometheus.Registerer, instance string) *Metrics {
	var constLabels prometheus.Labels
	if instance != "" {
		constLabels = prometheus.Labels{"instance": instance}
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mbus",
			Subsystem:   "client",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	m := &Metrics{
		submitted:     counter("requests_submitted_total", "Requests accepted by Submit."),
		completed:     counter("requests_completed_total", "Requests resolved by a matching response."),
		late:          counter("responses_late_total", "Responses whose transaction was already resolved."),
		timeouts:      counter("requests_timeout_total", "Requests resolved by expiry of the reply timeout."),
		acquireFailed: counter("requests_acquire_failed_total", "Requests failed by a connection acquisition error."),
		roundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "mbus",
			Subsystem:   "client",
			Name:        "round_trip_seconds",
			Help:        "Submit-to-response latency of completed requests.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.submitted, m.completed, m.late, m.timeouts, m.acquireFailed, m.roundTrip)
	}

	return m
}

func (m *Metrics) IncSubmitted() {
	m.submitted.Inc()
}

func (m *Metrics) IncCompleted() {
	m.completed.Inc()
}

func (m *Metrics) IncLate() {
	m.late.Inc()
}

func (m *Metrics) IncTimeout() {
	m.timeouts.Inc()
}

func (m *Metrics) IncAcquireFailed() {
	m.acquireFailed.Inc()
}

func (m *Metrics) ObserveRoundTrip(d time.Duration) {
	m.roundTrip.Observe(d.Seconds())
}
