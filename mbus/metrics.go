package mbus

import "time"

// Metrics is the sink for the client engine's counters and round-trip
// latency. Implementations must be safe for concurrent use.
//
// A client always has a sink; NopMetrics is the default when none is
// configured.
type Metrics interface {
	// IncSubmitted counts requests accepted by Submit.
	IncSubmitted()
	// IncCompleted counts requests resolved by a matching response.
	IncCompleted()
	// IncLate counts responses whose transaction was already resolved.
	IncLate()
	// IncTimeout counts requests resolved by expiry of the reply timeout.
	IncTimeout()
	// IncAcquireFailed counts requests failed by a connection acquisition error.
	IncAcquireFailed()
	// ObserveRoundTrip records the submit-to-response latency of a completed request.
	ObserveRoundTrip(d time.Duration)
}

// NopMetrics returns a Metrics implementation that discards everything.
func NopMetrics() Metrics {
	return nopMetrics{}
}

type nopMetrics struct{}

func (nopMetrics) IncSubmitted()                    {}
func (nopMetrics) IncCompleted()                    {}
func (nopMetrics) IncLate()                         {}
func (nopMetrics) IncTimeout()                      {}
func (nopMetrics) IncAcquireFailed()                {}
func (nopMetrics) ObserveRoundTrip(_ time.Duration) {}
