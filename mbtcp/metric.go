package mbtcp

import (
	"sync/atomic"
	"time"

	"github.com/arloliu/go-mbus/mbus"
)

// ClientMetrics is an atomic, allocation-free implementation of mbus.Metrics.
// The exported fields can be used as the value of a prometheus CounterFunc or
// GaugeFunc; for a ready-made prometheus sink see package mbusprom.
type ClientMetrics struct {
	// SubmittedCount indicates the number of requests accepted by Submit.
	SubmittedCount atomic.Uint64
	// CompletedCount indicates the number of requests resolved by a response.
	CompletedCount atomic.Uint64
	// LateCount indicates the number of late or unsolicited responses.
	LateCount atomic.Uint64
	// TimeoutCount indicates the number of requests resolved by timeout.
	TimeoutCount atomic.Uint64
	// AcquireFailedCount indicates the number of requests failed by a
	// connection acquisition error.
	AcquireFailedCount atomic.Uint64
	// RoundTripTotal indicates the accumulated submit-to-response latency of
	// completed requests, in nanoseconds.
	RoundTripTotal atomic.Int64
}

var _ mbus.Metrics = (*ClientMetrics)(nil)

func (m *ClientMetrics) IncSubmitted() {
	m.SubmittedCount.Add(1)
}

func (m *ClientMetrics) IncCompleted() {
	m.CompletedCount.Add(1)
}

func (m *ClientMetrics) IncLate() {
	m.LateCount.Add(1)
}

func (m *ClientMetrics) IncTimeout() {
	m.TimeoutCount.Add(1)
}

func (m *ClientMetrics) IncAcquireFailed() {
	m.AcquireFailedCount.Add(1)
}

func (m *ClientMetrics) ObserveRoundTrip(d time.Duration) {
	m.RoundTripTotal.Add(int64(d))
}
