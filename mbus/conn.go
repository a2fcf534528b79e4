package mbus

// Conn is a writable endpoint for outbound envelopes.
//
// Write is fire-and-forget: a nil return means the envelope was accepted for
// transmission, not that it reached the remote unit. Transmission failures
// surface through the connection being torn down, after which the affected
// requests resolve by timeout.
type Conn interface {
	Write(env *Envelope) error
}

// DialResult is delivered on the pending handle returned by
// ConnProvider.Acquire once an in-flight connection attempt settles.
// Exactly one of Conn and Err is set.
type DialResult struct {
	Conn Conn
	Err  error
}

// DeliveryFunc is invoked by a connection provider's read path once per
// decoded inbound envelope.
type DeliveryFunc func(env *InboundEnvelope)

// ConnProvider supplies a writable, readable network endpoint, possibly
// asynchronously. Connection lifecycle (dialing, reconnecting) is entirely
// the provider's concern.
type ConnProvider interface {
	// Acquire returns an established connection when one is available.
	// When conn is nil, pending delivers exactly one DialResult once the
	// in-flight connection attempt settles. Acquire never blocks.
	Acquire() (conn Conn, pending <-chan DialResult)

	// OnDelivery registers the callback that receives every decoded inbound
	// envelope. It must be called before the first Acquire.
	OnDelivery(fn DeliveryFunc)

	// Release tears down the connection and fails any in-flight acquisition.
	Release()
}
