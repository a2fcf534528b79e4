package mbus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyPDU indicates that a PDU was decoded from an empty buffer.
	// A valid PDU carries at least the function code byte.
	ErrEmptyPDU = errors.New("mbus: empty PDU")

	// ErrPDUTooLarge indicates that a PDU exceeds MaxPDUSize.
	ErrPDUTooLarge = errors.New("mbus: PDU exceeds maximum size")

	// ErrInvalidProtocolID indicates that the MBAP protocol identifier is not 0.
	ErrInvalidProtocolID = errors.New("mbus: invalid MBAP protocol identifier")
)

var (
	// ErrClientConfigNil indicates that a nil ClientConfig was provided.
	ErrClientConfigNil = errors.New("mbus: client config is nil")

	// ErrClosed indicates that the client has been shut down. Every request
	// still pending at shutdown time is failed with this error.
	ErrClosed = errors.New("mbus: client closed")

	// ErrTimeout is the failure kind matched by errors.Is for reply timeouts.
	// The error actually delivered to callers is a *TimeoutError carrying the
	// configured timeout duration.
	ErrTimeout = errors.New("mbus: reply timeout")

	// ErrAcquire is the failure kind matched by errors.Is when a connection
	// could not be established for a request. The error delivered to callers
	// is an *AcquireError wrapping the dial cause.
	ErrAcquire = errors.New("mbus: connection acquisition failed")

	// ErrWriteTimeout indicates that an envelope could not be queued to the
	// sender within the configured write timeout.
	ErrWriteTimeout = errors.New("mbus: write timeout")

	// ErrDuplicateTransactionID indicates that a freshly allocated transaction
	// identifier is already open. This only happens when more than 65536
	// transactions are open simultaneously, which is outside the supported
	// capacity of one client instance.
	ErrDuplicateTransactionID = errors.New("mbus: duplicate transaction identifier")
)

// TimeoutError is delivered to a caller whose request received no response
// within the configured timeout. It carries the timeout duration for
// diagnostics and matches errors.Is(err, ErrTimeout).
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mbus: no reply within %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// AcquireError is delivered to a caller whose request could not be written
// because the connection attempt failed. It wraps the dial cause and matches
// errors.Is(err, ErrAcquire).
type AcquireError struct {
	Err error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("mbus: connection acquisition failed: %v", e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

func (e *AcquireError) Is(target error) bool {
	return target == ErrAcquire
}
