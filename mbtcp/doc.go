// Package mbtcp provides a Modbus TCP/IP client engine that correlates
// concurrent in-flight requests with their responses over one long-lived
// connection.
//
// Each submitted request is assigned a transaction identifier from a wrapping
// 16-bit counter and tracked in a concurrent transaction table until exactly
// one of two independent events resolves it: the arrival of a response
// carrying the same identifier, or the expiry of the per-request reply
// timeout. The table's atomic remove is the sole arbiter of that race; the
// losing side is a guaranteed no-op.
//
// Submit returns immediately with a PendingResponse the caller can await.
// A caller eventually observes success with a response PDU, or failure with
// one of: connection acquisition error, reply timeout, or client closed.
// It never waits forever and never observes more than one resolution.
//
// Capacity: transaction identifiers wrap modulo 65536, so one client supports
// at most 65536 simultaneously open transactions. Identifier reuse after
// wraparound is safe as long as the open-transaction count stays below that
// limit.
package mbtcp
