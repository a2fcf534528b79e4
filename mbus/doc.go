// Package mbus provides the shared building blocks for a Modbus TCP/IP client
// according to the Modbus Messaging on TCP/IP Implementation Guide v1.0b.
//
// This package offers functionalities for encoding/decoding the MBAP (Modbus
// Application Protocol) envelope that frames every protocol data unit on the
// wire, and defines the narrow interfaces the client engine consumes from its
// collaborators.
//
// Envelope Framing:
// Every request and response on a Modbus TCP connection is prefixed with a
// 7-byte MBAP header carrying the transaction identifier that matches a
// response back to its request:
//   - Transaction identifier (2 bytes): per-request correlation token.
//   - Protocol identifier (2 bytes): always 0 for Modbus.
//   - Length (2 bytes): byte count of unit identifier plus PDU.
//   - Unit identifier (1 byte): remote unit/slave selector.
//
// The PDU itself (function code and data) is treated as opaque here; register
// models and function-code semantics belong to higher layers.
//
// Collaborator Interfaces:
// The client engine in package mbtcp coordinates three external collaborators,
// each consumed through an interface defined in this package:
//   - ConnProvider: yields a writable connection, synchronously or through a
//     pending handle, and drives the inbound delivery callback.
//   - TimerService: arms cancellable expiry timers for per-request timeouts.
//   - Metrics: monotonic counters and a round-trip duration recorder.
package mbus
