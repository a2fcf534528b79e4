package mbus

import (
	"encoding/binary"
	"fmt"
)

const (
	// MBAPHeaderSize is the size in bytes of the MBAP header that prefixes
	// every Modbus TCP message: transaction ID (2), protocol ID (2),
	// length (2), unit ID (1).
	MBAPHeaderSize = 7

	// protocolID is the protocol identifier field of the MBAP header.
	// It is always 0 for Modbus.
	protocolID = 0
)

// Envelope pairs a transaction identifier, a unit selector, and a request PDU.
// It is what is actually written to the connection.
type Envelope struct {
	TransactionID uint16
	UnitID        byte
	PDU           PDU
}

// ToBytes serializes the envelope into MBAP wire format.
func (e *Envelope) ToBytes() []byte {
	pduSize := e.PDU.Size()

	buf := make([]byte, MBAPHeaderSize+pduSize)
	binary.BigEndian.PutUint16(buf[0:2], e.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], protocolID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(pduSize+1)) // length counts unit ID + PDU
	buf[6] = e.UnitID
	buf[7] = e.PDU.FuncCode
	copy(buf[8:], e.PDU.Data)

	return buf
}

// InboundEnvelope pairs a transaction identifier with a decoded response PDU,
// delivered by the connection provider's read path.
type InboundEnvelope struct {
	TransactionID uint16
	UnitID        byte
	PDU           PDU
}

// MBAPHeader holds the decoded fields of a 7-byte MBAP header.
type MBAPHeader struct {
	TransactionID uint16
	Length        uint16
	UnitID        byte
}

// PDUSize returns the byte count of the PDU that follows the header.
func (h *MBAPHeader) PDUSize() int {
	return int(h.Length) - 1
}

// ParseMBAPHeader decodes and validates a 7-byte MBAP header.
//
// The length field counts the unit identifier byte plus the PDU, so a valid
// header carries a length in the range [2, MaxPDUSize+1].
func ParseMBAPHeader(hdr []byte) (MBAPHeader, error) {
	if len(hdr) != MBAPHeaderSize {
		return MBAPHeader{}, fmt.Errorf("mbus: MBAP header is %d bytes, expected %d", len(hdr), MBAPHeaderSize)
	}

	if proto := binary.BigEndian.Uint16(hdr[2:4]); proto != protocolID {
		return MBAPHeader{}, fmt.Errorf("mbus: unexpected protocol identifier %d: %w", proto, ErrInvalidProtocolID)
	}

	length := binary.BigEndian.Uint16(hdr[4:6])
	if length < 2 || length > MaxPDUSize+1 {
		return MBAPHeader{}, fmt.Errorf("mbus: MBAP length %d out of range [2, %d]", length, MaxPDUSize+1)
	}

	return MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(hdr[0:2]),
		Length:        length,
		UnitID:        hdr[6],
	}, nil
}
