package mbus

// MaxPDUSize is the maximum size in bytes of a Modbus protocol data unit,
// one function code byte plus up to 252 data bytes.
const MaxPDUSize = 253

// PDU represents one Modbus protocol data unit: a function code followed by
// function-specific data. The client engine treats the data as opaque bytes;
// it never inspects function-code semantics.
type PDU struct {
	FuncCode byte
	Data     []byte
}

// NewPDU creates a PDU with the given function code and data bytes.
func NewPDU(funcCode byte, data []byte) *PDU {
	return &PDU{FuncCode: funcCode, Data: data}
}

// Size returns the encoded size of the PDU in bytes.
func (p *PDU) Size() int {
	return 1 + len(p.Data)
}

// Valid reports whether the PDU fits the protocol size limit.
func (p *PDU) Valid() bool {
	return p.Size() <= MaxPDUSize
}

// DecodePDU decodes a PDU from buf. The buffer must contain at least the
// function code byte. The returned PDU references a copy of buf, so the
// caller may reuse buf afterwards.
func DecodePDU(buf []byte) (PDU, error) {
	if len(buf) == 0 {
		return PDU{}, ErrEmptyPDU
	}

	if len(buf) > MaxPDUSize {
		return PDU{}, ErrPDUTooLarge
	}

	data := make([]byte, len(buf)-1)
	copy(data, buf[1:])

	return PDU{FuncCode: buf[0], Data: data}, nil
}
