package packet

import (
	"fmt"
	"io"
)

// FixedHeader is the leading byte pair every MQTT control packet starts with.
//
//	Bit    | 7 6 5 4                  | 3 2 1 0
//	byte 1 | MQTT Control Packet type | type-specific flags
//	byte 2…| Remaining Length (variable byte integer)
type FixedHeader struct {
	// Version is not on the wire here; it is threaded through so packets can
	// pick the 3.1.1 or 5.0 layout without a second argument everywhere.
	Version byte

	// Kind is the control packet type from bits 7-4 of byte 1.
	Kind byte `json:"Kind,omitempty"`

	// Dup, bit 3: the packet is a re-delivery attempt.
	Dup uint8 `json:"Dup,omitempty"`

	// QoS, bits 2-1.
	QoS uint8 `json:"QoS,omitempty"`

	// Retain, bit 0.
	Retain uint8 `json:"Retain,omitempty"`

	// RemainingLength counts every byte after itself.
	RemainingLength uint32 `json:"RemainingLength,omitempty"`
}

func (pkt *FixedHeader) String() string {
	return fmt.Sprintf("%s: Len=%d", Kind[pkt.Kind], pkt.RemainingLength)
}

func (pkt *FixedHeader) Pack(w io.Writer) error {
	b := make([]byte, 1)
	b[0] |= pkt.Kind << 4
	b[0] |= pkt.Dup << 3
	b[0] |= pkt.QoS << 1
	b[0] |= pkt.Retain
	enc, err := encodeLength(pkt.RemainingLength)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, enc...))
	return err
}

func (pkt *FixedHeader) Unpack(r io.Reader) error {
	b := []uint8{0x00}
	if _, err := io.ReadFull(r, b); err != nil {
		return err
	}

	pkt.Kind = b[0] >> 4
	pkt.Dup = b[0] & 0b00001000 >> 3
	pkt.QoS = b[0] & 0b00000110 >> 1
	pkt.Retain = b[0] & 0b00000001

	// Reserved flag bits carry fixed values [MQTT-2.2.2-1]; a receiver that
	// sees anything else must treat the packet as malformed [MQTT-2.2.2-2].
	switch pkt.Kind {
	case 0x3:
		if pkt.QoS > 2 {
			return ErrQoSOutOfRange
		}
	case 0x6, 0x8, 0xA:
		if pkt.Dup != 0 || pkt.QoS != 1 || pkt.Retain != 0 {
			return ErrMalformedFlags
		}
	default:
		if pkt.Dup != 0 || pkt.QoS != 0 || pkt.Retain != 0 {
			return ErrMalformedFlags
		}
	}

	var err error
	pkt.RemainingLength, err = decodeLength(r)
	return err
}
