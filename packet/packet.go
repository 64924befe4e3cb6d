// Package packet implements the MQTT 3.1, 3.1.1 and 5.0 control packet
// codec. Each control type lives in its own file named after its type byte.
package packet

import (
	"bytes"
	"fmt"
	"io"
)

// Packet is one MQTT control packet in either direction.
//
// Pack writes fixed header, variable header, properties (5.0) and payload.
// Unpack parses everything after the fixed header from a buffer that holds
// exactly RemainingLength bytes; the fixed header has been parsed already
// and is embedded in the packet.
type Packet interface {
	// Kind returns the control packet type from bits 7-4 of byte 1.
	Kind() byte

	Unpack(*bytes.Buffer) error

	Pack(io.Writer) error
}

// Unpack reads exactly one control packet from r. version selects the 3.1.1
// or 5.0 layout for every type except CONNECT, which announces its own
// version. maxPacketSize bounds RemainingLength; 0 means the protocol
// maximum.
func Unpack(version byte, r io.Reader, maxPacketSize uint32) (Packet, error) {
	fixed := &FixedHeader{Version: version}
	if err := fixed.Unpack(r); err != nil {
		return &RESERVED{FixedHeader: fixed}, err
	}
	if maxPacketSize != 0 && fixed.RemainingLength > maxPacketSize {
		return &RESERVED{FixedHeader: fixed}, ErrPacketTooLarge
	}

	buf := GetBuffer()
	defer PutBuffer(buf)
	if _, err := buf.ReadFrom(io.LimitReader(r, int64(fixed.RemainingLength))); err != nil {
		return &RESERVED{FixedHeader: fixed}, err
	}
	if uint32(buf.Len()) != fixed.RemainingLength {
		return &RESERVED{FixedHeader: fixed}, io.ErrUnexpectedEOF
	}

	var pkt Packet
	switch fixed.Kind {
	case 0x1:
		pkt = &CONNECT{FixedHeader: fixed}
	case 0x2:
		pkt = &CONNACK{FixedHeader: fixed}
	case 0x3:
		pkt = &PUBLISH{FixedHeader: fixed}
	case 0x4:
		pkt = &PUBACK{FixedHeader: fixed}
	case 0x5:
		pkt = &PUBREC{FixedHeader: fixed}
	case 0x6:
		pkt = &PUBREL{FixedHeader: fixed}
	case 0x7:
		pkt = &PUBCOMP{FixedHeader: fixed}
	case 0x8:
		pkt = &SUBSCRIBE{FixedHeader: fixed}
	case 0x9:
		pkt = &SUBACK{FixedHeader: fixed}
	case 0xA:
		pkt = &UNSUBSCRIBE{FixedHeader: fixed}
	case 0xB:
		pkt = &UNSUBACK{FixedHeader: fixed}
	case 0xC:
		pkt = &PINGREQ{FixedHeader: fixed}
	case 0xD:
		pkt = &PINGRESP{FixedHeader: fixed}
	case 0xE:
		pkt = &DISCONNECT{FixedHeader: fixed}
	case 0xF:
		pkt = &AUTH{FixedHeader: fixed}
	default:
		return &RESERVED{FixedHeader: fixed}, ErrMalformedPacket
	}
	if err := pkt.Unpack(buf); err != nil {
		return pkt, fmt.Errorf("unpack %s: %w", Kind[fixed.Kind], err)
	}
	return pkt, nil
}
