package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PUBACK completes a QoS 1 exchange (3.4).
type PUBACK struct {
	*FixedHeader

	PacketID   uint16
	ReasonCode ReasonCode
	Props      *AckProperties
}

func (pkt *PUBACK) Kind() byte {
	return 0x4
}

func (pkt *PUBACK) Pack(w io.Writer) error {
	return packAck(pkt.FixedHeader, pkt.PacketID, pkt.ReasonCode, pkt.Props, w)
}

func (pkt *PUBACK) Unpack(buf *bytes.Buffer) error {
	var err error
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = unpackAck(pkt.FixedHeader, buf)
	return err
}

// AckProperties is the property block shared by PUBACK, PUBREC, PUBREL and
// PUBCOMP (3.4.2.2).
type AckProperties struct {
	ReasonString   string
	UserProperties UserProperties
}

func (props *AckProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if props.ReasonString != "" {
		buf.WriteByte(propReasonString)
		buf.Write(encodeUTF8(props.ReasonString))
	}
	props.UserProperties.pack(buf)
	return bytes.Clone(buf.Bytes()), nil
}

func (props *AckProperties) Unpack(buf *bytes.Buffer) error {
	pb, err := readProps(buf)
	if err != nil {
		return err
	}
	for pb.Len() > 0 {
		propsID, err := decodeLength(pb)
		if err != nil {
			return err
		}
		switch propsID {
		case propReasonString:
			props.ReasonString = decodeUTF8[string](pb)
		case propUserProperty:
			props.UserProperties.unpack(pb)
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}

// packAck writes the common QoS ack layout: packet id, then for v5 a reason
// code and properties. A v5 ack with success and no properties keeps the
// short two-byte form (3.4.2.1).
func packAck(fixed *FixedHeader, packetID uint16, reason ReasonCode, props *AckProperties, w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(packetID))
	if fixed.Version == VERSION500 {
		var b []byte
		if props != nil {
			packed, err := props.Pack()
			if err != nil {
				return err
			}
			b = packed
		}
		if reason.Code != 0 || len(b) != 0 {
			buf.WriteByte(reason.Code)
			if err := writeProps(buf, b); err != nil {
				return err
			}
		}
	}

	fixed.RemainingLength = uint32(buf.Len())
	if err := fixed.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func unpackAck(fixed *FixedHeader, buf *bytes.Buffer) (uint16, ReasonCode, *AckProperties, error) {
	packetID := binary.BigEndian.Uint16(buf.Next(2))
	if fixed.Version != VERSION500 || fixed.RemainingLength == 2 {
		return packetID, Success, nil, nil
	}
	reason := ReasonCode{Code: buf.Next(1)[0]}
	props := &AckProperties{}
	if buf.Len() == 0 {
		return packetID, reason, props, nil
	}
	return packetID, reason, props, props.Unpack(buf)
}
