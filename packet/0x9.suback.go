package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// SUBACK answers a SUBSCRIBE with one reason code per filter, in order
// (3.9). For 3.1.1 the codes are the granted-QoS octets (or 0x80).
type SUBACK struct {
	*FixedHeader

	PacketID uint16

	Props *SubackProperties

	ReasonCodes []ReasonCode
}

func (pkt *SUBACK) Kind() byte {
	return 0x9
}

func (pkt *SUBACK) Pack(w io.Writer) error {
	if len(pkt.ReasonCodes) == 0 {
		return ErrMalformedReasonCode
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &SubackProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		if err := writeProps(buf, b); err != nil {
			return err
		}
	}
	for _, reason := range pkt.ReasonCodes {
		buf.WriteByte(reason.Code)
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SUBACK) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.Version == VERSION500 {
		pkt.Props = &SubackProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	for buf.Len() != 0 {
		code := buf.Next(1)[0]
		if code > 0x02 && code < 0x80 {
			return ErrMalformedReasonCode
		}
		pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode{Code: code})
	}
	if len(pkt.ReasonCodes) == 0 {
		return ErrMalformedReasonCode
	}
	return nil
}

type SubackProperties struct {
	ReasonString   string
	UserProperties UserProperties
}

func (props *SubackProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if props.ReasonString != "" {
		buf.WriteByte(propReasonString)
		buf.Write(encodeUTF8(props.ReasonString))
	}
	props.UserProperties.pack(buf)
	return bytes.Clone(buf.Bytes()), nil
}

func (props *SubackProperties) Unpack(buf *bytes.Buffer) error {
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
