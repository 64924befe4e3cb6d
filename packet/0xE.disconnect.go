package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DISCONNECT is the final packet on a connection (3.14). In 3.1.1 only the
// client sends it and it is empty; v5 adds a reason code and properties in
// both directions.
type DISCONNECT struct {
	*FixedHeader

	ReasonCode ReasonCode

	Props *DisconnectProperties
}

func (pkt *DISCONNECT) Kind() byte {
	return 0xE
}

func (pkt *DISCONNECT) String() string {
	return fmt.Sprintf("[0xE]DISCONNECT: Code=0x%02X", pkt.ReasonCode.Code)
}

func (pkt *DISCONNECT) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.Version == VERSION500 {
		buf.WriteByte(pkt.ReasonCode.Code)
		if pkt.Props == nil {
			pkt.Props = &DisconnectProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		if err := writeProps(buf, b); err != nil {
			return err
		}
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *DISCONNECT) Unpack(buf *bytes.Buffer) error {
	if pkt.RemainingLength == 0 {
		pkt.ReasonCode = Success
		return nil
	}
	pkt.ReasonCode = ReasonCode{Code: buf.Next(1)[0]}
	if pkt.Version == VERSION500 && buf.Len() > 0 {
		pkt.Props = &DisconnectProperties{}
		return pkt.Props.Unpack(buf)
	}
	return nil
}

type DisconnectProperties struct {
	SessionExpiryInterval uint32
	ReasonString          string
	UserProperties        UserProperties
	ServerReference       string
}

func (props *DisconnectProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if props.SessionExpiryInterval != 0 {
		buf.WriteByte(propSessionExpiryInterval)
		buf.Write(i4b(props.SessionExpiryInterval))
	}
	if props.ReasonString != "" {
		buf.WriteByte(propReasonString)
		buf.Write(encodeUTF8(props.ReasonString))
	}
	props.UserProperties.pack(buf)
	if props.ServerReference != "" {
		buf.WriteByte(propServerReference)
		buf.Write(encodeUTF8(props.ServerReference))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *DisconnectProperties) Unpack(buf *bytes.Buffer) error {
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
		case propSessionExpiryInterval:
			if props.SessionExpiryInterval != 0 {
				return ErrProtocolError
			}
			props.SessionExpiryInterval = binary.BigEndian.Uint32(pb.Next(4))
		case propReasonString:
			props.ReasonString = decodeUTF8[string](pb)
		case propUserProperty:
			props.UserProperties.unpack(pb)
		case propServerReference:
			props.ServerReference = decodeUTF8[string](pb)
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}
