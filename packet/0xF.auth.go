package packet

import (
	"bytes"
	"io"
)

// AUTH drives the v5 enhanced authentication exchange (3.15). 3.1.1 treats
// control type 0xF as forbidden; the dispatcher never produces it there.
type AUTH struct {
	*FixedHeader

	ReasonCode ReasonCode

	Props *AuthProperties
}

func (pkt *AUTH) Kind() byte {
	return 0xF
}

func (pkt *AUTH) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(pkt.ReasonCode.Code)
	if pkt.Props == nil {
		pkt.Props = &AuthProperties{}
	}
	b, err := pkt.Props.Pack()
	if err != nil {
		return err
	}
	if err := writeProps(buf, b); err != nil {
		return err
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err = buf.WriteTo(w)
	return err
}

func (pkt *AUTH) Unpack(buf *bytes.Buffer) error {
	if pkt.Version != VERSION500 {
		return ErrProtocolError
	}
	if pkt.RemainingLength == 0 {
		pkt.ReasonCode = Success
		return nil
	}
	pkt.ReasonCode = ReasonCode{Code: buf.Next(1)[0]}
	pkt.Props = &AuthProperties{}
	if buf.Len() == 0 {
		return nil
	}
	return pkt.Props.Unpack(buf)
}

type AuthProperties struct {
	AuthenticationMethod string
	AuthenticationData   []byte
	ReasonString         string
	UserProperties       UserProperties
}

func (props *AuthProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if props.AuthenticationMethod != "" {
		buf.WriteByte(propAuthenticationMethod)
		buf.Write(encodeUTF8(props.AuthenticationMethod))
	}
	if props.AuthenticationData != nil {
		buf.WriteByte(propAuthenticationData)
		buf.Write(encodeUTF8(props.AuthenticationData))
	}
	if props.ReasonString != "" {
		buf.WriteByte(propReasonString)
		buf.Write(encodeUTF8(props.ReasonString))
	}
	props.UserProperties.pack(buf)
	return bytes.Clone(buf.Bytes()), nil
}

func (props *AuthProperties) Unpack(buf *bytes.Buffer) error {
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
		case propAuthenticationMethod:
			props.AuthenticationMethod = decodeUTF8[string](pb)
		case propAuthenticationData:
			props.AuthenticationData = bytes.Clone(decodeUTF8[[]byte](pb))
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
