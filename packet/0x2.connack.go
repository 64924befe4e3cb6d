package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// CONNACK acknowledges a CONNECT (3.2). It is always the first packet the
// server sends.
type CONNACK struct {
	*FixedHeader

	// SessionPresent reports that a persistent session was resumed
	// [MQTT-3.2.2-2].
	SessionPresent uint8

	ReasonCode ReasonCode

	Props *ConnackProperties
}

func (pkt *CONNACK) Kind() byte {
	return 0x2
}

func (pkt *CONNACK) String() string {
	return fmt.Sprintf("[0x2]CONNACK: Code=0x%02X, SessionPresent=%d", pkt.ReasonCode.Code, pkt.SessionPresent)
}

func (pkt *CONNACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(pkt.SessionPresent)
	buf.WriteByte(pkt.ReasonCode.Code)

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &ConnackProperties{}
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

func (pkt *CONNACK) Unpack(buf *bytes.Buffer) error {
	pkt.SessionPresent = buf.Next(1)[0] & 0b00000001
	pkt.ReasonCode = ReasonCode{Code: buf.Next(1)[0]}
	if pkt.Version == VERSION500 {
		pkt.Props = &ConnackProperties{}
		return pkt.Props.Unpack(buf)
	}
	return nil
}

// ConnackProperties is the 5.0 CONNACK property block (3.2.2.3). Fields the
// broker never varies (RetainAvailable, WildcardSubscriptionAvailable, …)
// still round-trip so the codec stays usable client-side.
type ConnackProperties struct {
	SessionExpiryInterval uint32
	ReceiveMaximum        uint16
	MaximumQoS            uint8
	MaximumQoSSet         bool // 0 is a meaningful wire value
	RetainAvailable       uint8
	MaximumPacketSize     uint32
	AssignedClientID      string
	TopicAliasMaximum     uint16
	ReasonString          string
	UserProperties        UserProperties
	WildcardSubAvailable  uint8
	SubIDAvailable        uint8
	SubIDAvailableSet     bool
	SharedSubAvailable    uint8
	ServerKeepAlive       uint16
	ResponseInformation   string
	ServerReference       string
	AuthenticationMethod  string
	AuthenticationData    []byte
}

func (props *ConnackProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if props.SessionExpiryInterval != 0 {
		buf.WriteByte(propSessionExpiryInterval)
		buf.Write(i4b(props.SessionExpiryInterval))
	}
	if props.ReceiveMaximum != 0 {
		buf.WriteByte(propReceiveMaximum)
		buf.Write(i2b(props.ReceiveMaximum))
	}
	if props.MaximumQoSSet {
		buf.WriteByte(propMaximumQoS)
		buf.WriteByte(props.MaximumQoS)
	}
	if props.RetainAvailable != 0 {
		buf.WriteByte(propRetainAvailable)
		buf.WriteByte(props.RetainAvailable)
	}
	if props.MaximumPacketSize != 0 {
		buf.WriteByte(propMaximumPacketSize)
		buf.Write(i4b(props.MaximumPacketSize))
	}
	if props.AssignedClientID != "" {
		buf.WriteByte(propAssignedClientID)
		buf.Write(encodeUTF8(props.AssignedClientID))
	}
	if props.TopicAliasMaximum != 0 {
		buf.WriteByte(propTopicAliasMaximum)
		buf.Write(i2b(props.TopicAliasMaximum))
	}
	if props.ReasonString != "" {
		buf.WriteByte(propReasonString)
		buf.Write(encodeUTF8(props.ReasonString))
	}
	props.UserProperties.pack(buf)
	if props.WildcardSubAvailable != 0 {
		buf.WriteByte(propWildcardSubAvailable)
		buf.WriteByte(props.WildcardSubAvailable)
	}
	if props.SubIDAvailableSet {
		buf.WriteByte(propSubIDAvailable)
		buf.WriteByte(props.SubIDAvailable)
	}
	if props.SharedSubAvailable != 0 {
		buf.WriteByte(propSharedSubAvailable)
		buf.WriteByte(props.SharedSubAvailable)
	}
	if props.ServerKeepAlive != 0 {
		buf.WriteByte(propServerKeepAlive)
		buf.Write(i2b(props.ServerKeepAlive))
	}
	if props.ResponseInformation != "" {
		buf.WriteByte(propResponseInformation)
		buf.Write(encodeUTF8(props.ResponseInformation))
	}
	if props.ServerReference != "" {
		buf.WriteByte(propServerReference)
		buf.Write(encodeUTF8(props.ServerReference))
	}
	if props.AuthenticationMethod != "" {
		buf.WriteByte(propAuthenticationMethod)
		buf.Write(encodeUTF8(props.AuthenticationMethod))
	}
	if len(props.AuthenticationData) != 0 {
		buf.WriteByte(propAuthenticationData)
		buf.Write(encodeUTF8(props.AuthenticationData))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *ConnackProperties) Unpack(buf *bytes.Buffer) error {
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
			props.SessionExpiryInterval = binary.BigEndian.Uint32(pb.Next(4))
		case propReceiveMaximum:
			props.ReceiveMaximum = binary.BigEndian.Uint16(pb.Next(2))
		case propMaximumQoS:
			props.MaximumQoS, props.MaximumQoSSet = pb.Next(1)[0], true
		case propRetainAvailable:
			props.RetainAvailable = pb.Next(1)[0]
		case propMaximumPacketSize:
			props.MaximumPacketSize = binary.BigEndian.Uint32(pb.Next(4))
		case propAssignedClientID:
			props.AssignedClientID = decodeUTF8[string](pb)
		case propTopicAliasMaximum:
			props.TopicAliasMaximum = binary.BigEndian.Uint16(pb.Next(2))
		case propReasonString:
			props.ReasonString = decodeUTF8[string](pb)
		case propUserProperty:
			props.UserProperties.unpack(pb)
		case propWildcardSubAvailable:
			props.WildcardSubAvailable = pb.Next(1)[0]
		case propSubIDAvailable:
			props.SubIDAvailable, props.SubIDAvailableSet = pb.Next(1)[0], true
		case propSharedSubAvailable:
			props.SharedSubAvailable = pb.Next(1)[0]
		case propServerKeepAlive:
			props.ServerKeepAlive = binary.BigEndian.Uint16(pb.Next(2))
		case propResponseInformation:
			props.ResponseInformation = decodeUTF8[string](pb)
		case propServerReference:
			props.ServerReference = decodeUTF8[string](pb)
		case propAuthenticationMethod:
			props.AuthenticationMethod = decodeUTF8[string](pb)
		case propAuthenticationData:
			props.AuthenticationData = bytes.Clone(decodeUTF8[[]byte](pb))
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}
