package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

var (
	nameMQTT   = []byte{0x00, 0x04, 'M', 'Q', 'T', 'T'}
	nameMQIsdp = []byte{0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p'} // 3.1 only
)

// ConnectFlags is byte 8 of the CONNECT variable header (3.1.2.3).
type ConnectFlags uint8

func (f ConnectFlags) UserNameFlag() bool { return f&0b10000000 != 0 }
func (f ConnectFlags) PasswordFlag() bool { return f&0b01000000 != 0 }
func (f ConnectFlags) WillRetain() uint8  { return uint8(f) & 0b00100000 >> 5 }
func (f ConnectFlags) WillQoS() uint8     { return uint8(f) & 0b00011000 >> 3 }
func (f ConnectFlags) WillFlag() bool     { return f&0b00000100 != 0 }
func (f ConnectFlags) CleanStart() bool   { return f&0b00000010 != 0 }
func (f ConnectFlags) Reserved() uint8    { return uint8(f) & 0b00000001 }

// CONNECT is the first packet a client sends on a new network connection
// (3.1). Version is taken from its own variable header, not from the
// connection state.
type CONNECT struct {
	*FixedHeader

	ConnectFlags ConnectFlags

	// KeepAlive is the maximum client silence in seconds; 0 disables.
	KeepAlive uint16

	Props *ConnectProperties `json:"Properties,omitempty"`

	ClientID string `json:"ClientID,omitempty"`

	WillProps   *WillProperties `json:"WillProperties,omitempty"`
	WillTopic   string
	WillPayload []byte

	Username string `json:"Username,omitempty"`
	Password string `json:"Password,omitempty"`
}

func (pkt *CONNECT) Kind() byte {
	return 0x1
}

func (pkt *CONNECT) String() string {
	return fmt.Sprintf("[0x1]CONNECT: ClientID=%s, Version=%d", pkt.ClientID, pkt.Version)
}

func (pkt *CONNECT) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.Version == VERSION310 {
		buf.Write(nameMQIsdp)
	} else {
		buf.Write(nameMQTT)
	}
	buf.WriteByte(pkt.Version)

	flags := s2i(pkt.Username)<<7 | s2i(pkt.Password)<<6
	if pkt.WillTopic != "" {
		flags |= uint8(pkt.ConnectFlags)&0b00111000 | 0b00000100
	}
	if pkt.ConnectFlags.CleanStart() {
		flags |= 0b00000010
	}
	buf.WriteByte(flags)
	buf.Write(i2b(pkt.KeepAlive))

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &ConnectProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		if err := writeProps(buf, b); err != nil {
			return err
		}
	}

	buf.Write(s2b(pkt.ClientID))

	if pkt.WillTopic != "" {
		if pkt.Version == VERSION500 {
			if pkt.WillProps == nil {
				pkt.WillProps = &WillProperties{}
			}
			b, err := pkt.WillProps.Pack()
			if err != nil {
				return err
			}
			if err := writeProps(buf, b); err != nil {
				return err
			}
		}
		buf.Write(s2b(pkt.WillTopic))
		buf.Write(s2b(pkt.WillPayload))
	}

	if pkt.Username != "" {
		buf.Write(s2b(pkt.Username))
	}
	if pkt.Password != "" {
		buf.Write(s2b(pkt.Password))
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *CONNECT) Unpack(buf *bytes.Buffer) error {
	name := decodeUTF8[[]byte](buf)
	if buf.Len() < 4 {
		return ErrMalformedPacket
	}
	pkt.Version = buf.Next(1)[0]

	// 3 = 3.1 ("MQIsdp"), 4 = 3.1.1, 5 = 5.0. Everything else is refused
	// with the unacceptable-protocol-version CONNACK by the endpoint.
	switch pkt.Version {
	case VERSION310:
		if !bytes.Equal(name, nameMQIsdp[2:]) {
			return ErrMalformedProtocolName
		}
	case VERSION311, VERSION500:
		if !bytes.Equal(name, nameMQTT[2:]) {
			return ErrMalformedProtocolName
		}
	default:
		return ErrUnsupportedProtocolVersion
	}

	pkt.ConnectFlags = ConnectFlags(buf.Next(1)[0])
	if pkt.ConnectFlags.Reserved() != 0 {
		return ErrMalformedPacket
	}
	if pkt.ConnectFlags.WillQoS() > 2 {
		return ErrQoSOutOfRange
	}
	if !pkt.ConnectFlags.WillFlag() && (pkt.ConnectFlags.WillQoS() != 0 || pkt.ConnectFlags.WillRetain() != 0) {
		return ErrMalformedPacket
	}

	pkt.KeepAlive = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		pkt.Props = &ConnectProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}

	pkt.ClientID = decodeUTF8[string](buf)

	if pkt.ConnectFlags.WillFlag() {
		if pkt.Version == VERSION500 {
			pkt.WillProps = &WillProperties{}
			if err := pkt.WillProps.Unpack(buf); err != nil {
				return err
			}
		}
		pkt.WillTopic = decodeUTF8[string](buf)
		pkt.WillPayload = bytes.Clone(decodeUTF8[[]byte](buf))
	}

	if pkt.ConnectFlags.UserNameFlag() {
		pkt.Username = decodeUTF8[string](buf)
	} else if pkt.ConnectFlags.PasswordFlag() && pkt.Version != VERSION500 {
		// v5 allows password without user name (3.1.2.9); 3.1.1 forbids it.
		return ErrMalformedPassword
	}
	if pkt.ConnectFlags.PasswordFlag() {
		pkt.Password = decodeUTF8[string](buf)
	}
	return nil
}

// ConnectProperties is the 5.0 CONNECT property block (3.1.2.11).
type ConnectProperties struct {
	SessionExpiryInterval uint32
	ReceiveMaximum        uint16
	MaximumPacketSize     uint32
	TopicAliasMaximum     uint16
	RequestResponseInfo   uint8
	RequestProblemInfo    uint8
	UserProperties        UserProperties
	AuthenticationMethod  string
	AuthenticationData    []byte
}

func (props *ConnectProperties) Pack() ([]byte, error) {
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
	if props.MaximumPacketSize != 0 {
		buf.WriteByte(propMaximumPacketSize)
		buf.Write(i4b(props.MaximumPacketSize))
	}
	if props.TopicAliasMaximum != 0 {
		buf.WriteByte(propTopicAliasMaximum)
		buf.Write(i2b(props.TopicAliasMaximum))
	}
	if props.RequestResponseInfo != 0 {
		buf.WriteByte(propRequestResponseInfo)
		buf.WriteByte(props.RequestResponseInfo)
	}
	if props.RequestProblemInfo != 0 {
		buf.WriteByte(propRequestProblemInfo)
		buf.WriteByte(props.RequestProblemInfo)
	}
	props.UserProperties.pack(buf)
	if props.AuthenticationMethod != "" {
		buf.WriteByte(propAuthenticationMethod)
		buf.Write(encodeUTF8(props.AuthenticationMethod))
	}
	if props.AuthenticationData != nil {
		buf.WriteByte(propAuthenticationData)
		buf.Write(encodeUTF8(props.AuthenticationData))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *ConnectProperties) Unpack(buf *bytes.Buffer) error {
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
		case propReceiveMaximum:
			if props.ReceiveMaximum != 0 {
				return ErrProtocolError
			}
			if props.ReceiveMaximum = binary.BigEndian.Uint16(pb.Next(2)); props.ReceiveMaximum == 0 {
				return ErrProtocolError
			}
		case propMaximumPacketSize:
			if props.MaximumPacketSize != 0 {
				return ErrProtocolError
			}
			if props.MaximumPacketSize = binary.BigEndian.Uint32(pb.Next(4)); props.MaximumPacketSize == 0 {
				return ErrProtocolError
			}
		case propTopicAliasMaximum:
			if props.TopicAliasMaximum != 0 {
				return ErrProtocolError
			}
			props.TopicAliasMaximum = binary.BigEndian.Uint16(pb.Next(2))
		case propRequestResponseInfo:
			if props.RequestResponseInfo = pb.Next(1)[0]; props.RequestResponseInfo > 1 {
				return ErrProtocolError
			}
		case propRequestProblemInfo:
			if props.RequestProblemInfo = pb.Next(1)[0]; props.RequestProblemInfo > 1 {
				return ErrProtocolError
			}
		case propUserProperty:
			props.UserProperties.unpack(pb)
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

// WillProperties precede the will topic in the CONNECT payload (3.1.3.2).
type WillProperties struct {
	WillDelayInterval      uint32
	PayloadFormatIndicator uint8
	MessageExpiryInterval  uint32
	ContentType            string
	ResponseTopic          string
	CorrelationData        []byte
	UserProperties         UserProperties
}

func (props *WillProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if props.WillDelayInterval != 0 {
		buf.WriteByte(propWillDelayInterval)
		buf.Write(i4b(props.WillDelayInterval))
	}
	if props.PayloadFormatIndicator != 0 {
		buf.WriteByte(propPayloadFormatIndicator)
		buf.WriteByte(props.PayloadFormatIndicator)
	}
	if props.MessageExpiryInterval != 0 {
		buf.WriteByte(propMessageExpiryInterval)
		buf.Write(i4b(props.MessageExpiryInterval))
	}
	if props.ContentType != "" {
		buf.WriteByte(propContentType)
		buf.Write(encodeUTF8(props.ContentType))
	}
	if props.ResponseTopic != "" {
		buf.WriteByte(propResponseTopic)
		buf.Write(encodeUTF8(props.ResponseTopic))
	}
	if props.CorrelationData != nil {
		buf.WriteByte(propCorrelationData)
		buf.Write(encodeUTF8(props.CorrelationData))
	}
	props.UserProperties.pack(buf)
	return bytes.Clone(buf.Bytes()), nil
}

func (props *WillProperties) Unpack(buf *bytes.Buffer) error {
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
		case propWillDelayInterval:
			props.WillDelayInterval = binary.BigEndian.Uint32(pb.Next(4))
		case propPayloadFormatIndicator:
			if props.PayloadFormatIndicator = pb.Next(1)[0]; props.PayloadFormatIndicator > 1 {
				return ErrProtocolError
			}
		case propMessageExpiryInterval:
			props.MessageExpiryInterval = binary.BigEndian.Uint32(pb.Next(4))
		case propContentType:
			props.ContentType = decodeUTF8[string](pb)
		case propResponseTopic:
			props.ResponseTopic = decodeUTF8[string](pb)
		case propCorrelationData:
			props.CorrelationData = bytes.Clone(decodeUTF8[[]byte](pb))
		case propUserProperty:
			props.UserProperties.unpack(pb)
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}
