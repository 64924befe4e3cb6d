package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PUBLISH carries an application message in either direction (3.3).
type PUBLISH struct {
	*FixedHeader

	// PacketID is only on the wire when QoS > 0 [MQTT-2.3.1-5].
	PacketID uint16 `json:"PacketID,omitempty"`

	Message *Message `json:"Message,omitempty"`

	Props *PublishProperties `json:"Properties,omitempty"`
}

func (pkt *PUBLISH) Kind() byte {
	return 0x3
}

func (pkt *PUBLISH) String() string {
	return fmt.Sprintf("[0x3]PUBLISH: Topic=%s, QoS=%d, Retain=%d", pkt.Message.TopicName, pkt.QoS, pkt.Retain)
}

func (pkt *PUBLISH) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(s2b(pkt.Message.TopicName))
	if pkt.QoS != 0 {
		buf.Write(i2b(pkt.PacketID))
	}
	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &PublishProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		if err := writeProps(buf, b); err != nil {
			return err
		}
	}
	buf.Write(pkt.Message.Content)

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *PUBLISH) Unpack(buf *bytes.Buffer) error {
	if pkt.Message == nil {
		pkt.Message = &Message{}
	}
	pkt.Message.TopicName = decodeUTF8[string](buf)

	// Topic names must not carry wildcards [MQTT-3.3.2-2]. An empty name is
	// only legal for v5 publishes that resolve through a topic alias.
	if strings.ContainsAny(pkt.Message.TopicName, "+#") {
		return ErrTopicNameInvalid
	}
	if pkt.Message.TopicName == "" && pkt.Version != VERSION500 {
		return ErrTopicNameInvalid
	}

	if pkt.QoS != 0 {
		if pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2)); pkt.PacketID == 0 {
			return ErrMalformedPacket
		}
	}
	if pkt.Version == VERSION500 {
		pkt.Props = &PublishProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}

	// The remainder aliases a pooled buffer; detach it.
	pkt.Message.Content = bytes.Clone(buf.Bytes())
	return nil
}

// Message is the topic/payload pair of a PUBLISH. A zero-length payload is
// legal and, combined with Retain, clears a retained entry.
type Message struct {
	TopicName string
	Content   []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s # %s", m.TopicName, m.Content)
}

// PublishProperties is the 5.0 PUBLISH property block (3.3.2.3).
// MessageExpiryInterval of 0 means absent; the expiry-zero edge case never
// travels on the wire because an expired message is not delivered at all.
type PublishProperties struct {
	PayloadFormatIndicator uint8
	MessageExpiryInterval  uint32
	TopicAlias             uint16
	ResponseTopic          string
	CorrelationData        []byte
	UserProperties         UserProperties
	SubscriptionIdentifier []uint32
	ContentType            string
}

func (props *PublishProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if props.PayloadFormatIndicator != 0 {
		buf.WriteByte(propPayloadFormatIndicator)
		buf.WriteByte(props.PayloadFormatIndicator)
	}
	if props.MessageExpiryInterval != 0 {
		buf.WriteByte(propMessageExpiryInterval)
		buf.Write(i4b(props.MessageExpiryInterval))
	}
	if props.TopicAlias != 0 {
		buf.WriteByte(propTopicAlias)
		buf.Write(i2b(props.TopicAlias))
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
	for _, id := range props.SubscriptionIdentifier {
		buf.WriteByte(propSubscriptionIdentifier)
		vb, err := encodeLength(id)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	if props.ContentType != "" {
		buf.WriteByte(propContentType)
		buf.Write(encodeUTF8(props.ContentType))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *PublishProperties) Unpack(buf *bytes.Buffer) error {
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
		case propPayloadFormatIndicator:
			if props.PayloadFormatIndicator = pb.Next(1)[0]; props.PayloadFormatIndicator > 1 {
				return ErrProtocolError
			}
		case propMessageExpiryInterval:
			props.MessageExpiryInterval = binary.BigEndian.Uint32(pb.Next(4))
		case propTopicAlias:
			if props.TopicAlias != 0 {
				return ErrProtocolError
			}
			if props.TopicAlias = binary.BigEndian.Uint16(pb.Next(2)); props.TopicAlias == 0 {
				return ErrTopicAliasInvalid
			}
		case propResponseTopic:
			props.ResponseTopic = decodeUTF8[string](pb)
			if strings.ContainsAny(props.ResponseTopic, "+#") {
				return ErrProtocolError
			}
		case propCorrelationData:
			props.CorrelationData = bytes.Clone(decodeUTF8[[]byte](pb))
		case propUserProperty:
			props.UserProperties.unpack(pb)
		case propSubscriptionIdentifier:
			id, err := decodeLength(pb)
			if err != nil {
				return err
			}
			props.SubscriptionIdentifier = append(props.SubscriptionIdentifier, id)
		case propContentType:
			props.ContentType = decodeUTF8[string](pb)
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}
