package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// SUBSCRIBE registers one or more topic filters (3.8).
type SUBSCRIBE struct {
	*FixedHeader

	PacketID uint16

	Props *SubscribeProperties

	Subscriptions []Subscription
}

func (pkt *SUBSCRIBE) Kind() byte {
	return 0x8
}

func (pkt *SUBSCRIBE) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &SubscribeProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		if err := writeProps(buf, b); err != nil {
			return err
		}
	}
	for _, sub := range pkt.Subscriptions {
		if sub.TopicFilter == "" {
			return ErrNoTopicFilter
		}
		buf.Write(s2b(sub.TopicFilter))
		buf.WriteByte(sub.options())
	}

	pkt.FixedHeader.QoS = 1
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.Version == VERSION500 {
		pkt.Props = &SubscribeProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	for buf.Len() != 0 {
		sub := Subscription{}
		sub.TopicFilter = decodeUTF8[string](buf)
		if buf.Len() == 0 {
			return ErrMalformedPacket
		}
		options := buf.Next(1)[0]
		sub.MaximumQoS = options & 0b00000011
		if sub.MaximumQoS > 2 {
			return ErrQoSOutOfRange
		}
		sub.NoLocal = options&0b00000100 != 0
		sub.RetainAsPublished = options&0b00001000 != 0
		sub.RetainHandling = options & 0b00110000 >> 4
		if sub.RetainHandling > 2 || options&0b11000000 != 0 {
			return ErrMalformedFlags
		}
		pkt.Subscriptions = append(pkt.Subscriptions, sub)
	}
	if len(pkt.Subscriptions) == 0 {
		return ErrNoTopicFilter
	}
	return nil
}

// Subscription is one filter entry in the SUBSCRIBE payload. The v5 option
// bits default to zero for 3.1.1 clients (3.8.3.1).
type Subscription struct {
	TopicFilter string

	MaximumQoS uint8

	// NoLocal suppresses echoing publishes back to their origin connection.
	NoLocal bool

	// RetainAsPublished keeps the retain flag on forwarded messages.
	RetainAsPublished bool

	// RetainHandling: 0 always send retained on subscribe, 1 only for new
	// subscriptions, 2 never.
	RetainHandling uint8
}

func (s *Subscription) String() string {
	return fmt.Sprintf("%s@%d", s.TopicFilter, s.MaximumQoS)
}

func (s *Subscription) options() byte {
	b := s.MaximumQoS
	if s.NoLocal {
		b |= 0b00000100
	}
	if s.RetainAsPublished {
		b |= 0b00001000
	}
	return b | s.RetainHandling<<4
}

type SubscribeProperties struct {
	SubscriptionIdentifier uint32
	UserProperties         UserProperties
}

func (props *SubscribeProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if props.SubscriptionIdentifier != 0 {
		buf.WriteByte(propSubscriptionIdentifier)
		vb, err := encodeLength(props.SubscriptionIdentifier)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	props.UserProperties.pack(buf)
	return bytes.Clone(buf.Bytes()), nil
}

func (props *SubscribeProperties) Unpack(buf *bytes.Buffer) error {
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
		case propSubscriptionIdentifier:
			if props.SubscriptionIdentifier, err = decodeLength(pb); err != nil {
				return err
			}
			if props.SubscriptionIdentifier == 0 {
				return ErrProtocolError
			}
		case propUserProperty:
			props.UserProperties.unpack(pb)
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}
