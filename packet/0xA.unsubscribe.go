package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// UNSUBSCRIBE removes topic filters (3.10).
type UNSUBSCRIBE struct {
	*FixedHeader

	PacketID uint16

	Props *UnsubscribeProperties

	TopicFilters []string
}

func (pkt *UNSUBSCRIBE) Kind() byte {
	return 0xA
}

func (pkt *UNSUBSCRIBE) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &UnsubscribeProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		if err := writeProps(buf, b); err != nil {
			return err
		}
	}
	for _, filter := range pkt.TopicFilters {
		if filter == "" {
			return ErrNoTopicFilter
		}
		buf.Write(s2b(filter))
	}

	pkt.FixedHeader.QoS = 1
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *UNSUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.Version == VERSION500 {
		pkt.Props = &UnsubscribeProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	for buf.Len() != 0 {
		pkt.TopicFilters = append(pkt.TopicFilters, decodeUTF8[string](buf))
	}
	if len(pkt.TopicFilters) == 0 {
		return ErrNoTopicFilter
	}
	return nil
}

type UnsubscribeProperties struct {
	UserProperties UserProperties
}

func (props *UnsubscribeProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	props.UserProperties.pack(buf)
	return bytes.Clone(buf.Bytes()), nil
}

func (props *UnsubscribeProperties) Unpack(buf *bytes.Buffer) error {
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
		case propUserProperty:
			props.UserProperties.unpack(pb)
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}
