package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// UNSUBACK answers an UNSUBSCRIBE (3.11). v5 carries one reason code per
// filter; 3.1.1 has no payload at all.
type UNSUBACK struct {
	*FixedHeader

	PacketID uint16

	Props *SubackProperties

	ReasonCodes []ReasonCode
}

func (pkt *UNSUBACK) Kind() byte {
	return 0xB
}

func (pkt *UNSUBACK) Pack(w io.Writer) error {
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
		for _, reason := range pkt.ReasonCodes {
			buf.WriteByte(reason.Code)
		}
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *UNSUBACK) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.Version == VERSION500 {
		pkt.Props = &SubackProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
		for buf.Len() != 0 {
			pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode{Code: buf.Next(1)[0]})
		}
	}
	return nil
}
