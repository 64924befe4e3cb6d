package packet

import (
	"bytes"
	"io"
)

// PUBCOMP finishes a QoS 2 exchange (3.7).
type PUBCOMP struct {
	*FixedHeader

	PacketID   uint16
	ReasonCode ReasonCode
	Props      *AckProperties
}

func (pkt *PUBCOMP) Kind() byte {
	return 0x7
}

func (pkt *PUBCOMP) Pack(w io.Writer) error {
	return packAck(pkt.FixedHeader, pkt.PacketID, pkt.ReasonCode, pkt.Props, w)
}

func (pkt *PUBCOMP) Unpack(buf *bytes.Buffer) error {
	var err error
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = unpackAck(pkt.FixedHeader, buf)
	return err
}
