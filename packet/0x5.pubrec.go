package packet

import (
	"bytes"
	"io"
)

// PUBREC is the first server response of a QoS 2 exchange (3.5).
type PUBREC struct {
	*FixedHeader

	PacketID   uint16
	ReasonCode ReasonCode
	Props      *AckProperties
}

func (pkt *PUBREC) Kind() byte {
	return 0x5
}

func (pkt *PUBREC) Pack(w io.Writer) error {
	return packAck(pkt.FixedHeader, pkt.PacketID, pkt.ReasonCode, pkt.Props, w)
}

func (pkt *PUBREC) Unpack(buf *bytes.Buffer) error {
	var err error
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = unpackAck(pkt.FixedHeader, buf)
	return err
}
