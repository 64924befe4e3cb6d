package packet

import (
	"bytes"
	"io"
)

// PUBREL releases a QoS 2 publish (3.6). Its fixed header flags are pinned
// to 0010 [MQTT-3.6.1-1], which FixedHeader.Unpack already enforces.
type PUBREL struct {
	*FixedHeader

	PacketID   uint16
	ReasonCode ReasonCode
	Props      *AckProperties
}

func (pkt *PUBREL) Kind() byte {
	return 0x6
}

func (pkt *PUBREL) Pack(w io.Writer) error {
	pkt.FixedHeader.QoS = 1
	return packAck(pkt.FixedHeader, pkt.PacketID, pkt.ReasonCode, pkt.Props, w)
}

func (pkt *PUBREL) Unpack(buf *bytes.Buffer) error {
	var err error
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = unpackAck(pkt.FixedHeader, buf)
	return err
}
