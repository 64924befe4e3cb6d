package packet

import (
	"bytes"
	"io"
)

// PINGREQ is the keep-alive probe (3.12). No variable header, no payload.
type PINGREQ struct {
	*FixedHeader
}

func (pkt *PINGREQ) Kind() byte {
	return 0xC
}

func (pkt *PINGREQ) Pack(w io.Writer) error {
	pkt.FixedHeader.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *PINGREQ) Unpack(buf *bytes.Buffer) error {
	if pkt.RemainingLength != 0 || buf.Len() != 0 {
		return ErrMalformedPacket
	}
	return nil
}
