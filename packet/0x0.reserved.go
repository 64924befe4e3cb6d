package packet

import (
	"bytes"
	"io"
)

// RESERVED is control type 0x0, forbidden in both protocol versions. It only
// exists so a failed FixedHeader.Unpack still hands back a typed packet.
type RESERVED struct {
	*FixedHeader
}

func (pkt *RESERVED) Kind() byte {
	return 0x0
}

func (pkt *RESERVED) Pack(io.Writer) error {
	return ErrMalformedPacket
}

func (pkt *RESERVED) Unpack(*bytes.Buffer) error {
	return ErrMalformedPacket
}
