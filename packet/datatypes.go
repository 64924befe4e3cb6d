package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Protocol level carried in the CONNECT variable header.
const (
	VERSION310 byte = 0x3 // MQTT 3.1, protocol name "MQIsdp"
	VERSION311 byte = 0x4 // MQTT 3.1.1, protocol name "MQTT"
	VERSION500 byte = 0x5 // MQTT 5.0, protocol name "MQTT"
)

const (
	max1 = 0x7F
	max2 = 0x3FFF
	max3 = 0x1FFFFF
	max4 = 0xFFFFFFF // largest remaining length: 268435455

	KB = 1024
	MB = 1024 * KB
)

// Kind maps control packet types to printable names. Position: byte 1, bits 7-4.
var Kind = map[byte]string{
	0x0: "[0x0]RESERVED",
	0x1: "[0x1]CONNECT",
	0x2: "[0x2]CONNACK",
	0x3: "[0x3]PUBLISH",
	0x4: "[0x4]PUBACK",
	0x5: "[0x5]PUBREC",
	0x6: "[0x6]PUBREL",
	0x7: "[0x7]PUBCOMP",
	0x8: "[0x8]SUBSCRIBE",
	0x9: "[0x9]SUBACK",
	0xA: "[0xA]UNSUBSCRIBE",
	0xB: "[0xB]UNSUBACK",
	0xC: "[0xC]PINGREQ",
	0xD: "[0xD]PINGRESP",
	0xE: "[0xE]DISCONNECT",
	0xF: "[0xF]AUTH",
}

// encodeLength encodes v as an MQTT variable byte integer (1-4 bytes).
func encodeLength[T ~uint32 | ~int | ~int64](v T) ([]byte, error) {
	var result []byte
	switch {
	case v <= max1:
		result = make([]byte, 1)
	case v <= max2:
		result = make([]byte, 2)
	case v <= max3:
		result = make([]byte, 3)
	case v <= max4:
		result = make([]byte, 4)
	default:
		return nil, ErrPacketTooLarge
	}
	for i := 0; ; i++ {
		enc := v % 128
		v /= 128
		if v > 0 {
			enc |= 128
		}
		result[i] = byte(enc)
		if v == 0 {
			return result, nil
		}
	}
}

// decodeLength reads a variable byte integer. The continuation bit caps the
// value at max4; anything longer is malformed.
func decodeLength(r io.Reader) (uint32, error) {
	vbi, b := uint32(0), make([]byte, 1)
	for i := 0; i == 0 || b[0]&128 != 0; i += 7 {
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, err
		}
		if vbi |= uint32(b[0]&127) << i; vbi > max4 {
			return 0, ErrPacketTooLarge
		}
	}
	return vbi, nil
}

// s2b prefixes content with its two-byte big-endian length.
func s2b[T string | []byte](s T) []byte {
	b := make([]byte, 2, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	return append(b, s...)
}

func i2b(i uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, i)
	return b
}

func i4b(i uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, i)
	return b
}

// s2i reports the presence flag bit for an optional string field.
func s2i(v string) uint8 {
	if len(v) == 0 {
		return 0
	}
	return 1
}

func decodeUTF8[T []byte | string](b *bytes.Buffer) T {
	if b.Len() < 2 {
		return T("")
	}
	uLength := binary.BigEndian.Uint16(b.Next(2))
	return T(b.Next(int(uLength)))
}

func encodeUTF8[T []byte | string](v T) []byte {
	b := make([]byte, 2, len(v)+2)
	binary.BigEndian.PutUint16(b, uint16(len(v)))
	return append(b, v...)
}
