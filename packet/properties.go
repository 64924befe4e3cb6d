package packet

import "bytes"

// Property identifiers (MQTT 5.0, table 2-4).
const (
	propPayloadFormatIndicator = 0x01
	propMessageExpiryInterval  = 0x02
	propContentType            = 0x03
	propResponseTopic          = 0x08
	propCorrelationData        = 0x09
	propSubscriptionIdentifier = 0x0B
	propSessionExpiryInterval  = 0x11
	propAssignedClientID       = 0x12
	propServerKeepAlive        = 0x13
	propAuthenticationMethod   = 0x15
	propAuthenticationData     = 0x16
	propRequestProblemInfo     = 0x17
	propWillDelayInterval      = 0x18
	propRequestResponseInfo    = 0x19
	propResponseInformation    = 0x1A
	propServerReference        = 0x1C
	propReasonString           = 0x1F
	propReceiveMaximum         = 0x21
	propTopicAliasMaximum      = 0x22
	propTopicAlias             = 0x23
	propMaximumQoS             = 0x24
	propRetainAvailable        = 0x25
	propUserProperty           = 0x26
	propMaximumPacketSize      = 0x27
	propWildcardSubAvailable   = 0x28
	propSubIDAvailable         = 0x29
	propSharedSubAvailable     = 0x2A
)

// UserProperty is one name/value pair. The v5 spec makes order and duplicate
// keys significant, so user properties travel as a slice, never a map.
type UserProperty struct {
	Key   string
	Value string
}

type UserProperties []UserProperty

func (ups UserProperties) pack(buf *bytes.Buffer) {
	for _, up := range ups {
		buf.WriteByte(propUserProperty)
		buf.Write(encodeUTF8(up.Key))
		buf.Write(encodeUTF8(up.Value))
	}
}

func (ups *UserProperties) unpack(buf *bytes.Buffer) {
	key := decodeUTF8[string](buf)
	*ups = append(*ups, UserProperty{Key: key, Value: decodeUTF8[string](buf)})
}

// Clone returns an independent copy preserving order.
func (ups UserProperties) Clone() UserProperties {
	if ups == nil {
		return nil
	}
	out := make(UserProperties, len(ups))
	copy(out, ups)
	return out
}

// readProps slices the length-prefixed property block out of buf so property
// decoders can loop until their own buffer drains instead of bookkeeping
// consumed byte counts.
func readProps(buf *bytes.Buffer) (*bytes.Buffer, error) {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return nil, err
	}
	if int(propsLen) > buf.Len() {
		return nil, ErrMalformedProperties
	}
	return bytes.NewBuffer(buf.Next(int(propsLen))), nil
}

// writeProps prefixes a packed property block with its length.
func writeProps(buf *bytes.Buffer, b []byte) error {
	propsLen, err := encodeLength(len(b))
	if err != nil {
		return err
	}
	buf.Write(propsLen)
	buf.Write(b)
	return nil
}
