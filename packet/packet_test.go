package packet

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeLengthBounds(t *testing.T) {
	for _, tt := range []struct {
		in   uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	} {
		got, err := encodeLength(tt.in)
		if err != nil {
			t.Fatalf("encodeLength(%d): %v", tt.in, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("encodeLength(%d) = %v, want %v", tt.in, got, tt.want)
		}
		back, err := decodeLength(bytes.NewReader(got))
		if err != nil {
			t.Fatalf("decodeLength(%v): %v", got, err)
		}
		if back != tt.in {
			t.Errorf("decodeLength round trip = %d, want %d", back, tt.in)
		}
	}
	if _, err := encodeLength(uint32(268435456)); err == nil {
		t.Error("encodeLength accepted a value beyond four bytes")
	}
}

func roundTrip(t *testing.T, version byte, pkt Packet) Packet {
	t.Helper()
	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("pack: %v", err)
	}
	out, err := Unpack(version, &buf, 0)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	return out
}

func TestConnectRoundTrip311(t *testing.T) {
	in := &CONNECT{
		FixedHeader:  &FixedHeader{Version: VERSION311, Kind: 0x1},
		ConnectFlags: 0b11000010, // username, password, clean
		KeepAlive:    30,
		ClientID:     "tester",
		Username:     "alice",
		Password:     "secret",
	}
	out := roundTrip(t, VERSION311, in).(*CONNECT)
	if out.ClientID != "tester" || out.Username != "alice" || out.Password != "secret" {
		t.Errorf("round trip lost payload: %+v", out)
	}
	if out.KeepAlive != 30 {
		t.Errorf("KeepAlive = %d, want 30", out.KeepAlive)
	}
	if !out.ConnectFlags.CleanStart() {
		t.Error("clean start flag lost")
	}
}

func TestConnectRoundTrip500WithWill(t *testing.T) {
	in := &CONNECT{
		FixedHeader:  &FixedHeader{Version: VERSION500, Kind: 0x1},
		ConnectFlags: 0b00101110, // will retain, will qos1, will flag, clean
		KeepAlive:    10,
		ClientID:     "willful",
		Props:        &ConnectProperties{SessionExpiryInterval: 300, ReceiveMaximum: 20, TopicAliasMaximum: 5},
		WillProps:    &WillProperties{WillDelayInterval: 15, MessageExpiryInterval: 60},
		WillTopic:    "state/willful",
		WillPayload:  []byte("gone"),
	}
	out := roundTrip(t, VERSION500, in).(*CONNECT)
	if out.Props == nil || out.Props.SessionExpiryInterval != 300 || out.Props.ReceiveMaximum != 20 {
		t.Fatalf("connect properties lost: %+v", out.Props)
	}
	if out.WillTopic != "state/willful" || string(out.WillPayload) != "gone" {
		t.Errorf("will lost: topic=%q payload=%q", out.WillTopic, out.WillPayload)
	}
	if out.WillProps == nil || out.WillProps.WillDelayInterval != 15 {
		t.Errorf("will properties lost: %+v", out.WillProps)
	}
	if out.ConnectFlags.WillQoS() != 1 || out.ConnectFlags.WillRetain() != 1 {
		t.Errorf("will flags lost: %08b", out.ConnectFlags)
	}
}

func TestConnectRejectsUnknownVersion(t *testing.T) {
	in := &CONNECT{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x1},
		ClientID:    "x",
	}
	var buf bytes.Buffer
	if err := in.Pack(&buf); err != nil {
		t.Fatal(err)
	}
	// Corrupt the protocol level byte (after 2-byte fixed header, 2-byte
	// name length and 4-byte name).
	raw := buf.Bytes()
	raw[8] = 9
	if _, err := Unpack(0, bytes.NewReader(raw), 0); !errors.Is(err, ErrUnsupportedProtocolVersion) {
		t.Errorf("got %v, want ErrUnsupportedProtocolVersion", err)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	in := &PUBLISH{
		FixedHeader: &FixedHeader{Version: VERSION500, Kind: 0x3, QoS: 1},
		PacketID:    7,
		Message:     &Message{TopicName: "a/b", Content: []byte("payload")},
		Props: &PublishProperties{
			PayloadFormatIndicator: 1,
			MessageExpiryInterval:  120,
			ContentType:            "text/plain",
			UserProperties:         UserProperties{{Key: "k", Value: "v"}},
		},
	}
	out := roundTrip(t, VERSION500, in).(*PUBLISH)
	if out.PacketID != 7 || out.Message.TopicName != "a/b" || string(out.Message.Content) != "payload" {
		t.Fatalf("round trip lost message: %+v", out)
	}
	if out.Props.MessageExpiryInterval != 120 || out.Props.ContentType != "text/plain" {
		t.Errorf("properties lost: %+v", out.Props)
	}
	if len(out.Props.UserProperties) != 1 || out.Props.UserProperties[0].Key != "k" {
		t.Errorf("user properties lost: %+v", out.Props.UserProperties)
	}
}

func TestPublishZeroPacketIDMalformed(t *testing.T) {
	in := &PUBLISH{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x3, QoS: 1},
		PacketID:    1,
		Message:     &Message{TopicName: "a", Content: []byte("x")},
	}
	var buf bytes.Buffer
	if err := in.Pack(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	// Zero the packet id (fixed header 2 bytes, topic length 2, topic 1).
	raw[5], raw[6] = 0, 0
	if _, err := Unpack(VERSION311, bytes.NewReader(raw), 0); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("got %v, want ErrMalformedPacket", err)
	}
}

func TestPublishEmptyTopicNeedsAlias(t *testing.T) {
	in := &PUBLISH{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x3},
		Message:     &Message{TopicName: "", Content: []byte("x")},
	}
	var buf bytes.Buffer
	if err := in.Pack(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := Unpack(VERSION311, &buf, 0); err == nil {
		t.Error("3.1.1 publish with empty topic must be rejected")
	}
}

func TestPubackShortForm(t *testing.T) {
	in := &PUBACK{
		FixedHeader: &FixedHeader{Version: VERSION500, Kind: 0x4},
		PacketID:    3,
		ReasonCode:  Success,
	}
	var buf bytes.Buffer
	if err := in.Pack(&buf); err != nil {
		t.Fatal(err)
	}
	// Success with no properties packs as the 2-byte short form.
	if buf.Len() != 4 {
		t.Errorf("short-form PUBACK is %d bytes, want 4", buf.Len())
	}
	out := roundTrip(t, VERSION500, in).(*PUBACK)
	if out.PacketID != 3 || out.ReasonCode.Code != 0 {
		t.Errorf("short form lost data: %+v", out)
	}
}

func TestPubackReasonRoundTrip(t *testing.T) {
	in := &PUBACK{
		FixedHeader: &FixedHeader{Version: VERSION500, Kind: 0x4},
		PacketID:    9,
		ReasonCode:  ErrNotAuthorized,
	}
	out := roundTrip(t, VERSION500, in).(*PUBACK)
	if out.ReasonCode.Code != 0x87 {
		t.Errorf("reason code = 0x%02X, want 0x87", out.ReasonCode.Code)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	in := &SUBSCRIBE{
		FixedHeader: &FixedHeader{Version: VERSION500, Kind: 0x8, QoS: 1},
		PacketID:    11,
		Subscriptions: []Subscription{
			{TopicFilter: "a/+", MaximumQoS: 2, NoLocal: true, RetainAsPublished: true, RetainHandling: 1},
			{TopicFilter: "b/#", MaximumQoS: 0},
		},
	}
	out := roundTrip(t, VERSION500, in).(*SUBSCRIBE)
	if len(out.Subscriptions) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(out.Subscriptions))
	}
	first := out.Subscriptions[0]
	if first.TopicFilter != "a/+" || first.MaximumQoS != 2 || !first.NoLocal || !first.RetainAsPublished || first.RetainHandling != 1 {
		t.Errorf("option bits lost: %+v", first)
	}
}

func TestSubscribeRejectsBadFlags(t *testing.T) {
	in := &SUBSCRIBE{
		FixedHeader:   &FixedHeader{Version: VERSION311, Kind: 0x8, QoS: 1},
		PacketID:      1,
		Subscriptions: []Subscription{{TopicFilter: "a", MaximumQoS: 0}},
	}
	var buf bytes.Buffer
	if err := in.Pack(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[0] = 0x80 // SUBSCRIBE with reserved flags zeroed
	if _, err := Unpack(VERSION311, bytes.NewReader(raw), 0); err == nil {
		t.Error("SUBSCRIBE without the 0010 flags must be malformed")
	}
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	in := &UNSUBSCRIBE{
		FixedHeader:  &FixedHeader{Version: VERSION311, Kind: 0xA, QoS: 1},
		PacketID:     5,
		TopicFilters: []string{"a/b", "c/#"},
	}
	out := roundTrip(t, VERSION311, in).(*UNSUBSCRIBE)
	if len(out.TopicFilters) != 2 || out.TopicFilters[1] != "c/#" {
		t.Errorf("filters lost: %+v", out.TopicFilters)
	}
}

func TestDisconnectEmptyIsSuccess(t *testing.T) {
	in := &DISCONNECT{FixedHeader: &FixedHeader{Version: VERSION500, Kind: 0xE}}
	out := roundTrip(t, VERSION500, in).(*DISCONNECT)
	if out.ReasonCode.Code != 0 {
		t.Errorf("empty DISCONNECT code = 0x%02X, want 0", out.ReasonCode.Code)
	}
}

func TestPingRoundTrip(t *testing.T) {
	out := roundTrip(t, VERSION311, &PINGREQ{FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0xC}})
	if _, ok := out.(*PINGREQ); !ok {
		t.Fatalf("got %T, want *PINGREQ", out)
	}
}

func TestUnpackEnforcesMaxPacketSize(t *testing.T) {
	in := &PUBLISH{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x3},
		Message:     &Message{TopicName: "a", Content: []byte(strings.Repeat("x", 100))},
	}
	var buf bytes.Buffer
	if err := in.Pack(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := Unpack(VERSION311, &buf, 16); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("got %v, want ErrPacketTooLarge", err)
	}
}

func TestUnpackShortRead(t *testing.T) {
	in := &PUBLISH{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x3},
		Message:     &Message{TopicName: "a/b", Content: []byte("hello")},
	}
	var buf bytes.Buffer
	if err := in.Pack(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()[:buf.Len()-3]
	_, err := Unpack(VERSION311, bytes.NewReader(raw), 0)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestUserPropertiesKeepOrderAndDuplicates(t *testing.T) {
	ups := UserProperties{{Key: "a", Value: "1"}, {Key: "a", Value: "2"}, {Key: "b", Value: "3"}}
	buf := GetBuffer()
	defer PutBuffer(buf)
	ups.pack(buf)

	var out UserProperties
	for buf.Len() > 0 {
		if buf.Next(1)[0] != propUserProperty {
			t.Fatal("unexpected property id")
		}
		out.unpack(buf)
	}
	if len(out) != 3 || out[0].Value != "1" || out[1].Value != "2" || out[2].Key != "b" {
		t.Errorf("order or duplicates lost: %+v", out)
	}
}

func TestReasonCodeIs(t *testing.T) {
	err := error(ErrNotAuthorized)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Error("ReasonCode must match itself through errors.Is")
	}
	if errors.Is(err, ErrQuotaExceeded) {
		t.Error("distinct reason codes must not match")
	}
}
