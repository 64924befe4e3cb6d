package monstermq

import (
	"testing"
	"time"

	"github.com/monstermq/monstermq/packet"
)

func TestNewBrokerMessageCarriesProperties(t *testing.T) {
	pkt := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: PUBLISH, QoS: 1, Retain: 1},
		Message:     &packet.Message{TopicName: "tele/dev1", Content: []byte(`{"v":1}`)},
		Props: &packet.PublishProperties{
			PayloadFormatIndicator: 1,
			MessageExpiryInterval:  30,
			ContentType:            "application/json",
			ResponseTopic:          "reply/dev1",
			CorrelationData:        []byte{0xDE, 0xAD},
			UserProperties:         packet.UserProperties{{Key: "k", Value: "v"}},
		},
	}
	m := NewBrokerMessage("dev1", pkt)
	if m.Topic != "tele/dev1" || m.QoS != 1 || !m.Retain || m.ClientID != "dev1" {
		t.Fatalf("basic fields: %+v", m)
	}
	if m.Expiry != 30 || m.ContentType != "application/json" || m.ResponseTopic != "reply/dev1" {
		t.Errorf("properties: %+v", m)
	}
	if len(m.UserProperties) != 1 || m.UserProperties[0].Key != "k" {
		t.Errorf("user properties: %v", m.UserProperties)
	}
}

func TestBrokerMessageExpiry(t *testing.T) {
	m := &BrokerMessage{Created: time.Now().Add(-10 * time.Second), Expiry: 30}
	if m.Expired(time.Now()) {
		t.Error("message inside its interval must not be expired")
	}
	remaining, ok := m.RemainingExpiry(time.Now())
	if !ok || remaining < 19 || remaining > 21 {
		t.Errorf("remaining = %d, want ~20", remaining)
	}

	m.Expiry = 5
	if !m.Expired(time.Now()) {
		t.Error("message past its interval must be expired")
	}
	if remaining, ok = m.RemainingExpiry(time.Now()); !ok || remaining != 0 {
		t.Errorf("expired remaining = %d ok=%v, want 0 true", remaining, ok)
	}

	m.Expiry = NoExpiry
	if m.Expired(time.Now().Add(24 * time.Hour)) {
		t.Error("NoExpiry must never expire")
	}
	if _, ok = m.RemainingExpiry(time.Now()); ok {
		t.Error("NoExpiry must not report a remaining interval")
	}
}

func TestBrokerMessageValidPayloadFormat(t *testing.T) {
	m := &BrokerMessage{Payload: []byte{0xFF, 0xFE}}
	if !m.ValidPayloadFormat() {
		t.Error("indicator 0 accepts any bytes")
	}
	m.PayloadFormat = 1
	if m.ValidPayloadFormat() {
		t.Error("indicator 1 with invalid UTF-8 must fail")
	}
	m.Payload = []byte("héllo")
	if !m.ValidPayloadFormat() {
		t.Error("indicator 1 with valid UTF-8 must pass")
	}
}

func TestBrokerMessagePublishPerVersion(t *testing.T) {
	m := &BrokerMessage{
		Topic:       "a/b",
		Payload:     []byte("p"),
		QoS:         2,
		Created:     time.Now(),
		Expiry:      60,
		ContentType: "text/plain",
	}

	v3 := m.Publish(packet.VERSION311, 1, false)
	if v3.Props != nil {
		t.Error("3.1.1 publish must not carry a property block")
	}
	if v3.QoS != 1 || v3.Retain != 0 {
		t.Errorf("v3 header: qos=%d retain=%d", v3.QoS, v3.Retain)
	}

	v5 := m.Publish(packet.VERSION500, 2, true)
	if v5.Props == nil || v5.Props.ContentType != "text/plain" {
		t.Fatalf("v5 props: %+v", v5.Props)
	}
	if v5.Props.MessageExpiryInterval == 0 || v5.Props.MessageExpiryInterval > 60 {
		t.Errorf("expiry on the wire = %d", v5.Props.MessageExpiryInterval)
	}
	if v5.Retain != 1 {
		t.Error("retain flag lost")
	}
}

func TestBrokerMessageEncodeDecode(t *testing.T) {
	m := &BrokerMessage{
		Topic:          "a/b",
		Payload:        []byte("p"),
		QoS:            1,
		ClientID:       "c1",
		Created:        time.Now().UTC().Truncate(time.Second),
		Expiry:         NoExpiry,
		UserProperties: packet.UserProperties{{Key: "x", Value: "y"}},
	}
	b, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBrokerMessage(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Topic != m.Topic || got.Expiry != NoExpiry || string(got.Payload) != "p" {
		t.Errorf("round trip: %+v", got)
	}
	if len(got.UserProperties) != 1 || got.UserProperties[0].Value != "y" {
		t.Errorf("user properties: %v", got.UserProperties)
	}
}
