package monstermq

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/monstermq/monstermq/packet"
)

// NoExpiry is the persisted sentinel for "no message expiry". In memory the
// absence is expressed as Expiry == NoExpiry rather than a pointer so the
// message stays copyable.
const NoExpiry int64 = -1

// BrokerMessage is the canonical internal form of a published message after
// topic-alias resolution. The packet id is not part of it: ids are
// per-subscriber and assigned by the delivering endpoint.
type BrokerMessage struct {
	Topic    string    `json:"topic"`
	Payload  []byte    `json:"payload"`
	QoS      uint8     `json:"qos"`
	Retain   bool      `json:"retain"`
	Dup      bool      `json:"dup,omitempty"`
	ClientID string    `json:"clientId"` // origin connection
	Created  time.Time `json:"created"`

	// MQTT 5 properties, all optional.
	PayloadFormat   uint8                   `json:"payloadFormat,omitempty"`
	Expiry          int64                   `json:"expiry"` // seconds; NoExpiry = none
	ContentType     string                  `json:"contentType,omitempty"`
	ResponseTopic   string                  `json:"responseTopic,omitempty"`
	CorrelationData []byte                  `json:"correlationData,omitempty"`
	UserProperties  packet.UserProperties   `json:"userProperties,omitempty"`
}

// NewBrokerMessage normalizes an inbound PUBLISH. The topic must already be
// alias-resolved.
func NewBrokerMessage(origin string, pkt *packet.PUBLISH) *BrokerMessage {
	m := &BrokerMessage{
		Topic:    pkt.Message.TopicName,
		Payload:  pkt.Message.Content,
		QoS:      pkt.QoS,
		Retain:   pkt.Retain == 1,
		Dup:      pkt.Dup == 1,
		ClientID: origin,
		Created:  time.Now(),
		Expiry:   NoExpiry,
	}
	if props := pkt.Props; props != nil {
		m.PayloadFormat = props.PayloadFormatIndicator
		if props.MessageExpiryInterval != 0 {
			m.Expiry = int64(props.MessageExpiryInterval)
		}
		m.ContentType = props.ContentType
		m.ResponseTopic = props.ResponseTopic
		m.CorrelationData = props.CorrelationData
		m.UserProperties = props.UserProperties.Clone()
	}
	return m
}

// Clone copies the message including every MQTT 5 property. The payload is
// shared; callers never mutate it.
func (m *BrokerMessage) Clone() *BrokerMessage {
	c := *m
	c.UserProperties = m.UserProperties.Clone()
	return &c
}

// ValidPayloadFormat reports whether a payload-format-indicator=1 payload is
// actually UTF-8. Violations are logged and forwarded as-is; the broker
// never drops for this.
func (m *BrokerMessage) ValidPayloadFormat() bool {
	return m.PayloadFormat == 0 || utf8.Valid(m.Payload)
}

// Expired reports whether the message is past its expiry at now.
func (m *BrokerMessage) Expired(now time.Time) bool {
	if m.Expiry == NoExpiry {
		return false
	}
	return now.Sub(m.Created) >= time.Duration(m.Expiry)*time.Second
}

// RemainingExpiry recomputes the outbound message-expiry-interval:
// max(0, original − floor(elapsed seconds)). A zero remainder means the
// property is omitted on the wire and the message must not be enqueued
// further.
func (m *BrokerMessage) RemainingExpiry(now time.Time) (uint32, bool) {
	if m.Expiry == NoExpiry {
		return 0, false
	}
	remaining := m.Expiry - int64(now.Sub(m.Created)/time.Second)
	if remaining <= 0 {
		return 0, true
	}
	return uint32(remaining), true
}

// Publish builds the outbound PUBLISH for one subscriber. The caller sets
// PacketID and flow-control state.
func (m *BrokerMessage) Publish(version byte, qos uint8, retain bool) *packet.PUBLISH {
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: version, Kind: PUBLISH, QoS: qos},
		Message:     &packet.Message{TopicName: m.Topic, Content: m.Payload},
	}
	if retain {
		pub.Retain = 1
	}
	if version != packet.VERSION500 {
		return pub
	}
	props := &packet.PublishProperties{
		PayloadFormatIndicator: m.PayloadFormat,
		ContentType:            m.ContentType,
		ResponseTopic:          m.ResponseTopic,
		CorrelationData:        m.CorrelationData,
		UserProperties:         m.UserProperties.Clone(),
	}
	if remaining, ok := m.RemainingExpiry(time.Now()); ok && remaining > 0 {
		props.MessageExpiryInterval = remaining
	}
	pub.Props = props
	return pub
}

// Encode serializes the message for the bus and the queued-message stores.
func (m *BrokerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeBrokerMessage(b []byte) (*BrokerMessage, error) {
	m := &BrokerMessage{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}
