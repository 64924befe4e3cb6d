package monstermq

import "time"

// Config carries the broker-wide tunables. The zero value is usable after
// withDefaults; cmd/monstermq populates it from the environment.
type Config struct {
	// NodeID identifies this broker inside a cluster. Defaults to a random
	// id when empty.
	NodeID string

	// MaxPacketSize is announced in the CONNACK and enforced on inbound
	// packets.
	MaxPacketSize uint32

	// ReceiveMaximum is the per-client window the broker grants for inbound
	// QoS>0 publishes on MQTT 5 connections.
	ReceiveMaximum uint16

	// ReceiveMaximumV3 bounds the outbound in-flight window for MQTT 3
	// clients, which have no way to negotiate one.
	ReceiveMaximumV3 uint16

	// TopicAliasMaximum is the inbound alias table size announced to MQTT 5
	// clients.
	TopicAliasMaximum uint16

	// MaxSessionExpiry caps the client-requested session expiry interval.
	// Zero means no cap.
	MaxSessionExpiry uint32

	// MaxKeepAlive caps the client-requested keep-alive. MQTT 5 clients are
	// told the reduced value via the CONNACK server-keep-alive property.
	// Zero means no cap.
	MaxKeepAlive uint16

	// QueuedMessagesMax bounds each offline queue; excess messages are
	// dropped. Zero means unlimited.
	QueuedMessagesMax int

	// DisconnectOnUnauthorized closes the network connection after a
	// publish is rejected by the ACL instead of only discarding it.
	DisconnectOnUnauthorized bool

	// PurgeInterval is the cadence of the queued-message and retained
	// expiry sweeps.
	PurgeInterval time.Duration

	// MetricsInterval is the cadence of broker metrics aggregation.
	MetricsInterval time.Duration

	// DispatchBulkWindow is how long the dispatcher coalesces queue writes
	// for the same offline client.
	DispatchBulkWindow time.Duration
}

func (c *Config) withDefaults() {
	if c.NodeID == "" {
		c.NodeID = genID()
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = 512 * 1024
	}
	if c.ReceiveMaximum == 0 {
		c.ReceiveMaximum = 100
	}
	if c.ReceiveMaximumV3 == 0 {
		c.ReceiveMaximumV3 = 65535
	}
	if c.TopicAliasMaximum == 0 {
		c.TopicAliasMaximum = 10
	}
	if c.PurgeInterval == 0 {
		c.PurgeInterval = 60 * time.Second
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 60 * time.Second
	}
	if c.DispatchBulkWindow == 0 {
		c.DispatchBulkWindow = 10 * time.Millisecond
	}
}
