package monstermq

import (
	"context"
	"time"
)

// Persisted session state. The session store is authoritative for persistent
// subscribers: the QoS contract is honored only to the extent it is
// available.

// SessionRecord is the durable CONNECT state of one client id.
type SessionRecord struct {
	ClientID          string
	CleanStart        bool
	SessionExpiry     uint32 // seconds
	ReceiveMaximum    uint16
	MaximumPacketSize uint32
	TopicAliasMaximum uint16
	Connected         bool
	NodeID            string
	Will              *BrokerMessage
	WillDelay         uint32 // seconds
	UpdatedAt         time.Time
}

// SubscriptionRecord is one persisted (client, filter) pair with its MQTT 5
// option bits.
type SubscriptionRecord struct {
	ClientID          string
	Filter            string
	QoS               uint8
	NoLocal           bool
	RetainHandling    uint8
	RetainAsPublished bool
}

// QueuedMessage is one offline message. FIFO per client by Sequence.
type QueuedMessage struct {
	ClientID string
	Sequence uint64
	Message  *BrokerMessage
	Created  time.Time
	Expiry   int64 // seconds; NoExpiry = none
}

// Expired reports whether the queued entry must be skipped and removed.
func (q *QueuedMessage) Expired(now time.Time) bool {
	if q.Expiry == NoExpiry {
		return false
	}
	return now.Sub(q.Created) >= time.Duration(q.Expiry)*time.Second
}

// SessionStore persists sessions, subscriptions and per-client offline
// queues. Implementations must be safe for concurrent calls; per-client
// ordering is provided by the engine, which routes a client's mutations
// through its endpoint.
type SessionStore interface {
	GetSession(ctx context.Context, clientID string) (*SessionRecord, error)
	PutSession(ctx context.Context, rec *SessionRecord) error
	DeleteSession(ctx context.Context, clientID string) error
	// SetConnected flips the connected flag and owning node without touching
	// the rest of the record.
	SetConnected(ctx context.Context, clientID, nodeID string, connected bool) error

	PutSubscription(ctx context.Context, rec *SubscriptionRecord) error
	DeleteSubscription(ctx context.Context, clientID, filter string) error
	Subscriptions(ctx context.Context, clientID string) ([]*SubscriptionRecord, error)
	// AllSubscriptions streams every persisted subscription; used to rebuild
	// the in-memory index at startup.
	AllSubscriptions(ctx context.Context, fn func(*SubscriptionRecord) error) error

	Enqueue(ctx context.Context, msg *QueuedMessage) error
	// EnqueueBulk appends a batch of messages, preserving slice order within
	// each client. Used by the dispatcher's bulking window.
	EnqueueBulk(ctx context.Context, msgs []*QueuedMessage) error
	// Dequeue returns up to limit queued messages in sequence order.
	// Expired entries are skipped and permanently removed.
	Dequeue(ctx context.Context, clientID string, limit int) ([]*QueuedMessage, error)
	Ack(ctx context.Context, clientID string, sequence uint64) error
	QueueDepth(ctx context.Context, clientID string) (int, error)
	// PurgeExpired removes queued messages whose creation time plus expiry is
	// at or before now, across all clients. Run under the purge lock.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// ExpireSessions destroys disconnected sessions whose session expiry has
	// elapsed at now, returning the client ids removed.
	ExpireSessions(ctx context.Context, now time.Time) ([]string, error)
}

// RetainedMessage is the last retained publish for one exact topic.
type RetainedMessage struct {
	Topic   string
	Message *BrokerMessage
}

// RetainedStore keeps one message per topic. A zero-length retained payload
// clears the entry before it reaches the store.
type RetainedStore interface {
	Set(ctx context.Context, topic string, msg *BrokerMessage) error
	Delete(ctx context.Context, topic string) error
	Get(ctx context.Context, topic string) (*BrokerMessage, error)
	// Match returns every retained message whose topic satisfies filter.
	Match(ctx context.Context, filter string) ([]*RetainedMessage, error)
}

// ArchiveEntry is one append-only archive row.
type ArchiveEntry struct {
	Topic          string
	Timestamp      time.Time
	Payload        []byte
	QoS            uint8
	Retain         bool
	ClientID       string
	UserProperties [][2]string
}

// ArchiveStore is the historical log of an archive group.
type ArchiveStore interface {
	Append(ctx context.Context, entries []*ArchiveEntry) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// LastValueStore is the current-value projection of an archive group,
// overwriting by topic.
type LastValueStore interface {
	Put(ctx context.Context, entries []*ArchiveEntry) error
	Get(ctx context.Context, topic string) (*ArchiveEntry, error)
}

// BrokerMetrics is one subsystem's current-interval counters. Message
// counters are deltas since the previous collection; gauges are snapshots.
type BrokerMetrics struct {
	NodeID            string    `json:"nodeId"`
	Timestamp         time.Time `json:"timestamp"`
	MessagesIn        uint64    `json:"messagesIn"`
	MessagesOut       uint64    `json:"messagesOut"`
	ClientsConnected  int       `json:"clientsConnected"`
	SubscriptionCount int       `json:"subscriptionCount"`
}

// MetricsStore persists interval aggregates as a time series per kind tag.
type MetricsStore interface {
	Persist(ctx context.Context, kind string, m *BrokerMetrics) error
}
