package monstermq

import (
	"context"
	"sync"

	"github.com/monstermq/monstermq/topic"
)

// SubscriptionManager fronts the topic index with the per-subscription MQTT 5
// option bits and mirrors every mutation into the session store. Lookups hit
// only the in-memory structures.
type SubscriptionManager struct {
	index *topic.Index
	store SessionStore

	mu   sync.RWMutex
	opts map[string]*SubscriptionRecord // clientID + "\x00" + filter
}

func NewSubscriptionManager(store SessionStore) *SubscriptionManager {
	return &SubscriptionManager{
		index: topic.NewIndex(),
		store: store,
		opts:  make(map[string]*SubscriptionRecord),
	}
}

func subKey(clientID, filter string) string { return clientID + "\x00" + filter }

// Load rebuilds the index from the session store. Called once at startup
// before any endpoint is accepted.
func (m *SubscriptionManager) Load(ctx context.Context) error {
	return m.store.AllSubscriptions(ctx, func(rec *SubscriptionRecord) error {
		if err := m.index.Subscribe(rec.ClientID, rec.Filter); err != nil {
			return err
		}
		m.mu.Lock()
		m.opts[subKey(rec.ClientID, rec.Filter)] = rec
		m.mu.Unlock()
		return nil
	})
}

// Subscribe registers the filter for the client, replacing any existing
// subscription on the same filter. Returns whether the filter already
// existed for this client (drives retain handling 1).
func (m *SubscriptionManager) Subscribe(ctx context.Context, rec *SubscriptionRecord) (existed bool, err error) {
	existed = m.index.HasSubscriber(rec.Filter, rec.ClientID)
	if err := m.index.Subscribe(rec.ClientID, rec.Filter); err != nil {
		return false, err
	}
	m.mu.Lock()
	m.opts[subKey(rec.ClientID, rec.Filter)] = rec
	m.mu.Unlock()
	if err := m.store.PutSubscription(ctx, rec); err != nil {
		return existed, err
	}
	return existed, nil
}

// Unsubscribe removes the filter for the client. Returns false when no such
// subscription existed (maps to reason code 0x11 on v5).
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, clientID, filter string) (bool, error) {
	existed := m.index.Unsubscribe(clientID, filter)
	m.mu.Lock()
	delete(m.opts, subKey(clientID, filter))
	m.mu.Unlock()
	if !existed {
		return false, nil
	}
	return true, m.store.DeleteSubscription(ctx, clientID, filter)
}

// RemoveClient drops every subscription of the client, used when a session
// is destroyed.
func (m *SubscriptionManager) RemoveClient(ctx context.Context, clientID string) error {
	filters := m.index.Filters(clientID)
	m.index.RemoveClient(clientID)
	m.mu.Lock()
	for _, f := range filters {
		delete(m.opts, subKey(clientID, f))
	}
	m.mu.Unlock()
	for _, f := range filters {
		if err := m.store.DeleteSubscription(ctx, clientID, f); err != nil {
			return err
		}
	}
	return nil
}

// Subscriber is one matched recipient with the resolved subscription options.
type Subscriber struct {
	ClientID          string
	Filter            string
	QoS               uint8
	NoLocal           bool
	RetainAsPublished bool
}

// Match resolves every subscriber of the topic. A client matched by several
// filters appears once with the highest granted QoS; NoLocal and
// RetainAsPublished are ORed across the matching filters.
func (m *SubscriptionManager) Match(t string) []Subscriber {
	entries := m.index.Match(t)
	if len(entries) == 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	byClient := make(map[string]*Subscriber, len(entries))
	for _, e := range entries {
		rec, ok := m.opts[subKey(e.ClientID, e.Filter)]
		if !ok {
			continue
		}
		sub, ok := byClient[e.ClientID]
		if !ok {
			byClient[e.ClientID] = &Subscriber{
				ClientID:          e.ClientID,
				Filter:            e.Filter,
				QoS:               rec.QoS,
				NoLocal:           rec.NoLocal,
				RetainAsPublished: rec.RetainAsPublished,
			}
			continue
		}
		if rec.QoS > sub.QoS {
			sub.QoS = rec.QoS
			sub.Filter = rec.Filter
		}
		sub.NoLocal = sub.NoLocal || rec.NoLocal
		sub.RetainAsPublished = sub.RetainAsPublished || rec.RetainAsPublished
	}
	out := make([]Subscriber, 0, len(byClient))
	for _, s := range byClient {
		out = append(out, *s)
	}
	return out
}

// HasSubscriber reports whether the client already holds the exact filter.
func (m *SubscriptionManager) HasSubscriber(filter, clientID string) bool {
	return m.index.HasSubscriber(filter, clientID)
}

// Filters returns the client's current filters.
func (m *SubscriptionManager) Filters(clientID string) []string {
	return m.index.Filters(clientID)
}

// Count returns the number of subscriptions across all clients.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.opts)
}
