package monstermq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/monstermq/monstermq/topic"
)

// MemorySessionStore keeps all session state in process memory. It is the
// default store and the reference for the store contract; restarts lose
// everything.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	subs     map[string]map[string]*SubscriptionRecord // clientID -> filter
	queues   map[string][]*QueuedMessage
	seq      uint64
}

var _ SessionStore = (*MemorySessionStore)(nil)

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*SessionRecord),
		subs:     make(map[string]map[string]*SubscriptionRecord),
		queues:   make(map[string][]*QueuedMessage),
	}
}

func (s *MemorySessionStore) GetSession(_ context.Context, clientID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[clientID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemorySessionStore) PutSession(_ context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now()
	s.sessions[rec.ClientID] = &cp
	return nil
}

func (s *MemorySessionStore) DeleteSession(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
	delete(s.subs, clientID)
	delete(s.queues, clientID)
	return nil
}

func (s *MemorySessionStore) SetConnected(_ context.Context, clientID, nodeID string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[clientID]
	if !ok {
		return nil
	}
	rec.Connected = connected
	rec.NodeID = nodeID
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySessionStore) PutSubscription(_ context.Context, rec *SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.subs[rec.ClientID]
	if !ok {
		m = make(map[string]*SubscriptionRecord)
		s.subs[rec.ClientID] = m
	}
	cp := *rec
	m[rec.Filter] = &cp
	return nil
}

func (s *MemorySessionStore) DeleteSubscription(_ context.Context, clientID, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.subs[clientID]; ok {
		delete(m, filter)
		if len(m) == 0 {
			delete(s.subs, clientID)
		}
	}
	return nil
}

func (s *MemorySessionStore) Subscriptions(_ context.Context, clientID string) ([]*SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.subs[clientID]
	out := make([]*SubscriptionRecord, 0, len(m))
	for _, rec := range m {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemorySessionStore) AllSubscriptions(_ context.Context, fn func(*SubscriptionRecord) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.subs {
		for _, rec := range m {
			cp := *rec
			if err := fn(&cp); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *MemorySessionStore) Enqueue(_ context.Context, msg *QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	cp := *msg
	cp.Sequence = s.seq
	if cp.Created.IsZero() {
		cp.Created = time.Now()
	}
	s.queues[msg.ClientID] = append(s.queues[msg.ClientID], &cp)
	return nil
}

func (s *MemorySessionStore) EnqueueBulk(ctx context.Context, msgs []*QueuedMessage) error {
	for _, m := range msgs {
		if err := s.Enqueue(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemorySessionStore) Dequeue(_ context.Context, clientID string, limit int) ([]*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	q := s.queues[clientID]
	out := make([]*QueuedMessage, 0, limit)
	kept := q[:0]
	for _, m := range q {
		if m.Expired(now) {
			continue
		}
		kept = append(kept, m)
		if len(out) < limit {
			out = append(out, m)
		}
	}
	s.queues[clientID] = kept
	return out, nil
}

func (s *MemorySessionStore) Ack(_ context.Context, clientID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[clientID]
	for i, m := range q {
		if m.Sequence == sequence {
			s.queues[clientID] = append(q[:i], q[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemorySessionStore) QueueDepth(_ context.Context, clientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[clientID]), nil
}

func (s *MemorySessionStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int
	for id, q := range s.queues {
		kept := q[:0]
		for _, m := range q {
			if m.Expired(now) {
				purged++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(s.queues, id)
		} else {
			s.queues[id] = kept
		}
	}
	return purged, nil
}

func (s *MemorySessionStore) ExpireSessions(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, rec := range s.sessions {
		if rec.Connected {
			continue
		}
		ttl := time.Duration(rec.SessionExpiry) * time.Second
		if now.Sub(rec.UpdatedAt) >= ttl {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.sessions, id)
		delete(s.subs, id)
		delete(s.queues, id)
	}
	sort.Strings(expired)
	return expired, nil
}

// MemoryRetainedStore keeps retained messages in a flat map keyed by topic.
// Filter matching scans the map; fine for the in-memory tier.
type MemoryRetainedStore struct {
	mu sync.RWMutex
	m  map[string]*BrokerMessage
}

var _ RetainedStore = (*MemoryRetainedStore)(nil)

func NewMemoryRetainedStore() *MemoryRetainedStore {
	return &MemoryRetainedStore{m: make(map[string]*BrokerMessage)}
}

func (s *MemoryRetainedStore) Set(_ context.Context, t string, msg *BrokerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[t] = msg.Clone()
	return nil
}

func (s *MemoryRetainedStore) Delete(_ context.Context, t string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, t)
	return nil
}

func (s *MemoryRetainedStore) Get(_ context.Context, t string) (*BrokerMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.m[t]
	if !ok {
		return nil, nil
	}
	return msg.Clone(), nil
}

func (s *MemoryRetainedStore) Match(_ context.Context, filter string) ([]*RetainedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*RetainedMessage
	for t, msg := range s.m {
		if msg.Expired(now) {
			continue
		}
		if topic.Match(filter, t) {
			out = append(out, &RetainedMessage{Topic: t, Message: msg.Clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

// MemoryArchiveStore is an append-only in-memory archive, mostly useful in
// tests and as the fallback sink when no backend is configured.
type MemoryArchiveStore struct {
	mu      sync.RWMutex
	entries []*ArchiveEntry
}

var _ ArchiveStore = (*MemoryArchiveStore)(nil)

func NewMemoryArchiveStore() *MemoryArchiveStore { return &MemoryArchiveStore{} }

func (s *MemoryArchiveStore) Append(_ context.Context, entries []*ArchiveEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryArchiveStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var purged int
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged, nil
}

// Entries returns a snapshot of the archive contents.
func (s *MemoryArchiveStore) Entries() []*ArchiveEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ArchiveEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// MemoryMetricsStore keeps persisted metrics rows in memory, newest last.
type MemoryMetricsStore struct {
	mu   sync.RWMutex
	rows []MetricsRow
}

// MetricsRow is one persisted interval record.
type MetricsRow struct {
	Kind    string
	Metrics *BrokerMetrics
}

var _ MetricsStore = (*MemoryMetricsStore)(nil)

func NewMemoryMetricsStore() *MemoryMetricsStore { return &MemoryMetricsStore{} }

func (s *MemoryMetricsStore) Persist(_ context.Context, kind string, m *BrokerMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.rows = append(s.rows, MetricsRow{Kind: kind, Metrics: &cp})
	return nil
}

// Rows returns a snapshot of everything persisted so far.
func (s *MemoryMetricsStore) Rows() []MetricsRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MetricsRow, len(s.rows))
	copy(out, s.rows)
	return out
}

// MemoryLastValueStore keeps the newest archive entry per topic.
type MemoryLastValueStore struct {
	mu sync.RWMutex
	m  map[string]*ArchiveEntry
}

var _ LastValueStore = (*MemoryLastValueStore)(nil)

func NewMemoryLastValueStore() *MemoryLastValueStore {
	return &MemoryLastValueStore{m: make(map[string]*ArchiveEntry)}
}

func (s *MemoryLastValueStore) Put(_ context.Context, entries []*ArchiveEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		cur, ok := s.m[e.Topic]
		if ok && cur.Timestamp.After(e.Timestamp) {
			continue
		}
		s.m[e.Topic] = e
	}
	return nil
}

func (s *MemoryLastValueStore) Get(_ context.Context, t string) (*ArchiveEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[t], nil
}
