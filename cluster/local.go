package cluster

import (
	"context"
	"sync"
	"time"
)

// Local is the single-node Coordinator: every client belongs here, every
// lock is free, this node is always the leader.
type Local struct {
	nodeID string

	mu      sync.Mutex
	clients map[string]string
	locks   map[string]time.Time
}

var _ Coordinator = (*Local)(nil)

func NewLocal(nodeID string) *Local {
	return &Local{
		nodeID:  nodeID,
		clients: make(map[string]string),
		locks:   make(map[string]time.Time),
	}
}

func (l *Local) NodeID() string { return l.nodeID }

func (l *Local) SetNodeForClient(_ context.Context, clientID, nodeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients[clientID] = nodeID
	return nil
}

func (l *Local) NodeForClient(_ context.Context, clientID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clients[clientID], nil
}

func (l *Local) RemoveClient(_ context.Context, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
	return nil
}

func (l *Local) TryLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, held := l.locks[name]; held && time.Now().Before(until) {
		return false, nil
	}
	l.locks[name] = time.Now().Add(ttl)
	return true, nil
}

func (l *Local) Unlock(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, name)
	return nil
}

func (l *Local) Responsible(context.Context, string) (bool, error) { return true, nil }

func (l *Local) IsLeader(context.Context) (bool, error) { return true, nil }

func (l *Local) Close() error { return nil }
