// Package cluster coordinates broker nodes: which node owns a client id,
// short-lived distributed locks, and leader election for singleton jobs.
package cluster

import (
	"context"
	"time"
)

// Coordinator tracks node membership and client placement. All methods are
// safe for concurrent use.
type Coordinator interface {
	// NodeID is this node's stable identifier.
	NodeID() string

	// SetNodeForClient records that the client's session lives on nodeID.
	SetNodeForClient(ctx context.Context, clientID, nodeID string) error
	// NodeForClient resolves a client id to its owning node; empty when
	// unknown.
	NodeForClient(ctx context.Context, clientID string) (string, error)
	// RemoveClient drops the placement record.
	RemoveClient(ctx context.Context, clientID string) error

	// Responsible reports whether this node is the rendezvous owner of the
	// given id among the live members. Single-node implementations always
	// answer true.
	Responsible(ctx context.Context, id string) (bool, error)

	// TryLock acquires the named lock for ttl. Returns false without
	// blocking when another holder exists.
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error

	// IsLeader reports whether this node currently holds the cluster
	// leadership lease.
	IsLeader(ctx context.Context) (bool, error)

	Close() error
}
