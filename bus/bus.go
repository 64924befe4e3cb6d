// Package bus carries broker-internal messages between nodes. The local
// implementation loops everything back in process; the NATS implementation
// spans a cluster.
package bus

import "context"

// Handler consumes one message from a subject. Payloads are opaque bytes;
// callers own the encoding.
type Handler func(subject string, data []byte)

// Bus is an at-most-once pub/sub fabric with request/reply on top.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	// Request sends data on subject and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	// Reply registers a responder for subject.
	Reply(subject string, fn func(data []byte) []byte) (Subscription, error)
	Close() error
}

// Subscription detaches a handler from its subject.
type Subscription interface {
	Unsubscribe() error
}
