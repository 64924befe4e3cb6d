package bus

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// Nats carries bus traffic over a NATS cluster. Subjects map one to one to
// NATS subjects.
type Nats struct {
	conn *nats.Conn
}

var _ Bus = (*Nats)(nil)

// ConnectNats dials the NATS server(s) at url with reconnect enabled.
func ConnectNats(url, name string) (*Nats, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Nats{conn: conn}, nil
}

func (b *Nats) Publish(_ context.Context, subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *Nats) Subscribe(subject string, h Handler) (Subscription, error) {
	return b.conn.Subscribe(subject, func(m *nats.Msg) {
		h(m.Subject, m.Data)
	})
}

func (b *Nats) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (b *Nats) Reply(subject string, fn func([]byte) []byte) (Subscription, error) {
	return b.conn.Subscribe(subject, func(m *nats.Msg) {
		_ = m.Respond(fn(m.Data))
	})
}

func (b *Nats) Close() error {
	return b.conn.Drain()
}
