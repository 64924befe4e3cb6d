package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrNoResponder is returned by Request when nothing answers the subject.
var ErrNoResponder = errors.New("bus: no responder for subject")

// Local is an in-process Bus for single-node deployments and tests.
// Handlers run on the publisher's goroutine.
type Local struct {
	mu     sync.RWMutex
	subs   map[string][]*localSub
	closed bool
}

var _ Bus = (*Local)(nil)

func NewLocal() *Local {
	return &Local{subs: make(map[string][]*localSub)}
}

type localSub struct {
	bus     *Local
	subject string
	h       Handler
	reply   func([]byte) []byte
}

func (s *localSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.subject]
	for i, cand := range list {
		if cand == s {
			s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Local) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.RLock()
	list := make([]*localSub, len(b.subs[subject]))
	copy(list, b.subs[subject])
	b.mu.RUnlock()
	for _, s := range list {
		if s.h != nil {
			s.h(subject, data)
		}
	}
	return nil
}

func (b *Local) Subscribe(subject string, h Handler) (Subscription, error) {
	s := &localSub{bus: b, subject: subject, h: h}
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()
	return s, nil
}

func (b *Local) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	b.mu.RLock()
	list := make([]*localSub, len(b.subs[subject]))
	copy(list, b.subs[subject])
	b.mu.RUnlock()
	for _, s := range list {
		if s.reply != nil {
			return s.reply(data), nil
		}
	}
	return nil, ErrNoResponder
}

func (b *Local) Reply(subject string, fn func([]byte) []byte) (Subscription, error) {
	s := &localSub{bus: b, subject: subject, reply: fn}
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()
	return s, nil
}

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*localSub)
	b.closed = true
	return nil
}
