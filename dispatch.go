package monstermq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Bus subjects. Publishes and subscription changes broadcast to every node;
// take-over requests target the owning node.
const (
	subjectPublish = "monstermq.publish"
	subjectSubs    = "monstermq.subs"
)

// busPublish is the cross-node envelope for an application message.
type busPublish struct {
	Origin  string `json:"origin"`
	Message []byte `json:"message"`
}

// busSubEvent replicates one subscription mutation to the other nodes'
// in-memory indexes. The origin already persisted it.
type busSubEvent struct {
	Origin    string `json:"origin"`
	Remove    bool   `json:"remove,omitempty"`
	ClientID  string `json:"clientId"`
	Filter    string `json:"filter,omitempty"`
	QoS       uint8  `json:"qos,omitempty"`
	NoLocal   bool   `json:"noLocal,omitempty"`
	RetainPub bool   `json:"retainAsPublished,omitempty"`
	// AllFilters removes every subscription of the client.
	AllFilters bool `json:"allFilters,omitempty"`
}

func takeoverSubject(nodeID string) string {
	return "monstermq.node." + nodeID + ".takeover"
}

func (s *Server) startBus() error {
	sub, err := s.bus.Subscribe(subjectPublish, s.onRemotePublish)
	if err != nil {
		return err
	}
	s.busSubs = append(s.busSubs, sub)

	sub, err = s.bus.Subscribe(subjectSubs, s.onRemoteSubEvent)
	if err != nil {
		return err
	}
	s.busSubs = append(s.busSubs, sub)

	sub, err = s.bus.Reply(takeoverSubject(s.Config.NodeID), s.onTakeoverRequest)
	if err != nil {
		return err
	}
	s.busSubs = append(s.busSubs, sub)
	return nil
}

// Dispatch routes one inbound application message: retained state, archive
// capture, offline queues and live delivery, local and remote. This is the
// single entry point for everything a client publishes.
func (s *Server) Dispatch(ctx context.Context, msg *BrokerMessage) error {
	stat.MessagesIn.Inc()
	s.msgIn.Add(1)

	if msg.Retain {
		if err := s.updateRetained(ctx, msg); err != nil {
			log.Error().Err(err).Str("topic", msg.Topic).Msg("retained update failed")
		}
	}
	s.archiver.Capture(msg)

	s.deliver(ctx, msg)

	// Fan out to the other nodes for their live subscribers.
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	env, _ := json.Marshal(busPublish{Origin: s.Config.NodeID, Message: data})
	return s.bus.Publish(ctx, subjectPublish, env)
}

// deliver routes msg to every matching subscriber, applying the
// per-recipient transform: effective QoS is the smaller of the message's
// and the subscription's, the retain flag survives only for
// retain-as-published subscribers.
func (s *Server) deliver(ctx context.Context, msg *BrokerMessage) {
	for _, sub := range s.subs.Match(msg.Topic) {
		if sub.NoLocal && sub.ClientID == msg.ClientID {
			continue
		}
		qos := msg.QoS
		if sub.QoS < qos {
			qos = sub.QoS
		}
		retain := msg.Retain && sub.RetainAsPublished

		if c := s.client(sub.ClientID); c != nil {
			c.deliver(msg, qos, retain, 0)
			continue
		}
		if qos == 0 {
			continue
		}
		// Every node sees every publish; only the client's rendezvous
		// owner writes its offline queue.
		if ok, err := s.coord.Responsible(ctx, sub.ClientID); err != nil || !ok {
			continue
		}
		s.enqueue(ctx, sub.ClientID, msg, qos, retain)
	}
}

// enqueue hands msg to the bulker for a disconnected persistent session,
// already transformed for the recipient, respecting the configured bound.
// Sessions that do not exist get nothing.
func (s *Server) enqueue(ctx context.Context, clientID string, msg *BrokerMessage, qos uint8, retain bool) {
	rec, err := s.store.GetSession(ctx, clientID)
	if err != nil || rec == nil {
		return
	}
	if max := s.Config.QueuedMessagesMax; max > 0 {
		depth, err := s.store.QueueDepth(ctx, clientID)
		if err == nil && depth >= max {
			stat.DroppedMessages.Inc()
			return
		}
	}
	queued := msg.Clone()
	queued.QoS = qos
	queued.Retain = retain
	s.queueBulk.add(&QueuedMessage{
		ClientID: clientID,
		Message:  queued,
		Created:  time.Now(),
		Expiry:   msg.Expiry,
	})
}

// queueBulker coalesces offline queue writes inside the dispatch bulking
// window so a fan-out burst becomes one store batch.
type queueBulker struct {
	store  SessionStore
	window time.Duration

	mu      sync.Mutex
	pending []*QueuedMessage
}

func newQueueBulker(store SessionStore, window time.Duration) *queueBulker {
	return &queueBulker{store: store, window: window}
}

func (b *queueBulker) add(msg *QueuedMessage) {
	b.mu.Lock()
	b.pending = append(b.pending, msg)
	first := len(b.pending) == 1
	b.mu.Unlock()
	if first {
		time.AfterFunc(b.window, b.flush)
	}
}

// flush writes everything buffered so far, preserving per-client order.
func (b *queueBulker) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.store.EnqueueBulk(ctx, batch); err != nil {
		log.Error().Err(err).Int("messages", len(batch)).Msg("bulk enqueue failed")
	}
}

// updateRetained stores or clears the retained message for the topic. An
// empty payload clears; expiry is kept with the message and checked on read.
func (s *Server) updateRetained(ctx context.Context, msg *BrokerMessage) error {
	if len(msg.Payload) == 0 {
		return s.retained.Delete(ctx, msg.Topic)
	}
	return s.retained.Set(ctx, msg.Topic, msg)
}

func (s *Server) onRemotePublish(_ string, data []byte) {
	var env busPublish
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("bus: bad publish envelope")
		return
	}
	if env.Origin == s.Config.NodeID {
		return
	}
	msg, err := DecodeBrokerMessage(env.Message)
	if err != nil {
		log.Warn().Err(err).Msg("bus: bad publish payload")
		return
	}
	s.deliver(context.Background(), msg)
}

// broadcastSubEvent replicates a subscription mutation to the other nodes.
func (s *Server) broadcastSubEvent(ctx context.Context, ev busSubEvent) {
	ev.Origin = s.Config.NodeID
	data, _ := json.Marshal(ev)
	if err := s.bus.Publish(ctx, subjectSubs, data); err != nil {
		log.Warn().Err(err).Msg("bus: subscription broadcast failed")
	}
}

func (s *Server) onRemoteSubEvent(_ string, data []byte) {
	var ev busSubEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warn().Err(err).Msg("bus: bad subscription event")
		return
	}
	if ev.Origin == s.Config.NodeID {
		return
	}
	ctx := context.Background()
	switch {
	case ev.AllFilters:
		if err := s.subs.RemoveClient(ctx, ev.ClientID); err != nil {
			log.Warn().Err(err).Str("client", ev.ClientID).Msg("bus: remove client failed")
		}
	case ev.Remove:
		if _, err := s.subs.Unsubscribe(ctx, ev.ClientID, ev.Filter); err != nil {
			log.Warn().Err(err).Str("client", ev.ClientID).Msg("bus: unsubscribe failed")
		}
	default:
		if _, err := s.subs.Subscribe(ctx, &SubscriptionRecord{
			ClientID:          ev.ClientID,
			Filter:            ev.Filter,
			QoS:               ev.QoS,
			NoLocal:           ev.NoLocal,
			RetainAsPublished: ev.RetainPub,
		}); err != nil {
			log.Warn().Err(err).Str("client", ev.ClientID).Msg("bus: subscribe failed")
		}
	}
}

// onTakeoverRequest disconnects the named client if it is connected here,
// making room for its new connection elsewhere.
func (s *Server) onTakeoverRequest(data []byte) []byte {
	clientID := string(data)
	if c := s.client(clientID); c != nil {
		c.takeOver()
		return []byte("ok")
	}
	return []byte("miss")
}

// takeOverRemote asks the node currently owning clientID to drop it.
func (s *Server) takeOverRemote(ctx context.Context, clientID string) {
	nodeID, err := s.coord.NodeForClient(ctx, clientID)
	if err != nil || nodeID == "" || nodeID == s.Config.NodeID {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.bus.Request(reqCtx, takeoverSubject(nodeID), []byte(clientID)); err != nil {
		log.Warn().Err(err).Str("client", clientID).Str("node", nodeID).Msg("takeover request failed")
	}
}
