package monstermq

import (
	"sync"

	"github.com/monstermq/monstermq/packet"
)

// session is the live, per-connection protocol state: packet identifier
// allocation, the outbound in-flight window, the QoS 2 receive set and both
// topic alias tables. It does not survive the connection; durable state
// lives in the SessionStore.
type session struct {
	mu sync.Mutex

	nextID   uint16
	inflight map[uint16]*inflightMessage

	// receive maximum granted by the client; outbound QoS>0 beyond the
	// window queues in pending.
	window  uint16
	pending []*inflightMessage

	// QoS 2 inbound: packet ids received but not yet released. Membership
	// means the application message was already dispatched.
	received map[uint16]struct{}

	inAlias  map[uint16]string // client -> broker
	outAlias map[string]uint16 // broker -> client
	outMax   uint16
	outNext  uint16
}

type inflightMessage struct {
	packetID uint16
	pub      *packet.PUBLISH
	// released marks a QoS 2 flow past PUBREC, awaiting PUBCOMP.
	released bool
	// queueSeq ties the flow back to the offline queue entry, 0 for live
	// deliveries.
	queueSeq uint64
}

func newSession(receiveMaximum uint16) *session {
	if receiveMaximum == 0 {
		receiveMaximum = 65535
	}
	return &session{
		nextID:   1,
		inflight: make(map[uint16]*inflightMessage),
		window:   receiveMaximum,
		received: make(map[uint16]struct{}),
		inAlias:  make(map[uint16]string),
		outAlias: make(map[string]uint16),
		outNext:  1,
	}
}

// allocID returns an unused non-zero packet identifier, or false when all
// 65535 ids are in flight.
func (s *session) allocID() (uint16, bool) {
	for i := 0; i < 65535; i++ {
		id := s.nextID
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		if id == 0 {
			continue
		}
		if _, busy := s.inflight[id]; !busy {
			return id, true
		}
	}
	return 0, false
}

// track registers an outbound QoS>0 publish. When the receive-maximum window
// is full the message is parked and delivered after an acknowledgement frees
// a slot; the returned publish is nil in that case.
func (s *session) track(pub *packet.PUBLISH, queueSeq uint64) (*packet.PUBLISH, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint16(len(s.inflight)) >= s.window {
		s.pending = append(s.pending, &inflightMessage{pub: pub, queueSeq: queueSeq})
		return nil, true
	}
	id, ok := s.allocID()
	if !ok {
		return nil, false
	}
	pub.PacketID = id
	s.inflight[id] = &inflightMessage{packetID: id, pub: pub, queueSeq: queueSeq}
	return pub, true
}

// ack completes a QoS 1 flow (PUBACK) or a failed QoS 2 flow. It returns the
// finished entry and, if a parked message now fits the window, the next
// publish to send.
func (s *session) ack(packetID uint16) (*inflightMessage, *packet.PUBLISH) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.inflight[packetID]
	if !ok {
		return nil, nil
	}
	delete(s.inflight, packetID)
	return m, s.promote()
}

// release moves a QoS 2 flow past PUBREC. Returns false for an unknown id.
func (s *session) release(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.inflight[packetID]
	if !ok {
		return false
	}
	m.released = true
	return true
}

// complete finishes a QoS 2 flow on PUBCOMP.
func (s *session) complete(packetID uint16) (*inflightMessage, *packet.PUBLISH) {
	return s.ack(packetID)
}

// promote pops the oldest parked message into the window. Caller holds mu.
func (s *session) promote() *packet.PUBLISH {
	if len(s.pending) == 0 || uint16(len(s.inflight)) >= s.window {
		return nil
	}
	id, ok := s.allocID()
	if !ok {
		return nil
	}
	m := s.pending[0]
	s.pending = s.pending[1:]
	m.packetID = id
	m.pub.PacketID = id
	s.inflight[id] = m
	return m.pub
}

// adopt carries the outbound QoS>0 state of a predecessor connection into
// this session: in-flight flows keep their packet ids, parked messages keep
// their queue order. Alias tables are not adopted, they die with the socket.
func (s *session) adopt(old *session) {
	old.mu.Lock()
	inflight := old.inflight
	pending := old.pending
	received := old.received
	byAlias := make(map[uint16]string, len(old.outAlias))
	for t, a := range old.outAlias {
		byAlias[a] = t
	}
	old.inflight = make(map[uint16]*inflightMessage)
	old.pending = nil
	old.received = make(map[uint16]struct{})
	old.mu.Unlock()

	// Aliases referenced the dead connection's table; restore the elided
	// topic names and strip the alias property.
	restore := func(m *inflightMessage) {
		if m.pub.Props == nil || m.pub.Props.TopicAlias == 0 {
			return
		}
		if m.pub.Message.TopicName == "" {
			m.pub.Message.TopicName = byAlias[m.pub.Props.TopicAlias]
		}
		m.pub.Props.TopicAlias = 0
	}
	for _, m := range inflight {
		restore(m)
	}
	for _, m := range pending {
		restore(m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range inflight {
		s.inflight[id] = m
		if id >= s.nextID {
			s.nextID = id + 1
			if s.nextID == 0 {
				s.nextID = 1
			}
		}
	}
	s.pending = append(s.pending, pending...)
	s.received = received
}

// resend returns every in-flight publish for retransmission after a
// reconnect, DUP set, PUBREL-pending flows flagged.
func (s *session) resend() (pubs []*packet.PUBLISH, rels []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.inflight {
		if m.released {
			rels = append(rels, id)
			continue
		}
		m.pub.Dup = 1
		pubs = append(pubs, m.pub)
	}
	return pubs, rels
}

// markReceived records an inbound QoS 2 packet id. Returns false when the id
// is already present, i.e. a retransmission whose message must not be
// dispatched again.
func (s *session) markReceived(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.received[packetID]; dup {
		return false
	}
	s.received[packetID] = struct{}{}
	return true
}

// clearReceived drops an inbound QoS 2 id on PUBREL. Returns false for an
// unknown id.
func (s *session) clearReceived(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.received[packetID]; !ok {
		return false
	}
	delete(s.received, packetID)
	return true
}

// resolveInAlias maps an inbound publish's topic through the client's alias
// table per the MQTT 5 rules. A violation returns the reason code to
// disconnect with.
func (s *session) resolveInAlias(topicName string, alias uint16, max uint16) (string, error) {
	if alias == 0 {
		if topicName == "" {
			return "", packet.ErrProtocolError
		}
		return topicName, nil
	}
	if alias > max {
		return "", packet.ErrTopicAliasInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if topicName != "" {
		s.inAlias[alias] = topicName
		return topicName, nil
	}
	t, ok := s.inAlias[alias]
	if !ok {
		return "", packet.ErrTopicAliasInvalid
	}
	return t, nil
}

// assignOutAlias returns the alias to put on an outbound publish and whether
// the topic name may be elided. First use of a topic establishes the
// mapping; once the client's maximum is exhausted topics go out unaliased.
func (s *session) assignOutAlias(topicName string) (alias uint16, elide bool) {
	if s.outMax == 0 {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.outAlias[topicName]; ok {
		return a, true
	}
	if s.outNext > s.outMax {
		return 0, false
	}
	a := s.outNext
	s.outNext++
	s.outAlias[topicName] = a
	return a, false
}

// inflightCount reports the current outbound window occupancy.
func (s *session) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// receivedCount reports how many inbound QoS 2 flows are open.
func (s *session) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// tracksQueueSeq reports whether an offline queue entry is already carried
// by an in-flight or parked outbound flow.
func (s *session) tracksQueueSeq(seq uint64) bool {
	if seq == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.inflight {
		if m.queueSeq == seq {
			return true
		}
	}
	for _, m := range s.pending {
		if m.queueSeq == seq {
			return true
		}
	}
	return false
}
