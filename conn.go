package monstermq

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/websocket"

	"github.com/monstermq/monstermq/auth"
	"github.com/monstermq/monstermq/packet"
)

// conn is the server side of one client connection. Everything here dies
// with the socket; durable session state lives in the stores.
type conn struct {
	// server is the broker on which the connection arrived. Immutable.
	server *Server

	cancelCtx context.CancelFunc

	// rwc is the underlying network connection, usually *net.TCPConn,
	// *tls.Conn or *websocket.Conn.
	rwc net.Conn

	// remoteAddr is populated inside (*conn).serve, not in the Accept
	// goroutine, as some implementations block.
	remoteAddr string

	// tlsState is the TLS connection state when using TLS. nil means not TLS.
	tlsState *tls.ConnectionState

	curState atomic.Uint64 // packed (unix time<<8|uint8(ConnState))

	// mu serializes writes to rwc; handlers and the dispatcher both send.
	mu sync.Mutex

	version    byte
	clientID   string
	cleanStart bool
	keepAlive  uint16
	user       *auth.User
	authMethod string
	sess       *session

	sessionExpiry uint32
	will          *BrokerMessage
	willDelay     uint32

	connected  bool
	cleanClose bool // DISCONNECT 0x00 received: will discarded
	takenOver  atomic.Bool
}

func (c *conn) setState(nc net.Conn, state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateClosed:
		srv.trackConn(c, false)
	default:
	}
	if state > 0xFF || state < 0 {
		panic("invalid conn state")
	}
	c.curState.Store(uint64(time.Now().Unix()<<8) | uint64(state))
	if !runHook {
		return
	}
	if hook := srv.ConnState; hook != nil {
		hook(nc, state)
	}
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

// send packs one packet onto the wire under the write lock.
func (c *conn) send(pkt packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stat.PacketSent.Inc()
	return pkt.Pack(c.rwc)
}

// serve runs the connection until the socket dies or a handler aborts.
func (c *conn) serve(ctx context.Context) {
	if ws, ok := c.rwc.(*websocket.Conn); ok {
		// websocket.Conn.RemoteAddr can panic on a nil request URL; take the
		// address from the HTTP request instead.
		if req := ws.Request(); req != nil {
			c.remoteAddr = req.RemoteAddr
		}
	} else if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}

	log.Debug().Str("remote", c.remoteAddr).Msg("connection accepted")

	defer func() {
		if err := recover(); err != nil && err != ErrAbortHandler {
			buf := make([]byte, stackSize)
			buf = buf[:runtime.Stack(buf, false)]
			log.Error().Str("remote", c.remoteAddr).Interface("panic", err).Msg("panic serving connection")
			log.Error().Msg(string(buf))
		}
		c.teardown()
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		dl := time.Now().Add(10 * time.Second)
		_ = c.rwc.SetReadDeadline(dl)
		_ = c.rwc.SetWriteDeadline(dl)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			log.Warn().Err(err).Str("remote", c.remoteAddr).Msg("tls handshake failed")
			return
		}
		_ = c.rwc.SetReadDeadline(time.Time{})
		_ = c.rwc.SetWriteDeadline(time.Time{})
		c.tlsState = new(tls.ConnectionState)
		*c.tlsState = tlsConn.ConnectionState()
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel
	defer cancel()

	for {
		pkt, err := c.readPacket()
		if err != nil {
			c.onReadError(err)
			return
		}
		c.setState(c.rwc, StateActive, true)
		c.process(ctx, pkt)
		c.setState(c.rwc, StateIdle, true)
	}
}

// readPacket reads the next control packet, enforcing the keep-alive
// deadline: one and a half times the negotiated interval [MQTT-3.1.2-24].
func (c *conn) readPacket() (packet.Packet, error) {
	switch {
	case !c.connected:
		_ = c.rwc.SetReadDeadline(time.Now().Add(10 * time.Second))
	case c.keepAlive > 0:
		_ = c.rwc.SetReadDeadline(time.Now().Add(time.Duration(c.keepAlive) * time.Second * 3 / 2))
	default:
		_ = c.rwc.SetReadDeadline(time.Time{})
	}
	pkt, err := packet.Unpack(c.version, c.rwc, c.server.Config.MaxPacketSize)
	if err != nil {
		return nil, err
	}
	stat.PacketReceived.Inc()
	return pkt, nil
}

// onReadError answers decode failures that have a defined wire response
// before the connection drops.
func (c *conn) onReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
	case errors.Is(err, packet.ErrUnsupportedProtocolVersion):
		connack := &packet.CONNACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: CONNACK}}
		if c.version == packet.VERSION500 {
			connack.ReasonCode = packet.ErrUnsupportedProtocolVersion
		} else {
			connack.ReasonCode = packet.Err3UnsupportedProtocolVersion
		}
		_ = c.send(connack)
	case errors.Is(err, packet.ErrPacketTooLarge):
		c.sendDisconnect(packet.ErrPacketTooLarge)
		log.Warn().Err(err).Str("client", c.clientID).Msg("packet exceeds maximum size")
	default:
		log.Debug().Err(err).Str("remote", c.remoteAddr).Msg("read failed")
	}
}

// sendDisconnect emits a server DISCONNECT on MQTT 5; 3.1.1 has no such
// packet, the connection just closes.
func (c *conn) sendDisconnect(code packet.ReasonCode) {
	if c.version != packet.VERSION500 {
		return
	}
	_ = c.send(&packet.DISCONNECT{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: DISCONNECT},
		ReasonCode:  code,
	})
}

// abort sends the v5 DISCONNECT for code and tears the connection down.
func (c *conn) abort(code packet.ReasonCode) {
	c.sendDisconnect(code)
	panic(ErrAbortHandler)
}

// takeOver evicts this connection in favor of a newer one with the same
// client id [MQTT-3.1.4-3]. The will is not published and the session is
// left to the successor.
func (c *conn) takeOver() {
	c.takenOver.Store(true)
	c.sendDisconnect(packet.ErrSessionTakenOver)
	_ = c.rwc.Close()
}

// teardown releases everything held by the connection: registry slot,
// session bookkeeping, and the will message when the close was not clean.
func (c *conn) teardown() {
	srv := c.server
	defer func() {
		_ = c.rwc.Close()
		c.setState(c.rwc, StateClosed, true)
		log.Debug().Str("client", c.clientID).Str("remote", c.remoteAddr).Msg("connection closed")
	}()

	if !c.connected {
		return
	}
	srv.unregisterClient(c.clientID, c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.takenOver.Load() {
		// The successor owns the session now.
		return
	}

	if c.will != nil && !c.cleanClose {
		c.scheduleWill()
	}

	if c.cleanStart || c.sessionExpiry == 0 {
		srv.destroySession(ctx, c.clientID)
		return
	}
	if err := srv.store.SetConnected(ctx, c.clientID, srv.Config.NodeID, false); err != nil {
		log.Error().Err(err).Str("client", c.clientID).Msg("disconnect bookkeeping failed")
	}
}

// scheduleWill publishes the will now or after the will delay, whichever the
// session allows. A reconnect cancels the pending task.
func (c *conn) scheduleWill() {
	srv := c.server
	will := c.will
	delay := c.willDelay
	if c.sessionExpiry < delay {
		delay = c.sessionExpiry
	}
	if c.cleanStart {
		delay = 0
	}
	publish := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		will.Created = time.Now()
		if err := srv.Dispatch(ctx, will); err != nil {
			log.Error().Err(err).Str("client", will.ClientID).Msg("will publish failed")
		}
	}
	if delay == 0 {
		publish()
		return
	}
	srv.sched.Schedule(willTaskID(c.clientID), time.Now().Add(time.Duration(delay)*time.Second), publish)
}

func willTaskID(clientID string) string { return "will:" + clientID }

// destroySession removes every trace of a client: session record,
// subscriptions, queue, placement.
func (s *Server) destroySession(ctx context.Context, clientID string) {
	if err := s.subs.RemoveClient(ctx, clientID); err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("subscription cleanup failed")
	}
	s.broadcastSubEvent(ctx, busSubEvent{ClientID: clientID, AllFilters: true})
	if err := s.store.DeleteSession(ctx, clientID); err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("session delete failed")
	}
	_ = s.coord.RemoveClient(ctx, clientID)
}

// deliver sends one application message to this client at the effective
// QoS. queueSeq ties QoS>0 deliveries back to their offline queue entry.
func (c *conn) deliver(msg *BrokerMessage, qos uint8, retain bool, queueSeq uint64) {
	if msg.Expired(time.Now()) {
		return
	}
	pub := msg.Publish(c.version, qos, retain)
	if c.version == packet.VERSION500 {
		if alias, elide := c.sess.assignOutAlias(msg.Topic); alias > 0 {
			pub.Props.TopicAlias = alias
			if elide {
				pub.Message.TopicName = ""
			}
		}
	}
	if qos == 0 {
		if err := c.send(pub); err == nil {
			stat.MessagesOut.Inc()
			c.server.msgOut.Add(1)
		}
		return
	}
	tracked, ok := c.sess.track(pub, queueSeq)
	if !ok {
		stat.DroppedMessages.Inc()
		log.Warn().Str("client", c.clientID).Msg("in-flight window exhausted, message dropped")
		return
	}
	if tracked == nil {
		// Parked behind the receive-maximum window; sent on a later ack.
		return
	}
	if err := c.send(tracked); err == nil {
		stat.MessagesOut.Inc()
		c.server.msgOut.Add(1)
	}
}

// redeliverQueued drains the offline queue into the fresh connection.
// Entries stay queued until the client acknowledges them.
func (c *conn) redeliverQueued(ctx context.Context) {
	// Messages still sitting in the bulking window belong to this drain.
	c.server.queueBulk.flush()
	msgs, err := c.server.store.Dequeue(ctx, c.clientID, queueDrainLimit)
	if err != nil {
		log.Error().Err(err).Str("client", c.clientID).Msg("queue drain failed")
		return
	}
	for _, qm := range msgs {
		// Entries adopted from a predecessor connection are already in
		// flight; the retransmit pass covers them.
		if c.sess.tracksQueueSeq(qm.Sequence) {
			continue
		}
		c.deliver(qm.Message, qm.Message.QoS, qm.Message.Retain, qm.Sequence)
	}
}

// retransmit replays the in-flight flows adopted from a predecessor
// connection: unacknowledged publishes with DUP set, PUBREC-acknowledged
// flows as PUBREL [MQTT-4.4.0-1].
func (c *conn) retransmit() {
	pubs, rels := c.sess.resend()
	for _, pub := range pubs {
		pub.Version = c.version
		_ = c.send(pub)
	}
	for _, id := range rels {
		_ = c.send(&packet.PUBREL{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREL, QoS: 1},
			PacketID:    id,
			ReasonCode:  packet.Success,
		})
	}
}

// queueDrainLimit bounds one connect's redelivery pass; anything beyond it
// waits for the next connect.
const queueDrainLimit = 10000
