package monstermq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/monstermq/monstermq/packet"
)

// A Client is a small MQTT client covering the broker's full surface:
// both protocol versions, QoS 0-2, subscriptions and wills. It backs the
// integration tests and the benchmark tool.
type Client struct {
	URL             *url.URL
	TLSClientConfig *tls.Config

	Version   byte
	ClientID  string
	Username  string
	Password  string
	KeepAlive uint16
	CleanStart bool

	Props     *packet.ConnectProperties
	WillTopic   string
	WillPayload []byte
	WillQoS     uint8
	WillProps   *packet.WillProperties

	conn net.Conn

	mu       sync.Mutex // guards writes and packet-id allocation
	packetID uint16
	pending  map[uint16]chan packet.Packet

	onMessage func(*packet.PUBLISH)

	readErr  error
	readDone chan struct{}
	closed   bool
}

// NewClient parses rawURL (mqtt://, mqtts://, ws:// or wss://) into a
// client with 3.1.1 defaults.
func NewClient(rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		URL:        u,
		Version:    packet.VERSION311,
		ClientID:   "monstermq-" + genID(),
		CleanStart: true,
		KeepAlive:  60,
		pending:    make(map[uint16]chan packet.Packet),
		readDone:   make(chan struct{}),
	}, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	switch c.URL.Scheme {
	case "mqtt", "tcp", "":
		return d.DialContext(ctx, "tcp", c.URL.Host)
	case "mqtts", "ssl", "tls":
		return (&tls.Dialer{NetDialer: &d, Config: c.TLSClientConfig}).DialContext(ctx, "tcp", c.URL.Host)
	case "ws", "wss":
		dialer := websocket.Dialer{TLSClientConfig: c.TLSClientConfig, Subprotocols: []string{"mqtt"}}
		ws, _, err := dialer.DialContext(ctx, c.URL.String(), nil)
		if err != nil {
			return nil, err
		}
		return &wsNetConn{ws: ws}, nil
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q", c.URL.Scheme)
	}
}

// Connect dials the broker and completes the CONNECT handshake.
func (c *Client) Connect(ctx context.Context) (*packet.CONNACK, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	connect := &packet.CONNECT{
		FixedHeader: &packet.FixedHeader{Version: c.Version, Kind: CONNECT},
		KeepAlive:   c.KeepAlive,
		ClientID:    c.ClientID,
		Username:    c.Username,
		Password:    c.Password,
		Props:       c.Props,
		WillTopic:   c.WillTopic,
		WillPayload: c.WillPayload,
		WillProps:   c.WillProps,
	}
	var flags packet.ConnectFlags
	if c.CleanStart {
		flags |= 0b00000010
	}
	if c.WillTopic != "" {
		flags |= 0b00000100 | packet.ConnectFlags(c.WillQoS)<<3
	}
	if c.Username != "" {
		flags |= 0b11000000
	}
	connect.ConnectFlags = flags

	if err := c.write(connect); err != nil {
		return nil, err
	}
	pkt, err := packet.Unpack(c.Version, c.conn, 0xFFFFFFF)
	if err != nil {
		return nil, err
	}
	connack, ok := pkt.(*packet.CONNACK)
	if !ok {
		return nil, fmt.Errorf("mqtt: expected CONNACK, got %s", packet.Kind[pkt.Kind()])
	}
	if connack.ReasonCode.Code != 0 {
		return connack, connack.ReasonCode
	}
	go c.readLoop()
	return connack, nil
}

func (c *Client) write(pkt packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return pkt.Pack(c.conn)
}

func (c *Client) nextID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packetID++
	if c.packetID == 0 {
		c.packetID = 1
	}
	return c.packetID
}

func (c *Client) await(id uint16) chan packet.Packet {
	ch := make(chan packet.Packet, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) resolve(id uint16, pkt packet.Packet) {
	c.mu.Lock()
	ch := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ch != nil {
		ch <- pkt
	}
}

// OnMessage installs the handler for inbound publishes. Set it before
// subscribing.
func (c *Client) OnMessage(fn func(*packet.PUBLISH)) {
	c.onMessage = fn
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		pkt, err := packet.Unpack(c.Version, c.conn, 0xFFFFFFF)
		if err != nil {
			c.readErr = err
			return
		}
		switch p := pkt.(type) {
		case *packet.PUBLISH:
			c.onPublish(p)
		case *packet.PUBACK:
			c.resolve(p.PacketID, p)
		case *packet.PUBREC:
			_ = c.write(&packet.PUBREL{
				FixedHeader: &packet.FixedHeader{Version: c.Version, Kind: PUBREL, QoS: 1},
				PacketID:    p.PacketID,
			})
		case *packet.PUBREL:
			c.onPubrel(p)
		case *packet.PUBCOMP:
			c.resolve(p.PacketID, p)
		case *packet.SUBACK:
			c.resolve(p.PacketID, p)
		case *packet.UNSUBACK:
			c.resolve(p.PacketID, p)
		case *packet.PINGRESP:
		case *packet.DISCONNECT:
			c.readErr = p.ReasonCode
			return
		}
	}
}

func (c *Client) onPublish(p *packet.PUBLISH) {
	switch p.QoS {
	case 1:
		_ = c.write(&packet.PUBACK{
			FixedHeader: &packet.FixedHeader{Version: c.Version, Kind: PUBACK},
			PacketID:    p.PacketID,
		})
	case 2:
		_ = c.write(&packet.PUBREC{
			FixedHeader: &packet.FixedHeader{Version: c.Version, Kind: PUBREC},
			PacketID:    p.PacketID,
		})
	}
	if c.onMessage != nil {
		c.onMessage(p)
	}
}

// PUBREL from the broker completes inbound QoS 2; answer with PUBCOMP.
func (c *Client) onPubrel(p *packet.PUBREL) {
	_ = c.write(&packet.PUBCOMP{
		FixedHeader: &packet.FixedHeader{Version: c.Version, Kind: PUBCOMP},
		PacketID:    p.PacketID,
	})
}

// Subscribe sends one SUBSCRIBE and waits for its SUBACK.
func (c *Client) Subscribe(ctx context.Context, subs ...packet.Subscription) (*packet.SUBACK, error) {
	id := c.nextID()
	ch := c.await(id)
	if err := c.write(&packet.SUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: c.Version, Kind: SUBSCRIBE, QoS: 1},
		PacketID:      id,
		Subscriptions: subs,
	}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case pkt := <-ch:
		return pkt.(*packet.SUBACK), nil
	}
}

// Unsubscribe sends one UNSUBSCRIBE and waits for its UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) (*packet.UNSUBACK, error) {
	id := c.nextID()
	ch := c.await(id)
	if err := c.write(&packet.UNSUBSCRIBE{
		FixedHeader:  &packet.FixedHeader{Version: c.Version, Kind: UNSUBSCRIBE, QoS: 1},
		PacketID:     id,
		TopicFilters: filters,
	}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case pkt := <-ch:
		return pkt.(*packet.UNSUBACK), nil
	}
}

// Publish sends one message and, for QoS>0, waits for the flow to finish.
func (c *Client) Publish(ctx context.Context, pub *packet.PUBLISH) error {
	if pub.FixedHeader == nil {
		pub.FixedHeader = &packet.FixedHeader{Version: c.Version, Kind: PUBLISH}
	}
	if pub.QoS == 0 {
		return c.write(pub)
	}
	id := c.nextID()
	pub.PacketID = id
	ch := c.await(id)
	if err := c.write(pub); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Ping sends a PINGREQ.
func (c *Client) Ping() error {
	return c.write(&packet.PINGREQ{FixedHeader: &packet.FixedHeader{Version: c.Version, Kind: PINGREQ}})
}

// Disconnect sends a clean DISCONNECT and closes the socket.
func (c *Client) Disconnect() error {
	_ = c.write(&packet.DISCONNECT{
		FixedHeader: &packet.FixedHeader{Version: c.Version, Kind: DISCONNECT},
	})
	return c.Close()
}

// Close tears the connection down without a DISCONNECT, which makes the
// broker treat it as an abnormal loss.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	select {
	case <-c.readDone:
	case <-time.After(time.Second):
	}
	return err
}

// Err reports why the read loop stopped, nil while it is running.
func (c *Client) Err() error {
	select {
	case <-c.readDone:
		if errors.Is(c.readErr, io.EOF) {
			return nil
		}
		return c.readErr
	default:
		return nil
	}
}

// wsNetConn adapts a gorilla websocket connection to net.Conn, mapping MQTT
// byte stream reads across binary frames.
type wsNetConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (w *wsNetConn) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			_, r, err := w.ws.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsNetConn) Write(p []byte) (int, error) {
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsNetConn) Close() error                       { return w.ws.Close() }
func (w *wsNetConn) LocalAddr() net.Addr                { return w.ws.LocalAddr() }
func (w *wsNetConn) RemoteAddr() net.Addr               { return w.ws.RemoteAddr() }
func (w *wsNetConn) SetDeadline(t time.Time) error      { return w.ws.SetReadDeadline(t) }
func (w *wsNetConn) SetReadDeadline(t time.Time) error  { return w.ws.SetReadDeadline(t) }
func (w *wsNetConn) SetWriteDeadline(t time.Time) error { return w.ws.SetWriteDeadline(t) }
