package monstermq

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/monstermq/monstermq/auth"
	"github.com/monstermq/monstermq/packet"
)

// startBroker runs a single-node broker on an ephemeral port and returns its
// mqtt:// URL.
func startBroker(t *testing.T, cfg Config, opts ...ServerOption) (*Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := NewServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	})
	return srv, "mqtt://" + ln.Addr().String()
}

func connect(t *testing.T, url string, mutate func(*Client)) *Client {
	t.Helper()
	c, err := NewClient(url)
	if err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(c)
	}
	if _, err = c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// messageSink collects inbound publishes for assertions.
type messageSink struct {
	mu   sync.Mutex
	msgs []*packet.PUBLISH
	ch   chan *packet.PUBLISH
}

func newMessageSink() *messageSink {
	return &messageSink{ch: make(chan *packet.PUBLISH, 64)}
}

func (s *messageSink) handle(p *packet.PUBLISH) {
	s.mu.Lock()
	s.msgs = append(s.msgs, p)
	s.mu.Unlock()
	s.ch <- p
}

func (s *messageSink) wait(t *testing.T) *packet.PUBLISH {
	t.Helper()
	select {
	case p := <-s.ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no message arrived")
		return nil
	}
}

func (s *messageSink) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-s.ch:
		t.Fatalf("unexpected message on %q", p.Message.TopicName)
	case <-time.After(d):
	}
}

func TestBrokerPublishSubscribeQoS0(t *testing.T) {
	_, url := startBroker(t, Config{})

	sink := newMessageSink()
	sub := connect(t, url, func(c *Client) { c.OnMessage(sink.handle) })
	if _, err := sub.Subscribe(context.Background(), packet.Subscription{TopicFilter: "tele/+"}); err != nil {
		t.Fatal(err)
	}

	pub := connect(t, url, nil)
	err := pub.Publish(context.Background(), &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH},
		Message:     &packet.Message{TopicName: "tele/cpu", Content: []byte("42")},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := sink.wait(t)
	if got.Message.TopicName != "tele/cpu" || string(got.Message.Content) != "42" {
		t.Errorf("got %s", got.Message)
	}
	if got.QoS != 0 {
		t.Errorf("qos = %d, want 0", got.QoS)
	}
}

func TestBrokerQoS1And2Flows(t *testing.T) {
	_, url := startBroker(t, Config{})

	sink := newMessageSink()
	sub := connect(t, url, func(c *Client) { c.OnMessage(sink.handle) })
	if _, err := sub.Subscribe(context.Background(), packet.Subscription{TopicFilter: "flow/#", MaximumQoS: 2}); err != nil {
		t.Fatal(err)
	}

	pub := connect(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 1},
		Message:     &packet.Message{TopicName: "flow/q1", Content: []byte("one")},
	})
	if err != nil {
		t.Fatalf("qos1 publish: %v", err)
	}
	if got := sink.wait(t); got.QoS != 1 || string(got.Message.Content) != "one" {
		t.Errorf("qos1 delivery: %+v", got)
	}

	err = pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 2},
		Message:     &packet.Message{TopicName: "flow/q2", Content: []byte("two")},
	})
	if err != nil {
		t.Fatalf("qos2 publish: %v", err)
	}
	if got := sink.wait(t); got.QoS != 2 || string(got.Message.Content) != "two" {
		t.Errorf("qos2 delivery: %+v", got)
	}
}

func TestBrokerSubscriptionQoSCapsDelivery(t *testing.T) {
	_, url := startBroker(t, Config{})

	sink := newMessageSink()
	sub := connect(t, url, func(c *Client) { c.OnMessage(sink.handle) })
	sub.Subscribe(context.Background(), packet.Subscription{TopicFilter: "cap", MaximumQoS: 0})

	pub := connect(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 2},
		Message:     &packet.Message{TopicName: "cap", Content: []byte("x")},
	})

	if got := sink.wait(t); got.QoS != 0 {
		t.Errorf("delivery qos = %d, want capped to 0", got.QoS)
	}
}

func TestBrokerRetainedMessages(t *testing.T) {
	_, url := startBroker(t, Config{})

	pub := connect(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 1, Retain: 1},
		Message:     &packet.Message{TopicName: "state/door", Content: []byte("open")},
	})
	if err != nil {
		t.Fatal(err)
	}

	// A late subscriber receives the retained state; the retain flag on the
	// delivery mirrors retain-as-published.
	sink := newMessageSink()
	sub := connect(t, url, func(c *Client) {
		c.Version = packet.VERSION500
		c.OnMessage(sink.handle)
	})
	sub.Subscribe(context.Background(), packet.Subscription{TopicFilter: "state/#", MaximumQoS: 1, RetainAsPublished: true})

	got := sink.wait(t)
	if got.Message.TopicName != "state/door" || got.Retain != 1 {
		t.Fatalf("retained delivery: %+v", got)
	}

	// An empty retained publish clears the slot.
	pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, Retain: 1},
		Message:     &packet.Message{TopicName: "state/door", Content: nil},
	})
	time.Sleep(100 * time.Millisecond)

	sink2 := newMessageSink()
	sub2 := connect(t, url, func(c *Client) { c.OnMessage(sink2.handle) })
	sub2.Subscribe(context.Background(), packet.Subscription{TopicFilter: "state/#"})
	sink2.expectNone(t, 300*time.Millisecond)
}

func TestBrokerRetainHandlingDoNotSend(t *testing.T) {
	_, url := startBroker(t, Config{})

	pub := connect(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 1, Retain: 1},
		Message:     &packet.Message{TopicName: "rh/x", Content: []byte("v")},
	})

	sink := newMessageSink()
	sub := connect(t, url, func(c *Client) {
		c.Version = packet.VERSION500
		c.OnMessage(sink.handle)
	})
	sub.Subscribe(context.Background(), packet.Subscription{TopicFilter: "rh/#", RetainHandling: 2})
	sink.expectNone(t, 300*time.Millisecond)
}

func TestBrokerUnsubscribe(t *testing.T) {
	_, url := startBroker(t, Config{})

	sink := newMessageSink()
	sub := connect(t, url, func(c *Client) {
		c.Version = packet.VERSION500
		c.OnMessage(sink.handle)
	})
	sub.Subscribe(context.Background(), packet.Subscription{TopicFilter: "u/t"})

	unsuback, err := sub.Unsubscribe(context.Background(), "u/t", "never/was")
	if err != nil {
		t.Fatal(err)
	}
	if len(unsuback.ReasonCodes) != 2 {
		t.Fatalf("unsuback codes: %v", unsuback.ReasonCodes)
	}
	if unsuback.ReasonCodes[0].Code != 0x00 {
		t.Errorf("existing filter code = %#x", unsuback.ReasonCodes[0].Code)
	}
	if unsuback.ReasonCodes[1].Code != packet.ErrNoSubscriptionExisted.Code {
		t.Errorf("missing filter code = %#x", unsuback.ReasonCodes[1].Code)
	}

	pub := connect(t, url, nil)
	pub.Publish(context.Background(), &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH},
		Message:     &packet.Message{TopicName: "u/t", Content: []byte("x")},
	})
	sink.expectNone(t, 300*time.Millisecond)
}

func TestBrokerSessionTakeOver(t *testing.T) {
	_, url := startBroker(t, Config{})

	first := connect(t, url, func(c *Client) {
		c.Version = packet.VERSION500
		c.ClientID = "shared-id"
	})
	_ = connect(t, url, func(c *Client) {
		c.Version = packet.VERSION500
		c.ClientID = "shared-id"
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := first.Err(); err != nil {
			if !errors.Is(err, packet.ErrSessionTakenOver) {
				t.Fatalf("first connection ended with %v, want session taken over", err)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("first connection was never taken over")
}

func TestBrokerAssignedClientID(t *testing.T) {
	_, url := startBroker(t, Config{})

	c, err := NewClient(url)
	if err != nil {
		t.Fatal(err)
	}
	c.Version = packet.VERSION500
	c.ClientID = ""
	connack, err := c.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if connack.Props == nil || connack.Props.AssignedClientID == "" {
		t.Error("server did not assign a client id")
	}
	if connack.Props.ReceiveMaximum != 100 || connack.Props.TopicAliasMaximum != 10 {
		t.Errorf("announced limits: %+v", connack.Props)
	}
}

func TestBrokerWillMessage(t *testing.T) {
	_, url := startBroker(t, Config{})

	sink := newMessageSink()
	watcher := connect(t, url, func(c *Client) { c.OnMessage(sink.handle) })
	watcher.Subscribe(context.Background(), packet.Subscription{TopicFilter: "wills/#", MaximumQoS: 1})

	dying := connect(t, url, func(c *Client) {
		c.WillTopic = "wills/sensor1"
		c.WillPayload = []byte("offline")
		c.WillQoS = 1
	})
	// Drop the socket without a DISCONNECT; the broker publishes the will.
	dying.Close()

	got := sink.wait(t)
	if got.Message.TopicName != "wills/sensor1" || string(got.Message.Content) != "offline" {
		t.Errorf("will: %s", got.Message)
	}
}

func TestBrokerCleanDisconnectSuppressesWill(t *testing.T) {
	_, url := startBroker(t, Config{})

	sink := newMessageSink()
	watcher := connect(t, url, func(c *Client) { c.OnMessage(sink.handle) })
	watcher.Subscribe(context.Background(), packet.Subscription{TopicFilter: "wills/#"})

	leaving := connect(t, url, func(c *Client) {
		c.WillTopic = "wills/sensor2"
		c.WillPayload = []byte("offline")
	})
	leaving.Disconnect()

	sink.expectNone(t, 300*time.Millisecond)
}

func TestBrokerOfflineQueueRedelivery(t *testing.T) {
	_, url := startBroker(t, Config{})

	persistent := func(c *Client) {
		c.Version = packet.VERSION500
		c.ClientID = "persist-1"
		c.CleanStart = false
		c.Props = &packet.ConnectProperties{SessionExpiryInterval: 300}
	}

	first := connect(t, url, persistent)
	if _, err := first.Subscribe(context.Background(), packet.Subscription{TopicFilter: "queue/#", MaximumQoS: 1}); err != nil {
		t.Fatal(err)
	}
	first.Close()
	time.Sleep(100 * time.Millisecond)

	pub := connect(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 1},
		Message:     &packet.Message{TopicName: "queue/data", Content: []byte("held")},
	})
	if err != nil {
		t.Fatal(err)
	}

	sink := newMessageSink()
	second, err := NewClient(url)
	if err != nil {
		t.Fatal(err)
	}
	persistent(second)
	second.OnMessage(sink.handle)
	connack, err := second.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if connack.SessionPresent != 1 {
		t.Fatal("session not resumed")
	}

	got := sink.wait(t)
	if got.Message.TopicName != "queue/data" || string(got.Message.Content) != "held" {
		t.Errorf("redelivered: %s", got.Message)
	}
}

func TestBrokerNoLocal(t *testing.T) {
	_, url := startBroker(t, Config{})

	sink := newMessageSink()
	c := connect(t, url, func(c *Client) {
		c.Version = packet.VERSION500
		c.OnMessage(sink.handle)
	})
	c.Subscribe(context.Background(), packet.Subscription{TopicFilter: "loop", NoLocal: true})

	c.Publish(context.Background(), &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: c.Version, Kind: PUBLISH},
		Message:     &packet.Message{TopicName: "loop", Content: []byte("x")},
	})
	sink.expectNone(t, 300*time.Millisecond)
}

func TestBrokerAuthentication(t *testing.T) {
	store := auth.NewMemoryStore()
	hash, _ := auth.HashPassword("pw")
	store.PutUser(context.Background(), &auth.User{
		Username: "alice", PasswordHash: hash, Enabled: true,
		CanPublish: true, CanSubscribe: true,
	})
	authn := auth.NewAuthenticator(store, time.Minute)

	_, url := startBroker(t, Config{}, WithAuthenticator(authn))

	good, err := NewClient(url)
	if err != nil {
		t.Fatal(err)
	}
	good.Username = "alice"
	good.Password = "pw"
	if _, err = good.Connect(context.Background()); err != nil {
		t.Fatalf("valid credentials refused: %v", err)
	}
	good.Disconnect()

	bad, _ := NewClient(url)
	bad.Version = packet.VERSION500
	bad.Username = "alice"
	bad.Password = "nope"
	if _, err = bad.Connect(context.Background()); err == nil {
		t.Fatal("bad credentials accepted")
	} else if !errors.Is(err, packet.ErrBadUsernameOrPassword) {
		t.Errorf("refusal code: %v", err)
	}
	bad.Close()
}

func TestBrokerTopicAliasInbound(t *testing.T) {
	_, url := startBroker(t, Config{})

	sink := newMessageSink()
	sub := connect(t, url, func(c *Client) { c.OnMessage(sink.handle) })
	sub.Subscribe(context.Background(), packet.Subscription{TopicFilter: "alias/#"})

	pub := connect(t, url, func(c *Client) { c.Version = packet.VERSION500 })
	ctx := context.Background()

	// Establish the alias, then publish through it with an empty topic.
	err := pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH},
		Message:     &packet.Message{TopicName: "alias/t", Content: []byte("1")},
		Props:       &packet.PublishProperties{TopicAlias: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := sink.wait(t); got.Message.TopicName != "alias/t" {
		t.Fatalf("establish: %s", got.Message)
	}

	err = pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH},
		Message:     &packet.Message{TopicName: "", Content: []byte("2")},
		Props:       &packet.PublishProperties{TopicAlias: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := sink.wait(t)
	if got.Message.TopicName != "alias/t" || string(got.Message.Content) != "2" {
		t.Errorf("aliased publish resolved to %s", got.Message)
	}
}

func TestBrokerArchiveCapture(t *testing.T) {
	store := NewMemoryArchiveStore()
	archiver := NewArchiver(&ArchiveGroup{
		Name:          "tele",
		Enabled:       true,
		Filters:       []string{"tele/#"},
		Store:         store,
		BatchSize:     1,
		FlushInterval: 50 * time.Millisecond,
	})
	_, url := startBroker(t, Config{}, WithArchiver(archiver))

	pub := connect(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 1},
		Message:     &packet.Message{TopicName: "tele/a", Content: []byte("x")},
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(store.Entries()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	entries := store.Entries()
	if len(entries) != 1 || entries[0].Topic != "tele/a" {
		t.Fatalf("archive: %+v", entries)
	}
}

func TestBrokerMetricsCollection(t *testing.T) {
	store := NewMemoryMetricsStore()
	_, url := startBroker(t, Config{MetricsInterval: 100 * time.Millisecond}, WithMetricsStore(store))

	c := connect(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: c.Version, Kind: PUBLISH, QoS: 1},
		Message:     &packet.Message{TopicName: "m/t", Content: []byte("x")},
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		kinds := map[string]bool{}
		var sawPublish bool
		for _, row := range store.Rows() {
			kinds[row.Kind] = true
			if row.Kind == "broker" && row.Metrics.MessagesIn > 0 {
				sawPublish = true
			}
		}
		if kinds["broker"] && kinds["subscriptions"] && sawPublish {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("collected rows: %+v", store.Rows())
}

func TestBrokerKeepAlivePing(t *testing.T) {
	_, url := startBroker(t, Config{})
	c := connect(t, url, func(c *Client) { c.KeepAlive = 2 })
	if err := c.Ping(); err != nil {
		t.Fatal(err)
	}
	// The connection stays healthy across the keep-alive window when pings
	// keep arriving.
	for i := 0; i < 3; i++ {
		time.Sleep(500 * time.Millisecond)
		if err := c.Ping(); err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
	}
	if err := c.Err(); err != nil {
		t.Fatalf("connection dropped: %v", err)
	}
}

func TestBrokerRetainedDeliveryMirrorsRetainAsPublished(t *testing.T) {
	_, url := startBroker(t, Config{})

	pub := connect(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 1, Retain: 1},
		Message:     &packet.Message{TopicName: "r", Content: []byte("v")},
	})
	if err != nil {
		t.Fatal(err)
	}

	sink := newMessageSink()
	sub := connect(t, url, func(c *Client) {
		c.Version = packet.VERSION500
		c.OnMessage(sink.handle)
	})
	sub.Subscribe(context.Background(), packet.Subscription{TopicFilter: "r", MaximumQoS: 1})

	if got := sink.wait(t); got.Retain != 0 {
		t.Errorf("retain = %d without retain-as-published, want 0", got.Retain)
	}
}

func TestBrokerForwardsInvalidPayloadFormat(t *testing.T) {
	_, url := startBroker(t, Config{})

	sink := newMessageSink()
	sub := connect(t, url, func(c *Client) { c.OnMessage(sink.handle) })
	if _, err := sub.Subscribe(context.Background(), packet.Subscription{TopicFilter: "pf", MaximumQoS: 1}); err != nil {
		t.Fatal(err)
	}

	pub := connect(t, url, func(c *Client) { c.Version = packet.VERSION500 })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 1},
		Message:     &packet.Message{TopicName: "pf", Content: []byte{0xff, 0xfe}},
		Props:       &packet.PublishProperties{PayloadFormatIndicator: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := sink.wait(t)
	if string(got.Message.Content) != string([]byte{0xff, 0xfe}) {
		t.Errorf("payload altered: %x", got.Message.Content)
	}
}

func TestBrokerOfflineRedeliveryCapsQoS(t *testing.T) {
	_, url := startBroker(t, Config{})

	persistent := func(c *Client) {
		c.Version = packet.VERSION500
		c.ClientID = "persist-cap"
		c.CleanStart = false
		c.Props = &packet.ConnectProperties{SessionExpiryInterval: 300}
	}

	first := connect(t, url, persistent)
	if _, err := first.Subscribe(context.Background(), packet.Subscription{TopicFilter: "cap/off", MaximumQoS: 1}); err != nil {
		t.Fatal(err)
	}
	first.Close()
	time.Sleep(100 * time.Millisecond)

	pub := connect(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := pub.Publish(ctx, &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: 2},
		Message:     &packet.Message{TopicName: "cap/off", Content: []byte("x")},
	})
	if err != nil {
		t.Fatal(err)
	}

	sink := newMessageSink()
	second, err := NewClient(url)
	if err != nil {
		t.Fatal(err)
	}
	persistent(second)
	second.OnMessage(sink.handle)
	if _, err := second.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if got := sink.wait(t); got.QoS != 1 {
		t.Errorf("redelivered qos = %d, want capped to granted maximum 1", got.QoS)
	}
}

func TestBrokerConnackEchoesCappedLimits(t *testing.T) {
	_, url := startBroker(t, Config{MaxSessionExpiry: 60, MaxKeepAlive: 30})

	c, err := NewClient(url)
	if err != nil {
		t.Fatal(err)
	}
	c.Version = packet.VERSION500
	c.KeepAlive = 120
	c.Props = &packet.ConnectProperties{SessionExpiryInterval: 3600}
	connack, err := c.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if connack.Props == nil {
		t.Fatal("no connack properties")
	}
	if connack.Props.SessionExpiryInterval != 60 {
		t.Errorf("session expiry = %d, want capped 60", connack.Props.SessionExpiryInterval)
	}
	if connack.Props.ServerKeepAlive != 30 {
		t.Errorf("server keep alive = %d, want capped 30", connack.Props.ServerKeepAlive)
	}
}

func TestBrokerSASLPlain(t *testing.T) {
	store := auth.NewMemoryStore()
	hash, _ := auth.HashPassword("secret")
	store.PutUser(context.Background(), &auth.User{
		Username: "alice", PasswordHash: hash, Enabled: true,
		CanPublish: true, CanSubscribe: true,
	})

	_, url := startBroker(t, Config{}, WithSASL(&auth.Plain{Users: store}))

	good, err := NewClient(url)
	if err != nil {
		t.Fatal(err)
	}
	good.Version = packet.VERSION500
	good.Props = &packet.ConnectProperties{
		AuthenticationMethod: "PLAIN",
		AuthenticationData:   []byte("\x00alice\x00secret"),
	}
	connack, err := good.Connect(context.Background())
	if err != nil {
		t.Fatalf("sasl plain refused: %v", err)
	}
	if connack.Props == nil || connack.Props.AuthenticationMethod != "PLAIN" {
		t.Error("connack does not echo the authentication method")
	}
	good.Close()

	bad, _ := NewClient(url)
	bad.Version = packet.VERSION500
	bad.Props = &packet.ConnectProperties{
		AuthenticationMethod: "PLAIN",
		AuthenticationData:   []byte("\x00alice\x00wrong"),
	}
	if _, err = bad.Connect(context.Background()); !errors.Is(err, packet.ErrNotAuthorized) {
		t.Errorf("bad password: %v", err)
	}
	bad.Close()

	unknown, _ := NewClient(url)
	unknown.Version = packet.VERSION500
	unknown.Props = &packet.ConnectProperties{AuthenticationMethod: "SCRAM-SHA-256"}
	if _, err = unknown.Connect(context.Background()); !errors.Is(err, packet.ErrBadAuthenticationMethod) {
		t.Errorf("unknown mechanism: %v", err)
	}
	unknown.Close()
}

// rawConnect opens a bare socket and completes a v5 CONNECT for tests that
// need packet-level control.
func rawConnect(t *testing.T, url string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", strings.TrimPrefix(url, "mqtt://"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	connect := &packet.CONNECT{
		FixedHeader:  &packet.FixedHeader{Version: packet.VERSION500, Kind: CONNECT},
		ClientID:     "raw-" + genID(),
		KeepAlive:    30,
		ConnectFlags: 0b00000010,
	}
	if err := connect.Pack(conn); err != nil {
		t.Fatal(err)
	}
	pkt, err := packet.Unpack(packet.VERSION500, conn, 0xFFFF)
	if err != nil {
		t.Fatal(err)
	}
	if ack, ok := pkt.(*packet.CONNACK); !ok || ack.ReasonCode.Code != 0 {
		t.Fatalf("connect refused: %v", pkt)
	}
	return conn
}

func rawPublishQoS2(t *testing.T, conn net.Conn, id uint16, dup uint8) packet.Packet {
	t.Helper()
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: PUBLISH, QoS: 2, Dup: dup},
		PacketID:    id,
		Message:     &packet.Message{TopicName: "raw/q", Content: []byte("x")},
	}
	if err := pub.Pack(conn); err != nil {
		t.Fatal(err)
	}
	reply, err := packet.Unpack(packet.VERSION500, conn, 0xFFFF)
	if err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestBrokerQoS2PacketIDReuseDisconnects(t *testing.T) {
	_, url := startBroker(t, Config{})
	conn := rawConnect(t, url)

	if rec, ok := rawPublishQoS2(t, conn, 7, 0).(*packet.PUBREC); !ok || rec.ReasonCode.Code != 0 {
		t.Fatal("first flow not acknowledged")
	}
	// A DUP retransmission of the open flow only repeats the PUBREC.
	if _, ok := rawPublishQoS2(t, conn, 7, 1).(*packet.PUBREC); !ok {
		t.Fatal("dup retransmission not re-acknowledged")
	}
	// Reuse without DUP breaks exactly-once and ends the connection.
	reply := rawPublishQoS2(t, conn, 7, 0)
	disc, ok := reply.(*packet.DISCONNECT)
	if !ok {
		t.Fatalf("expected DISCONNECT, got %v", reply)
	}
	if disc.ReasonCode.Code != 0x83 {
		t.Errorf("disconnect code = %#x, want 0x83", disc.ReasonCode.Code)
	}
}

func TestBrokerInboundQuotaExceeded(t *testing.T) {
	_, url := startBroker(t, Config{ReceiveMaximum: 1})
	conn := rawConnect(t, url)

	if rec, ok := rawPublishQoS2(t, conn, 1, 0).(*packet.PUBREC); !ok || rec.ReasonCode.Code != 0 {
		t.Fatal("first flow not acknowledged")
	}
	// No PUBREL sent, so the window of one stays full.
	rec, ok := rawPublishQoS2(t, conn, 2, 0).(*packet.PUBREC)
	if !ok {
		t.Fatal("second flow got no PUBREC")
	}
	if rec.ReasonCode.Code != packet.ErrQuotaExceeded.Code {
		t.Errorf("reason = %#x, want quota exceeded", rec.ReasonCode.Code)
	}
}
