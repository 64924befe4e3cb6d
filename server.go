package monstermq

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/websocket"

	"github.com/monstermq/monstermq/auth"
	"github.com/monstermq/monstermq/bus"
	"github.com/monstermq/monstermq/cluster"
)

// shutdownPollIntervalMax is the max polling interval when checking
// quiescence during Server.Shutdown. Polling starts with a small
// interval and backs off to the max.
const shutdownPollIntervalMax = 500 * time.Millisecond
const stackSize = 64 << 10

const (
	// StateNew represents a new connection that has not completed its
	// CONNECT exchange yet.
	StateNew ConnState = iota

	// StateActive represents a connection currently handling a packet.
	StateActive

	// StateIdle represents a connected client waiting for its next packet.
	StateIdle

	// StateClosed represents a closed connection. Terminal.
	StateClosed
)

// ErrAbortHandler is a sentinel panic value to abort a connection's packet
// handler without logging a stack trace.
var ErrAbortHandler = errors.New("monstermq: abort handler")

// ErrServerClosed is returned by Serve and the ListenAndServe variants
// after a call to Shutdown.
var ErrServerClosed = errors.New("monstermq: server closed")

// A ConnState represents the state of a client connection to the broker.
// It's used by the optional [Server.ConnState] hook.
type ConnState int

// Server is one broker node: it accepts MQTT connections on any number of
// listeners and routes messages through the stores, the bus and the cluster
// coordinator it was built with.
type Server struct {
	Config Config

	// TLSConfig optionally provides a TLS configuration for use by ServeTLS
	// and ListenAndServeTLS.
	TLSConfig *tls.Config

	// ConnState specifies an optional callback function that is called when
	// a client connection changes state.
	ConnState func(net.Conn, ConnState)

	// ConnContext optionally specifies a function that modifies the context
	// used for a new connection c.
	ConnContext func(ctx context.Context, c net.Conn) context.Context

	store    SessionStore
	retained RetainedStore
	subs     *SubscriptionManager
	archiver *Archiver
	bus      bus.Bus
	coord    cluster.Coordinator
	authn    *auth.Authenticator
	sasl     map[string]auth.Mechanism
	sched    *Scheduler
	metrics  MetricsStore

	inShutdown atomic.Bool

	mu            sync.RWMutex
	listeners     map[*net.Listener]struct{}
	activeConn    map[*conn]struct{}
	clients       map[string]*conn // connected clients by id
	onShutdown    []func()
	listenerGroup sync.WaitGroup

	queueBulk *queueBulker

	busSubs []bus.Subscription
	done    chan struct{}

	msgIn  atomic.Uint64
	msgOut atomic.Uint64
}

// ServerOption configures optional broker collaborators.
type ServerOption func(*Server)

func WithSessionStore(s SessionStore) ServerOption   { return func(srv *Server) { srv.store = s } }
func WithRetainedStore(s RetainedStore) ServerOption { return func(srv *Server) { srv.retained = s } }
func WithArchiver(a *Archiver) ServerOption          { return func(srv *Server) { srv.archiver = a } }
func WithBus(b bus.Bus) ServerOption                 { return func(srv *Server) { srv.bus = b } }
func WithCoordinator(c cluster.Coordinator) ServerOption {
	return func(srv *Server) { srv.coord = c }
}
func WithAuthenticator(a *auth.Authenticator) ServerOption {
	return func(srv *Server) { srv.authn = a }
}
func WithMetricsStore(m MetricsStore) ServerOption { return func(srv *Server) { srv.metrics = m } }

// WithSASL offers the given enhanced-authentication mechanisms to MQTT 5
// clients. A CONNECT naming an unknown method is refused with 0x8C.
func WithSASL(mechs ...auth.Mechanism) ServerOption {
	return func(srv *Server) {
		if srv.sasl == nil {
			srv.sasl = make(map[string]auth.Mechanism)
		}
		for _, m := range mechs {
			srv.sasl[m.Name()] = m
		}
	}
}

// NewServer builds a broker node. Missing collaborators default to their
// in-process implementations, so NewServer(ctx, Config{}) is a complete
// single-node broker.
func NewServer(ctx context.Context, cfg Config, opts ...ServerOption) (*Server, error) {
	cfg.withDefaults()
	s := &Server{
		Config:     cfg,
		activeConn: make(map[*conn]struct{}),
		listeners:  make(map[*net.Listener]struct{}),
		clients:    make(map[string]*conn),
		sched:      NewScheduler(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewMemorySessionStore()
	}
	if s.retained == nil {
		s.retained = NewMemoryRetainedStore()
	}
	if s.bus == nil {
		s.bus = bus.NewLocal()
	}
	if s.coord == nil {
		s.coord = cluster.NewLocal(cfg.NodeID)
	}
	if s.authn == nil {
		s.authn = auth.NewAuthenticator(nil, 0)
	}
	if s.archiver == nil {
		s.archiver = NewArchiver()
	}
	s.queueBulk = newQueueBulker(s.store, cfg.DispatchBulkWindow)
	s.subs = NewSubscriptionManager(s.store)
	if err := s.subs.Load(ctx); err != nil {
		return nil, err
	}
	if err := s.startBus(); err != nil {
		return nil, err
	}
	if err := s.startMetricsReplies(); err != nil {
		return nil, err
	}
	go s.purgeLoop()
	go s.metricsLoop()

	go func() {
		<-ctx.Done()
		if err := s.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()
	return s, nil
}

// Shutdown gracefully stops the broker: listeners close first, then the
// server polls until every connection has drained.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.inShutdown.Swap(true) {
		return nil
	}
	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	for _, f := range s.onShutdown {
		go f()
	}
	s.mu.Unlock()
	s.listenerGroup.Wait()

	close(s.done)
	for _, sub := range s.busSubs {
		_ = sub.Unsubscribe()
	}
	s.sched.Close()
	s.archiver.Close()
	s.queueBulk.flush()

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		// Add 10% jitter.
		interval := pollIntervalBase + time.Duration(rand.Intn(int(pollIntervalBase/10)+1))
		// Double and clamp for next time.
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()
	for {
		if s.closeIdleConns() {
			return lnerr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPollInterval())
		}
	}
}

// closeIdleConns closes all idle connections and reports whether the
// server is quiescent.
func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiescent := true
	for c := range s.activeConn {
		st, unixSec := c.getState()
		// Treat StateNew connections as idle when the CONNECT has not
		// arrived within 5 seconds.
		if st == StateNew && unixSec < time.Now().Unix()-5 {
			st = StateIdle
		}
		if st != StateIdle || unixSec == 0 {
			quiescent = false
			continue
		}
		_ = c.rwc.Close()
		delete(s.activeConn, c)
	}
	return quiescent
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) newConn(rwc net.Conn) *conn {
	return &conn{server: s, rwc: rwc}
}

// Serve accepts incoming connections on the Listener l, creating a new
// service goroutine for each. Serve always returns a non-nil error and
// closes l. After [Server.Shutdown], the returned error is [ErrServerClosed].
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	ctx := context.Background()
	for {
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		connCtx := ctx
		if cc := s.ConnContext; cc != nil {
			connCtx = cc(connCtx, rw)
			if connCtx == nil {
				panic("ConnContext returned nil")
			}
		}
		c := s.newConn(rw)
		c.setState(c.rwc, StateNew, true) // before Serve can return
		go c.serve(connCtx)
	}
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		stat.ActiveConnections.Inc()
		s.activeConn[c] = struct{}{}
	} else {
		stat.ActiveConnections.Dec()
		delete(s.activeConn, c)
	}
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners. It reports whether the server is still up.
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

// registerClient binds the connected conn to its client id, returning the
// previous holder when the id was already connected on this node.
func (s *Server) registerClient(clientID string, c *conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.clients[clientID]
	s.clients[clientID] = c
	return old
}

// unregisterClient drops the binding, but only when c still owns it. A
// taken-over connection must not unbind its successor.
func (s *Server) unregisterClient(clientID string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[clientID] == c {
		delete(s.clients, clientID)
	}
}

func (s *Server) client(clientID string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[clientID]
}

// ListenAndServe listens on the host of rawURL (e.g. "mqtt://:1883") and
// serves MQTT over TCP.
func (s *Server) ListenAndServe(rawURL string) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	log.Info().Str("addr", u.Host).Msg("mqtt serve")
	return s.Serve(ln)
}

func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	config := s.TLSConfig
	if config == nil {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
		config = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return s.Serve(tls.NewListener(l, config))
}

func (s *Server) ListenAndServeTLS(rawURL, certFile, keyFile string) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	log.Info().Str("addr", u.Host).Msg("mqtts serve")
	return s.ServeTLS(ln, certFile, keyFile)
}

// ListenAndServeWebsocket serves MQTT over websocket binary frames on the
// host of rawURL.
func (s *Server) ListenAndServeWebsocket(rawURL string) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	handler := websocket.Handler(func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		c := s.newConn(ws)
		c.setState(c.rwc, StateNew, true)
		c.serve(context.Background())
	})
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	if !s.trackListener(&ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(&ln, false)
	log.Info().Str("addr", u.Host).Msg("websocket serve")
	srv := &http.Server{Handler: handler}
	return srv.Serve(ln)
}

// purgeLoop sweeps expired queued messages and sessions on the configured
// interval. The sweep runs once per cluster via the purge lock.
func (s *Server) purgeLoop() {
	tick := time.NewTicker(s.Config.PurgeInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
			s.purgeOnce()
		}
	}
}

func (s *Server) purgeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	held, err := s.coord.TryLock(ctx, "purge", s.Config.PurgeInterval)
	if err != nil || !held {
		return
	}
	now := time.Now()
	if n, err := s.store.PurgeExpired(ctx, now); err != nil {
		log.Error().Err(err).Msg("purge: queued sweep failed")
	} else if n > 0 {
		log.Debug().Int("purged", n).Msg("purge: queued messages")
	}
	expired, err := s.store.ExpireSessions(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("purge: session sweep failed")
		return
	}
	for _, id := range expired {
		if err := s.subs.RemoveClient(ctx, id); err != nil {
			log.Error().Err(err).Str("client", id).Msg("purge: subscription cleanup failed")
		}
		_ = s.coord.RemoveClient(ctx, id)
		log.Debug().Str("client", id).Msg("session expired")
	}
	if leader, _ := s.coord.IsLeader(ctx); leader {
		s.archiver.Purge(ctx, now)
	}
}
