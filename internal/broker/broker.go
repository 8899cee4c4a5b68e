// Package broker wires the wire codec, connection FSM, domain dispatcher,
// and I/O reactor into one running MQTT server. Broker implements
// conn.Owner so internal/conn never imports this package.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mqttd/internal/conn"
	"mqttd/internal/domain"
	"mqttd/internal/reactor"
	"mqttd/internal/transport/wstransport"
)

var wsUpgrader = websocket.Upgrader{
	Subprotocols:    []string{"mqtt"},
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Config bounds broker-wide behavior not owned by any one domain.
type Config struct {
	Bind            string
	Limits          conn.Limits
	KeepaliveSweep  time.Duration
	RetransmitSweep time.Duration
}

// Broker accepts MQTT connections, resolves each to a tenant domain, and
// owns the registry of live connections.
type Broker struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *domain.Dispatcher
	handlers   conn.Handlers

	pool     *reactor.Pool
	listener *reactor.Listener

	mu    sync.Mutex
	conns map[uint64]*conn.Conn
	byKey map[domainClientKey]*conn.Conn

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

type domainClientKey struct {
	domain   string
	clientID string
}

// New constructs a Broker over a pre-built domain dispatcher.
func New(cfg Config, dispatcher *domain.Dispatcher, handlers conn.Handlers, logger *slog.Logger) *Broker {
	if cfg.KeepaliveSweep <= 0 {
		cfg.KeepaliveSweep = time.Second
	}
	if cfg.RetransmitSweep <= 0 {
		cfg.RetransmitSweep = time.Second
	}
	return &Broker{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		handlers:   handlers,
		pool:       reactor.NewPool(256),
		conns:      make(map[uint64]*conn.Conn),
		byKey:      make(map[domainClientKey]*conn.Conn),
		stopSweep:  make(chan struct{}),
	}
}

// Run starts the listener and blocks until ctx is cancelled or the accept
// loop fails.
func (b *Broker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Bind)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}
	b.listener = reactor.NewListener(ln, b.pool, b.logger)
	b.logger.Info("mqtt broker listening", "addr", b.cfg.Bind)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sweepLoop()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- b.listener.Serve(b.acceptConn) }()

	select {
	case <-ctx.Done():
		return b.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop closes the listener, stops the sweep loop, and force-closes every
// live connection.
func (b *Broker) Stop() error {
	close(b.stopSweep)
	var err error
	if b.listener != nil {
		err = b.listener.Close()
	}

	b.mu.Lock()
	conns := make([]*conn.Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.CloseDirty()
	}

	b.wg.Wait()
	b.dispatcher.Close(context.Background())
	return err
}

// acceptConn performs admission for one newly accepted socket and hands
// it off to its own goroutine. This call itself must return quickly:
// it runs inside the reactor's bounded admission pool, and holding that
// slot for the connection's full lifetime would turn an admission limiter
// into a total-live-connection limiter. The CONNECT handshake runs later,
// on the connection's own ReadLoop goroutine.
func (b *Broker) acceptConn(raw net.Conn) {
	c := conn.New(raw, b)
	go c.ReadLoop()
}

// ServeWS upgrades an HTTP connection to a WebSocket carrying the "mqtt"
// subprotocol and admits it exactly like a TCP accept, via
// internal/transport/wstransport's byte-stream adapter.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := conn.New(wstransport.New(ws), b)
	go c.ReadLoop()
}

func (b *Broker) sweepLoop() {
	keepaliveTicker := time.NewTicker(b.cfg.KeepaliveSweep)
	retransmitTicker := time.NewTicker(b.cfg.RetransmitSweep)
	defer keepaliveTicker.Stop()
	defer retransmitTicker.Stop()

	for {
		select {
		case <-b.stopSweep:
			return
		case <-keepaliveTicker.C:
			b.sweepKeepalive()
		case <-retransmitTicker.C:
			b.sweepRetransmits()
		}
	}
}

func (b *Broker) sweepKeepalive() {
	now := time.Now()
	b.mu.Lock()
	conns := make([]*conn.Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if c.KeepaliveExpired(now, b.cfg.Limits.KeepaliveGraceFactor) {
			b.logger.Debug("keepalive expired", "client_id", c.ClientID)
			c.CloseDirty()
		}
	}
}

func (b *Broker) sweepRetransmits() {
	b.mu.Lock()
	conns := make([]*conn.Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.RetransmitDue(time.Now())
	}
}

// Logger implements conn.Owner.
func (b *Broker) Logger() *slog.Logger { return b.logger }

// Dispatcher implements conn.Owner.
func (b *Broker) Dispatcher() *domain.Dispatcher { return b.dispatcher }

// Handlers implements conn.Owner.
func (b *Broker) Handlers() conn.Handlers { return b.handlers }

// Limits implements conn.Owner.
func (b *Broker) Limits() conn.Limits { return b.cfg.Limits }

// Register implements conn.Owner.
func (b *Broker) Register(c *conn.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.ID()] = c
	if c.Domain != nil {
		b.byKey[domainClientKey{domain: c.Domain.Name, clientID: c.ClientID}] = c
	}
}

// Unregister implements conn.Owner.
func (b *Broker) Unregister(c *conn.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c.ID())
	if c.Domain != nil {
		key := domainClientKey{domain: c.Domain.Name, clientID: c.ClientID}
		if b.byKey[key] == c {
			delete(b.byKey, key)
		}
	}
}

// CloseDuplicateClientID implements conn.Owner: at most one live
// connection may exist for a given (domain, client-id) pair at a time.
func (b *Broker) CloseDuplicateClientID(d *domain.Domain, clientID string, except *conn.Conn) {
	b.mu.Lock()
	prior, ok := b.byKey[domainClientKey{domain: d.Name, clientID: clientID}]
	b.mu.Unlock()
	if ok && prior != except {
		prior.CloseDirty()
	}
}

// NewSyntheticClientID implements conn.Owner.
func (b *Broker) NewSyntheticClientID() string {
	return "auto-" + uuid.NewString()
}

// ConnectionCount reports the number of currently registered connections,
// for metrics.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
