// Package conn implements the per-connection state machine: the
// handshake -> active -> disconnecting lifecycle, flow control, and
// keepalive tracking for one MQTT client connection.
package conn

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mqttd/internal/domain"
	"mqttd/internal/packet"
	"mqttd/internal/qos"
	"mqttd/internal/transport"
)

// State is one state of the connection lifecycle FSM.
type State int32

const (
	StateInit State = iota
	StateWaitConnect
	StateConnecting
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaitConnect:
		return "WAIT_CONNECT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Role identifies what end of a connection this value represents.
type Role int

const (
	RoleListener Role = iota
	RoleInitiator
	RoleAccepted
)

// Will is the message the broker publishes on behalf of a client that
// disconnects uncleanly.
type Will struct {
	Topic   string
	Payload []byte
	QoS     packet.QoS
	Retain  bool
}

// Limits bounds the behavior of every connection; populated from
// configuration.
type Limits struct {
	MaxPayloadSize       int
	RetransmitTimeout    time.Duration
	MaxRetries           int
	KeepaliveGraceFactor float64
}

// Handlers is the user-supplied capability set invoked at lifecycle
// points.
type Handlers struct {
	OnConnect       func(c *Conn)
	OnPublish       func(c *Conn, topic string, payload []byte, qos packet.QoS)
	OnSubscribe     func(c *Conn, filters []string)
	OnDisconnect    func(c *Conn, err error)
	OnQuotaRejected func(c *Conn, topic string)
}

// Owner is the narrow view of the broker that a Conn needs: connection
// registry, domain dispatch, and shared configuration. Implemented by
// *broker.Broker; kept as an interface here so this package never
// imports the broker package.
type Owner interface {
	Logger() *slog.Logger
	Dispatcher() *domain.Dispatcher
	Handlers() Handlers
	Limits() Limits
	Register(c *Conn)
	Unregister(c *Conn)
	// CloseDuplicateClientID force-closes any other live connection in d
	// bound to clientID; the prior connection is closed before the new
	// CONNACK is sent.
	CloseDuplicateClientID(d *domain.Domain, clientID string, except *Conn)
	NewSyntheticClientID() string
}

var nextConnID atomic.Uint64

// Conn is one MQTT client connection bound to the broker.
type Conn struct {
	ID_    uint64
	Role   Role
	owner  Owner
	raw    transport.Conn
	logger *slog.Logger

	decoder *packet.Decoder
	writeMu sync.Mutex

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	// token serializes packet handling for this connection even when the
	// reactor dispatches work for it onto a shared worker pool.
	token chan struct{}

	ClientID     string
	Username     string
	CleanSession bool
	KeepAlive    uint16
	Will         *Will

	Domain *domain.Domain // weak: set once after CONNACK, never reassigned

	InflightOut *qos.Engine
	InflightIn  *qos.Engine

	subMu         sync.Mutex
	Subscriptions map[string]packet.QoS

	closeOnce sync.Once
}

// New constructs a Conn in state INIT and immediately transitions it to
// WAIT_CONNECT, matching "socket accepted".
func New(raw transport.Conn, owner Owner) *Conn {
	limits := owner.Limits()
	c := &Conn{
		ID_:           nextConnID.Add(1),
		Role:          RoleAccepted,
		owner:         owner,
		raw:           raw,
		logger:        owner.Logger().With("conn_id", nextConnID.Load(), "remote", raw.RemoteAddr().String()),
		decoder:       packet.NewDecoder(raw, limits.MaxPayloadSize),
		token:         make(chan struct{}, 1),
		Subscriptions: make(map[string]packet.QoS),
		InflightOut:   qos.NewEngine(limits.RetransmitTimeout, limits.MaxRetries),
		InflightIn:    qos.NewEngine(limits.RetransmitTimeout, limits.MaxRetries),
	}
	c.token <- struct{}{}
	c.state.Store(int32(StateInit))
	c.touch()
	c.state.Store(int32(StateWaitConnect))
	return c
}

// ID implements topic.Subscriber.
func (c *Conn) ID() uint64 { return c.ID_ }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// IdleFor reports how long it has been since the last packet arrived.
func (c *Conn) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// writePacket serializes p and writes it, holding writeMu so concurrent
// writers (the handler goroutine and the retransmit sweep) never
// interleave bytes on the wire.
func (c *Conn) writePacket(p packet.Packet) error {
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.raw.Write(data)
	return err
}

// Process handles exactly one decoded packet, acquiring this
// connection's token so that concurrent dispatch from a shared worker
// pool never processes two packets for the same connection at once.
func (c *Conn) Process(p packet.Packet) {
	<-c.token
	defer func() { c.token <- struct{}{} }()

	c.touch()
	if err := c.dispatch(p); err != nil {
		c.logger.Debug("closing connection after handler error", "error", err)
		c.CloseDirty()
	}
}

// ReadLoop decodes packets off the wire until the connection closes,
// handing each one to Process. It is the per-connection reactor role:
// Go's netpoller already multiplexes the underlying socket, so one
// goroutine per accepted connection is sufficient.
func (c *Conn) ReadLoop() {
	for {
		p, err := c.decoder.Decode()
		if err != nil {
			c.onTransportError(err)
			return
		}
		if c.State() == StateClosed {
			return
		}
		c.Process(p)
		if c.State() == StateClosed {
			return
		}
	}
}

func (c *Conn) onTransportError(err error) {
	if c.State() == StateDisconnecting || c.State() == StateClosed {
		return
	}
	c.logger.Debug("transport read ended", "error", err)
	c.CloseDirty()
}

// CloseClean performs the clean-shutdown path: no will is published, the
// session is persisted if clean_session=false.
func (c *Conn) CloseClean() {
	c.closeOnce.Do(func() { c.teardown(false) })
}

// CloseDirty performs the dirty-shutdown path: the configured will (if
// any) is published before teardown.
func (c *Conn) CloseDirty() {
	c.closeOnce.Do(func() { c.teardown(true) })
}

func (c *Conn) teardown(publishWill bool) {
	c.setState(StateDisconnecting)

	if publishWill && c.Will != nil && c.Domain != nil {
		willPub := &packet.Publish{
			Header:  packet.Header{QoS: c.Will.QoS, Retain: c.Will.Retain},
			Topic:   c.Will.Topic,
			Payload: c.Will.Payload,
		}
		if h := c.owner.Handlers().OnPublish; h != nil {
			h(c, willPub.Topic, willPub.Payload, willPub.QoS)
		}
		c.Domain.Trie.Publish(willPub)
		if willPub.Retain {
			_ = c.Domain.Retained.Upsert(willPub)
		}
	}

	if c.Domain != nil {
		if c.CleanSession {
			c.Domain.Trie.UnsubscribeAll(c)
			_ = c.Domain.Sessions.Destroy(c.ClientID)
		} else {
			// Leave the subscriptions live in the trie, owned by an
			// offline placeholder, so publishes arriving before the
			// next reconnect are queued instead of dropped.
			c.Domain.DetachOffline(c.ClientID, c)
			c.persistSessionSnapshot()
		}
		c.Domain.ConnectionClosed()
	}

	c.InflightOut.Close()
	c.InflightIn.Close()

	c.owner.Unregister(c)
	if h := c.owner.Handlers().OnDisconnect; h != nil {
		h(c, nil)
	}

	c.setState(StateClosed)
	_ = c.raw.Close()
}

func (c *Conn) persistSessionSnapshot() {
	c.subMu.Lock()
	subs := make(map[string]packet.QoS, len(c.Subscriptions))
	for k, v := range c.Subscriptions {
		subs[k] = v
	}
	c.subMu.Unlock()

	for filter, qos := range subs {
		_ = c.Domain.Sessions.AddSubscription(c.ClientID, filter, qos)
	}
	for _, item := range c.InflightOut.Outstanding() {
		if item.Publish != nil {
			_ = c.Domain.Sessions.Enqueue(c.ClientID, sessionQueuedFromPublish(item.Publish))
		}
	}
}
