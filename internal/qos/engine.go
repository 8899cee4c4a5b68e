// Package qos implements the per-connection in-flight QoS 1/2 delivery
// machinery: packet-id allocation, outbound retransmission state,
// and inbound QoS 2 exactly-once tracking. One Engine is owned by each
// connection; the reader/writer side it belongs to is serialized by the
// connection's scheduling token, so Engine itself only needs a mutex for
// safety against the keepalive/retransmit sweep goroutine.
package qos

import (
	"sync"
	"time"

	"mqttd/internal/message"
	"mqttd/internal/packet"
)

// outboundState tracks where one outbound QoS>0 delivery is in its
// handshake.
type outboundState int

const (
	stateAwaitingAck       outboundState = iota // QoS1: awaiting PUBACK; QoS2: awaiting PUBREC
	stateAwaitingPubcomp                         // QoS2 only: PUBREL sent, awaiting PUBCOMP
)

type outboundEntry struct {
	msg      *message.Message
	qos      packet.QoS
	state    outboundState
	dup      bool
	lastSent time.Time
	retries  int
}

// Engine holds both in-flight tables for one connection.
type Engine struct {
	mu sync.Mutex

	nextID   uint16
	outbound map[uint16]*outboundEntry

	inboundQoS2 map[uint16]struct{}

	retransmitTimeout time.Duration
	maxRetries        int // 0 means unbounded
}

// NewEngine constructs an Engine. retransmitTimeout and maxRetries default
// to 15s / unbounded when zero.
func NewEngine(retransmitTimeout time.Duration, maxRetries int) *Engine {
	if retransmitTimeout <= 0 {
		retransmitTimeout = 15 * time.Second
	}
	return &Engine{
		outbound:          make(map[uint16]*outboundEntry),
		inboundQoS2:       make(map[uint16]struct{}),
		retransmitTimeout: retransmitTimeout,
		maxRetries:        maxRetries,
	}
}

// AllocatePacketID returns the next free 16-bit packet id, wrapping and
// skipping ids already outstanding in the outbound table.
func (e *Engine) AllocatePacketID() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocateLocked()
}

func (e *Engine) allocateLocked() uint16 {
	for {
		e.nextID++
		if e.nextID == 0 {
			e.nextID = 1
		}
		if _, inUse := e.outbound[e.nextID]; !inUse {
			return e.nextID
		}
	}
}

// TrackOutboundQoS1 registers msg as in-flight under a newly allocated
// packet id and returns the PUBLISH packet to send (dup=0).
func (e *Engine) TrackOutboundQoS1(msg *message.Message) *packet.Publish {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.allocateLocked()
	e.outbound[id] = &outboundEntry{msg: msg, qos: packet.QoS1, state: stateAwaitingAck, lastSent: time.Now()}
	return msg.AsPublish(false, id)
}

// TrackOutboundQoS2 registers msg as in-flight under a newly allocated
// packet id and returns the PUBLISH packet to send (dup=0).
func (e *Engine) TrackOutboundQoS2(msg *message.Message) *packet.Publish {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.allocateLocked()
	e.outbound[id] = &outboundEntry{msg: msg, qos: packet.QoS2, state: stateAwaitingAck, lastSent: time.Now()}
	return msg.AsPublish(false, id)
}

// HandlePuback completes a QoS 1 delivery. The returned message's
// reference should be released by the caller.
func (e *Engine) HandlePuback(id uint16) (*message.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.outbound[id]
	if !ok || entry.qos != packet.QoS1 {
		return nil, false
	}
	delete(e.outbound, id)
	return entry.msg, true
}

// HandlePubrec advances a QoS 2 delivery to "awaiting PUBCOMP" and
// returns the PUBREL packet to send.
func (e *Engine) HandlePubrec(id uint16) (*packet.Pubrel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.outbound[id]
	if !ok || entry.qos != packet.QoS2 {
		return nil, false
	}
	entry.state = stateAwaitingPubcomp
	entry.lastSent = time.Now()
	entry.dup = false
	return &packet.Pubrel{PacketID: id}, true
}

// HandlePubcomp completes a QoS 2 delivery.
func (e *Engine) HandlePubcomp(id uint16) (*message.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.outbound[id]
	if !ok || entry.state != stateAwaitingPubcomp {
		return nil, false
	}
	delete(e.outbound, id)
	return entry.msg, true
}

// RetransmitItem describes one packet that must be resent.
type RetransmitItem struct {
	PacketID uint16
	Publish  *packet.Publish // set when the PUBLISH itself must be resent (dup=1)
	Pubrel   *packet.Pubrel  // set when only the PUBREL must be resent
}

// DueRetransmits scans the outbound table for entries whose retransmit
// timer has elapsed, marks them dup, bumps their retry counter, and
// returns what to resend. Entries that have exhausted maxRetries (when
// maxRetries > 0) are dropped from the table, their message released, and
// omitted from the result.
func (e *Engine) DueRetransmits(now time.Time) []RetransmitItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	var due []RetransmitItem
	for id, entry := range e.outbound {
		if now.Sub(entry.lastSent) < e.retransmitTimeout {
			continue
		}
		if e.maxRetries > 0 && entry.retries >= e.maxRetries {
			entry.msg.Release()
			delete(e.outbound, id)
			continue
		}
		entry.retries++
		entry.lastSent = now
		switch entry.state {
		case stateAwaitingAck:
			entry.dup = true
			due = append(due, RetransmitItem{PacketID: id, Publish: entry.msg.AsPublish(true, id)})
		case stateAwaitingPubcomp:
			due = append(due, RetransmitItem{PacketID: id, Pubrel: &packet.Pubrel{PacketID: id}})
		}
	}
	return due
}

// Outstanding returns every in-flight outbound entry, with PUBLISH entries
// rendered at dup=1. The connection uses it when a clean_session=false
// client disconnects, copying the PUBLISH entries into the session's
// offline queue; on reconnect they are delivered as new publishes (dup=0,
// fresh packet id), and entries awaiting PUBCOMP are not carried over.
func (e *Engine) Outstanding() []RetransmitItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []RetransmitItem
	for id, entry := range e.outbound {
		switch entry.state {
		case stateAwaitingAck:
			out = append(out, RetransmitItem{PacketID: id, Publish: entry.msg.AsPublish(true, id)})
		case stateAwaitingPubcomp:
			out = append(out, RetransmitItem{PacketID: id, Pubrel: &packet.Pubrel{PacketID: id}})
		}
	}
	return out
}

// ReceiveInboundQoS2 records packet id as received exactly once: the
// first call for a given id returns shouldDeliver=true; any subsequent
// call (duplicate PUBLISH with dup=1) returns false. The caller always
// sends PUBREC regardless of the return value.
func (e *Engine) ReceiveInboundQoS2(id uint16) (shouldDeliver bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.inboundQoS2[id]; seen {
		return false
	}
	e.inboundQoS2[id] = struct{}{}
	return true
}

// CompleteInboundQoS2 removes id on receipt of PUBREL; the caller always
// sends PUBCOMP, whether or not id was recorded.
func (e *Engine) CompleteInboundQoS2(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inboundQoS2, id)
}

// Close releases every message held in the outbound table. Called whenever
// a connection closes; for a clean_session=false connection the
// outstanding PUBLISHes have already been copied into its session queue.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, entry := range e.outbound {
		entry.msg.Release()
		delete(e.outbound, id)
	}
}
