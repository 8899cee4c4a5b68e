// Package message implements the reference-counted parsed-packet object
// shared across the subscription trie, the QoS engine, and the session
// store once a PUBLISH has been decoded off the wire.
package message

import (
	"sync/atomic"

	"mqttd/internal/packet"
)

// Message is immutable after construction except for its refcount.
// Payload is a non-owning view into buf; the buffer is only eligible for
// reuse once the last holder releases it.
type Message struct {
	ID       uint64
	Topic    string
	QoS      packet.QoS
	Dup      bool
	Retain   bool
	PacketID uint16
	Payload  []byte

	buf      []byte
	refcount atomic.Int32
	onFree   func([]byte)
}

var idCounter atomic.Uint64

// NewFromPublish builds a Message from a decoded PUBLISH packet. buf, if
// non-nil, is the owning buffer backing p.Payload; onFree is invoked with
// buf when the message's refcount drops to zero (nil is a valid no-op).
func NewFromPublish(p *packet.Publish, buf []byte, onFree func([]byte)) *Message {
	m := &Message{
		ID:       idCounter.Add(1),
		Topic:    p.Topic,
		QoS:      p.QoS,
		Dup:      p.Dup,
		Retain:   p.Retain,
		PacketID: p.PacketID,
		Payload:  p.Payload,
		buf:      buf,
		onFree:   onFree,
	}
	m.refcount.Store(1)
	return m
}

// Acquire increments the reference count and returns m for chaining.
func (m *Message) Acquire() *Message {
	m.refcount.Add(1)
	return m
}

// Release decrements the reference count, freeing the owning buffer
// (via onFree, if set) when it reaches zero. Calling Release more times
// than the message has been acquired is a programming error and panics.
func (m *Message) Release() {
	n := m.refcount.Add(-1)
	if n < 0 {
		panic("message: released more times than retained")
	}
	if n == 0 && m.onFree != nil {
		m.onFree(m.buf)
		m.onFree = nil
	}
}

// RefCount returns the current reference count, chiefly for tests.
func (m *Message) RefCount() int32 { return m.refcount.Load() }

// AsPublish renders the message back into a wire PUBLISH packet, e.g. for
// retransmission with a different Dup flag or a different PacketID when
// re-delivered to another subscriber.
func (m *Message) AsPublish(dup bool, packetID uint16) *packet.Publish {
	return &packet.Publish{
		Header:   packet.Header{Dup: dup, QoS: m.QoS, Retain: m.Retain},
		Topic:    m.Topic,
		PacketID: packetID,
		Payload:  m.Payload,
	}
}
