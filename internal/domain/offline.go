package domain

import (
	"hash/fnv"

	"mqttd/internal/packet"
	"mqttd/internal/session"
	"mqttd/internal/topic"
)

// offlineSubscriber stands in for a disconnected clean_session=false
// client in its domain's subscription trie. Publishes that match its
// filters while it is offline are enqueued onto its persisted session
// instead of being dropped, so a reconnect with session_present replays
// them through DrainQueue.
type offlineSubscriber struct {
	clientID string
	sessions *session.Store
}

// offlineSubscriberID derives a trie identity for clientID that never
// collides with a live connection's sequential ID (reserved by setting
// the high bit), so Trie.Detach can move subscriptions between a live
// *conn.Conn and this placeholder by ID alone.
func offlineSubscriberID(clientID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(clientID))
	return h.Sum64() | (1 << 63)
}

func (o offlineSubscriber) ID() uint64 { return offlineSubscriberID(o.clientID) }

func (o offlineSubscriber) Deliver(topicName string, grantedQoS packet.QoS, pub *packet.Publish) {
	_ = o.sessions.Enqueue(o.clientID, session.QueuedMessage{
		Topic:   topicName,
		Payload: pub.Payload,
		QoS:     grantedQoS,
	})
}

// DetachOffline moves every trie subscription belonging to live onto an
// offline placeholder for clientID, called when a clean_session=false
// connection disconnects so that subsequent publishes are queued rather
// than silently lost.
func (d *Domain) DetachOffline(clientID string, live topic.Subscriber) {
	d.Trie.Detach(live, offlineSubscriber{clientID: clientID, sessions: d.Sessions})
}

// ForgetOffline purges any offline placeholder left in the trie for
// clientID. Called once a reconnect has re-subscribed the live
// connection from the resumed session, or once the session itself is
// destroyed, so the placeholder never outlives the state it stands in
// for.
func (d *Domain) ForgetOffline(clientID string) {
	d.Trie.RemoveID(offlineSubscriberID(clientID))
}
