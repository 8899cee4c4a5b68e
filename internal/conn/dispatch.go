package conn

import (
	"context"
	"fmt"
	"time"

	"mqttd/internal/domain"
	"mqttd/internal/message"
	"mqttd/internal/packet"
	"mqttd/internal/session"
)

func (c *Conn) dispatch(p packet.Packet) error {
	state := c.State()

	if state == StateWaitConnect {
		cp, ok := p.(*packet.Connect)
		if !ok {
			return fmt.Errorf("expected CONNECT in WAIT_CONNECT, got %s", p.Type())
		}
		return c.handleConnect(cp)
	}

	if state != StateConnected {
		return fmt.Errorf("packet %s received in state %s", p.Type(), state)
	}

	switch v := p.(type) {
	case *packet.Publish:
		return c.handlePublish(v)
	case packet.Puback:
		if msg, ok := c.InflightOut.HandlePuback(v.PacketID); ok {
			msg.Release()
		}
		return nil
	case packet.Pubrec:
		if rel, ok := c.InflightOut.HandlePubrec(v.PacketID); ok {
			return c.writePacket(rel)
		}
		return nil
	case packet.Pubrel:
		c.InflightIn.CompleteInboundQoS2(v.PacketID)
		return c.writePacket(packet.Pubcomp{PacketID: v.PacketID})
	case packet.Pubcomp:
		if msg, ok := c.InflightOut.HandlePubcomp(v.PacketID); ok {
			msg.Release()
		}
		return nil
	case *packet.Subscribe:
		return c.handleSubscribe(v)
	case *packet.Unsubscribe:
		return c.handleUnsubscribe(v)
	case packet.Pingreq:
		return c.writePacket(packet.Pingresp{})
	case packet.Disconnect:
		c.Will = nil // clean disconnect: will must not be published
		c.CloseClean()
		return nil
	default:
		return fmt.Errorf("unexpected packet %s in state CONNECTED", p.Type())
	}
}

func (c *Conn) handleConnect(cp *packet.Connect) error {
	c.setState(StateConnecting)

	if cp.ProtocolName != "MQTT" || cp.ProtocolLevel != 4 {
		_ = c.writePacket(&packet.Connack{ReturnCode: packet.ConnackUnacceptableProtocol})
		c.CloseClean()
		return fmt.Errorf("unsupported protocol %q level %d", cp.ProtocolName, cp.ProtocolLevel)
	}

	clientID := cp.ClientID
	if clientID == "" {
		if !cp.CleanSession {
			_ = c.writePacket(&packet.Connack{ReturnCode: packet.ConnackIdentifierRejected})
			c.CloseClean()
			return fmt.Errorf("empty client id requires clean_session=true")
		}
		clientID = c.owner.NewSyntheticClientID()
	}

	domainMatch := c.owner.Dispatcher().FindByIndications(cp.Username, clientID, "")
	if domainMatch == nil {
		_ = c.writePacket(&packet.Connack{ReturnCode: packet.ConnackNotAuthorized})
		c.CloseClean()
		return fmt.Errorf("no domain matched client %q", clientID)
	}

	preSelected := false // no virtual-host/server-name indication on a plain TCP/WS listener
	ok, err := domainMatch.Authenticate(context.Background(), cp.Username, string(cp.Password), clientID, preSelected)
	if err != nil || !ok {
		_ = c.writePacket(&packet.Connack{ReturnCode: packet.ConnackBadUsernameOrPassword})
		c.CloseClean()
		return fmt.Errorf("authentication failed for client %q", clientID)
	}

	// Evict any live connection already bound
	// to this client-id in this domain before admitting the new one.
	c.owner.CloseDuplicateClientID(domainMatch, clientID, c)

	c.ClientID = clientID
	c.Username = cp.Username
	c.CleanSession = cp.CleanSession
	c.KeepAlive = cp.KeepAlive
	c.Domain = domainMatch
	if cp.WillFlag {
		c.Will = &Will{Topic: cp.WillTopic, Payload: cp.WillPayload, QoS: cp.WillQoS, Retain: cp.WillRetain}
	}

	sessionPresent := false
	if !cp.CleanSession {
		sess, existed, err := domainMatch.Sessions.LoadOrCreate(clientID)
		if err != nil {
			_ = c.writePacket(&packet.Connack{ReturnCode: packet.ConnackServerUnavailable})
			c.CloseClean()
			return fmt.Errorf("load session for %q: %w", clientID, err)
		}
		sessionPresent = existed
		c.resumeSession(sess)
		// The resumed subscriptions above are now owned by this live
		// connection; drop whatever offline placeholder was queuing
		// publishes for it so they aren't delivered twice.
		domainMatch.ForgetOffline(clientID)
	} else {
		_ = domainMatch.Sessions.Destroy(clientID)
		domainMatch.ForgetOffline(clientID)
		_, _, _ = domainMatch.Sessions.LoadOrCreate(clientID)
	}

	domainMatch.ConnectionOpened()
	c.owner.Register(c)
	c.setState(StateConnected)

	if err := c.writePacket(&packet.Connack{SessionPresent: sessionPresent, ReturnCode: packet.ConnackAccepted}); err != nil {
		return err
	}

	if h := c.owner.Handlers().OnConnect; h != nil {
		h(c)
	}

	if sessionPresent {
		c.flushOfflineQueue()
	}
	return nil
}

func (c *Conn) resumeSession(sess *session.Session) {
	c.subMu.Lock()
	for filter, qos := range sess.Subscriptions {
		c.Subscriptions[filter] = qos
	}
	c.subMu.Unlock()
	for filter, qos := range sess.Subscriptions {
		c.Domain.Trie.Subscribe(filter, c, qos)
	}
}

func (c *Conn) flushOfflineQueue() {
	queue, err := c.Domain.Sessions.DrainQueue(c.ClientID)
	if err != nil {
		return
	}
	for _, qm := range queue {
		pub := &packet.Publish{Header: packet.Header{QoS: qm.QoS}, Topic: qm.Topic, Payload: qm.Payload}
		c.Deliver(qm.Topic, qm.QoS, pub)
	}
}

func (c *Conn) handlePublish(p *packet.Publish) error {
	switch p.QoS {
	case packet.QoS0:
		c.route(p)
		return nil
	case packet.QoS1:
		c.route(p)
		return c.writePacket(packet.Puback{PacketID: p.PacketID})
	case packet.QoS2:
		if c.InflightIn.ReceiveInboundQoS2(p.PacketID) {
			c.route(p)
		}
		return c.writePacket(packet.Pubrec{PacketID: p.PacketID})
	default:
		return fmt.Errorf("invalid publish qos %d", p.QoS)
	}
}

// route applies domain ACL/quota accounting, updates the retained store,
// and fans the publish out to matching subscribers, mirroring the data
// flow.
func (c *Conn) route(p *packet.Publish) {
	if c.Domain == nil {
		return
	}
	if !c.Domain.AccountPublish(time.Now()) {
		c.logger.Warn("publish dropped: domain over quota", "domain", c.Domain.Name, "topic", p.Topic)
		if h := c.owner.Handlers().OnQuotaRejected; h != nil {
			h(c, p.Topic)
		}
		if c.Domain.QuotaBehavior() == domain.QuotaActionDisconnect {
			c.CloseDirty()
		}
		return
	}

	if h := c.owner.Handlers().OnPublish; h != nil {
		h(c, p.Topic, p.Payload, p.QoS)
	}

	if p.Retain {
		_ = c.Domain.Retained.Upsert(p)
	}

	c.Domain.Trie.Publish(p)
}

// Deliver implements topic.Subscriber: it is invoked by the trie (and by
// retained-message replay) for every matched subscription.
func (c *Conn) Deliver(topicName string, grantedQoS packet.QoS, pub *packet.Publish) {
	out := &packet.Publish{
		Header:  packet.Header{QoS: grantedQoS, Retain: pub.Retain},
		Topic:   topicName,
		Payload: pub.Payload,
	}

	switch grantedQoS {
	case packet.QoS0:
		_ = c.writePacket(out)
	case packet.QoS1:
		msg := message.NewFromPublish(out, nil, nil)
		outPub := c.InflightOut.TrackOutboundQoS1(msg)
		if err := c.writePacket(outPub); err != nil {
			if m, ok := c.InflightOut.HandlePuback(outPub.PacketID); ok {
				m.Release()
			}
		}
	case packet.QoS2:
		msg := message.NewFromPublish(out, nil, nil)
		outPub := c.InflightOut.TrackOutboundQoS2(msg)
		_ = c.writePacket(outPub)
	}
}

func (c *Conn) handleSubscribe(sp *packet.Subscribe) error {
	codes := make([]byte, len(sp.Filters))
	var accepted []string

	for i, f := range sp.Filters {
		if c.Domain == nil {
			codes[i] = packet.SubscribeFailure
			continue
		}
		c.Domain.Trie.Subscribe(f.Filter, c, f.QoS)

		c.subMu.Lock()
		c.Subscriptions[f.Filter] = f.QoS
		c.subMu.Unlock()

		if !c.CleanSession {
			_ = c.Domain.Sessions.AddSubscription(c.ClientID, f.Filter, f.QoS)
		}

		codes[i] = byte(f.QoS)
		accepted = append(accepted, f.Filter)

		for _, m := range c.Domain.Retained.Match(f.Filter) {
			pub := m.AsPublish(false, 0)
			pub.Retain = true
			c.Deliver(pub.Topic, minQoS(pub.QoS, f.QoS), pub)
		}
	}

	if h := c.owner.Handlers().OnSubscribe; h != nil && len(accepted) > 0 {
		h(c, accepted)
	}

	return c.writePacket(&packet.Suback{PacketID: sp.PacketID, Codes: codes})
}

func (c *Conn) handleUnsubscribe(up *packet.Unsubscribe) error {
	for _, filter := range up.Filters {
		if c.Domain != nil {
			c.Domain.Trie.Unsubscribe(filter, c)
			if !c.CleanSession {
				_ = c.Domain.Sessions.RemoveSubscription(c.ClientID, filter)
			}
		}
		c.subMu.Lock()
		delete(c.Subscriptions, filter)
		c.subMu.Unlock()
	}
	return c.writePacket(packet.Unsuback{PacketID: up.PacketID})
}

func minQoS(a, b packet.QoS) packet.QoS {
	if a < b {
		return a
	}
	return b
}

func sessionQueuedFromPublish(p *packet.Publish) session.QueuedMessage {
	return session.QueuedMessage{Topic: p.Topic, Payload: p.Payload, QoS: p.QoS, PacketID: p.PacketID}
}
