package conn

import "time"

// KeepaliveExpired reports whether this connection has been idle longer
// than 1.5x (graceFactor, defaulting to 1.5 when <= 0) its negotiated
// keepalive interval. A zero KeepAlive disables the check.
func (c *Conn) KeepaliveExpired(now time.Time, graceFactor float64) bool {
	if c.State() != StateConnected || c.KeepAlive == 0 {
		return false
	}
	if graceFactor <= 0 {
		graceFactor = 1.5
	}
	grace := time.Duration(float64(c.KeepAlive) * graceFactor * float64(time.Second))
	return c.IdleFor(now) > grace
}

// RetransmitDue resends any outbound QoS>0 delivery whose retransmit
// timer has elapsed, called periodically by the broker's sweep loop.
func (c *Conn) RetransmitDue(now time.Time) {
	if c.State() != StateConnected {
		return
	}
	for _, item := range c.InflightOut.DueRetransmits(now) {
		switch {
		case item.Publish != nil:
			_ = c.writePacket(item.Publish)
		case item.Pubrel != nil:
			_ = c.writePacket(item.Pubrel)
		}
	}
}
