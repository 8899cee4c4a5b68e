package packet

import (
	"bufio"
	"io"
)

// DefaultMaxPayloadSize is the implementation cap on remaining length,
// matching the 256 MiB default.
const DefaultMaxPayloadSize = 256 * 1024 * 1024

// Decoder decodes a stream of MQTT control packets from an underlying
// reader, enforcing the single-allocation-per-packet invariant: each
// decoded packet's byte-slice fields (payloads, will payload, password)
// point into one buffer sized exactly to the fixed header's declared
// remaining length; string fields are copies.
type Decoder struct {
	r             *bufio.Reader
	maxPayload    int
}

// NewDecoder wraps r. maxPayload caps the remaining-length field;
// zero selects DefaultMaxPayloadSize.
func NewDecoder(r io.Reader, maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br, maxPayload: maxPayload}
}

// Decode reads exactly one control packet. It returns io.EOF only when
// the stream is cleanly closed before any bytes of a new packet arrive.
func (d *Decoder) Decode() (Packet, error) {
	first, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	typ := Type(first >> 4)
	flags := first & 0x0F

	remaining, err := DecodeRemainingLength(d.r)
	if err != nil {
		return nil, err
	}
	if remaining > d.maxPayload {
		return nil, tooLarge("remaining length exceeds configured maximum")
	}

	buf := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return nil, malformed("read packet body", err)
		}
	}

	return decodeBody(typ, flags, buf)
}

func decodeBody(typ Type, flags byte, buf []byte) (Packet, error) {
	c := &cursor{buf: buf}

	switch typ {
	case CONNECT:
		return decodeConnect(c)
	case PUBLISH:
		return decodePublish(flags, c)
	case PUBACK:
		id, err := requirePacketID(c)
		if err != nil {
			return nil, err
		}
		return Puback{PacketID: id}, nil
	case PUBREC:
		id, err := requirePacketID(c)
		if err != nil {
			return nil, err
		}
		return Pubrec{PacketID: id}, nil
	case PUBREL:
		if flags != 0x02 {
			return nil, violation("PUBREL flags must be 0x02")
		}
		id, err := requirePacketID(c)
		if err != nil {
			return nil, err
		}
		return Pubrel{PacketID: id}, nil
	case PUBCOMP:
		id, err := requirePacketID(c)
		if err != nil {
			return nil, err
		}
		return Pubcomp{PacketID: id}, nil
	case SUBSCRIBE:
		if flags != 0x02 {
			return nil, violation("SUBSCRIBE flags must be 0x02")
		}
		return decodeSubscribe(c)
	case UNSUBSCRIBE:
		if flags != 0x02 {
			return nil, violation("UNSUBSCRIBE flags must be 0x02")
		}
		return decodeUnsubscribe(c)
	case PINGREQ:
		return Pingreq{}, nil
	case DISCONNECT:
		return Disconnect{}, nil
	case CONNACK, SUBACK, UNSUBACK, PINGRESP:
		return decodeServerToClient(typ, c)
	default:
		return nil, malformed("unknown packet type", nil)
	}
}

func requirePacketID(c *cursor) (uint16, error) {
	id, err := c.readUint16()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, violation("packet identifier must be non-zero")
	}
	return id, nil
}

func decodeConnect(c *cursor) (Packet, error) {
	protoName, err := c.readString()
	if err != nil {
		return nil, err
	}
	level, err := c.readByte()
	if err != nil {
		return nil, err
	}
	flags, err := c.readByte()
	if err != nil {
		return nil, err
	}
	if flags&0x01 != 0 {
		return nil, violation("CONNECT reserved flag bit must be zero")
	}
	keepAlive, err := c.readUint16()
	if err != nil {
		return nil, err
	}

	cp := &Connect{
		ProtocolName:  protoName,
		ProtocolLevel: level,
		CleanSession:  flags&0x02 != 0,
		WillFlag:      flags&0x04 != 0,
		WillQoS:       QoS((flags >> 3) & 0x03),
		WillRetain:    flags&0x20 != 0,
		PasswordFlag:  flags&0x40 != 0,
		UsernameFlag:  flags&0x80 != 0,
		KeepAlive:     keepAlive,
	}
	if !cp.WillQoS.Valid() {
		return nil, violation("invalid will QoS")
	}
	if !cp.WillFlag && (cp.WillQoS != QoS0 || cp.WillRetain) {
		return nil, violation("will flags set without will flag")
	}

	clientID, err := c.readString()
	if err != nil {
		return nil, err
	}
	cp.ClientID = clientID

	if cp.WillFlag {
		topic, err := c.readString()
		if err != nil {
			return nil, err
		}
		plen, err := c.readUint16()
		if err != nil {
			return nil, err
		}
		payload, err := c.readBytes(int(plen))
		if err != nil {
			return nil, err
		}
		cp.WillTopic = topic
		cp.WillPayload = payload
	}

	if cp.UsernameFlag {
		u, err := c.readString()
		if err != nil {
			return nil, err
		}
		cp.Username = u
	} else if cp.PasswordFlag {
		return nil, violation("password flag set without username flag")
	}

	if cp.PasswordFlag {
		plen, err := c.readUint16()
		if err != nil {
			return nil, err
		}
		pw, err := c.readBytes(int(plen))
		if err != nil {
			return nil, err
		}
		cp.Password = pw
	}

	return cp, nil
}

func decodePublish(flags byte, c *cursor) (Packet, error) {
	h := Header{
		Dup:    flags&0x08 != 0,
		QoS:    QoS((flags >> 1) & 0x03),
		Retain: flags&0x01 != 0,
	}
	if !h.QoS.Valid() {
		return nil, violation("invalid PUBLISH QoS")
	}
	if h.QoS == QoS0 && h.Dup {
		return nil, violation("QoS 0 PUBLISH must not set DUP")
	}

	topic, err := c.readString()
	if err != nil {
		return nil, err
	}
	if err := validateTopicName(topic); err != nil {
		return nil, err
	}

	var packetID uint16
	if h.QoS != QoS0 {
		packetID, err = requirePacketID(c)
		if err != nil {
			return nil, err
		}
	}

	payload, err := c.readBytes(c.remaining())
	if err != nil {
		return nil, err
	}

	return &Publish{Header: h, Topic: topic, PacketID: packetID, Payload: payload}, nil
}

func decodeSubscribe(c *cursor) (Packet, error) {
	id, err := requirePacketID(c)
	if err != nil {
		return nil, err
	}
	if c.remaining() == 0 {
		return nil, violation("SUBSCRIBE must contain at least one filter")
	}

	var filters []SubscribeFilter
	for c.remaining() > 0 {
		filter, err := c.readString()
		if err != nil {
			return nil, err
		}
		if err := validateTopicFilter(filter); err != nil {
			return nil, err
		}
		qb, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if qb&0xFC != 0 {
			return nil, violation("SUBSCRIBE QoS byte reserved bits must be zero")
		}
		q := QoS(qb)
		if !q.Valid() {
			return nil, violation("invalid requested QoS")
		}
		filters = append(filters, SubscribeFilter{Filter: filter, QoS: q})
	}
	return &Subscribe{PacketID: id, Filters: filters}, nil
}

func decodeUnsubscribe(c *cursor) (Packet, error) {
	id, err := requirePacketID(c)
	if err != nil {
		return nil, err
	}
	if c.remaining() == 0 {
		return nil, violation("UNSUBSCRIBE must contain at least one filter")
	}
	var filters []string
	for c.remaining() > 0 {
		filter, err := c.readString()
		if err != nil {
			return nil, err
		}
		if err := validateTopicFilter(filter); err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}
	return &Unsubscribe{PacketID: id, Filters: filters}, nil
}

// decodeServerToClient decodes packet types a broker implementation also
// needs to parse when acting as a client (e.g. the load-generator, or a
// bridge). Kept alongside the broker-facing decoder so one codec serves
// both directions.
func decodeServerToClient(typ Type, c *cursor) (Packet, error) {
	switch typ {
	case CONNACK:
		flags, err := c.readByte()
		if err != nil {
			return nil, err
		}
		code, err := c.readByte()
		if err != nil {
			return nil, err
		}
		return &Connack{SessionPresent: flags&0x01 != 0, ReturnCode: ConnackCode(code)}, nil
	case SUBACK:
		id, err := c.readUint16()
		if err != nil {
			return nil, err
		}
		codes, err := c.readBytes(c.remaining())
		if err != nil {
			return nil, err
		}
		return &Suback{PacketID: id, Codes: append([]byte(nil), codes...)}, nil
	case UNSUBACK:
		id, err := requirePacketID(c)
		if err != nil {
			return nil, err
		}
		return Unsuback{PacketID: id}, nil
	case PINGRESP:
		return Pingresp{}, nil
	default:
		return nil, malformed("unknown packet type", nil)
	}
}
