package packet

// Encode serializes p into a freshly allocated byte slice ready to write
// to a connection.
func Encode(p Packet) ([]byte, error) {
	var fixedFlags byte
	var body []byte
	var err error

	switch v := p.(type) {
	case *Connect:
		fixedFlags = 0
		body, err = encodeConnect(v)
	case *Connack:
		fixedFlags = 0
		body = []byte{boolByte(v.SessionPresent), byte(v.ReturnCode)}
	case *Publish:
		fixedFlags = publishFlags(v.Header)
		body, err = encodePublish(v)
	case Puback:
		body = encodePacketID(v.PacketID)
	case Pubrec:
		body = encodePacketID(v.PacketID)
	case Pubrel:
		fixedFlags = 0x02
		body = encodePacketID(v.PacketID)
	case *Pubrel:
		fixedFlags = 0x02
		body = encodePacketID(v.PacketID)
	case Pubcomp:
		body = encodePacketID(v.PacketID)
	case *Subscribe:
		fixedFlags = 0x02
		body, err = encodeSubscribe(v)
	case *Suback:
		body = encodeSuback(v)
	case *Unsubscribe:
		fixedFlags = 0x02
		body, err = encodeUnsubscribe(v)
	case Unsuback:
		body = encodePacketID(v.PacketID)
	case Pingreq:
		body = nil
	case Pingresp:
		body = nil
	case Disconnect:
		body = nil
	default:
		return nil, violation("unsupported packet type for encoding")
	}
	if err != nil {
		return nil, err
	}

	out := []byte{byte(p.Type())<<4 | fixedFlags}
	out, err = EncodeRemainingLength(out, len(body))
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func publishFlags(h Header) byte {
	var f byte
	if h.Dup {
		f |= 0x08
	}
	f |= byte(h.QoS) << 1
	if h.Retain {
		f |= 0x01
	}
	return f
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, byte(len(s)>>8), byte(len(s)&0xFF))
	return append(dst, s...)
}

func encodePacketID(id uint16) []byte {
	return []byte{byte(id >> 8), byte(id & 0xFF)}
}

func encodeConnect(c *Connect) ([]byte, error) {
	var flags byte
	if c.CleanSession {
		flags |= 0x02
	}
	if c.WillFlag {
		flags |= 0x04
		flags |= byte(c.WillQoS) << 3
		if c.WillRetain {
			flags |= 0x20
		}
	}
	if c.PasswordFlag {
		flags |= 0x40
	}
	if c.UsernameFlag {
		flags |= 0x80
	}

	body := appendString(nil, c.ProtocolName)
	body = append(body, c.ProtocolLevel, flags, byte(c.KeepAlive>>8), byte(c.KeepAlive&0xFF))
	body = appendString(body, c.ClientID)

	if c.WillFlag {
		body = appendString(body, c.WillTopic)
		body = append(body, byte(len(c.WillPayload)>>8), byte(len(c.WillPayload)&0xFF))
		body = append(body, c.WillPayload...)
	}
	if c.UsernameFlag {
		body = appendString(body, c.Username)
	}
	if c.PasswordFlag {
		body = append(body, byte(len(c.Password)>>8), byte(len(c.Password)&0xFF))
		body = append(body, c.Password...)
	}
	return body, nil
}

func encodePublish(p *Publish) ([]byte, error) {
	if err := validateTopicName(p.Topic); err != nil {
		return nil, err
	}
	body := appendString(nil, p.Topic)
	if p.QoS != QoS0 {
		body = append(body, byte(p.PacketID>>8), byte(p.PacketID&0xFF))
	}
	return append(body, p.Payload...), nil
}

func encodeSubscribe(s *Subscribe) ([]byte, error) {
	body := encodePacketID(s.PacketID)
	for _, f := range s.Filters {
		if err := validateTopicFilter(f.Filter); err != nil {
			return nil, err
		}
		body = appendString(body, f.Filter)
		body = append(body, byte(f.QoS))
	}
	return body, nil
}

func encodeSuback(s *Suback) []byte {
	body := encodePacketID(s.PacketID)
	return append(body, s.Codes...)
}

func encodeUnsubscribe(u *Unsubscribe) ([]byte, error) {
	body := encodePacketID(u.PacketID)
	for _, f := range u.Filters {
		if err := validateTopicFilter(f); err != nil {
			return nil, err
		}
		body = appendString(body, f)
	}
	return body, nil
}
