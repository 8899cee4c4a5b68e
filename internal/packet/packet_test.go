package packet

import (
	"bytes"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	enc, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := NewDecoder(bytes.NewReader(enc), 0).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return dec
}

func TestRoundTripPublishQoS0(t *testing.T) {
	p := &Publish{
		Header:  Header{QoS: QoS0},
		Topic:   "test/a",
		Payload: []byte("hi"),
	}
	got := roundTrip(t, p).(*Publish)
	if got.Topic != p.Topic || !bytes.Equal(got.Payload, p.Payload) || got.QoS != QoS0 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRoundTripPublishQoS1Dup(t *testing.T) {
	p := &Publish{
		Header:   Header{QoS: QoS1, Dup: true, Retain: true},
		Topic:    "q1",
		PacketID: 42,
		Payload:  []byte("payload"),
	}
	got := roundTrip(t, p).(*Publish)
	if got.PacketID != 42 || !got.Dup || !got.Retain || got.QoS != QoS1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRoundTripConnect(t *testing.T) {
	c := &Connect{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  true,
		WillFlag:      true,
		WillQoS:       QoS1,
		WillRetain:    false,
		UsernameFlag:  true,
		PasswordFlag:  true,
		KeepAlive:     60,
		ClientID:      "client-1",
		WillTopic:     "lwt/client-1",
		WillPayload:   []byte("offline"),
		Username:      "alice",
		Password:      []byte("s3cr3t"),
	}
	got := roundTrip(t, c).(*Connect)
	if !reflect.DeepEqual(got, c) {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", got, c)
	}
}

func TestRoundTripSubscribe(t *testing.T) {
	s := &Subscribe{
		PacketID: 7,
		Filters: []SubscribeFilter{
			{Filter: "sport/+", QoS: QoS1},
			{Filter: "sport/#", QoS: QoS2},
		},
	}
	got := roundTrip(t, s).(*Subscribe)
	if got.PacketID != 7 || !reflect.DeepEqual(got.Filters, s.Filters) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeMalformedVarintFiveContinuationBytes(t *testing.T) {
	// CONNECT fixed header whose remaining length runs to 5 bytes: four
	// with the continuation bit set, then a fifth.
	raw := []byte{0x10, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F}
	_, err := NewDecoder(bytes.NewReader(raw), 0).Decode()
	if err == nil {
		t.Fatal("expected malformed packet error")
	}
	var codecErr *Error
	if !asError(err, &codecErr) || codecErr.Kind != ErrKindMalformedPacket {
		t.Fatalf("expected MalformedPacket, got %v", err)
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestTopicNameRejectsWildcards(t *testing.T) {
	for _, topic := range []string{"a/+", "a/#", "a\x00b"} {
		if err := validateTopicName(topic); err == nil {
			t.Fatalf("expected error for topic %q", topic)
		}
	}
}

func TestTopicFilterValidation(t *testing.T) {
	valid := []string{"a/b/c", "a/+/c", "a/#", "+", "#", "a/+"}
	for _, f := range valid {
		if err := validateTopicFilter(f); err != nil {
			t.Fatalf("expected %q to be valid, got %v", f, err)
		}
	}
	invalid := []string{"a/#/c", "a/b+", "a+/b"}
	for _, f := range invalid {
		if err := validateTopicFilter(f); err == nil {
			t.Fatalf("expected %q to be invalid", f)
		}
	}
}
