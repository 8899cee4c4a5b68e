package retained

import (
	"testing"

	"mqttd/internal/packet"
)

func TestUpsertAndMatch(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(&packet.Publish{
		Header:  packet.Header{QoS: packet.QoS1, Retain: true},
		Topic:   "sensors/t",
		Payload: []byte("23"),
	}); err != nil {
		t.Fatal(err)
	}

	matches := s.Match("sensors/#")
	if len(matches) != 1 || string(matches[0].Payload) != "23" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestDeleteOnEmptyPayload(t *testing.T) {
	s, _ := New("")
	_ = s.Upsert(&packet.Publish{Header: packet.Header{Retain: true}, Topic: "a", Payload: []byte("x")})
	_ = s.Upsert(&packet.Publish{Header: packet.Header{Retain: true}, Topic: "a", Payload: nil})

	if _, ok := s.Get("a"); ok {
		t.Fatal("expected topic to be deleted")
	}
}

func TestIdempotentDeleteOfNonexistentTopic(t *testing.T) {
	s, _ := New("")
	if err := s.Upsert(&packet.Publish{Header: packet.Header{Retain: true}, Topic: "never-published", Payload: nil}); err != nil {
		t.Fatalf("idempotent delete should not error: %v", err)
	}
	if len(s.Match("#")) != 0 {
		t.Fatal("expected no retained messages")
	}
}
