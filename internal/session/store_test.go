package session

import (
	"path/filepath"
	"testing"

	"mqttd/internal/packet"
)

func TestPersistAcrossReopenedStore(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewStore(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	sess, existed, err := s1.LoadOrCreate("client-x")
	if err != nil || existed {
		t.Fatalf("expected new session, existed=%v err=%v", existed, err)
	}
	if err := s1.AddSubscription("client-x", "s/#", packet.QoS1); err != nil {
		t.Fatal(err)
	}
	if err := s1.Enqueue("client-x", QueuedMessage{Topic: "s/a", Payload: []byte("1"), QoS: packet.QoS1}); err != nil {
		t.Fatal(err)
	}
	_ = sess

	s2, err := NewStore(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	resumed, existed, err := s2.LoadOrCreate("client-x")
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatal("expected session to be resumed from disk")
	}
	if resumed.Subscriptions["s/#"] != packet.QoS1 {
		t.Fatalf("expected subscription to survive reload: %+v", resumed.Subscriptions)
	}
	if len(resumed.OfflineQueue) != 1 || resumed.OfflineQueue[0].Topic != "s/a" {
		t.Fatalf("expected queued message to survive reload: %+v", resumed.OfflineQueue)
	}
}

func TestDrainQueueEmptiesAndCheckpoints(t *testing.T) {
	s, _ := NewStore("")
	_, _, _ = s.LoadOrCreate("c1")
	_ = s.Enqueue("c1", QueuedMessage{Topic: "a", QoS: packet.QoS1})

	drained, err := s.DrainQueue("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained message, got %d", len(drained))
	}

	drainedAgain, _ := s.DrainQueue("c1")
	if len(drainedAgain) != 0 {
		t.Fatal("expected empty queue after drain")
	}
}

func TestDestroyRemovesSession(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	_, _, _ = s.LoadOrCreate("c1")
	_ = s.AddSubscription("c1", "a/b", packet.QoS0)

	if err := s.Destroy("c1"); err != nil {
		t.Fatal(err)
	}

	_, existed, err := s.LoadOrCreate("c1")
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Fatal("expected no session after destroy")
	}
}
