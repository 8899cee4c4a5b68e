package domain

import (
	"context"
	"testing"
	"time"

	"mqttd/internal/auth"
	"mqttd/internal/packet"
)

type fakeLiveSub struct{ id uint64 }

func (f fakeLiveSub) ID() uint64 { return f.id }

func (f fakeLiveSub) Deliver(string, packet.QoS, *packet.Publish) {}

func mustDomain(t *testing.T, name, selector string, quota int64) *Domain {
	t.Helper()
	d, err := New(context.Background(), Config{
		Name:       name,
		Selector:   selector,
		Active:     true,
		DailyQuota: quota,
	}, []auth.Backend{auth.Anonymous{}}, []string{""})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDispatcherFirstMatchWins(t *testing.T) {
	a := mustDomain(t, "a", "tenant-a-*", 0)
	b := mustDomain(t, "b", "*", 0)
	disp := NewDispatcher([]*Domain{a, b})

	got := disp.FindByIndications("tenant-a-client1", "", "")
	if got.Name != "a" {
		t.Fatalf("expected domain a to match first, got %s", got.Name)
	}

	got = disp.FindByIndications("someone-else", "", "")
	if got.Name != "b" {
		t.Fatalf("expected fallback domain b, got %s", got.Name)
	}
}

func TestDispatcherSkipsInactiveDomains(t *testing.T) {
	a := mustDomain(t, "a", "*", 0)
	a.SetActive(false)
	disp := NewDispatcher([]*Domain{a})

	if disp.FindByIndications("anything", "", "") != nil {
		t.Fatal("expected no match when only domain is inactive")
	}
}

func TestQuotaEnforcement(t *testing.T) {
	d := mustDomain(t, "a", "*", 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if !d.AccountPublish(now) || !d.AccountPublish(now) {
		t.Fatal("expected first two publishes within quota to succeed")
	}
	if d.AccountPublish(now) {
		t.Fatal("expected third publish to be rejected by daily quota")
	}

	next := now.Add(24 * time.Hour)
	if !d.AccountPublish(next) {
		t.Fatal("expected quota to reset on the next calendar day")
	}
}

func TestDetachOfflineQueuesUntilForgotten(t *testing.T) {
	d := mustDomain(t, "a", "*", 0)
	if _, _, err := d.Sessions.LoadOrCreate("client-1"); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	live := fakeLiveSub{id: 42}
	d.Trie.Subscribe("a/b", live, packet.QoS0)
	d.DetachOffline("client-1", live)

	d.Trie.Publish(&packet.Publish{Header: packet.Header{QoS: packet.QoS0}, Topic: "a/b", Payload: []byte("1")})

	queue, err := d.Sessions.DrainQueue("client-1")
	if err != nil {
		t.Fatalf("DrainQueue: %v", err)
	}
	if len(queue) != 1 || queue[0].Topic != "a/b" {
		t.Fatalf("expected one queued message for a/b, got %+v", queue)
	}

	d.ForgetOffline("client-1")
	d.Trie.Publish(&packet.Publish{Header: packet.Header{QoS: packet.QoS0}, Topic: "a/b", Payload: []byte("2")})

	queue, err = d.Sessions.DrainQueue("client-1")
	if err != nil {
		t.Fatalf("DrainQueue: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected no further deliveries after ForgetOffline, got %+v", queue)
	}
}
