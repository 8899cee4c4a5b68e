package broker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"mqttd/internal/auth"
	"mqttd/internal/conn"
	"mqttd/internal/domain"
	"mqttd/internal/packet"
)

func testBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	d, err := domain.New(context.Background(), domain.Config{
		Name: "default", Selector: "*", Active: true,
	}, []auth.Backend{auth.Anonymous{}}, []string{""})
	if err != nil {
		t.Fatal(err)
	}
	dispatcher := domain.NewDispatcher([]*domain.Domain{d})
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	b := New(Config{
		Bind:            "127.0.0.1:0",
		Limits:          conn.Limits{MaxPayloadSize: 1 << 20, RetransmitTimeout: 200 * time.Millisecond, KeepaliveGraceFactor: 1.5},
		KeepaliveSweep:  20 * time.Millisecond,
		RetransmitSweep: 20 * time.Millisecond,
	}, dispatcher, conn.Handlers{}, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	b.cfg.Bind = addr
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	// Give the listener a moment to bind.
	for i := 0; i < 50; i++ {
		if c, err := net.DialTimeout("tcp", addr, 50*time.Millisecond); err == nil {
			c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return b, addr
}

// testClient pairs a raw connection with one long-lived decoder, since a
// fresh bufio-backed decoder per read could strand bytes the previous
// decoder already pulled off the socket but didn't need.
type testClient struct {
	net.Conn
	dec *packet.Decoder
}

func dialAndConnect(t *testing.T, addr, clientID string) *testClient {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tc := &testClient{Conn: nc, dec: packet.NewDecoder(nc, 1<<20)}
	writePacket(t, tc, &packet.Connect{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: clientID, KeepAlive: 30,
	})
	ack := readPacket(t, tc)
	if _, ok := ack.(*packet.Connack); !ok {
		t.Fatalf("expected CONNACK, got %T", ack)
	}
	return tc
}

func writePacket(t *testing.T, tc *testClient, p packet.Packet) {
	t.Helper()
	data, err := packet.Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := tc.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readPacket(t *testing.T, tc *testClient) packet.Packet {
	t.Helper()
	tc.SetReadDeadline(time.Now().Add(2 * time.Second))
	p, err := tc.dec.Decode()
	if err != nil && err != io.EOF {
		t.Fatalf("decode: %v", err)
	}
	return p
}

func TestBrokerAcceptsConnectAndRoutesPublish(t *testing.T) {
	_, addr := testBroker(t)

	sub := dialAndConnect(t, addr, "sub-1")
	defer sub.Close()
	writePacket(t, sub, &packet.Subscribe{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Filter: "rooms/+/temp", QoS: packet.QoS0}},
	})
	if _, ok := readPacket(t, sub).(*packet.Suback); !ok {
		t.Fatal("expected SUBACK")
	}

	pub := dialAndConnect(t, addr, "pub-1")
	defer pub.Close()
	writePacket(t, pub, &packet.Publish{
		Header:  packet.Header{QoS: packet.QoS0},
		Topic:   "rooms/kitchen/temp",
		Payload: []byte("22.0"),
	})

	got := readPacket(t, sub)
	p, ok := got.(*packet.Publish)
	if !ok {
		t.Fatalf("expected PUBLISH delivered to subscriber, got %T", got)
	}
	if p.Topic != "rooms/kitchen/temp" || string(p.Payload) != "22.0" {
		t.Fatalf("unexpected publish: %+v", p)
	}
}

func TestBrokerEvictsDuplicateClientID(t *testing.T) {
	_, addr := testBroker(t)

	first := dialAndConnect(t, addr, "dup-client")
	defer first.Close()

	second := dialAndConnect(t, addr, "dup-client")
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := first.Read(buf)
	if err == nil {
		t.Fatal("expected first connection to be closed after duplicate client id connects")
	}
}
