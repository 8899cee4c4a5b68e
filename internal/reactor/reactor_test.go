package reactor

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrentAdmission(t *testing.T) {
	p := NewPool(2)
	var inflight atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			n := inflight.Add(1)
			for {
				old := maxSeen.Load()
				if n <= old || maxSeen.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inflight.Add(-1)
		})
	}
	wg.Wait()

	if maxSeen.Load() > 2 {
		t.Fatalf("pool admitted %d concurrently, want <= 2", maxSeen.Load())
	}
}

func TestListenerServeDispatchesAcceptedConns(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	l := NewListener(ln, NewPool(4), slog.Default())

	var accepted atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = l.Serve(func(c net.Conn) {
			accepted.Add(1)
			_ = c.Close()
		})
		close(done)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	time.Sleep(50 * time.Millisecond)
	if accepted.Load() != 1 {
		t.Fatalf("expected 1 accepted connection, got %d", accepted.Load())
	}

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	<-done
}
