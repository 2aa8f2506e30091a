package reliability

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakeSender struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeSender) SendTo(dst *net.UDPAddr, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func TestManagerAckResolves(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{}
	m := NewManager(sender, clock)
	defer m.Close()

	done := make(chan State, 1)
	if err := m.Send(1, []byte("x"), &net.UDPAddr{}, func(s State, err error) { done <- s }); err != nil {
		t.Fatal(err)
	}
	m.HandleAck(1)

	select {
	case s := <-done:
		if s != Acked {
			t.Fatalf("expected Acked, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack resolution")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected 0 pending after ack, got %d", m.Pending())
	}
}

func TestManagerRstResolvesRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{}
	m := NewManager(sender, clock)
	defer m.Close()

	done := make(chan State, 1)
	m.Send(2, []byte("x"), &net.UDPAddr{}, func(s State, err error) { done <- s })
	m.HandleRst(2)

	select {
	case s := <-done:
		if s != Rejected {
			t.Fatalf("expected Rejected, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestManagerExhaustsAfterMaxRetransmit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{}
	m := NewManager(sender, clock)
	defer m.Close()

	done := make(chan State, 1)
	m.Send(3, []byte("x"), &net.UDPAddr{}, func(s State, err error) { done <- s })

	// Advance well past the worst-case cumulative backoff for MAX_RETRANSMIT
	// retries (each doubling from an initial draw up to ACK_TIMEOUT*1.5):
	// exhaustion comes at 31x the initial timeout, at most 93s.
	for i := 0; i < 1000; i++ {
		clock.Advance(timerGranularity)
		clock.BlockUntil(1)
	}

	select {
	case s := <-done:
		if s != Exhausted {
			t.Fatalf("expected Exhausted, got %v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exhaustion")
	}
	if sender.count() < MaxRetransmit+1 {
		t.Fatalf("expected at least %d sends (1 initial + %d retries), got %d", MaxRetransmit+1, MaxRetransmit, sender.count())
	}
}

func TestManagerCloseAbortsPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{}
	m := NewManager(sender, clock)

	done := make(chan State, 1)
	m.Send(4, []byte("x"), &net.UDPAddr{}, func(s State, err error) { done <- s })
	m.Close()
	m.Close() // idempotent

	select {
	case s := <-done:
		if s != Closed {
			t.Fatalf("expected Closed, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestDedupIdempotence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewDedupCache(16, time.Minute, clock)

	found, resp := cache.Lookup(10, "1.2.3.4:5")
	if found {
		t.Fatal("expected miss on first lookup")
	}
	cache.MarkInFlight(10, "1.2.3.4:5")

	found, resp = cache.Lookup(10, "1.2.3.4:5")
	if !found || resp != nil {
		t.Fatalf("expected in-flight duplicate (found=true, resp=nil), got found=%v resp=%v", found, resp)
	}

	cache.StoreResponse(10, "1.2.3.4:5", []byte("cached"))
	found, resp = cache.Lookup(10, "1.2.3.4:5")
	if !found || string(resp) != "cached" {
		t.Fatalf("expected cached response, got found=%v resp=%q", found, resp)
	}
}

func TestDedupTTLEviction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewDedupCache(16, time.Second, clock)
	cache.StoreResponse(1, "a", []byte("r"))

	clock.Advance(2 * time.Second)
	found, _ := cache.Lookup(1, "a")
	if found {
		t.Fatal("expected entry to be TTL-evicted")
	}
}

func TestDedupLRUEviction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewDedupCache(2, time.Hour, clock)
	cache.StoreResponse(1, "a", []byte("r1"))
	cache.StoreResponse(2, "b", []byte("r2"))
	cache.StoreResponse(3, "c", []byte("r3")) // evicts (1,"a")

	if found, _ := cache.Lookup(1, "a"); found {
		t.Fatal("expected (1,a) to be LRU-evicted")
	}
	if found, _ := cache.Lookup(3, "c"); !found {
		t.Fatal("expected (3,c) to remain")
	}
}
