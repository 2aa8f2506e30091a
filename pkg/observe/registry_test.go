package observe

import (
	"testing"

	"github.com/jonboulle/clockwork"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendNotify(peerAddr string, msg []byte) error {
	f.sent = append(f.sent, msg)
	return nil
}

func encodeFloat(v float64) []byte {
	return []byte{byte(v)}
}

// TestObserveFanOut exercises scenario 6: two notifies produce two
// strictly increasing Observe sequences for the same subscription.
func TestObserveFanOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	defer reg.Close()

	sender := &fakeSender{}
	sub, seq0 := reg.Subscribe("/temp", "client:1", []byte{0xAA, 0xBB}, sender)
	if seq0 != 0 {
		t.Fatalf("expected initial sequence 0, got %d", seq0)
	}

	reg.Notify("/temp", 22.5, encodeFloat)
	reg.Notify("/temp", 23.0, encodeFloat)

	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(sender.sent))
	}
	if sub.Sequence() != 2 {
		t.Fatalf("expected sequence 2 after two notifies, got %d", sub.Sequence())
	}
}

func TestObserveDeltaThresholdSkipsSmallChanges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	defer reg.Close()

	sender := &fakeSender{}
	sub, _ := reg.Subscribe("/temp", "client:1", []byte{0x01}, sender)
	sub.HasThreshold = true
	sub.DeltaThreshold = 1.0

	reg.Notify("/temp", 20.0, encodeFloat)
	reg.Notify("/temp", 20.2, encodeFloat) // below threshold, skipped
	reg.Notify("/temp", 22.0, encodeFloat) // above threshold, delivered

	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 delivered notifications (first + above-threshold), got %d", len(sender.sent))
	}
}

func TestUnsubscribeOnObserveOne(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	defer reg.Close()

	sender := &fakeSender{}
	reg.Subscribe("/temp", "client:1", []byte{0x01}, sender)
	if !reg.Unsubscribe("client:1", []byte{0x01}) {
		t.Fatalf("expected unsubscribe to find the subscription")
	}
	if reg.Count("/temp") != 0 {
		t.Fatalf("expected no subscriptions remaining")
	}
}

func TestUnsubscribeAllForPeerOnRst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	defer reg.Close()

	sender := &fakeSender{}
	reg.Subscribe("/temp", "client:1", []byte{0x01}, sender)
	reg.Subscribe("/light", "client:1", []byte{0x02}, sender)
	reg.Subscribe("/temp", "client:2", []byte{0x03}, sender)

	n := reg.UnsubscribeAllForPeer("client:1")
	if n != 2 {
		t.Fatalf("expected 2 subscriptions removed for client:1, got %d", n)
	}
	if reg.Count("/temp") != 1 {
		t.Fatalf("expected client:2's /temp subscription to remain")
	}
}

func TestStalenessSweepSparesLocalHandlers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	defer reg.Close()

	sender := &fakeSender{}
	reg.Subscribe("/temp", "client:1", []byte{0x01}, sender)
	localNotified := 0
	reg.SubscribeLocal("/temp", func(value float64, seq uint32) { localNotified++ })

	clock.Advance(MaxAge + SweepInterval)

	remaining := -1
	for i := 0; i < 200; i++ {
		clock.BlockUntil(1)
		clock.Advance(SweepInterval)
		reg.mu.Lock()
		remaining = len(reg.byPath["/temp"])
		reg.mu.Unlock()
		if remaining == 1 {
			break
		}
	}
	if remaining != 1 {
		t.Fatalf("expected only the local-handler subscription to survive sweep, got %d remaining", remaining)
	}
}

func TestSequenceWrapsAtTwentyFourBits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	defer reg.Close()

	sender := &fakeSender{}
	sub, _ := reg.Subscribe("/temp", "client:1", []byte{0x01}, sender)
	sub.lastSequence = sequenceMask

	reg.Notify("/temp", 1.0, encodeFloat)
	if sub.Sequence() != 0 {
		t.Fatalf("expected sequence to wrap to 0, got %d", sub.Sequence())
	}
}
