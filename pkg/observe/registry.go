// Package observe implements RFC 7641 server-side Observe: a subscription
// registry keyed by (path, peer-endpoint, token), change-driven notify
// fan-out under snapshot-then-release locking, and a staleness sweep.
package observe

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"

	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

const (
	// SweepInterval is the default staleness-sweep period.
	SweepInterval = 60 * time.Second
	// MaxAge is the default subscription staleness threshold.
	MaxAge = 600 * time.Second
	// sequenceMask wraps sequence numbers at 2^24 per RFC 7641 §3.4.
	sequenceMask = 1<<24 - 1
)

// Sender transmits an outbound notification to the subscriber's transport.
// UDP and TCP listeners each implement this over their own socket.
type Sender interface {
	SendNotify(peerAddr string, msg []byte) error
}

// Subscription is one observer of one path.
type Subscription struct {
	ID            string // xid, for log correlation across fan-out
	Path          string
	PeerEndpoint  string // "host:port", the fan-out key's addressable component
	Token         []byte
	Sender        Sender
	LocalHandler  func(value float64, seq uint32) // in-process observer, exempt from sweep
	DeltaThreshold float64
	HasThreshold   bool

	mu             sync.Mutex
	lastValue      float64
	hasLastValue   bool
	lastSequence   uint32
	createdAt      time.Time
	lastNotifiedAt time.Time
}

func tokenKey(token []byte) string { return string(token) }

type subKey struct {
	peer  string
	token string
}

// Registry holds every active subscription, grouped by path for fan-out
// and additionally indexed by (peer, token) for removal/RST handling.
type Registry struct {
	mu       sync.Mutex
	byPath   map[string][]*Subscription
	byPeer   map[subKey]*Subscription
	clock    clockwork.Clock
	stopCh   chan struct{}
	wg       sync.WaitGroup
	sweeping bool
}

// NewRegistry starts the staleness sweep goroutine immediately.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Registry{
		byPath: make(map[string][]*Subscription),
		byPeer: make(map[subKey]*Subscription),
		clock:  clock,
		stopCh: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Subscribe creates (or replaces, on a duplicate peer+token) a subscription
// for path and returns the sequence number to echo in the initial 2.05.
func (r *Registry) Subscribe(path, peerEndpoint string, token []byte, sender Sender) (*Subscription, uint32) {
	now := r.clock.Now()
	sub := &Subscription{
		ID:             xid.New().String(),
		Path:           path,
		PeerEndpoint:   peerEndpoint,
		Token:          append([]byte(nil), token...),
		Sender:         sender,
		createdAt:      now,
		lastNotifiedAt: now,
	}

	key := subKey{peer: peerEndpoint, token: tokenKey(token)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byPeer[key]; ok {
		r.removeLocked(existing)
	}
	r.byPath[path] = append(r.byPath[path], sub)
	r.byPeer[key] = sub
	logger.Debugf("observe: subscribed id=%s path=%s peer=%s", sub.ID, path, peerEndpoint)
	return sub, 0
}

// SubscribeLocal registers an in-process observer, exempt from the
// staleness sweep.
func (r *Registry) SubscribeLocal(path string, handler func(value float64, seq uint32)) *Subscription {
	sub := &Subscription{
		ID:           xid.New().String(),
		Path:         path,
		LocalHandler: handler,
		createdAt:    r.clock.Now(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPath[path] = append(r.byPath[path], sub)
	return sub
}

// Unsubscribe removes the (peer, token) subscription, per an Observe=1
// GET. A received RST goes through UnsubscribeAllForPeer instead.
func (r *Registry) Unsubscribe(peerEndpoint string, token []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subKey{peer: peerEndpoint, token: tokenKey(token)}
	sub, ok := r.byPeer[key]
	if !ok {
		return false
	}
	r.removeLocked(sub)
	return true
}

// UnsubscribeAllForPeer drops every subscription for peerEndpoint, per a
// received RST against any notification from that peer.
func (r *Registry) UnsubscribeAllForPeer(peerEndpoint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, sub := range r.byPeer {
		if key.peer == peerEndpoint {
			r.removeLocked(sub)
			n++
		}
	}
	return n
}

func (r *Registry) removeLocked(sub *Subscription) {
	key := subKey{peer: sub.PeerEndpoint, token: tokenKey(sub.Token)}
	delete(r.byPeer, key)
	list := r.byPath[sub.Path]
	for i, s := range list {
		if s == sub {
			r.byPath[sub.Path] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byPath[sub.Path]) == 0 {
		delete(r.byPath, sub.Path)
	}
}

// Notify is the producer-facing entry point.
// Encode builds the wire payload for a given float value; it is supplied
// by the caller so the registry stays decoupled from the content registry.
func (r *Registry) Notify(path string, value float64, encode func(value float64) []byte) {
	r.mu.Lock()
	snapshot := append([]*Subscription(nil), r.byPath[path]...)
	r.mu.Unlock()

	for _, sub := range snapshot {
		r.notifyOne(sub, value, encode)
	}
}

func (r *Registry) notifyOne(sub *Subscription, value float64, encode func(value float64) []byte) {
	sub.mu.Lock()
	if sub.HasThreshold && sub.hasLastValue {
		delta := value - sub.lastValue
		if delta < 0 {
			delta = -delta
		}
		if delta < sub.DeltaThreshold {
			sub.mu.Unlock()
			return
		}
	}
	sub.lastSequence = (sub.lastSequence + 1) & sequenceMask
	seq := sub.lastSequence
	sub.lastValue = value
	sub.hasLastValue = true
	sub.lastNotifiedAt = r.clock.Now()
	sub.mu.Unlock()

	if sub.LocalHandler != nil {
		sub.LocalHandler(value, seq)
		return
	}
	if sub.Sender == nil {
		return
	}
	payload := encode(value)
	if err := sub.Sender.SendNotify(sub.PeerEndpoint, payload); err != nil {
		logger.Warnf("observe: notify send failed id=%s path=%s: %v", sub.ID, sub.Path, err)
	}
}

// Sequence returns the subscription's current (last-assigned) sequence.
func (s *Subscription) Sequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequence
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.Chan():
			r.sweep()
		}
	}
}

// sweep evicts subscriptions without recent activity, skipping any with a
// local handler.
func (r *Registry) sweep() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, list := range r.byPath {
		kept := list[:0]
		for _, sub := range list {
			if sub.LocalHandler != nil {
				kept = append(kept, sub)
				continue
			}
			sub.mu.Lock()
			stale := now.Sub(sub.lastNotifiedAt) > MaxAge
			sub.mu.Unlock()
			if stale {
				delete(r.byPeer, subKey{peer: sub.PeerEndpoint, token: tokenKey(sub.Token)})
				logger.Debugf("observe: swept stale subscription id=%s path=%s", sub.ID, path)
				continue
			}
			kept = append(kept, sub)
		}
		if len(kept) == 0 {
			delete(r.byPath, path)
		} else {
			r.byPath[path] = kept
		}
	}
}

// Count returns the number of active subscriptions for path, for tests
// and metrics.
func (r *Registry) Count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPath[path])
}

// Close stops the sweep goroutine. Idempotent.
func (r *Registry) Close() {
	select {
	case <-r.stopCh:
		return
	default:
		close(r.stopCh)
	}
	r.wg.Wait()
}
