// Package reliability implements RFC 7252 §4.8 confirmable-message
// retransmission and server-side duplicate detection for the UDP listener.
package reliability

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/coapd/pkg/coaperr"
	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

// RFC 7252 §4.8 parameters.
const (
	AckTimeout       = 2 * time.Second
	AckRandomFactor  = 1.5
	MaxRetransmit    = 4
	timerGranularity = 100 * time.Millisecond
)

// State is the lifecycle of a single outbound confirmable message.
type State int

const (
	Pending State = iota
	Acked
	Rejected
	Exhausted
	Closed
)

// Sender abstracts the UDP socket a Manager retransmits over; the socket
// itself must be concurrency-safe for Send, since retries run off a timer
// goroutine while the socket may also be written from request handling.
type Sender interface {
	SendTo(dst *net.UDPAddr, b []byte) error
}

// record is the retransmission state for one outbound CON.
type record struct {
	messageID   uint16
	bytes       []byte
	dest        *net.UDPAddr
	attempt     int
	timeout     time.Duration
	timeoutAt   time.Time
	onComplete  func(state State, err error)
	state       State
}

// Manager tracks all in-flight confirmable messages for one UDP socket and
// drives their retransmission/timeout on a single background timer.
type Manager struct {
	sender Sender
	clock  clockwork.Clock

	mu      sync.Mutex
	pending map[uint16]*record

	stopCh chan struct{}
	wg     sync.WaitGroup

	// OnRetransmit, if set, is called once per actual retransmit (not the
	// initial Send). Metrics wiring only; nil-safe.
	OnRetransmit func()
}

// NewManager starts the background retransmission timer against sender.
// Pass clockwork.NewRealClock() in production, a FakeClock in tests.
func NewManager(sender Sender, clock clockwork.Clock) *Manager {
	m := &Manager{
		sender:  sender,
		clock:   clock,
		pending: make(map[uint16]*record),
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.timerLoop()
	return m
}

// initialTimeout draws uniformly from [ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR].
func initialTimeout() time.Duration {
	span := float64(AckTimeout) * (AckRandomFactor - 1)
	return AckTimeout + time.Duration(rand.Float64()*span)
}

// Send transmits a confirmable message and tracks it for retransmission.
// onComplete is invoked exactly once when the exchange reaches a terminal
// state: Exhausted from the timer goroutine, Acked/Rejected from the
// goroutine calling HandleAck/HandleRst, Closed from the one calling Close.
func (m *Manager) Send(messageID uint16, bytes []byte, dest *net.UDPAddr, onComplete func(State, error)) error {
	if err := m.sender.SendTo(dest, bytes); err != nil {
		return err
	}
	firstTimeout := initialTimeout()
	rec := &record{
		messageID:  messageID,
		bytes:      bytes,
		dest:       dest,
		attempt:    0,
		timeout:    firstTimeout,
		timeoutAt:  m.clock.Now().Add(firstTimeout),
		onComplete: onComplete,
		state:      Pending,
	}
	m.mu.Lock()
	m.pending[messageID] = rec
	m.mu.Unlock()
	return nil
}

// HandleAck matches an incoming ACK by exact message ID, resolving the
// exchange as successful. Matching is by message ID alone; the token is
// insufficient because piggy-backed and separate responses both carry it.
func (m *Manager) HandleAck(messageID uint16) {
	m.resolve(messageID, Acked, nil)
}

// HandleRst matches an incoming RST by exact message ID, surfacing Rejected.
func (m *Manager) HandleRst(messageID uint16) {
	m.resolve(messageID, Rejected, coaperr.ErrRejected)
}

func (m *Manager) resolve(messageID uint16, state State, err error) {
	m.mu.Lock()
	rec, ok := m.pending[messageID]
	if ok {
		delete(m.pending, messageID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	rec.state = state
	if rec.onComplete != nil {
		rec.onComplete(state, err)
	}
}

// Close aborts all pending exchanges with Closed and stops the timer.
// Idempotent.
func (m *Manager) Close() {
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}
	m.wg.Wait()

	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[uint16]*record)
	m.mu.Unlock()

	for _, rec := range pending {
		if rec.onComplete != nil {
			rec.onComplete(Closed, coaperr.ErrSocketClosed)
		}
	}
}

// timerLoop scans the pending map at ≤100ms granularity.
func (m *Manager) timerLoop() {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(timerGranularity)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.Chan():
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	now := m.clock.Now()

	var toRetransmit []*record
	var toExhaust []*record

	m.mu.Lock()
	for id, rec := range m.pending {
		if now.Before(rec.timeoutAt) {
			continue
		}
		if rec.attempt >= MaxRetransmit {
			toExhaust = append(toExhaust, rec)
			delete(m.pending, id)
			continue
		}
		rec.attempt++
		rec.timeout *= 2
		rec.timeoutAt = now.Add(rec.timeout)
		toRetransmit = append(toRetransmit, rec)
	}
	m.mu.Unlock()

	for _, rec := range toRetransmit {
		if err := m.sender.SendTo(rec.dest, rec.bytes); err != nil {
			logger.Warnf("reliability: retransmit send failed for mid=%d: %v", rec.messageID, err)
		}
		if m.OnRetransmit != nil {
			m.OnRetransmit()
		}
	}
	for _, rec := range toExhaust {
		if rec.onComplete != nil {
			rec.onComplete(Exhausted, coaperr.ErrTimeout)
		}
	}
}

// Pending reports the count of currently in-flight confirmable exchanges.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
