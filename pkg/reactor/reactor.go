// Package reactor owns the worker pool that drains inbound request work
// and the polling/event-driven emitter machinery that drives
// pkg/observe.Registry.Notify from producer code.
//
// A fixed-size pool of goroutines drains one shared buffered channel,
// rather than spawning a goroutine per connection.
package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

// Task is one unit of work handed to the pool: parse/dispatch/respond for
// one inbound datagram or frame.
type Task func()

// Pool is a fixed-size worker pool draining a bounded queue: N long-lived
// workers instead of one goroutine per unit of work.
type Pool struct {
	queue   chan Task
	workers int
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

// NewPool starts workers goroutines immediately, each popping from a
// queue of the given depth.
func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	p := &Pool{
		queue:   make(chan Task, queueDepth),
		workers: workers,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			task()
		}
	}
}

// Submit enqueues task, blocking if the queue is full. Returns false if
// the pool has already been closed.
func (p *Pool) Submit(task Task) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}
	select {
	case p.queue <- task:
		return true
	case <-p.stopCh:
		return false
	}
}

// Close stops accepting new work and waits, bounded by grace, for
// in-flight tasks to drain. Idempotent.
func (p *Pool) Close(grace time.Duration) {
	p.once.Do(func() {
		close(p.stopCh)
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warnf("reactor: pool shutdown exceeded grace period %v", grace)
	}
}

// Emitter is handed to an event-driven observable's setup function; its
// Notify call is submitted to the pool so producer goroutines never block
// on registry internals.
type Emitter struct {
	pool    *Pool
	path    string
	encode  func(value float64) []byte
	notify  func(path string, value float64, encode func(float64) []byte)
}

// Notify schedules a registry fan-out for value on the pool; it blocks the
// caller only while the pool's queue is full.
func (e *Emitter) Notify(value float64) {
	e.pool.Submit(func() {
		e.notify(e.path, value, e.encode)
	})
}

// NotifyFunc is the registry hook an Emitter/poller calls through; it
// decouples this package from pkg/observe to avoid an import cycle (the
// server wiring layer supplies registry.Notify here).
type NotifyFunc func(path string, value float64, encode func(float64) []byte)

// Reactor bundles a worker pool with the polling and event-driven emitter
// helpers that drive Observe notifications.
type Reactor struct {
	Pool   *Pool
	notify NotifyFunc
	encode func(value float64) []byte

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// New builds a Reactor sharing pool for both request dispatch and emitter
// work.
func New(pool *Pool, notify NotifyFunc, encode func(value float64) []byte) *Reactor {
	return &Reactor{Pool: pool, notify: notify, encode: encode}
}

// ObservablePolling schedules producer() every interval and feeds its
// result into notify(path, value) until the Reactor is closed.
func (r *Reactor) ObservablePolling(path string, interval time.Duration, producer func() float64) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels = append(r.cancels, cancel)
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				value := producer()
				r.Pool.Submit(func() {
					r.notify(path, value, r.encode)
				})
			}
		}
	}()
}

// Observable calls setup once with an Emitter bound to path; setup is
// expected to stash the emitter somewhere it can call Notify from, e.g. a
// sensor interrupt callback.
func (r *Reactor) Observable(path string, setup func(emitter *Emitter)) {
	setup(&Emitter{pool: r.Pool, path: path, encode: r.encode, notify: r.notify})
}

// Close stops every polling loop and the underlying pool.
func (r *Reactor) Close(grace time.Duration) {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	r.Pool.Close(grace)
}
