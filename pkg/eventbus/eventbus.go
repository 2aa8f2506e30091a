// Package eventbus is a minimal in-process pub/sub collaborator: example
// apps use it to decouple a sensor-reading producer from the
// observe.Registry.Notify call a pkg/reactor emitter ultimately makes.
package eventbus

import "sync"

// Bus is a topic-keyed fan-out of values to any number of subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]chan any
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]chan any)}
}

// Subscribe returns a channel that receives every value later Published
// to topic. The channel is buffered (depth 16) so a slow subscriber
// cannot block Publish; values beyond the buffer are dropped.
func (b *Bus) Subscribe(topic string) <-chan any {
	ch := make(chan any, 16)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish fans v out to every current subscriber of topic.
func (b *Bus) Publish(topic string, v any) {
	b.mu.Lock()
	subs := append([]chan any(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- v:
		default:
		}
	}
}
