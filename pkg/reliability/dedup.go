package reliability

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DedupDefaultCapacity and DedupDefaultTTL are RFC 7252-derived defaults.
const (
	DedupDefaultCapacity = 1024
	DedupDefaultTTL      = 247 * time.Second
)

// dedupKey scopes a message ID to its source endpoint.
type dedupKey struct {
	messageID uint16
	source    string // net.Addr.String()
}

type dedupEntry struct {
	key        dedupKey
	response   []byte // nil while in flight (handler not yet completed)
	insertedAt time.Time
	elem       *list.Element
}

// DedupCache deduplicates retransmitted confirmable requests: an LRU with TTL eviction keyed by
// (message-id, source-endpoint).
type DedupCache struct {
	capacity int
	ttl      time.Duration
	clock    clockwork.Clock

	mu      sync.Mutex
	entries map[dedupKey]*dedupEntry
	order   *list.List // front = most recently used

	// OnHit, if set, is called once per Lookup that finds an existing
	// entry (in-flight or cached). Metrics wiring only; nil-safe.
	OnHit func()
}

func NewDedupCache(capacity int, ttl time.Duration, clock clockwork.Clock) *DedupCache {
	if capacity <= 0 {
		capacity = DedupDefaultCapacity
	}
	if ttl <= 0 {
		ttl = DedupDefaultTTL
	}
	return &DedupCache{
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		entries:  make(map[dedupKey]*dedupEntry),
		order:    list.New(),
	}
}

// Lookup reports whether (messageID, source) has been seen. found=false
// means this is a fresh request. found=true, response=nil means a
// duplicate arrived while the original is still being handled (caller
// should drop it). found=true, response!=nil means the cached response
// should be resent without re-invoking the handler.
func (c *DedupCache) Lookup(messageID uint16, source string) (found bool, response []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked()

	key := dedupKey{messageID, source}
	e, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	c.order.MoveToFront(e.elem)
	if c.OnHit != nil {
		c.OnHit()
	}
	return true, e.response
}

// MarkInFlight records that (messageID, source) is being handled, before
// the handler runs, so concurrent duplicates are recognized as in-flight.
func (c *DedupCache) MarkInFlight(messageID uint16, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := dedupKey{messageID, source}
	if _, ok := c.entries[key]; ok {
		return
	}
	c.insertLocked(key, nil)
}

// StoreResponse records the computed response bytes for (messageID,
// source), inserted before transmission
func (c *DedupCache) StoreResponse(messageID uint16, source string, response []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := dedupKey{messageID, source}
	if e, ok := c.entries[key]; ok {
		e.response = response
		e.insertedAt = c.clock.Now()
		c.order.MoveToFront(e.elem)
		return
	}
	c.insertLocked(key, response)
}

func (c *DedupCache) insertLocked(key dedupKey, response []byte) {
	e := &dedupEntry{key: key, response: response, insertedAt: c.clock.Now()}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e

	for len(c.entries) > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeElemLocked(back)
	}
}

func (c *DedupCache) evictExpiredLocked() {
	now := c.clock.Now()
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*dedupEntry)
		if now.Sub(e.insertedAt) < c.ttl {
			return
		}
		c.removeElemLocked(back)
	}
}

func (c *DedupCache) removeElemLocked(elem *list.Element) {
	e := elem.Value.(*dedupEntry)
	delete(c.entries, e.key)
	c.order.Remove(elem)
}

// Len reports the number of currently live dedup entries (tests/metrics).
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
