package bus

import (
	"container/list"
	"sync"
	"time"
)

// DedupeCache is a TTL + max-size bounded set used to suppress duplicate
// inbound deliveries (provider webhook retries, double-taps). Entries expire
// on the cache's own clock rather than a background sweep; eviction also
// happens opportunistically on insert once the cache is at capacity.
type DedupeCache struct {
	mu  sync.Mutex
	ttl time.Duration
	max int

	order   *list.List               // front = oldest
	entries map[string]*list.Element // key -> element holding expiry
}

type dedupeEntry struct {
	key      string
	expireAt time.Time
}

// NewDedupeCache creates a cache that forgets a key after ttl and never
// holds more than max keys at once (oldest evicted first).
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// IsDuplicate reports whether key was already seen within the TTL window
// and, if not, records it as seen now.
func (c *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked(now)

	if el, ok := c.entries[key]; ok {
		el.Value.(*dedupeEntry).expireAt = now.Add(c.ttl)
		c.order.MoveToBack(el)
		return true
	}

	for c.max > 0 && len(c.entries) >= c.max {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.order.Remove(front)
		delete(c.entries, front.Value.(*dedupeEntry).key)
	}

	el := c.order.PushBack(&dedupeEntry{key: key, expireAt: now.Add(c.ttl)})
	c.entries[key] = el
	return false
}

func (c *DedupeCache) evictExpiredLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*dedupeEntry)
		if entry.expireAt.After(now) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}
