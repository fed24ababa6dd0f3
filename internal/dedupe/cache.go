// ABOUTME: Size-bounded TTL set for rejecting replayed keys.
// ABOUTME: Expiry is lazy: stale entries are pruned from the oldest end on every write.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers keys for a fixed window. Keys are kept in a list ordered
// by mark time, so the oldest entry is always at the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache that forgets keys after ttl and never holds more than
// maxSize of them.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was marked within the window.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	return ok && c.fresh(el)
}

// CheckAndMark marks key and reports whether it was already present.
// A true result means the caller is looking at a replay.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune()
	if el, ok := c.index[key]; ok && c.fresh(el) {
		return true
	}
	c.mark(key)
	return false
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	return len(c.index)
}

func (c *Cache) fresh(el *list.Element) bool {
	return c.now().Sub(el.Value.(*entry).seen) < c.ttl
}

// mark must be called with mu held.
func (c *Cache) mark(key string) {
	if el, ok := c.index[key]; ok {
		el.Value.(*entry).seen = c.now()
		c.order.MoveToBack(el)
		return
	}
	for len(c.index) >= c.maxSize && c.order.Len() > 0 {
		c.remove(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: c.now()})
}

// prune must be called with mu held.
func (c *Cache) prune() {
	for el := c.order.Front(); el != nil && !c.fresh(el); el = c.order.Front() {
		c.remove(el)
	}
}

func (c *Cache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
