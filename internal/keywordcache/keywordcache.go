package keywordcache

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultTTL     = 5 * time.Minute
	defaultMaxSize = 1000
)

type entry struct {
	key      string
	keywords []string
	expires  time.Time
}

// Cache is an in-process LRU for extracted page keywords. Entries live
// for a TTL and the oldest entries are evicted once the cache passes
// its size cap. Expired entries are dropped lazily on the next access.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	order   *list.List
	items   map[string]*list.Element
	now     func() time.Time
}

func New() *Cache {
	return NewWithConfig(defaultTTL, defaultMaxSize)
}

func NewWithConfig(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns the cached keywords for key, or ok=false when absent or
// expired.
func (c *Cache) Get(key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.now().After(ent.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	out := make([]string, len(ent.keywords))
	copy(out, ent.keywords)
	return out, true
}

// Set stores keywords under key, refreshing the TTL, and evicts the
// least recently used entries while the cache is over its cap.
func (c *Cache) Set(key string, keywords []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]string, len(keywords))
	copy(stored, keywords)
	expires := c.now().Add(c.ttl)

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.keywords = stored
		ent.expires = expires
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: key, keywords: stored, expires: expires})
	c.items[key] = el

	for len(c.items) > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
