package auth

import (
	"container/list"
	"sync"
	"time"
)

// identityCachePrefix namespaces cookie keys so raw cookies never
// collide with anything else that might share the cache.
const identityCachePrefix = "A_"

// IdentityCache is a bounded LRU with TTL, keyed by raw cookie strings.
// Only successful validations are stored; failures always revalidate on
// the next request so a fixed misconfiguration heals immediately.
type IdentityCache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	items map[string]*list.Element
	lru   *list.List
}

type cacheVal struct {
	key    string
	id     *Identity
	expiry time.Time
}

func NewIdentityCache(capacity int, ttl time.Duration) *IdentityCache {
	if capacity <= 0 {
		capacity = 100_000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &IdentityCache{
		cap:   capacity,
		ttl:   ttl,
		items: make(map[string]*list.Element, capacity/2),
		lru:   list.New(),
	}
}

func (c *IdentityCache) Get(cookie string) (*Identity, bool) {
	key := identityCachePrefix + cookie
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		val := el.Value.(*cacheVal)
		if time.Now().Before(val.expiry) {
			c.lru.MoveToFront(el)
			return val.id, true
		}
		// expired
		delete(c.items, key)
		c.lru.Remove(el)
	}
	return nil, false
}

func (c *IdentityCache) Put(cookie string, id *Identity) {
	key := identityCachePrefix + cookie
	cv := &cacheVal{
		key:    key,
		id:     id,
		expiry: time.Now().Add(c.ttl),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value = cv
		c.lru.MoveToFront(el)
		return
	}
	// Evict if needed
	if c.lru.Len() >= c.cap {
		if back := c.lru.Back(); back != nil {
			del := back.Value.(*cacheVal)
			delete(c.items, del.key)
			c.lru.Remove(back)
		}
	}
	el := c.lru.PushFront(cv)
	c.items[key] = el
}
