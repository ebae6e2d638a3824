package pac

import (
	"sync"
	"time"
)

// portRule is the host-independent form of a routing rule
type portRule struct {
	Port    int
	Domains []string
}

// tableCache is a single-slot cache with a TTL and explicit invalidation.
// A zero TTL disables caching. Every invalidation bumps gen, and set only
// stores a value built under the current generation.
type tableCache struct {
	mu     sync.Mutex
	value  []portRule
	expiry time.Time
	ttl    time.Duration
	gen    uint64
	now    func() time.Time
}

func newTableCache(ttl time.Duration) *tableCache {
	return &tableCache{ttl: ttl, now: time.Now}
}

// get returns the cached rules, or on a miss the generation a rebuild must pass to set
func (c *tableCache) get() ([]portRule, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil || !c.now().Before(c.expiry) {
		return nil, c.gen, false
	}
	return c.value, c.gen, true
}

func (c *tableCache) set(gen uint64, rules []portRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 || gen != c.gen {
		return
	}
	if rules == nil {
		rules = []portRule{}
	}
	c.value = rules
	c.expiry = c.now().Add(c.ttl)
}

func (c *tableCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.value = nil
	c.expiry = time.Time{}
}

func (c *tableCache) setTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
	c.gen++
	c.value = nil
}
