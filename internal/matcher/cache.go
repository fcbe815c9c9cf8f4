package matcher

import "sync"

// Cache memoizes one compiled Matcher per group id.
//
// Invalidation contract: whenever a group's keyword associations change,
// the mutation path must call Evict for every affected group id. The cache
// never observes changes on its own; until evicted, Lookup keeps returning
// the previously built matcher (bounded staleness by design).
type Cache struct {
	mu sync.Mutex
	m  map[int64]*Matcher
}

func NewCache() *Cache {
	return &Cache{m: map[int64]*Matcher{}}
}

// Lookup returns the cached matcher for groupID, building it via build on
// first use. The lock is held only for the lookup-or-build critical section.
func (c *Cache) Lookup(groupID int64, build func() *Matcher) *Matcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.m[groupID]; ok {
		return m
	}
	m := build()
	c.m[groupID] = m
	return m
}

// Evict removes the cached matchers for the given group ids.
func (c *Cache) Evict(groupIDs ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range groupIDs {
		delete(c.m, id)
	}
}

// Len reports the number of cached entries (used by status output).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
