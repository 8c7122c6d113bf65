package bundle

import "github.com/datreant/treant/internal/treant"

// defaultCacheSize bounds the per-bundle resolution cache.
const defaultCacheSize = 256

// resolveCache maps uuid to resolved unit, bounded in size with
// oldest-entry eviction. Entries are invalidated whenever an add
// reports a new path for a known uuid, since the cached unit's handle
// then points at a stale location.
type resolveCache struct {
	capacity int
	order    []string
	items    map[string]*treant.Treant
}

func newResolveCache(capacity int) *resolveCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	return &resolveCache{
		capacity: capacity,
		items:    make(map[string]*treant.Treant, capacity),
	}
}

func (c *resolveCache) get(uuid string) (*treant.Treant, bool) {
	tr, ok := c.items[uuid]
	return tr, ok
}

func (c *resolveCache) put(uuid string, tr *treant.Treant) {
	if _, ok := c.items[uuid]; !ok {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.order = append(c.order, uuid)
	}
	c.items[uuid] = tr
}

func (c *resolveCache) invalidate(uuid string) {
	if _, ok := c.items[uuid]; !ok {
		return
	}
	delete(c.items, uuid)
	for i, id := range c.order {
		if id == uuid {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *resolveCache) clear() {
	c.order = nil
	c.items = make(map[string]*treant.Treant, c.capacity)
}
