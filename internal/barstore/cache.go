package barstore

import (
	"container/list"

	"bridgebot-go/internal/market"
)

// monthKey identifies one symbol+month partition of the archive.
type monthKey struct {
	symbol string
	year   int
	month  int
}

// lruCache keeps the most recently touched month partitions parsed in memory.
// Not safe for concurrent use; the store serializes access.
type lruCache struct {
	cap   int
	ll    *list.List
	items map[monthKey]*list.Element
}

type cacheEntry struct {
	key  monthKey
	bars []market.Bar
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 12
	}
	return &lruCache{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[monthKey]*list.Element),
	}
}

func (c *lruCache) get(key monthKey) ([]market.Bar, bool) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*cacheEntry).bars, true
	}
	return nil, false
}

func (c *lruCache) add(key monthKey, bars []market.Bar) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).bars = bars
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, bars: bars})
	c.items[key] = el
	if c.ll.Len() > c.cap {
		c.evictOldest()
	}
}

func (c *lruCache) len() int { return c.ll.Len() }

func (c *lruCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}
