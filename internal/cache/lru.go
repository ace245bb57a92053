// Package cache provides the in-process and Redis caches behind market
// statistics and the shared alert gate.
package cache

import (
	"container/list"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultLRUSize = 10000

// LRUCache is a bounded in-process cache with per-entry TTL and rolling
// window sets. It is the standalone cache and the local tier of TwoPhaseCache.
// Window sets do not count against the size bound; Sweep reclaims them.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element // of *lruEntry
	recency  *list.List               // front is most recently used
	windows  map[string]*windowSet
	now      func() time.Time

	hits, misses int64
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// windowSet holds admitted members in arrival order. expires is wall clock.
type windowSet struct {
	marks   []windowMark
	expires time.Time
}

type windowMark struct {
	member string
	at     time.Time
}

// NewLRUCache holds up to capacity entries; non-positive means 10000.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		windows:  make(map[string]*windowSet),
		now:      time.Now,
	}
}

// Get returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if ok && c.now().After(el.Value.(*lruEntry).expires) {
		c.drop(el)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, nil
	}
	c.recency.MoveToFront(el)
	c.hits++
	return el.Value.(*lruEntry).value, nil
}

// Set stores value for ttl, evicting least recently used entries when full.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*lruEntry)
		e.value, e.expires = value, expires
		c.recency.MoveToFront(el)
		return nil
	}

	c.entries[key] = c.recency.PushFront(&lruEntry{key: key, value: value, expires: expires})
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
	}
	return nil
}

// Delete removes the entry stored under key.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.drop(el)
	}
	return nil
}

// ReserveWindow applies the same rules as the Redis script under the
// cache lock.
func (c *LRUCache) ReserveWindow(ctx context.Context, r domain.WindowReservation) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cool := c.window(r.CooldownKey, r)
	capped := c.window(r.CapKey, r)
	for _, m := range cool.marks {
		if within(m.at, r.At, r.Cooldown) {
			return false, nil
		}
	}
	inWindow := 0
	for _, m := range capped.marks {
		if within(m.at, r.At, r.Window) {
			inWindow++
		}
	}
	if inWindow >= r.Limit {
		return false, nil
	}

	mark := windowMark{member: r.Member, at: r.At}
	cool.marks = append(cool.marks, mark)
	capped.marks = append(capped.marks, mark)
	return true, nil
}

func (c *LRUCache) ReleaseWindow(ctx context.Context, r domain.WindowReservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range []string{r.CooldownKey, r.CapKey} {
		if ws, ok := c.windows[key]; ok {
			ws.marks = slices.DeleteFunc(ws.marks, func(m windowMark) bool { return m.member == r.Member })
		}
	}
	return nil
}

// window returns the set for key trimmed to r's horizon and refreshes its
// idle expiry. Callers hold c.mu.
func (c *LRUCache) window(key string, r domain.WindowReservation) *windowSet {
	ws, ok := c.windows[key]
	if !ok {
		ws = &windowSet{}
		c.windows[key] = ws
	}
	newest := r.At
	for _, m := range ws.marks {
		if m.at.After(newest) {
			newest = m.at
		}
	}
	cutoff := newest.Add(-r.Horizon())
	ws.marks = slices.DeleteFunc(ws.marks, func(m windowMark) bool { return m.at.Before(cutoff) })
	ws.expires = c.now().Add(r.Horizon())
	return ws
}

// within reports |a-b| < d.
func within(a, b time.Time, d time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff < d
}

func (c *LRUCache) Ping(ctx context.Context) error { return nil }

// Close empties the cache. It stays usable.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency.Init()
	c.windows = make(map[string]*windowSet)
	return nil
}

// Sweep drops expired entries and idle window sets and returns how many it removed.
func (c *LRUCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, el := range c.entries {
		if now.After(el.Value.(*lruEntry).expires) {
			c.drop(el)
			removed++
		}
	}
	for key, ws := range c.windows {
		if !now.Before(ws.expires) {
			delete(c.windows, key)
			removed++
		}
	}
	return removed
}

// Stats returns the number of entries and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

// HitRatio is hits / (hits + misses) since creation.
func (c *LRUCache) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hits+c.misses == 0 {
		return 0
	}
	return float64(c.hits) / float64(c.hits+c.misses)
}

func (c *LRUCache) drop(el *list.Element) {
	c.recency.Remove(el)
	delete(c.entries, el.Value.(*lruEntry).key)
}
