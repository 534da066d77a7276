package eventsub

const defaultSeenCacheCapacity = 10000

// seenCache remembers the most recent message ids up to a fixed capacity,
// evicting the oldest entry first. Not safe for concurrent use; callers hold
// the client mutex.
type seenCache struct {
	members map[string]struct{}
	ring    []string
	head    int
	size    int
}

func newSeenCache(capacity int) *seenCache {
	if capacity <= 0 {
		capacity = defaultSeenCacheCapacity
	}
	return &seenCache{
		members: make(map[string]struct{}, capacity),
		ring:    make([]string, capacity),
	}
}

// remember reports whether id was already present. New ids are inserted,
// evicting the oldest entry once the cache is full.
func (c *seenCache) remember(id string) bool {
	if _, ok := c.members[id]; ok {
		return true
	}
	if c.size == len(c.ring) {
		delete(c.members, c.ring[c.head])
	} else {
		c.size++
	}
	c.ring[c.head] = id
	c.members[id] = struct{}{}
	c.head = (c.head + 1) % len(c.ring)
	return false
}
