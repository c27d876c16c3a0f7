// Package cache implements the proxy's object cache: a fixed table of slots
// holding recently fetched response bodies.
//
// Each slot is guarded on its own. Any number of readers may hold a slot at
// once; a writer claims the slot's write gate, waits for the registered
// readers to leave, and only then overwrites the body. Slots are never freed
// or resized, and a body buffer is reused in place when its slot is evicted.
//
// Recency is tracked with a freshness counter per slot: a freshly written
// slot gets the maximum value and every other valid slot is aged by one.
// Lookups do not refresh an entry.
package cache

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
)

const freshest = math.MaxUint64

var (
	ErrObjectTooLarge = errors.New("object exceeds maximum cacheable size")
	// ErrWriteInProgress means another writer is already storing the key;
	// the body passed to Write was not stored.
	ErrWriteInProgress = errors.New("object is already being written")
)

// slot is one cache entry. The metadata fields are guarded by mu; body is
// owned by the writer holding the gate and by registered readers otherwise.
type slot struct {
	mu        sync.Mutex
	drained   *sync.Cond // signalled when readers drops to zero
	readers   int
	writing   bool // write gate held; the slot is invisible to lookups
	valid     bool
	key       string
	freshness uint64
	size      int

	body []byte
}

// Cache is a fixed-capacity table of response bodies keyed by request target.
type Cache struct {
	slots         []*slot
	maxObjectSize int

	// claimMu serializes picking a victim slot and claiming its gate so two
	// writers never choose the same slot.
	claimMu   sync.Mutex
	released  *sync.Cond // signalled when a writer gives a slot back
	hits      atomic.Uint64
	misses    atomic.Uint64
	writes    atomic.Uint64
	evictions atomic.Uint64
}

// Entry is a point-in-time description of one slot.
type Entry struct {
	Index     int    `json:"index"`
	Key       string `json:"key"`
	Size      int    `json:"size"`
	Freshness uint64 `json:"freshness"`
	Valid     bool   `json:"valid"`
	Writing   bool   `json:"writing"`
}

// Stats holds cumulative cache counters.
type Stats struct {
	Capacity      int    `json:"capacity"`
	MaxObjectSize int    `json:"max_object_size"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Writes        uint64 `json:"writes"`
	Evictions     uint64 `json:"evictions"`
}

// New creates a cache with capacity slots, each able to hold an object of up
// to maxObjectSize bytes.
func New(capacity, maxObjectSize int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		slots:         make([]*slot, capacity),
		maxObjectSize: maxObjectSize,
	}
	c.released = sync.NewCond(&c.claimMu)
	for i := range c.slots {
		s := &slot{body: make([]byte, 0, maxObjectSize)}
		s.drained = sync.NewCond(&s.mu)
		c.slots[i] = s
	}
	return c
}

// Capacity returns the number of slots.
func (c *Cache) Capacity() int {
	return len(c.slots)
}

// MaxObjectSize returns the largest body Write accepts.
func (c *Cache) MaxObjectSize() int {
	return c.maxObjectSize
}

// Lookup returns the index of the first valid slot holding key. On a hit the
// caller is registered as a reader of that slot and must call ReleaseRead
// once it has finished with Body.
func (c *Cache) Lookup(key string) (int, bool) {
	for i, s := range c.slots {
		if s.acquireIfMatch(key) {
			c.hits.Add(1)
			return i, true
		}
	}
	c.misses.Add(1)
	return -1, false
}

func (s *slot) acquireIfMatch(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writing || !s.valid || s.key != key {
		return false
	}
	s.readers++
	return true
}

// Body returns the bytes stored in slot index. The slice is only stable while
// the caller holds a read registration from Lookup and must not be modified.
func (c *Cache) Body(index int) []byte {
	return c.slots[index].body
}

// ReleaseRead drops a read registration obtained from Lookup. The last reader
// to leave lets a waiting writer proceed.
func (c *Cache) ReleaseRead(index int) {
	s := c.slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readers == 0 {
		panic("cache: ReleaseRead without a matching Lookup")
	}
	s.readers--
	if s.readers == 0 {
		s.drained.Broadcast()
	}
}

// SelectEvictionTarget returns the slot the next new object would replace:
// the first invalid slot, otherwise the valid slot with the lowest freshness
// (lowest index on ties). Slots currently being written are not candidates;
// -1 means every slot is being written.
func (c *Cache) SelectEvictionTarget() int {
	target := -1
	var lowest uint64
	for i, s := range c.slots {
		s.mu.Lock()
		writing, valid, freshness := s.writing, s.valid, s.freshness
		s.mu.Unlock()

		if writing {
			continue
		}
		if !valid {
			return i
		}
		if target == -1 || freshness < lowest {
			target, lowest = i, freshness
		}
	}
	return target
}

// indexOf returns the slot holding key or being written with it, or -1.
func (c *Cache) indexOf(key string) (index int, writing bool) {
	for i, s := range c.slots {
		s.mu.Lock()
		match := s.key == key && (s.valid || s.writing)
		writing = s.writing
		s.mu.Unlock()
		if match {
			return i, writing
		}
	}
	return -1, false
}

// claim picks the slot key will be written to and takes its write gate. A
// slot already holding key is refreshed in place; otherwise an eviction
// target is chosen. It waits if every slot is claimed by another writer.
// pending reports that another writer is already storing key, in which case
// no gate is taken.
func (c *Cache) claim(key string) (index int, evicted, pending bool) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	for {
		index, pending = c.indexOf(key)
		if pending {
			return index, false, true
		}
		if index == -1 {
			index = c.SelectEvictionTarget()
		}
		if index != -1 {
			break
		}
		c.released.Wait()
	}

	s := c.slots[index]
	s.mu.Lock()
	evicted = s.valid && s.key != key
	s.writing = true
	s.valid = false
	s.key = key
	s.mu.Unlock()
	return index, evicted, false
}

// Write stores body under key and returns the slot it landed in. The written
// slot becomes the freshest entry and every other valid slot is aged by one.
// If another writer is storing key at the same moment, Write returns that
// slot with ErrWriteInProgress and leaves it to the other writer.
// A caller must not hold a read registration while calling Write.
func (c *Cache) Write(key string, body []byte) (int, error) {
	if len(body) > c.maxObjectSize {
		return -1, ErrObjectTooLarge
	}

	index, evicted, pending := c.claim(key)
	if pending {
		return index, ErrWriteInProgress
	}
	s := c.slots[index]

	s.mu.Lock()
	for s.readers > 0 {
		s.drained.Wait()
	}
	s.mu.Unlock()

	// Gate held and no readers: the body is ours.
	s.body = append(s.body[:0], body...)

	s.mu.Lock()
	s.size = len(body)
	s.valid = true
	s.freshness = freshest
	s.mu.Unlock()

	for i, other := range c.slots {
		if i == index {
			continue
		}
		other.mu.Lock()
		if other.valid && other.freshness > 0 {
			other.freshness--
		}
		other.mu.Unlock()
	}

	s.mu.Lock()
	s.writing = false
	s.mu.Unlock()

	c.claimMu.Lock()
	c.released.Broadcast()
	c.claimMu.Unlock()

	c.writes.Add(1)
	if evicted {
		c.evictions.Add(1)
	}
	return index, nil
}

// Entries returns a snapshot of every slot.
func (c *Cache) Entries() []Entry {
	entries := make([]Entry, len(c.slots))
	for i, s := range c.slots {
		s.mu.Lock()
		entries[i] = Entry{
			Index:     i,
			Key:       s.key,
			Size:      s.size,
			Freshness: s.freshness,
			Valid:     s.valid,
			Writing:   s.writing,
		}
		s.mu.Unlock()
	}
	return entries
}

// Stats returns the cumulative counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Capacity:      len(c.slots),
		MaxObjectSize: c.maxObjectSize,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Writes:        c.writes.Load(),
		Evictions:     c.evictions.Load(),
	}
}
