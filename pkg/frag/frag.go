// Package frag remembers the verdict given to the first fragment of a
// datagram so that later fragments, which carry no transport header, can
// inherit it.
package frag

import (
	"sync"

	"github.com/psaab/ipfrx/pkg/packet"
	"github.com/psaab/ipfrx/pkg/rules"
)

// Defaults.
const (
	DefaultTTL        = 120
	DefaultMaxEntries = 1024
)

// Key identifies a datagram: addresses, IP id, protocol and TOS.
type Key struct {
	Src   packet.Addr
	Dst   packet.Addr
	ID    uint16
	Proto uint8
	TOS   uint8
}

// KeyOf builds the cache key for a descriptor.
func KeyOf(d *packet.Descriptor) Key {
	return Key{Src: d.Src, Dst: d.Dst, ID: d.ID, Proto: d.Protocol, TOS: d.TOS}
}

type entry struct {
	pass rules.Flags
	ttl  int
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Exists  uint64 // remember on a datagram already cached
	NoMem   uint64 // remember refused at capacity
	New     uint64
	Hits    uint64
	Expired uint64
	InUse   int
}

// Cache is the fragment table.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	ttl     int
	max     int
	stats   Stats
}

// New creates a cache. Zero arguments select the defaults.
func New(maxEntries, ttl int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[Key]*entry),
		ttl:     ttl,
		max:     maxEntries,
	}
}

// Lookup returns the verdict stored for the datagram d belongs to. Only
// fragments are looked up.
func (c *Cache) Lookup(d *packet.Descriptor) (rules.Flags, bool) {
	if d.Flags&packet.FlagFrag == 0 {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[KeyOf(d)]
	if !ok {
		return 0, false
	}
	c.stats.Hits++
	return e.pass, true
}

// Remember records pass for the datagram d belongs to. It reports false
// when an entry already exists or the cache is full.
func (c *Cache) Remember(d *packet.Descriptor, pass rules.Flags) bool {
	k := KeyOf(d)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[k]; ok {
		c.stats.Exists++
		return false
	}
	if len(c.entries) >= c.max {
		c.stats.NoMem++
		return false
	}
	c.entries[k] = &entry{pass: pass, ttl: c.ttl}
	c.stats.New++
	return true
}

// Expire ages every entry by one tick and drops those that reach zero.
func (c *Cache) Expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		e.ttl--
		if e.ttl <= 0 {
			delete(c.entries, k)
			n++
		}
	}
	c.stats.Expired += uint64(n)
	return n
}

// Flush drops every entry and returns how many there were.
func (c *Cache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	clear(c.entries)
	return n
}

// Stats returns a snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.InUse = len(c.entries)
	return s
}

// ZeroStats clears the counters.
func (c *Cache) ZeroStats() {
	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
}
