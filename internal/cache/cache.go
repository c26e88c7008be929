// Package cache is the stream cache: decoded payloads resident in memory for
// attached objects, backed by an optional durable sqlite tier of framed
// payload bytes that survives process restarts.
package cache

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"geostream.dev/internal/tile"
)

// IOError marks a durable-store failure. The cache degrades to memory-only
// for the rest of the session; it never fails the engine.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("cache %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

type Stats struct {
	ResidentHits uint64
	DurableHits  uint64
	Misses       uint64
	Resident     int
}

// Cache owns payload memory exclusively: the scene holds non-owning
// references and must drop them when told to evict.
type Cache struct {
	mu       sync.Mutex
	resident map[tile.ContentKey][]byte

	durable  *SQLiteStore // nil when the durable tier is disabled
	degraded atomic.Bool

	log *log.Logger

	residentHits atomic.Uint64
	durableHits  atomic.Uint64
	misses       atomic.Uint64
}

// New builds a cache. durable may be nil (memory-only passthrough mode).
func New(durable *SQLiteStore, logger *log.Logger) *Cache {
	return &Cache{
		resident: map[tile.ContentKey][]byte{},
		durable:  durable,
		log:      logger,
	}
}

func (c *Cache) durableTier() *SQLiteStore {
	if c.durable == nil || c.degraded.Load() {
		return nil
	}
	return c.durable
}

func (c *Cache) degrade(op string, err error) {
	if c.degraded.CompareAndSwap(false, true) && c.log != nil {
		c.log.Printf("durable cache disabled for this session: %v", &IOError{Op: op, Err: err})
	}
}

// Get returns the decoded payload for key. A durable hit is decoded once and
// promoted to the resident tier.
func (c *Cache) Get(key tile.ContentKey) ([]byte, bool) {
	c.mu.Lock()
	raw, ok := c.resident[key]
	c.mu.Unlock()
	if ok {
		c.residentHits.Add(1)
		return raw, true
	}

	if d := c.durableTier(); d != nil {
		frame, found, err := d.Get(key)
		if err != nil {
			c.degrade("get", err)
		} else if found {
			raw, err := tile.DecodePayload(frame)
			if err != nil {
				// Corrupt durable entry: drop it and treat as a miss
				// so a fresh fetch can replace it.
				d.Delete(key)
			} else {
				c.mu.Lock()
				c.resident[key] = raw
				c.mu.Unlock()
				c.durableHits.Add(1)
				return raw, true
			}
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Resident reports whether the decoded payload is in memory, without touching
// the durable tier or the hit counters.
func (c *Cache) Resident(key tile.ContentKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.resident[key]
	return ok
}

// Put stores a decoded payload and, when enabled, its wire frame durably.
// Safe to call after Clear: a fetch resolving against a freshly cleared store
// writes a fresh entry.
func (c *Cache) Put(key tile.ContentKey, raw, frame []byte) {
	c.mu.Lock()
	c.resident[key] = raw
	c.mu.Unlock()

	if d := c.durableTier(); d != nil && frame != nil {
		d.Put(key, frame)
		if d.Failed() {
			c.degrade("put", fmt.Errorf("writer reported failure"))
		}
	}
}

// Release drops the resident copy only. The durable tier keeps the frame, so
// the next visibility re-entry is a cache hit rather than a network fetch.
func (c *Cache) Release(key tile.ContentKey) {
	c.mu.Lock()
	delete(c.resident, key)
	c.mu.Unlock()
}

// Clear invalidates both tiers.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.resident = map[tile.ContentKey][]byte{}
	c.mu.Unlock()

	if d := c.durableTier(); d != nil {
		if err := d.Clear(); err != nil {
			c.degrade("clear", err)
			return &IOError{Op: "clear", Err: err}
		}
	}
	return nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	resident := len(c.resident)
	c.mu.Unlock()
	return Stats{
		ResidentHits: c.residentHits.Load(),
		DurableHits:  c.durableHits.Load(),
		Misses:       c.misses.Load(),
		Resident:     resident,
	}
}

func (c *Cache) Close() error {
	if c.durable != nil {
		return c.durable.Close()
	}
	return nil
}
