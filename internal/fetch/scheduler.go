// Package fetch turns needs-geometry signals into asynchronous payload
// requests: cache-first, one in-flight fetch per content key, completions
// delivered as messages for the coordinator to apply on its own goroutine.
package fetch

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"geostream.dev/internal/cache"
	"geostream.dev/internal/tile"
)

// Result is one resolved request. Err is a *FetchError or *DecodeError.
type Result struct {
	Key       tile.ContentKey
	Payload   []byte // decoded geometry bytes
	FromCache bool
	Err       error
}

type Scheduler struct {
	src   Source
	cache *cache.Cache
	log   *log.Logger

	results chan Result

	mu       sync.Mutex
	inflight map[tile.ContentKey]struct{}
	bad      map[tile.ContentKey]*DecodeError

	netFetches atomic.Uint64
	cacheHits  atomic.Uint64
}

func NewScheduler(src Source, c *cache.Cache, logger *log.Logger) *Scheduler {
	return &Scheduler{
		src:      src,
		cache:    c,
		log:      logger,
		results:  make(chan Result, 1024),
		inflight: map[tile.ContentKey]struct{}{},
		bad:      map[tile.ContentKey]*DecodeError{},
	}
}

// Results is the completion inbox consumed by the coordinator.
func (s *Scheduler) Results() <-chan Result { return s.results }

// Request resolves key: resident/durable cache hit immediately, otherwise one
// network fetch. A request for a key already in flight is coalesced into the
// pending one and produces no additional result.
func (s *Scheduler) Request(ctx context.Context, key tile.ContentKey) {
	s.mu.Lock()
	if _, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		return
	}
	if derr := s.bad[key]; derr != nil {
		s.mu.Unlock()
		s.deliver(Result{Key: key, Err: derr})
		return
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	if raw, ok := s.cache.Get(key); ok {
		s.cacheHits.Add(1)
		s.finish(key)
		s.deliver(Result{Key: key, Payload: raw, FromCache: true})
		return
	}

	go s.fetch(ctx, key)
}

func (s *Scheduler) fetch(ctx context.Context, key tile.ContentKey) {
	s.netFetches.Add(1)
	frame, err := s.src.Fetch(ctx, key)
	if err != nil {
		s.finish(key)
		s.deliver(Result{Key: key, Err: &FetchError{Key: key, Err: err}})
		return
	}

	raw, err := tile.DecodePayload(frame)
	if err != nil {
		derr := &DecodeError{Key: key, Err: err}
		s.mu.Lock()
		s.bad[key] = derr
		delete(s.inflight, key)
		s.mu.Unlock()
		s.deliver(Result{Key: key, Err: derr})
		return
	}

	// Cache population is state-independent: the payload is stored even if
	// the requesting object has since left Visible.
	s.cache.Put(key, raw, frame)
	s.finish(key)
	s.deliver(Result{Key: key, Payload: raw})
}

func (s *Scheduler) finish(key tile.ContentKey) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Scheduler) deliver(r Result) {
	select {
	case s.results <- r:
	default:
		// Inbox full; hand off rather than drop or block the caller.
		go func() { s.results <- r }()
	}
}

// Reset forgets decode failures, typically after a cache clear, so fresh
// fetches are attempted for previously bad keys.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.bad = map[tile.ContentKey]*DecodeError{}
	s.mu.Unlock()
}

// NetFetches counts fetches that actually went to the source.
func (s *Scheduler) NetFetches() uint64 { return s.netFetches.Load() }

// CacheHits counts requests short-circuited by the cache.
func (s *Scheduler) CacheHits() uint64 { return s.cacheHits.Load() }
