// Package stream orchestrates visibility culling, fetching, caching and
// eviction for one camera over one scene. The coordinator is a
// single-threaded loop fed by channel inboxes: culling passes, eviction ticks
// and fetch completions are serialized, so the scene never observes a
// half-applied pass.
package stream

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"geostream.dev/internal/cache"
	"geostream.dev/internal/cull"
	"geostream.dev/internal/fetch"
	"geostream.dev/internal/geom"
	"geostream.dev/internal/index"
	"geostream.dev/internal/tile"
)

// Scene is the external renderer boundary. It holds non-owning references to
// payload memory and must drop them on remove.
type Scene interface {
	AddObjectGeometry(id tile.ObjectID, key tile.ContentKey, payload []byte)
	RemoveObjectGeometry(id tile.ObjectID, key tile.ContentKey)
}

// ModelHandle describes a loaded dataset.
type ModelHandle struct {
	TilesetID   string
	ObjectCount int
}

type Stats struct {
	Passes     uint64
	NetFetches uint64
	CacheHits  uint64
	Cache      cache.Stats

	Unloaded int
	Visible  int
	Hidden   int
	Lost     int

	// DebugBoxes is populated only when the debug side channel is on.
	DebugBoxes []geom.AABB
}

type sceneBind struct {
	scene Scene
	resp  chan struct{}
}

// Coordinator drives the streaming engine. All loop state below the channel
// block is owned by the Run goroutine.
type Coordinator struct {
	cfg Config
	clk clock.Clock
	log *log.Logger

	idx   *index.Grid
	set   *cull.Set
	cache *cache.Cache
	sched *fetch.Scheduler

	cameraCh  chan geom.Camera
	updateCh  chan struct{} // cap 1: the one-shot frame-request flag
	objectsCh chan []tile.Object
	enableCh  chan bool
	clearCh   chan chan error
	sceneCh   chan sceneBind
	statsCh   chan chan Stats
	stop      chan struct{}

	scene     Scene
	cam       geom.Camera
	camValid  bool
	enabled   bool
	tilesetID string

	attached map[tile.ObjectID]bool
	holding  map[tile.ObjectID]bool
	refs     map[tile.ContentKey]int
	want     map[tile.ContentKey]map[tile.ObjectID]struct{}

	runCtx  context.Context
	running atomic.Bool
	passes  atomic.Uint64

	handle ModelHandle
}

// New builds a coordinator. src may be nil, in which case payloads are
// fetched over HTTP from cfg.BaseURL. clk may be nil (wall clock).
func New(cfg Config, scene Scene, src fetch.Source, clk clock.Clock, logger *log.Logger) (*Coordinator, error) {
	if clk == nil {
		clk = clock.New()
	}
	if src == nil {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("no source and no base_url configured")
		}
		src = fetch.NewHTTPSource(cfg.BaseURL)
	}

	var durable *cache.SQLiteStore
	if cfg.UseCache {
		var err error
		durable, err = cache.OpenSQLite(cfg.CachePath, logger.Printf)
		if err != nil {
			// Durable-store failure degrades to memory-only, it never
			// takes the engine down.
			logger.Printf("durable cache unavailable, running memory-only: %v", err)
			durable = nil
		}
	}
	cch := cache.New(durable, logger)

	c := &Coordinator{
		cfg:   cfg,
		clk:   clk,
		log:   logger,
		idx:   index.NewGrid(cfg.CellSize),
		set:   cull.NewSet(cull.Config{
			Threshold:     cfg.Threshold,
			BBoxThreshold: cfg.BBoxThreshold,
			MaxHiddenTime: cfg.MaxHiddenTime(),
			MaxLostTime:   cfg.MaxLostTime(),
		}),
		cache: cch,
		scene: scene,

		cameraCh:  make(chan geom.Camera, 1),
		updateCh:  make(chan struct{}, 1),
		objectsCh: make(chan []tile.Object, 16),
		enableCh:  make(chan bool),
		clearCh:   make(chan chan error),
		sceneCh:   make(chan sceneBind),
		statsCh:   make(chan chan Stats),
		stop:      make(chan struct{}),

		attached: map[tile.ObjectID]bool{},
		holding:  map[tile.ObjectID]bool{},
		refs:     map[tile.ContentKey]int{},
		want:     map[tile.ContentKey]map[tile.ObjectID]struct{}{},

		enabled: cfg.Enabled,
		runCtx:  context.Background(),
	}
	c.sched = fetch.NewScheduler(src, cch, logger)
	return c, nil
}

// Load registers a dataset. Before Run it applies directly; afterwards it is
// handed to the loop. With autoStart the first culling pass is requested
// immediately; every object starts Unloaded either way.
func (c *Coordinator) Load(m tile.Manifest, autoStart bool) (ModelHandle, error) {
	objs := m.Objects()
	if len(objs) == 0 {
		return ModelHandle{}, fmt.Errorf("tileset %s has no objects", m.TilesetID)
	}
	c.tilesetID = m.TilesetID
	if c.running.Load() {
		c.objectsCh <- objs
	} else {
		c.idx.Insert(objs...)
		c.set.Track(objs...)
	}
	if autoStart {
		c.SetUpdateNeeded()
	}
	c.handle = ModelHandle{TilesetID: m.TilesetID, ObjectCount: len(objs)}
	return c.handle, nil
}

// Model describes the currently loaded dataset.
func (c *Coordinator) Model() ModelHandle { return c.handle }

// AddObjects registers newly discovered tiles (incremental dataset growth).
func (c *Coordinator) AddObjects(objs []tile.Object) {
	if len(objs) == 0 {
		return
	}
	if c.running.Load() {
		c.objectsCh <- objs
	} else {
		c.idx.Insert(objs...)
		c.set.Track(objs...)
	}
}

// SetCamera records the latest camera pose, replacing any unconsumed one.
func (c *Coordinator) SetCamera(cam geom.Camera) {
	for {
		select {
		case c.cameraCh <- cam:
			return
		default:
		}
		select {
		case <-c.cameraCh:
		default:
		}
	}
}

// SetUpdateNeeded sets the frame-request flag. At most one culling pass runs
// per flag-set; setting it while a pass is pending is a no-op.
func (c *Coordinator) SetUpdateNeeded() {
	select {
	case c.updateCh <- struct{}{}:
	default:
	}
}

// SetEnabled toggles the culling/eviction loop. Disabled, the engine freezes:
// no transitions, no scene adds or removes.
func (c *Coordinator) SetEnabled(v bool) {
	if c.running.Load() {
		c.enableCh <- v
	} else {
		c.enabled = v
	}
}

// ClearCache invalidates both cache tiers and forgets decode failures. Safe
// while fetches are in flight; their results land as fresh entries.
func (c *Coordinator) ClearCache() error {
	if c.running.Load() {
		resp := make(chan error, 1)
		c.clearCh <- resp
		return <-resp
	}
	return c.clearCache()
}

// BindScene swaps the external scene. Attachment state resets: the new scene
// starts empty and fills on the next pass.
func (c *Coordinator) BindScene(s Scene) {
	if c.running.Load() {
		b := sceneBind{scene: s, resp: make(chan struct{}, 1)}
		c.sceneCh <- b
		<-b.resp
		return
	}
	c.scene = s
	c.attached = map[tile.ObjectID]bool{}
}

func (c *Coordinator) Stats() Stats {
	if c.running.Load() {
		resp := make(chan Stats, 1)
		c.statsCh <- resp
		return <-resp
	}
	return c.stats()
}

func (c *Coordinator) Config() Config { return c.cfg }

func (c *Coordinator) Stop() { close(c.stop) }

func (c *Coordinator) Close() error { return c.cache.Close() }

// Run owns all coordinator state until ctx ends. Passes, eviction ticks and
// fetch completions are applied one at a time on this goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := c.clk.Ticker(c.cfg.EvictTick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case cam := <-c.cameraCh:
			c.cam, c.camValid = cam, true
		case objs := <-c.objectsCh:
			c.registerObjects(objs)
		case v := <-c.enableCh:
			c.enabled = v
		case resp := <-c.clearCh:
			resp <- c.clearCache()
		case b := <-c.sceneCh:
			c.scene = b.scene
			c.attached = map[tile.ObjectID]bool{}
			b.resp <- struct{}{}
		case resp := <-c.statsCh:
			resp <- c.stats()
		case r := <-c.sched.Results():
			c.applyResult(r)
		case <-c.updateCh:
			c.runPass()
		case <-ticker.C:
			c.runTick()
		}
	}
}

func (c *Coordinator) registerObjects(objs []tile.Object) {
	fresh := make([]tile.Object, 0, len(objs))
	for _, o := range objs {
		if !c.idx.Has(o.ID) {
			fresh = append(fresh, o)
		}
	}
	if len(fresh) == 0 {
		return
	}
	c.idx.Insert(fresh...)
	c.set.Track(fresh...)
	// Newly discovered tiles may already be on screen.
	c.SetUpdateNeeded()
}

// runPass executes one culling pass against the latest camera snapshot.
func (c *Coordinator) runPass() {
	if !c.enabled || !c.camValid {
		return
	}
	now := c.clk.Now()
	cands := c.idx.Query(c.cam)
	events := c.set.Pass(cands, now)

	for _, ev := range events {
		switch ev.Kind {
		case cull.EventVisible:
			c.onVisible(ev.ID, ev.Key)
		case cull.EventHidden:
			// Geometry stays attached; the hidden timer is running.
		}
	}

	// Attach sweep: Visible objects whose payload became resident while no
	// pass was running (fetch completed during a disabled window, scene
	// rebind) attach here.
	for _, id := range c.set.VisibleIDs() {
		if c.attached[id] {
			continue
		}
		key, ok := c.set.Key(id)
		if !ok || !c.cache.Resident(key) {
			continue
		}
		if raw, ok := c.cache.Get(key); ok {
			c.attach(id, key, raw)
		}
	}

	c.passes.Add(1)
}

// runTick advances wall-clock hysteresis timers, independent of camera
// activity.
func (c *Coordinator) runTick() {
	if !c.enabled {
		return
	}
	events := c.set.Tick(c.clk.Now())
	for _, ev := range events {
		switch ev.Kind {
		case cull.EventLost:
			c.detach(ev.ID, ev.Key)
		case cull.EventReleased:
			c.release(ev.ID, ev.Key)
		}
	}
}

func (c *Coordinator) onVisible(id tile.ObjectID, key tile.ContentKey) {
	if !c.holding[id] {
		c.holding[id] = true
		c.refs[key]++
	}
	w := c.want[key]
	if w == nil {
		w = map[tile.ObjectID]struct{}{}
		c.want[key] = w
	}
	w[id] = struct{}{}
	// The scheduler probes the cache; a hit comes straight back as a result.
	// Keeping the probe there means every request counts exactly one hit or
	// one miss.
	c.sched.Request(c.runCtx, key)
}

// applyResult applies a fetch completion. Object state is re-checked here:
// a payload arriving after its object left Visible is cached but not
// attached.
func (c *Coordinator) applyResult(r fetch.Result) {
	waiting := c.want[r.Key]
	delete(c.want, r.Key)

	if r.Err != nil {
		c.log.Printf("fetch %s failed (%d waiting): %v", r.Key, len(waiting), r.Err)
		return
	}
	if !c.enabled {
		// Frozen: the payload is cached; the attach sweep of the next
		// pass after re-enable picks it up.
		return
	}
	for id := range waiting {
		if c.set.State(id) == cull.Visible {
			c.attach(id, r.Key, r.Payload)
		}
	}
}

func (c *Coordinator) attach(id tile.ObjectID, key tile.ContentKey, payload []byte) {
	if c.attached[id] || c.scene == nil {
		return
	}
	c.scene.AddObjectGeometry(id, key, payload)
	c.attached[id] = true
}

func (c *Coordinator) detach(id tile.ObjectID, key tile.ContentKey) {
	if !c.attached[id] {
		return
	}
	if c.scene != nil {
		c.scene.RemoveObjectGeometry(id, key)
	}
	delete(c.attached, id)
}

// release drops one referrer of key and frees the resident payload once no
// Visible/Hidden/Lost object references it anymore.
func (c *Coordinator) release(id tile.ObjectID, key tile.ContentKey) {
	c.detach(id, key)
	if !c.holding[id] {
		return
	}
	delete(c.holding, id)
	c.refs[key]--
	if c.refs[key] <= 0 {
		delete(c.refs, key)
		c.cache.Release(key)
	}
}

func (c *Coordinator) clearCache() error {
	err := c.cache.Clear()
	c.sched.Reset()
	return err
}

func (c *Coordinator) stats() Stats {
	unloaded, visible, hidden, lost := c.set.Counts()
	s := Stats{
		Passes:     c.passes.Load(),
		NetFetches: c.sched.NetFetches(),
		CacheHits:  c.sched.CacheHits(),
		Cache:      c.cache.Stats(),
		Unloaded:   unloaded,
		Visible:    visible,
		Hidden:     hidden,
		Lost:       lost,
	}
	if c.cfg.DebugBoxes {
		s.DebugBoxes = c.set.VisibleBounds()
	}
	return s
}
