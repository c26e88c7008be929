// Package index holds the bounding volumes of every streamable object and
// answers frustum queries with per-object screen footprints. Objects are
// bucketed into XZ grid cells so a query rejects whole cells before testing
// individual bounds.
package index

import (
	"math"
	"sync"

	"geostream.dev/internal/geom"
	"geostream.dev/internal/tile"
)

// Candidate is one object returned by a query, with its screen footprint
// computed from the query's camera snapshot.
type Candidate struct {
	Object   tile.Object
	Coverage float64
	Pixels   float64
}

type cellKey struct {
	X int
	Z int
}

type cell struct {
	bounds  geom.AABB
	objects map[tile.ObjectID]tile.Object
}

// Grid is safe for concurrent use: inserts of newly discovered tiles take the
// write lock, so a running query never observes a half-inserted batch.
type Grid struct {
	mu       sync.RWMutex
	cellSize float64
	cells    map[cellKey]*cell
	byID     map[tile.ObjectID]cellKey
}

const defaultCellSize = 32.0

func NewGrid(cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = defaultCellSize
	}
	return &Grid{
		cellSize: cellSize,
		cells:    map[cellKey]*cell{},
		byID:     map[tile.ObjectID]cellKey{},
	}
}

func (g *Grid) keyFor(b geom.AABB) cellKey {
	c := b.Center()
	return cellKey{
		X: int(math.Floor(c.X / g.cellSize)),
		Z: int(math.Floor(c.Z / g.cellSize)),
	}
}

// Insert registers objects, replacing any previous record with the same id.
// Incremental: no rebuild, cell bounds only grow.
func (g *Grid) Insert(objs ...tile.Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range objs {
		if prev, ok := g.byID[o.ID]; ok {
			if c := g.cells[prev]; c != nil {
				delete(c.objects, o.ID)
			}
		}
		k := g.keyFor(o.Bounds)
		c := g.cells[k]
		if c == nil {
			c = &cell{objects: map[tile.ObjectID]tile.Object{}}
			g.cells[k] = c
		}
		c.objects[o.ID] = o
		c.bounds = c.bounds.Union(o.Bounds)
		g.byID[o.ID] = k
	}
}

func (g *Grid) Has(id tile.ObjectID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.byID[id]
	return ok
}

func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byID)
}

// Query returns every object whose bounds overlap the camera frustum, with
// the screen footprint for this camera. An empty result is valid.
func (g *Grid) Query(cam geom.Camera) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Candidate
	for _, c := range g.cells {
		if len(c.objects) == 0 || !cam.Intersects(c.bounds) {
			continue
		}
		for _, o := range c.objects {
			proj, ok := cam.Project(o.Bounds)
			if !ok {
				continue
			}
			out = append(out, Candidate{Object: o, Coverage: proj.Coverage, Pixels: proj.Pixels})
		}
	}
	return out
}
