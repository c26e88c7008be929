// Package cull classifies streamable objects as Unloaded, Visible, Hidden or
// Lost from per-pass screen footprints, and advances the hidden/lost
// hysteresis timers on a wall-clock tick. Transitions are reported as events;
// side effects (fetch, scene add/remove, payload release) belong to the
// coordinator.
package cull

import (
	"sort"
	"time"

	"geostream.dev/internal/geom"
	"geostream.dev/internal/index"
	"geostream.dev/internal/tile"
)

type State int

const (
	Unloaded State = iota
	Visible
	Hidden
	Lost
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Visible:
		return "visible"
	case Hidden:
		return "hidden"
	case Lost:
		return "lost"
	}
	return "unknown"
}

type EventKind int

const (
	// EventVisible fires on every entry into Visible, from any state.
	EventVisible EventKind = iota + 1
	// EventHidden fires on Visible -> Hidden.
	EventHidden
	// EventLost fires when an object has been Hidden for MaxHiddenTime.
	EventLost
	// EventReleased fires when an object has been Lost for MaxLostTime.
	EventReleased
)

type Event struct {
	ID   tile.ObjectID
	Key  tile.ContentKey
	Kind EventKind
}

type Config struct {
	// Threshold is the minimum projected viewport coverage fraction for an
	// object to be (or stay) Visible.
	Threshold float64
	// BBoxThreshold is the minimum projected bounding-box size in pixels
	// below which an object is not considered for loading at all.
	BBoxThreshold float64

	MaxHiddenTime time.Duration
	MaxLostTime   time.Duration
}

type record struct {
	obj   tile.Object
	state State

	hiddenSince time.Time
	lostSince   time.Time
	released    bool
}

// Set holds the per-object culling state. Objects are additionally bucketed
// by state so the eviction tick scans only hidden/lost records instead of the
// whole dataset. Not safe for concurrent use; the coordinator owns it.
type Set struct {
	cfg Config

	records map[tile.ObjectID]*record
	visible map[tile.ObjectID]*record
	hidden  map[tile.ObjectID]*record
	lost    map[tile.ObjectID]*record
}

func NewSet(cfg Config) *Set {
	return &Set{
		cfg:     cfg,
		records: map[tile.ObjectID]*record{},
		visible: map[tile.ObjectID]*record{},
		hidden:  map[tile.ObjectID]*record{},
		lost:    map[tile.ObjectID]*record{},
	}
}

// Track registers objects in the Unloaded state. Already-tracked ids keep
// their current state.
func (s *Set) Track(objs ...tile.Object) {
	for _, o := range objs {
		if _, ok := s.records[o.ID]; ok {
			continue
		}
		s.records[o.ID] = &record{obj: o}
	}
}

func (s *Set) State(id tile.ObjectID) State {
	r, ok := s.records[id]
	if !ok {
		return Unloaded
	}
	return r.state
}

// Pass reclassifies every object against the candidates of one culling pass.
// Candidates above both thresholds become Visible; previously Visible objects
// that fell below become Hidden. Entry into Visible clears pending timers.
func (s *Set) Pass(cands []index.Candidate, now time.Time) []Event {
	var events []Event

	wanted := map[tile.ObjectID]struct{}{}
	for _, c := range cands {
		if c.Coverage < s.cfg.Threshold || c.Pixels < s.cfg.BBoxThreshold {
			continue
		}
		wanted[c.Object.ID] = struct{}{}
		r, ok := s.records[c.Object.ID]
		if !ok {
			continue
		}
		if r.state == Visible {
			continue
		}
		s.setVisible(c.Object.ID, r)
		events = append(events, Event{ID: c.Object.ID, Key: r.obj.Key, Kind: EventVisible})
	}

	// Visible objects that dropped below threshold (or left the frustum
	// entirely and were not returned at all) start the hidden timer.
	for id, r := range s.visible {
		if _, ok := wanted[id]; ok {
			continue
		}
		r.state = Hidden
		r.hiddenSince = now
		delete(s.visible, id)
		s.hidden[id] = r
		events = append(events, Event{ID: id, Key: r.obj.Key, Kind: EventHidden})
	}

	sortEvents(events)
	return events
}

// Tick advances the hysteresis timers. Hidden past MaxHiddenTime becomes Lost
// (scene removal due); Lost past MaxLostTime reports a one-shot release.
func (s *Set) Tick(now time.Time) []Event {
	var events []Event

	for id, r := range s.hidden {
		if now.Sub(r.hiddenSince) < s.cfg.MaxHiddenTime {
			continue
		}
		r.state = Lost
		r.lostSince = now
		delete(s.hidden, id)
		s.lost[id] = r
		events = append(events, Event{ID: id, Key: r.obj.Key, Kind: EventLost})
	}

	for id, r := range s.lost {
		if r.released || now.Sub(r.lostSince) < s.cfg.MaxLostTime {
			continue
		}
		r.released = true
		delete(s.lost, id)
		events = append(events, Event{ID: id, Key: r.obj.Key, Kind: EventReleased})
	}

	sortEvents(events)
	return events
}

func (s *Set) setVisible(id tile.ObjectID, r *record) {
	delete(s.hidden, id)
	delete(s.lost, id)
	r.state = Visible
	r.hiddenSince = time.Time{}
	r.lostSince = time.Time{}
	r.released = false
	s.visible[id] = r
}

// VisibleBounds is the debug side channel: the bounding boxes of everything
// currently Visible. No effect on state.
func (s *Set) VisibleBounds() []geom.AABB {
	out := make([]geom.AABB, 0, len(s.visible))
	for _, r := range s.visible {
		out = append(out, r.obj.Bounds)
	}
	return out
}

// VisibleIDs returns the Visible bucket in stable order.
func (s *Set) VisibleIDs() []tile.ObjectID {
	out := make([]tile.ObjectID, 0, len(s.visible))
	for id := range s.visible {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts reports how many objects sit in each state. Released objects still
// count as Lost until they re-enter Visible.
func (s *Set) Counts() (unloaded, visible, hidden, lost int) {
	for _, r := range s.records {
		switch r.state {
		case Unloaded:
			unloaded++
		case Visible:
			visible++
		case Hidden:
			hidden++
		case Lost:
			lost++
		}
	}
	return
}

func (s *Set) Key(id tile.ObjectID) (tile.ContentKey, bool) {
	r, ok := s.records[id]
	if !ok {
		return "", false
	}
	return r.obj.Key, true
}

func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Kind != events[j].Kind {
			return events[i].Kind < events[j].Kind
		}
		return events[i].ID < events[j].ID
	})
}
