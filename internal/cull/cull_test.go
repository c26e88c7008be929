package cull

import (
	"testing"
	"time"

	"geostream.dev/internal/geom"
	"geostream.dev/internal/index"
	"geostream.dev/internal/tile"
)

func testSet() *Set {
	return NewSet(Config{
		Threshold:     0.01,
		BBoxThreshold: 50,
		MaxHiddenTime: time.Second,
		MaxLostTime:   3 * time.Second,
	})
}

func testObj(id string) tile.Object {
	return tile.Object{
		ID:     tile.ObjectID(id),
		Key:    tile.ContentKey(id + ".gstp"),
		Bounds: geom.AABB{Min: geom.Vec3{X: -1, Y: -1, Z: -1}, Max: geom.Vec3{X: 1, Y: 1, Z: 1}},
	}
}

func cand(o tile.Object, coverage, pixels float64) index.Candidate {
	return index.Candidate{Object: o, Coverage: coverage, Pixels: pixels}
}

func wantEvents(t *testing.T, got []Event, want ...Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLifecycle(t *testing.T) {
	s := testSet()
	o := testObj("a")
	s.Track(o)
	if s.State(o.ID) != Unloaded {
		t.Fatalf("tracked object should start Unloaded")
	}

	t0 := time.Unix(100, 0)

	ev := s.Pass([]index.Candidate{cand(o, 0.05, 120)}, t0)
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventVisible})
	if s.State(o.ID) != Visible {
		t.Fatalf("state = %v, want Visible", s.State(o.ID))
	}

	// Same candidate again: no event, stays Visible.
	wantEvents(t, s.Pass([]index.Candidate{cand(o, 0.05, 120)}, t0))

	// Gone from the frustum: Hidden with the timer stamped.
	ev = s.Pass(nil, t0)
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventHidden})

	// Not yet past MaxHiddenTime.
	wantEvents(t, s.Tick(t0.Add(500*time.Millisecond)))
	if s.State(o.ID) != Hidden {
		t.Fatalf("state = %v, want Hidden", s.State(o.ID))
	}

	ev = s.Tick(t0.Add(time.Second))
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventLost})
	if s.State(o.ID) != Lost {
		t.Fatalf("state = %v, want Lost", s.State(o.ID))
	}

	// Release fires once, MaxLostTime after the Lost transition.
	wantEvents(t, s.Tick(t0.Add(3*time.Second)))
	ev = s.Tick(t0.Add(4 * time.Second))
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventReleased})
	wantEvents(t, s.Tick(t0.Add(10*time.Second)))
	if s.State(o.ID) != Lost {
		t.Fatalf("released object still reports Lost, got %v", s.State(o.ID))
	}
}

func TestReentryClearsTimers(t *testing.T) {
	s := testSet()
	o := testObj("a")
	s.Track(o)
	t0 := time.Unix(100, 0)

	s.Pass([]index.Candidate{cand(o, 0.05, 120)}, t0)
	s.Pass(nil, t0)

	// Back in view before the hidden timer fires.
	ev := s.Pass([]index.Candidate{cand(o, 0.05, 120)}, t0.Add(500*time.Millisecond))
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventVisible})

	// The old hidden stamp must not leak into a later hide.
	s.Pass(nil, t0.Add(2*time.Second))
	wantEvents(t, s.Tick(t0.Add(2500*time.Millisecond)))
	ev = s.Tick(t0.Add(3 * time.Second))
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventLost})
}

func TestReentryFromLostAndReleased(t *testing.T) {
	s := testSet()
	o := testObj("a")
	s.Track(o)
	t0 := time.Unix(100, 0)

	s.Pass([]index.Candidate{cand(o, 0.05, 120)}, t0)
	s.Pass(nil, t0)
	s.Tick(t0.Add(time.Second))
	s.Tick(t0.Add(5 * time.Second))
	if s.State(o.ID) != Lost {
		t.Fatalf("state = %v, want Lost after release", s.State(o.ID))
	}

	// Visible again: fresh EventVisible, and the full cycle restarts.
	ev := s.Pass([]index.Candidate{cand(o, 0.05, 120)}, t0.Add(6*time.Second))
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventVisible})
	s.Pass(nil, t0.Add(7*time.Second))
	ev = s.Tick(t0.Add(8 * time.Second))
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventLost})
	ev = s.Tick(t0.Add(11 * time.Second))
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventReleased})
}

func TestThresholds(t *testing.T) {
	s := testSet()
	o := testObj("a")
	s.Track(o)
	t0 := time.Unix(100, 0)

	// Big enough on screen but under the coverage threshold.
	wantEvents(t, s.Pass([]index.Candidate{cand(o, 0.001, 120)}, t0))
	// Over coverage but under the pixel floor.
	wantEvents(t, s.Pass([]index.Candidate{cand(o, 0.05, 10)}, t0))
	if s.State(o.ID) != Unloaded {
		t.Fatalf("sub-threshold candidate should stay Unloaded")
	}

	// A Visible object dropping under either threshold hides.
	s.Pass([]index.Candidate{cand(o, 0.05, 120)}, t0)
	ev := s.Pass([]index.Candidate{cand(o, 0.001, 120)}, t0)
	wantEvents(t, ev, Event{ID: o.ID, Key: o.Key, Kind: EventHidden})
}

func TestUntrackedCandidateIgnored(t *testing.T) {
	s := testSet()
	wantEvents(t, s.Pass([]index.Candidate{cand(testObj("ghost"), 0.5, 500)}, time.Unix(100, 0)))
	if u, v, h, l := s.Counts(); u+v+h+l != 0 {
		t.Fatalf("untracked candidate should not create records")
	}
}

func TestCountsAndVisibleIDs(t *testing.T) {
	s := testSet()
	a, b, c := testObj("a"), testObj("b"), testObj("c")
	s.Track(a, b, c)
	t0 := time.Unix(100, 0)

	s.Pass([]index.Candidate{cand(b, 0.05, 120), cand(a, 0.05, 120)}, t0)
	ids := s.VisibleIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("VisibleIDs = %v, want [a b]", ids)
	}

	s.Pass([]index.Candidate{cand(a, 0.05, 120)}, t0)
	s.Tick(t0.Add(time.Second))
	u, v, h, l := s.Counts()
	if u != 1 || v != 1 || h != 0 || l != 1 {
		t.Fatalf("counts = %d/%d/%d/%d, want 1/1/0/1", u, v, h, l)
	}
	if boxes := s.VisibleBounds(); len(boxes) != 1 {
		t.Fatalf("VisibleBounds = %d boxes, want 1", len(boxes))
	}
}
