package geom

import "math"

// Camera is a perspective view over a viewport measured in pixels.
type Camera struct {
	Eye    Vec3 `json:"eye"`
	Target Vec3 `json:"target"`
	Up     Vec3 `json:"up"`

	FOVY float64 `json:"fovy"` // vertical field of view, degrees
	Near float64 `json:"near"`
	Far  float64 `json:"far"`

	ViewportW int `json:"viewport_w"`
	ViewportH int `json:"viewport_h"`
}

func (c Camera) basis() (fwd, right, up Vec3) {
	fwd = c.Target.Sub(c.Eye).Normalize()
	up = c.Up
	if up == (Vec3{}) {
		up = Vec3{Y: 1}
	}
	right = fwd.Cross(up).Normalize()
	up = right.Cross(fwd)
	return fwd, right, up
}

func (c Camera) tangents() (tanX, tanY float64) {
	fovy := c.FOVY
	if fovy <= 0 || fovy >= 180 {
		fovy = 60
	}
	tanY = math.Tan(fovy * math.Pi / 360)
	aspect := 1.0
	if c.ViewportW > 0 && c.ViewportH > 0 {
		aspect = float64(c.ViewportW) / float64(c.ViewportH)
	}
	return tanY * aspect, tanY
}

// Clip-space outcodes for the corner rejection test.
const (
	outBehind = 1 << iota
	outBeyond
	outLeft
	outRight
	outBelow
	outAbove
)

// Projection is the screen-space footprint of a bounding volume for one camera.
type Projection struct {
	// Coverage is the fraction of the viewport the projected box covers,
	// clamped to the visible region.
	Coverage float64
	// Pixels is the larger screen-space dimension of the projected box, in
	// pixels, before viewport clamping.
	Pixels float64
}

// Intersects reports whether b overlaps the view frustum. All eight corners
// sharing one rejecting outcode means the box lies fully outside.
func (c Camera) Intersects(b AABB) bool {
	fwd, right, up := c.basis()
	tanX, tanY := c.tangents()
	near, far := c.clipRange()

	all := ^0
	for _, p := range b.Corners() {
		rel := p.Sub(c.Eye)
		d := rel.Dot(fwd)
		code := 0
		if d < near {
			code |= outBehind
		}
		if d > far {
			code |= outBeyond
		}
		// Normalized device coords; only meaningful in front of the eye.
		dd := math.Max(d, near)
		nx := rel.Dot(right) / (dd * tanX)
		ny := rel.Dot(up) / (dd * tanY)
		if nx < -1 {
			code |= outLeft
		}
		if nx > 1 {
			code |= outRight
		}
		if ny < -1 {
			code |= outBelow
		}
		if ny > 1 {
			code |= outAbove
		}
		all &= code
		if all == 0 {
			return true
		}
	}
	return all == 0
}

// Project computes the screen footprint of b. ok is false when the box does
// not overlap the frustum at all.
func (c Camera) Project(b AABB) (proj Projection, ok bool) {
	if !c.Intersects(b) {
		return Projection{}, false
	}
	fwd, right, up := c.basis()
	tanX, tanY := c.tangents()
	near, _ := c.clipRange()

	w := float64(c.ViewportW)
	h := float64(c.ViewportH)
	if w <= 0 || h <= 0 {
		return Projection{}, false
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range b.Corners() {
		rel := p.Sub(c.Eye)
		// Corners behind the near plane are clamped onto it; that
		// overestimates the footprint, which is the safe direction for
		// a loading decision.
		d := math.Max(rel.Dot(fwd), near)
		sx := (rel.Dot(right)/(d*tanX)*0.5 + 0.5) * w
		sy := (1 - (rel.Dot(up)/(d*tanY)*0.5 + 0.5)) * h
		minX = math.Min(minX, sx)
		minY = math.Min(minY, sy)
		maxX = math.Max(maxX, sx)
		maxY = math.Max(maxY, sy)
	}

	proj.Pixels = math.Max(maxX-minX, maxY-minY)

	cw := math.Min(maxX, w) - math.Max(minX, 0)
	ch := math.Min(maxY, h) - math.Max(minY, 0)
	if cw > 0 && ch > 0 {
		proj.Coverage = (cw * ch) / (w * h)
	}
	return proj, true
}

func (c Camera) clipRange() (near, far float64) {
	near, far = c.Near, c.Far
	if near <= 0 {
		near = 0.1
	}
	if far <= near {
		far = 10000
	}
	return near, far
}
