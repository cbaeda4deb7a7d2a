package compose

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
)

// ErrBadViewport is returned for viewports without area or resolution,
// larger than MaxViewportSize, or whose Bounds disagree with their pixel
// size at Resolution.
var ErrBadViewport = errors.New("compose: invalid viewport")

// MaxViewportSize is the largest accepted Width or Height in pixels.
const MaxViewportSize = 16384

// boundsTolerance is how far, as a fraction, each side of Bounds may differ
// from its pixel size times Resolution. At least one pixel is allowed.
const boundsTolerance = 0.02

// Viewport describes what one frame shows.
type Viewport struct {
	// Bounds is the unrotated visible rectangle in projected map units.
	Bounds orb.Bound
	// Resolution is map units per pixel.
	Resolution float64
	// Rotation is the map rotation in radians, counter-clockwise.
	Rotation float64
	// Width and Height are the target size in pixels.
	Width, Height int
}

// Validate checks the viewport.
func (v Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Width > MaxViewportSize || v.Height > MaxViewportSize ||
		!(v.Resolution > 0) || math.IsInf(v.Resolution, 0) ||
		!(v.Bounds.Max[0] > v.Bounds.Min[0]) || !(v.Bounds.Max[1] > v.Bounds.Min[1]) {
		return ErrBadViewport
	}
	if !fits(v.Bounds.Max[0]-v.Bounds.Min[0], v.Width, v.Resolution) ||
		!fits(v.Bounds.Max[1]-v.Bounds.Min[1], v.Height, v.Resolution) {
		return ErrBadViewport
	}
	return nil
}

func fits(extent float64, px int, res float64) bool {
	want := float64(px) * res
	return math.Abs(extent-want) <= max(want*boundsTolerance, res)
}

// FitViewport returns the viewport of width x height pixels centered on b
// that shows all of b. The shorter side of b is extended to the pixel
// aspect ratio.
func FitViewport(b orb.Bound, width, height int, rotation float64) Viewport {
	w, h := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	res := max(w/float64(width), h/float64(height))
	c := b.Center()
	hw, hh := res*float64(width)/2, res*float64(height)/2
	return Viewport{
		Bounds:     orb.Bound{Min: orb.Point{c[0] - hw, c[1] - hh}, Max: orb.Point{c[0] + hw, c[1] + hh}},
		Resolution: res,
		Rotation:   rotation,
		Width:      width,
		Height:     height,
	}
}

// Center returns the middle of Bounds.
func (v Viewport) Center() orb.Point { return v.Bounds.Center() }

// View returns the transform from map units to clip space.
func (v Viewport) View() Matrix {
	c := v.Center()
	w, h := v.Bounds.Max[0]-v.Bounds.Min[0], v.Bounds.Max[1]-v.Bounds.Min[1]
	return Scale(2/w, 2/h).
		Multiply(Rotate(v.Rotation)).
		Multiply(Translate(-c[0], -c[1]))
}

// CoverBounds is the axis-aligned box around the rotated view, which is
// what tiles must cover.
func (v Viewport) CoverBounds() orb.Bound {
	if v.Rotation == 0 {
		return v.Bounds
	}
	c := v.Center()
	hw, hh := (v.Bounds.Max[0]-v.Bounds.Min[0])/2, (v.Bounds.Max[1]-v.Bounds.Min[1])/2
	sin, cos := math.Sincos(v.Rotation)
	ex := math.Abs(hw*cos) + math.Abs(hh*sin)
	ey := math.Abs(hw*sin) + math.Abs(hh*cos)
	return orb.Bound{
		Min: orb.Point{c[0] - ex, c[1] - ey},
		Max: orb.Point{c[0] + ex, c[1] + ey},
	}
}

// ScreenToMap converts a pixel position (origin top left) to map units.
func (v Viewport) ScreenToMap(px, py float64) (orb.Point, bool) {
	inv, ok := v.View().Invert()
	if !ok {
		return orb.Point{}, false
	}
	clip := orb.Point{px/float64(v.Width)*2 - 1, 1 - py/float64(v.Height)*2}
	return inv.Apply(clip), true
}
