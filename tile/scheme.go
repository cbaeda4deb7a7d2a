package tile

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
)

// Direction is the direction in which the Y index grows.
type Direction uint8

const (
	// TopToBottom puts Y == 0 at the top of the map.
	TopToBottom Direction = iota
	// BottomToTop puts Y == 0 at the bottom of the map.
	BottomToTop
)

// DefaultResolutionTolerance lets a level be chosen when the requested
// resolution is within 1% of it.
const DefaultResolutionTolerance = 0.01

// Web Mercator constants shared by OSM-style tile services.
const (
	WebMercatorExtent        = 20037508.342787
	WebMercatorTopResolution = 156543.03392800014
	WebMercatorTileSize      = 256
	WebMercatorLevels        = 21
)

// ErrNoLevels is returned when a scheme has no levels of detail.
var ErrNoLevels = errors.New("tile: scheme has no levels of detail")

// Scheme describes how tile indices map onto projected map coordinates.
type Scheme struct {
	// Name identifies the scheme in cache keys.
	Name string

	// Origin is the corner where X == 0 and Y == 0 meet.
	Origin orb.Point

	// Bounds contains every tile of the scheme.
	Bounds orb.Bound

	// Resolutions lists map units per pixel for each Z, coarsest first.
	Resolutions []float64

	// TileSize is the tile edge in pixels.
	TileSize int

	Direction Direction

	// Tolerance is the fraction by which a finer level may exceed the
	// requested resolution and still be selected.
	Tolerance float64
}

// WebMercatorScheme returns the standard EPSG:3857 tiling used by OSM.
func WebMercatorScheme(name string) *Scheme {
	res := make([]float64, WebMercatorLevels)
	res[0] = WebMercatorTopResolution
	for i := 1; i < len(res); i++ {
		res[i] = res[i-1] / 2
	}
	return &Scheme{
		Name:   name,
		Origin: orb.Point{-WebMercatorExtent, WebMercatorExtent},
		Bounds: orb.Bound{
			Min: orb.Point{-WebMercatorExtent, -WebMercatorExtent},
			Max: orb.Point{WebMercatorExtent, WebMercatorExtent},
		},
		Resolutions: res,
		TileSize:    WebMercatorTileSize,
		Direction:   TopToBottom,
		Tolerance:   DefaultResolutionTolerance,
	}
}

// SelectLOD returns the finest level whose resolution is not finer than
// resolution, allowing the scheme tolerance. Resolutions coarser than the
// top level select 0. ok is false for non-finite or non-positive input.
func (s *Scheme) SelectLOD(resolution float64) (z uint8, ok bool) {
	if len(s.Resolutions) == 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) || resolution <= 0 {
		return 0, false
	}
	for i := 1; i < len(s.Resolutions); i++ {
		if s.Resolutions[i]*(1-s.Tolerance) > resolution {
			break
		}
		z = uint8(i)
	}
	return z, true
}

// Resolution returns the resolution of level z.
func (s *Scheme) Resolution(z uint8) (float64, bool) {
	if int(z) >= len(s.Resolutions) {
		return 0, false
	}
	return s.Resolutions[z], true
}

// TileSpan returns the width of one tile at level z in map units.
func (s *Scheme) TileSpan(z uint8) float64 {
	r, ok := s.Resolution(z)
	if !ok {
		return 0
	}
	return r * float64(s.TileSize)
}

// WorldWidth returns the width of the scheme in map units.
func (s *Scheme) WorldWidth() float64 {
	return s.Bounds.Max[0] - s.Bounds.Min[0]
}

// TileBounds returns the extent of idx in map units. X is used unwrapped,
// so copies of a tile beyond the antimeridian get shifted bounds.
func (s *Scheme) TileBounds(idx Index) (orb.Bound, bool) {
	span := s.TileSpan(idx.Z)
	if span == 0 {
		return orb.Bound{}, false
	}
	minX := s.Origin[0] + float64(idx.X)*span
	var minY float64
	switch s.Direction {
	case BottomToTop:
		minY = s.Origin[1] + float64(idx.Y)*span
	default:
		minY = s.Origin[1] - float64(idx.Y+1)*span
	}
	return orb.Bound{
		Min: orb.Point{minX, minY},
		Max: orb.Point{minX + span, minY + span},
	}, true
}

// Placement is one on-screen copy of a tile.
type Placement struct {
	// Index carries the unwrapped X.
	Index Index
	// Key is the wrapped cache key.
	Key Key
	// Offset is the X translation in map units from the wrapped copy.
	Offset float64
}

// rowCount returns the number of tile rows at level z.
func (s *Scheme) rowCount(z uint8) int64 {
	span := s.TileSpan(z)
	h := s.Bounds.Max[1] - s.Bounds.Min[1]
	return int64(math.Round(h / span))
}

// Cover returns the placements needed to fill bound at resolution, ordered
// along a Hilbert curve. X is unbounded so a bound wider than the world or
// crossing the antimeridian yields several copies of the same wrapped key.
func (s *Scheme) Cover(bound orb.Bound, resolution float64, styleVersion uint32) ([]Placement, error) {
	z, ok := s.SelectLOD(resolution)
	if !ok {
		if len(s.Resolutions) == 0 {
			return nil, ErrNoLevels
		}
		return nil, nil
	}
	return s.CoverLevel(bound, z, styleVersion), nil
}

// CoverLevel is Cover at a fixed level.
func (s *Scheme) CoverLevel(bound orb.Bound, z uint8, styleVersion uint32) []Placement {
	span := s.TileSpan(z)
	if span == 0 || bound.Max[0] <= bound.Min[0] || bound.Max[1] <= bound.Min[1] {
		return nil
	}

	xMin := int64(math.Floor((bound.Min[0] - s.Origin[0]) / span))
	xMax := int64(math.Ceil((bound.Max[0]-s.Origin[0])/span)) - 1

	var top, bottom float64
	if s.Direction == TopToBottom {
		top, bottom = s.Origin[1]-bound.Max[1], s.Origin[1]-bound.Min[1]
	} else {
		top, bottom = bound.Min[1]-s.Origin[1], bound.Max[1]-s.Origin[1]
	}
	yMin := max(int64(math.Floor(top/span)), 0)
	yMax := min(int64(math.Ceil(bottom/span))-1, s.rowCount(z)-1)
	if xMax < xMin || yMax < yMin {
		return nil
	}

	world := s.WorldWidth()
	out := make([]Placement, 0, (xMax-xMin+1)*(yMax-yMin+1))
	for x := xMin; x <= xMax; x++ {
		for y := yMin; y <= yMax; y++ {
			idx := Index{Z: z, X: x, Y: y}
			out = append(out, Placement{
				Index:  idx,
				Key:    NewKey(s.Name, idx, styleVersion),
				Offset: float64(idx.WorldOffset()) * world,
			})
		}
	}
	HilbertOrder(out)
	return out
}
