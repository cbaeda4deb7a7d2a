package mvt

import (
	"math"

	"github.com/gogpu/tilemap/internal/logging"
)

const (
	cmdMoveTo    = 1
	cmdLineTo    = 2
	cmdClosePath = 7
)

// path is a run of coordinates started by MoveTo.
type path struct {
	coords []Coord
	closed bool
}

// decodeGeometry interprets the command stream for typ. Structural errors
// are returned; undersized shapes are dropped with a warning.
func decodeGeometry(typ GeomType, cmds []uint32) (Geometry, error) {
	paths, err := parseCommands(typ, cmds)
	if err != nil {
		return Geometry{}, err
	}

	g := Geometry{Type: typ}
	switch typ {
	case Point:
		for _, p := range paths {
			g.Points = append(g.Points, p.coords...)
		}
	case LineString:
		for _, p := range paths {
			if len(p.coords) < 2 {
				logging.L().Warn("mvt: dropped line with fewer than 2 points", "points", len(p.coords))
				continue
			}
			g.Lines = append(g.Lines, p.coords)
		}
	case Polygon:
		g.Polygons = assemblePolygons(paths)
	}
	return g, nil
}

func parseCommands(typ GeomType, cmds []uint32) ([]path, error) {
	var (
		paths []path
		x, y  int64
	)
	for i := 0; i < len(cmds); {
		id, count := cmds[i]&0x7, cmds[i]>>3
		i++

		switch id {
		case cmdMoveTo, cmdLineTo:
			if count == 0 {
				return nil, errWire("command with zero count")
			}
			if uint64(len(cmds)-i) < 2*uint64(count) {
				return nil, errWire("truncated command parameters")
			}
			if id == cmdLineTo {
				if typ == Point {
					return nil, errWire("LineTo in point geometry")
				}
				if len(paths) == 0 || paths[len(paths)-1].closed {
					return nil, errWire("LineTo without MoveTo")
				}
			}
			if id == cmdMoveTo && typ == Polygon && len(paths) > 0 && !paths[len(paths)-1].closed {
				return nil, errWire("polygon ring not closed")
			}
			for range count {
				x += int64(zigzag(cmds[i]))
				y += int64(zigzag(cmds[i+1]))
				i += 2
				if x < math.MinInt32 || x > math.MaxInt32 || y < math.MinInt32 || y > math.MaxInt32 {
					return nil, errWire("coordinate overflows int32")
				}
				c := Coord{X: int32(x), Y: int32(y)}
				if id == cmdMoveTo {
					paths = append(paths, path{coords: []Coord{c}})
				} else {
					last := &paths[len(paths)-1]
					last.coords = append(last.coords, c)
				}
			}
		case cmdClosePath:
			if count != 1 {
				return nil, errWire("ClosePath count must be 1")
			}
			if typ != Polygon {
				return nil, errWire("ClosePath outside polygon geometry")
			}
			if len(paths) == 0 || paths[len(paths)-1].closed {
				return nil, errWire("ClosePath without open ring")
			}
			paths[len(paths)-1].closed = true
		default:
			return nil, errWire("unknown command")
		}
	}

	if typ == Polygon && len(paths) > 0 && !paths[len(paths)-1].closed {
		return nil, errWire("polygon ring not closed")
	}
	return paths, nil
}

func zigzag(v uint32) int32 {
	return int32(v>>1) ^ -int32(v&1)
}

// assemblePolygons groups rings into polygons by winding: positive area
// starts a polygon, negative area is a hole of the current one.
func assemblePolygons(paths []path) []Poly {
	var polys []Poly
	for _, p := range paths {
		r := normalizeRing(p.coords)
		if len(r) < 3 {
			logging.L().Warn("mvt: dropped ring with fewer than 3 distinct points", "points", len(r))
			continue
		}
		area := signedArea(r)
		switch {
		case area == 0:
			logging.L().Warn("mvt: dropped zero-area ring", "points", len(r))
		case area > 0:
			polys = append(polys, Poly{r})
		case len(polys) == 0:
			logging.L().Warn("mvt: dropped hole before any exterior ring", "points", len(r))
		default:
			last := len(polys) - 1
			polys[last] = append(polys[last], r)
		}
	}
	return polys
}

// normalizeRing drops consecutive duplicates and an explicit closing point.
func normalizeRing(cs []Coord) Ring {
	r := make(Ring, 0, len(cs))
	for _, c := range cs {
		if len(r) > 0 && r[len(r)-1] == c {
			continue
		}
		r = append(r, c)
	}
	if len(r) > 1 && r[0] == r[len(r)-1] {
		r = r[:len(r)-1]
	}
	return r
}

// signedArea returns twice the surveyor's area. It is positive for rings
// that run clockwise on screen, which is the exterior winding.
func signedArea(r Ring) int64 {
	var sum int64
	for i := range r {
		j := (i + 1) % len(r)
		sum += int64(r[i].X)*int64(r[j].Y) - int64(r[j].X)*int64(r[i].Y)
	}
	return sum
}

// SignedArea returns twice the signed area of r in tile units.
func SignedArea(r Ring) int64 { return signedArea(r) }
