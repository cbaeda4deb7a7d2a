package tile

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Projection converts between geographic and projected map coordinates.
type Projection interface {
	Project(lon, lat float64) (x, y float64)
	Unproject(x, y float64) (lon, lat float64)
}

// WebMercator is the spherical mercator projection of EPSG:3857.
var WebMercator Projection = mercator{}

type mercator struct{}

func (mercator) Project(lon, lat float64) (float64, float64) {
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p[0], p[1]
}

func (mercator) Unproject(x, y float64) (float64, float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p[0], p[1]
}

// ProjectBound projects a geographic bound into map coordinates.
func ProjectBound(p Projection, b orb.Bound) orb.Bound {
	minX, minY := p.Project(b.Min[0], b.Min[1])
	maxX, maxY := p.Project(b.Max[0], b.Max[1])
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}
