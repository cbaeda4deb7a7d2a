package bundle

import (
	"math"

	"github.com/gogpu/tilemap/style"
)

// stroker accumulates line ribbons. Widths are in pixels; the vertex
// shader offsets each vertex by normal * width / 2 * resolution.
type stroker struct {
	v     writer
	i     writer
	count uint32
}

func (s *stroker) vertex(p, n vec, width float32, c style.Color) {
	s.v.vec2(float32(p.x), float32(p.y))
	s.v.vec2(float32(n.x), float32(n.y))
	s.v.f32(width)
	s.v.color(c)
}

func (s *stroker) tri(a, b, c uint32) {
	s.i.u32(a)
	s.i.u32(b)
	s.i.u32(c)
}

func normalOf(a, b vec) (vec, bool) {
	dx, dy := b.x-a.x, b.y-a.y
	l := math.Hypot(dx, dy)
	if l == 0 {
		return vec{}, false
	}
	return vec{-dy / l, dx / l}, true
}

// stroke adds a polyline. A closed line also joins its last segment back
// to the first.
func (s *stroker) stroke(pts []vec, closed bool, width float32, c style.Color) {
	pts = dedupe(pts)
	if closed && len(pts) > 2 {
		pts = append(pts, pts[0])
	} else if len(pts) > 1 && pts[0] == pts[len(pts)-1] && !closed {
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 2 {
		return
	}

	normals := make([]vec, 0, len(pts)-1)
	for i := 0; i+1 < len(pts); i++ {
		n, _ := normalOf(pts[i], pts[i+1])
		normals = append(normals, n)
		neg := vec{-n.x, -n.y}
		base := s.count
		s.vertex(pts[i], n, width, c)
		s.vertex(pts[i], neg, width, c)
		s.vertex(pts[i+1], n, width, c)
		s.vertex(pts[i+1], neg, width, c)
		s.tri(base, base+1, base+2)
		s.tri(base+2, base+1, base+3)
		s.count += 4
	}

	join := func(p, d1, d2 vec, n1, n2 vec) {
		turn := d1.x*d2.y - d1.y*d2.x
		if turn == 0 {
			return
		}
		// The outer side of a left turn is the right side.
		if turn > 0 {
			n1, n2 = vec{-n1.x, -n1.y}, vec{-n2.x, -n2.y}
		}
		base := s.count
		s.vertex(p, vec{}, width, c)
		s.vertex(p, n1, width, c)
		s.vertex(p, n2, width, c)
		s.tri(base, base+1, base+2)
		s.count += 3
	}
	dir := func(i int) vec { return vec{pts[i+1].x - pts[i].x, pts[i+1].y - pts[i].y} }
	for i := 1; i < len(normals); i++ {
		join(pts[i], dir(i-1), dir(i), normals[i-1], normals[i])
	}
	if closed && len(normals) > 1 {
		last := len(normals) - 1
		join(pts[0], dir(last), dir(0), normals[last], normals[0])
	}
}
