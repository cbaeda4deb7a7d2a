package bundle

import (
	"cmp"
	"slices"
)

type vec struct{ x, y float64 }

func cross(o, a, b vec) float64 {
	return (a.x-o.x)*(b.y-o.y) - (a.y-o.y)*(b.x-o.x)
}

func ringArea(pts []vec) float64 {
	var s float64
	for i := range pts {
		j := (i + 1) % len(pts)
		s += pts[i].x*pts[j].y - pts[j].x*pts[i].y
	}
	return s / 2
}

// triangulate tessellates a polygon given as an exterior ring followed by
// holes. It returns the vertices and triangle indices into them. Rings
// may use either winding; degenerate rings are skipped.
func triangulate(rings [][]vec) ([]vec, []uint32) {
	var verts []vec
	var outer []uint32
	var holes [][]uint32

	for ri, r := range rings {
		r = dedupe(r)
		if len(r) < 3 {
			if ri == 0 {
				return nil, nil
			}
			continue
		}
		area := ringArea(r)
		if area == 0 {
			if ri == 0 {
				return nil, nil
			}
			continue
		}
		// Exterior counter-clockwise, holes clockwise.
		if (ri == 0) != (area > 0) {
			r = slices.Clone(r)
			slices.Reverse(r)
		}
		base := uint32(len(verts))
		verts = append(verts, r...)
		idx := make([]uint32, len(r))
		for i := range idx {
			idx[i] = base + uint32(i)
		}
		if ri == 0 {
			outer = idx
		} else {
			holes = append(holes, idx)
		}
	}

	poly := bridgeHoles(verts, outer, holes)
	return verts, clipEars(verts, poly)
}

func dedupe(r []vec) []vec {
	out := make([]vec, 0, len(r))
	for _, p := range r {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	for len(out) > 1 && out[0] == out[len(out)-1] {
		out = out[:len(out)-1]
	}
	return out
}

// bridgeHoles merges every hole into the outer ring through a pair of
// coincident edges, rightmost hole first.
func bridgeHoles(verts []vec, outer []uint32, holes [][]uint32) []uint32 {
	rightmost := func(h []uint32) int {
		best := 0
		for i, v := range h {
			p, q := verts[v], verts[h[best]]
			if p.x > q.x || (p.x == q.x && p.y < q.y) {
				best = i
			}
		}
		return best
	}
	slices.SortStableFunc(holes, func(a, b []uint32) int {
		return -cmp.Compare(verts[a[rightmost(a)]].x, verts[b[rightmost(b)]].x)
	})

	poly := outer
	for hi, h := range holes {
		mi := rightmost(h)
		m := verts[h[mi]]
		ci := visibleVertex(verts, poly, holes[hi:], m)

		merged := make([]uint32, 0, len(poly)+len(h)+2)
		merged = append(merged, poly[:ci+1]...)
		merged = append(merged, h[mi:]...)
		merged = append(merged, h[:mi+1]...)
		merged = append(merged, poly[ci:]...)
		poly = merged
	}
	return poly
}

// visibleVertex returns the position in poly of the nearest vertex that
// can be joined to m without crossing any edge of poly or of the
// remaining holes.
func visibleVertex(verts []vec, poly []uint32, holes [][]uint32, m vec) int {
	order := make([]int, len(poly))
	for i := range order {
		order[i] = i
	}
	dist := func(i int) float64 {
		p := verts[poly[i]]
		return (p.x-m.x)*(p.x-m.x) + (p.y-m.y)*(p.y-m.y)
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(dist(a), dist(b)) })

	blocked := func(c vec, ring []uint32) bool {
		for i := range ring {
			a, b := verts[ring[i]], verts[ring[(i+1)%len(ring)]]
			if a == c || b == c || a == m || b == m {
				continue
			}
			if segmentsCross(m, c, a, b) {
				return true
			}
		}
		return false
	}
	for _, i := range order {
		c := verts[poly[i]]
		if c.x < m.x {
			continue
		}
		if blocked(c, poly) {
			continue
		}
		ok := true
		for _, h := range holes {
			if blocked(c, h) {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	// Fall back to any vertex, ignoring the half-plane restriction.
	for _, i := range order {
		if !blocked(verts[poly[i]], poly) {
			return i
		}
	}
	return order[0]
}

func segmentsCross(p1, p2, q1, q2 vec) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func inTriangle(p, a, b, c vec) bool {
	return cross(a, b, p) >= 0 && cross(b, c, p) >= 0 && cross(c, a, p) >= 0
}

// clipEars triangulates a counter-clockwise simple polygon (bridged holes
// appear as coincident vertices) by ear clipping.
func clipEars(verts []vec, poly []uint32) []uint32 {
	n := len(poly)
	if n < 3 {
		return nil
	}
	prev := make([]int, n)
	next := make([]int, n)
	for i := range n {
		prev[i] = (i + n - 1) % n
		next[i] = (i + 1) % n
	}

	var out []uint32
	emit := func(a, b, c int) {
		if cross(verts[poly[a]], verts[poly[b]], verts[poly[c]]) == 0 {
			return
		}
		out = append(out, poly[a], poly[b], poly[c])
	}
	isEar := func(p, i, q int) bool {
		a, b, c := verts[poly[p]], verts[poly[i]], verts[poly[q]]
		if cross(a, b, c) <= 0 {
			return false
		}
		for r := next[q]; r != p; r = next[r] {
			v := verts[poly[r]]
			if v == a || v == b || v == c {
				continue
			}
			// Only reflex vertices can make a convex corner a non-ear.
			if cross(verts[poly[prev[r]]], v, verts[poly[next[r]]]) > 0 {
				continue
			}
			if inTriangle(v, a, b, c) {
				return false
			}
		}
		return true
	}

	remaining, i, stall := n, 0, 0
	for remaining > 3 {
		p, q := prev[i], next[i]
		if isEar(p, i, q) || stall >= remaining {
			emit(p, i, q)
			next[p], prev[q] = q, p
			remaining--
			i, stall = q, 0
			continue
		}
		i = q
		stall++
	}
	emit(prev[i], i, next[i])
	return out
}
