package tile

import (
	"math/bits"
	"sort"

	"github.com/google/hilbert"
)

// HilbertOrder sorts placements along a Hilbert curve over their bounding
// grid so that tiles close on screen are requested close in time. Ties
// cannot occur because every grid cell maps to a distinct curve position.
func HilbertOrder(ps []Placement) {
	if len(ps) < 2 {
		return
	}
	minX, minY := ps[0].Index.X, ps[0].Index.Y
	maxX, maxY := minX, minY
	for _, p := range ps[1:] {
		minX, maxX = min(minX, p.Index.X), max(maxX, p.Index.X)
		minY, maxY = min(minY, p.Index.Y), max(maxY, p.Index.Y)
	}

	side := uint64(max(maxX-minX, maxY-minY, 1)) + 1
	n := 1 << bits.Len64(side-1)

	h, err := hilbert.NewHilbert(n)
	if err != nil {
		sortRowMajor(ps)
		return
	}

	pos := make(map[Index]int, len(ps))
	for _, p := range ps {
		t, err := h.MapInverse(int(p.Index.X-minX), int(p.Index.Y-minY))
		if err != nil {
			sortRowMajor(ps)
			return
		}
		pos[p.Index] = t
	}
	sort.SliceStable(ps, func(i, j int) bool {
		return pos[ps[i].Index] < pos[ps[j].Index]
	})
}

func sortRowMajor(ps []Placement) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i].Index, ps[j].Index
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
}
