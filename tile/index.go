// Package tile addresses map tiles: indices, wrapping across the
// antimeridian, cache keys and the schemes that turn a viewport into the
// set of tiles covering it.
package tile

import (
	"fmt"
	"strconv"
)

// MaxZ is the deepest zoom level an Index can address.
const MaxZ = 30

// Index addresses one tile of a scheme.
//
// X is not pre-wrapped: it may lie outside [0, 2^Z) when the viewport
// crosses the antimeridian. Y always satisfies 0 <= Y < 2^Z.
type Index struct {
	Z uint8
	X int64
	Y int64
}

// Wrap returns x modulo 2^z in [0, 2^z). Levels deeper than MaxZ are
// treated as MaxZ.
func Wrap(x int64, z uint8) int64 {
	n := int64(1) << min(z, MaxZ)
	r := x % n
	if r < 0 {
		r += n
	}
	return r
}

// Wrapped returns the canonical index used for caching and fetching.
func (i Index) Wrapped() Index {
	return Index{Z: i.Z, X: Wrap(i.X, i.Z), Y: i.Y}
}

// WorldOffset reports how many whole worlds X is shifted from its wrapped
// value. It is negative left of the antimeridian copy at 0.
func (i Index) WorldOffset() int64 {
	return (i.X - Wrap(i.X, i.Z)) >> min(i.Z, MaxZ)
}

// Valid reports whether Z and Y are in range.
func (i Index) Valid() bool {
	return i.Z <= MaxZ && i.Y >= 0 && i.Y < int64(1)<<i.Z
}

// Parent returns the index one level up that contains i.
// The root returns itself.
func (i Index) Parent() Index {
	if i.Z == 0 {
		return i
	}
	return Index{Z: i.Z - 1, X: i.X >> 1, Y: i.Y >> 1}
}

// Children returns the four indices one level down, in row order.
func (i Index) Children() [4]Index {
	z, x, y := i.Z+1, i.X<<1, i.Y<<1
	return [4]Index{
		{Z: z, X: x, Y: y},
		{Z: z, X: x + 1, Y: y},
		{Z: z, X: x, Y: y + 1},
		{Z: z, X: x + 1, Y: y + 1},
	}
}

func (i Index) String() string {
	return fmt.Sprintf("%d/%d/%d", i.Z, i.X, i.Y)
}

// Key identifies cached content. Index is always wrapped.
//
// Two keys are equal exactly when their decoded content and tessellated
// buffers are byte-identical.
type Key struct {
	Scheme       string
	Index        Index
	StyleVersion uint32
}

// NewKey builds a key for idx, wrapping it first.
func NewKey(scheme string, idx Index, styleVersion uint32) Key {
	return Key{Scheme: scheme, Index: idx.Wrapped(), StyleVersion: styleVersion}
}

// Content returns the style-independent key under which raw bytes and
// decoded tiles are shared across styles.
func (k Key) Content() Key {
	k.StyleVersion = 0
	return k
}

// String renders the key as scheme/style/z/x/y.
func (k Key) String() string {
	b := make([]byte, 0, len(k.Scheme)+32)
	b = append(b, k.Scheme...)
	b = append(b, '/')
	b = strconv.AppendUint(b, uint64(k.StyleVersion), 10)
	b = append(b, '/')
	b = strconv.AppendUint(b, uint64(k.Index.Z), 10)
	b = append(b, '/')
	b = strconv.AppendInt(b, k.Index.X, 10)
	b = append(b, '/')
	b = strconv.AppendInt(b, k.Index.Y, 10)
	return string(b)
}
