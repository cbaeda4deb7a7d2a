package bundle

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/tilemap/style"
)

// writer appends little-endian GPU data.
type writer struct {
	b []byte
}

func (w *writer) f32(v float32) {
	w.b = binary.LittleEndian.AppendUint32(w.b, math.Float32bits(v))
}

func (w *writer) vec2(x, y float32) {
	w.f32(x)
	w.f32(y)
}

func (w *writer) u32(v uint32) {
	w.b = binary.LittleEndian.AppendUint32(w.b, v)
}

func (w *writer) color(c style.Color) {
	w.b = append(w.b, c.R, c.G, c.B, c.A)
}

func (w *writer) len() int { return len(w.b) }
