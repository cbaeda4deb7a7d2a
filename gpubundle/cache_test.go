// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpubundle

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/tilemap/bundle"
	"github.com/gogpu/tilemap/metrics"
	"github.com/gogpu/tilemap/tile"
)

type fakeBuffer struct{ size uint64 }

func (b *fakeBuffer) Size() uint64 { return b.size }

type fakeTexture struct{ size uint64 }

func (t *fakeTexture) Size() uint64 { return t.size }

// fakeDevice records resources without touching a GPU.
type fakeDevice struct {
	mu        sync.Mutex
	buffers   map[Buffer]bool
	textures  map[Texture]bool
	created   int
	texturesN int
	failNext  bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{buffers: map[Buffer]bool{}, textures: map[Texture]bool{}}
}

func (d *fakeDevice) CreateBuffer(_ string, _ BufferUsage, data []byte) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		return nil, errors.New("out of memory")
	}
	b := &fakeBuffer{size: uint64(len(data))}
	d.buffers[b] = true
	d.created++
	return b, nil
}

func (d *fakeDevice) DestroyBuffer(b Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, b)
}

func (d *fakeDevice) CreateTexture(_ string, w, h int, _ []byte) (Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeTexture{size: uint64(w * h * 4)}
	d.textures[t] = true
	d.texturesN++
	return t, nil
}

func (d *fakeDevice) DestroyTexture(t Texture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.textures, t)
}

func (d *fakeDevice) live() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers), len(d.textures)
}

type inline struct{}

func (inline) Submit(fn func()) bool { fn(); return true }

func key(x int64, layer string) bundle.SourceKey {
	return bundle.SourceKey{Key: tile.NewKey("osm", tile.Index{Z: 3, X: x, Y: 1}, 1), Layer: layer}
}

// fillBundle has one fill part of n bytes of vertices and 12 bytes of
// indices.
func fillBundle(k bundle.SourceKey, n int) *bundle.Bundle {
	idx := make([]byte, 12)
	binary.LittleEndian.PutUint32(idx[4:], 1)
	binary.LittleEndian.PutUint32(idx[8:], 2)
	return &bundle.Bundle{
		Key:     k,
		Opacity: 1,
		Parts:   []bundle.Part{{Kind: bundle.Fill, Vertices: make([]byte, n), Indices: idx}},
	}
}

func counting(k bundle.SourceKey, n int, calls *atomic.Int32) BuildFunc {
	return func() (*bundle.Bundle, error) {
		calls.Add(1)
		return fillBundle(k, n), nil
	}
}

func TestAcquireSharesSlot(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, Options{Executor: inline{}})
	k := key(1, "water")
	var calls atomic.Int32

	// Two map layers drawing the same source share one slot.
	h1 := c.Acquire(k, counting(k, 36, &calls))
	h2 := c.Acquire(k, counting(k, 36, &calls))
	if h1.Ready() {
		t.Errorf("Ready before Flush")
	}
	c.Flush()

	if n := calls.Load(); n != 1 {
		t.Errorf("build calls = %d, want 1", n)
	}
	if got := c.Refs(k); got != 2 {
		t.Errorf("Refs = %d, want 2", got)
	}
	if !h1.Ready() || !h2.Ready() {
		t.Fatalf("handles not ready after Flush")
	}
	if len(h1.Parts()) != 1 || h1.Parts()[0].Vertices != h2.Parts()[0].Vertices {
		t.Errorf("handles do not share the uploaded buffers")
	}
	// Unit quad plus one vertex and one index buffer.
	if bufs, _ := dev.live(); bufs != 4 {
		t.Errorf("live buffers = %d, want 4", bufs)
	}
	if st := c.Stats(); st.Uploads != 1 || st.UsedBytes != 48 {
		t.Errorf("Stats = %+v, want 1 upload of 48 bytes", st)
	}

	c.Release(h1)
	c.Release(h1)
	if got := c.Refs(k); got != 1 {
		t.Errorf("Refs after double release = %d, want 1", got)
	}
	c.Release(h2)
	if got := c.Refs(k); got != 0 {
		t.Errorf("Refs = %d, want 0", got)
	}
}

func TestEvictionSkipsReferenced(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, Options{Executor: inline{}, BudgetBytes: 250})
	var calls atomic.Int32

	held := c.Acquire(key(0, "l"), counting(key(0, "l"), 88, &calls))
	var others []*Handle
	for x := int64(1); x <= 3; x++ {
		others = append(others, c.Acquire(key(x, "l"), counting(key(x, "l"), 88, &calls)))
	}
	c.Flush()
	for _, h := range others {
		c.Release(h)
	}
	c.Flush()

	st := c.Stats()
	if st.UsedBytes > 250 {
		t.Errorf("UsedBytes = %d, over budget", st.UsedBytes)
	}
	if st.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", st.Evictions)
	}
	if !held.Ready() || c.Refs(key(0, "l")) != 1 {
		t.Errorf("referenced slot was evicted")
	}
	// The most recently released slot survives.
	if h, ok := c.Peek(key(3, "l")); !ok {
		t.Errorf("Peek(most recent) missed")
	} else {
		c.Release(h)
	}
	if _, ok := c.Peek(key(1, "l")); ok {
		t.Errorf("Peek(evicted) hit")
	}
}

func TestOverBudgetKeepsReferenced(t *testing.T) {
	c := New(newFakeDevice(), Options{Executor: inline{}, BudgetBytes: 10})
	k := key(1, "l")
	h := c.Acquire(k, func() (*bundle.Bundle, error) { return fillBundle(k, 100), nil })
	c.Flush()
	if !h.Ready() {
		t.Fatalf("referenced slot not uploaded")
	}
	if st := c.Stats(); st.Evictions != 0 || st.UsedBytes != 112 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestPeekRequiresUpload(t *testing.T) {
	c := New(newFakeDevice(), Options{Executor: inline{}})
	k := key(2, "roads")
	if _, ok := c.Peek(k); ok {
		t.Fatalf("Peek on empty cache hit")
	}
	h := c.Acquire(k, func() (*bundle.Bundle, error) { return fillBundle(k, 12), nil })
	if _, ok := c.Peek(k); ok {
		t.Errorf("Peek before Flush hit")
	}
	c.Flush()
	p, ok := c.Peek(k)
	if !ok {
		t.Fatalf("Peek after Flush missed")
	}
	if c.Refs(k) != 2 {
		t.Errorf("Refs = %d, want 2", c.Refs(k))
	}
	c.Release(p)
	c.Release(h)
}

func TestBuildFailureIsRetried(t *testing.T) {
	c := New(newFakeDevice(), Options{Executor: inline{}})
	k := key(5, "l")
	boom := errors.New("boom")
	h := c.Acquire(k, func() (*bundle.Bundle, error) { return nil, boom })
	if !errors.Is(h.Err(), boom) {
		t.Fatalf("Err = %v, want boom", h.Err())
	}
	c.Release(h)

	h = c.Acquire(k, func() (*bundle.Bundle, error) { return fillBundle(k, 12), nil })
	c.Flush()
	if !h.Ready() {
		t.Errorf("rebuilt slot not ready, err %v", h.Err())
	}
}

func TestUploadFailure(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, Options{Executor: inline{}})
	c.Flush() // unit quad
	dev.failNext = true
	k := key(6, "l")
	h := c.Acquire(k, func() (*bundle.Bundle, error) { return fillBundle(k, 12), nil })
	c.Flush()
	if h.Ready() || h.Err() == nil {
		t.Errorf("Ready = %v, Err = %v; want failure", h.Ready(), h.Err())
	}
	if bufs, _ := dev.live(); bufs != 2 {
		t.Errorf("live buffers = %d, want only the unit quad", bufs)
	}
}

func TestSharedTextureUploadedOnce(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, Options{Executor: inline{}, BudgetBytes: 1})
	atlas := &bundle.Texture{Key: "glyphs", Width: 2, Height: 2, Pixels: make([]byte, 16), Shared: true}
	build := func(k bundle.SourceKey) BuildFunc {
		return func() (*bundle.Bundle, error) {
			return &bundle.Bundle{Key: k, Parts: []bundle.Part{{
				Kind: bundle.Screen, Vertices: make([]byte, bundle.ScreenStride*4), Indices: make([]byte, 24), Texture: atlas,
			}}}, nil
		}
	}
	h1 := c.Acquire(key(1, "labels"), build(key(1, "labels")))
	h2 := c.Acquire(key(2, "labels"), build(key(2, "labels")))
	c.Flush()
	if dev.texturesN != 1 {
		t.Errorf("texture uploads = %d, want 1", dev.texturesN)
	}
	if c.Stats().SharedTextures != 1 {
		t.Errorf("SharedTextures = %d, want 1", c.Stats().SharedTextures)
	}

	c.Release(h1)
	c.Flush()
	if _, tex := dev.live(); tex != 1 {
		t.Errorf("live textures = %d, want 1 while still referenced", tex)
	}
	c.Release(h2)
	c.Flush()
	if _, tex := dev.live(); tex != 0 {
		t.Errorf("live textures = %d, want 0", tex)
	}
}

func TestCloseFreesEverything(t *testing.T) {
	dev := newFakeDevice()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := New(dev, Options{Executor: inline{}, Metrics: m})
	k := key(1, "l")
	h := c.Acquire(k, func() (*bundle.Bundle, error) { return fillBundle(k, 24), nil })
	c.Flush()
	if got := testutil.ToFloat64(m.GPUUploads); got != 1 {
		t.Errorf("uploads metric = %v, want 1", got)
	}

	c.Close()
	if bufs, tex := dev.live(); bufs != 0 || tex != 0 {
		t.Errorf("live after Close = %d buffers, %d textures", bufs, tex)
	}
	if !errors.Is(h.Err(), ErrClosed) {
		t.Errorf("Err after Close = %v, want ErrClosed", h.Err())
	}
	if h2 := c.Acquire(k, nil); !errors.Is(h2.Err(), ErrClosed) {
		t.Errorf("Acquire after Close: Err = %v", h2.Err())
	}
	c.Release(h)
}

func TestShadersCompile(t *testing.T) {
	for _, k := range bundle.Kinds {
		if src, ok := ShaderSource(k); !ok || src == "" {
			t.Fatalf("no shader for %v", k)
		}
	}
	words, err := Shaders()
	if err != nil {
		t.Skipf("naga: %v", err)
	}
	for k, w := range words {
		if len(w) == 0 || w[0] != 0x07230203 {
			t.Errorf("%v: missing SPIR-V magic", k)
		}
	}
}

func BenchmarkAcquireRelease(b *testing.B) {
	c := New(newFakeDevice(), Options{Executor: inline{}})
	k := key(1, "l")
	h := c.Acquire(k, func() (*bundle.Bundle, error) { return fillBundle(k, 12), nil })
	c.Flush()
	for b.Loop() {
		c.Release(c.Acquire(k, nil))
	}
	c.Release(h)
}
