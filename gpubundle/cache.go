// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpubundle owns every render bundle uploaded to the GPU.
//
// Bundles are built on the worker pool and uploaded in Flush, which runs on
// the render thread. Slots are shared per SourceKey and reference counted
// by Handles; unreferenced slots are freed least recently used first once
// the memory budget is exceeded.
package gpubundle

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/tilemap/bundle"
	"github.com/gogpu/tilemap/internal/logging"
	"github.com/gogpu/tilemap/metrics"
)

// DefaultBudgetBytes is the default GPU memory budget (256 MB).
const DefaultBudgetBytes = 256 << 20

// ErrClosed is reported by handles acquired after Close.
var ErrClosed = errors.New("gpubundle: cache closed")

// Executor runs builds off the render thread.
type Executor interface {
	Submit(func()) bool
}

// BuildFunc produces the bundle for a slot.
type BuildFunc func() (*bundle.Bundle, error)

// Options configures a Cache.
type Options struct {
	BudgetBytes int64
	Executor    Executor
	Metrics     *metrics.Metrics
}

type slotState int32

const (
	building slotState = iota
	queued
	uploaded
	failed
)

// Part is an uploaded bundle part.
type Part struct {
	Kind     bundle.Kind
	Vertices Buffer
	Indices  Buffer
	// Instances holds point instances; points draw UnitQuad per instance.
	Instances Buffer
	Texture   Texture

	IndexCount    int
	VertexCount   int
	InstanceCount int
}

type slot struct {
	key   bundle.SourceKey
	state atomic.Int32

	bundle *bundle.Bundle
	parts  []Part
	shared []string
	err    error
	size   int64

	refs int
	elem *list.Element
}

func (s *slot) load() slotState { return slotState(s.state.Load()) }

// Handle is one reference to a slot.
type Handle struct {
	s        *slot
	released bool
}

// Key returns the key the handle was acquired for.
func (h *Handle) Key() bundle.SourceKey { return h.s.key }

// Ready reports whether the bundle is uploaded and drawable.
func (h *Handle) Ready() bool { return h.s.load() == uploaded }

// Parts returns the uploaded parts, or nil before Ready.
func (h *Handle) Parts() []Part {
	if !h.Ready() {
		return nil
	}
	return h.s.parts
}

// Bundle returns the CPU-side bundle once built.
func (h *Handle) Bundle() *bundle.Bundle {
	switch h.s.load() {
	case queued, uploaded:
		return h.s.bundle
	default:
		return nil
	}
}

// Err returns the build or upload error of a failed slot.
func (h *Handle) Err() error {
	if h.s.load() != failed {
		return nil
	}
	return h.s.err
}

type sharedTexture struct {
	tex  Texture
	refs int
}

// Stats reports cache usage.
type Stats struct {
	Slots          int
	Uploaded       int
	UsedBytes      int64
	BudgetBytes    int64
	Uploads        uint64
	Evictions      uint64
	SharedTextures int
}

func (s Stats) String() string {
	return fmt.Sprintf("GPU[%d/%d slots uploaded, %d/%d KB, %d uploads, %d evictions]",
		s.Uploaded, s.Slots, s.UsedBytes/1024, s.BudgetBytes/1024, s.Uploads, s.Evictions)
}

// Cache shares uploaded bundles between layers and frames.
type Cache struct {
	dev  Device
	exec Executor
	m    *metrics.Metrics

	mu      sync.Mutex
	budget  int64
	used    int64
	slots   map[bundle.SourceKey]*slot
	lru     *list.List // zero-ref uploaded slots, front = most recent
	pending []*slot
	doomed  []*slot
	shared  map[string]*sharedTexture
	closed  bool

	quadV, quadI Buffer

	uploads, evictions uint64
}

// New creates a cache uploading through dev.
func New(dev Device, opts Options) *Cache {
	if opts.BudgetBytes <= 0 {
		opts.BudgetBytes = DefaultBudgetBytes
	}
	return &Cache{
		dev:    dev,
		exec:   opts.Executor,
		m:      opts.Metrics,
		budget: opts.BudgetBytes,
		slots:  make(map[bundle.SourceKey]*slot),
		lru:    list.New(),
		shared: make(map[string]*sharedTexture),
	}
}

// Acquire returns a handle to the slot for key, starting a build when the
// slot is new. It never blocks on the build.
func (c *Cache) Acquire(key bundle.SourceKey, build BuildFunc) *Handle {
	c.mu.Lock()
	s, ok := c.slots[key]
	if !ok {
		s = &slot{key: key}
		if c.closed {
			c.mu.Unlock()
			s.err = ErrClosed
			s.state.Store(int32(failed))
			return &Handle{s: s}
		}
		c.slots[key] = s
	}
	c.retainLocked(s)
	c.mu.Unlock()

	if !ok {
		run := func() { c.finishBuild(s, build) }
		if c.exec == nil || !c.exec.Submit(run) {
			go run()
		}
	}
	return &Handle{s: s}
}

// Peek acquires key only if its bundle is already uploaded.
func (c *Cache) Peek(key bundle.SourceKey) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	if !ok || s.load() != uploaded {
		return nil, false
	}
	c.retainLocked(s)
	return &Handle{s: s}, true
}

func (c *Cache) retainLocked(s *slot) {
	s.refs++
	if s.elem != nil {
		c.lru.Remove(s.elem)
		s.elem = nil
	}
}

// Release drops the reference held by h. Releasing a handle twice is a
// no-op.
func (c *Cache) Release(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	s := h.s
	if c.slots[s.key] != s {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	switch s.load() {
	case uploaded:
		s.elem = c.lru.PushFront(s)
	case failed:
		// Forget failures so the next Acquire rebuilds.
		delete(c.slots, s.key)
	}
}

// Refs returns the reference count of key.
func (c *Cache) Refs(key bundle.SourceKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[key]; ok {
		return s.refs
	}
	return 0
}

func (c *Cache) finishBuild(s *slot, build BuildFunc) {
	b, err := build()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.err = ErrClosed
		s.state.Store(int32(failed))
		return
	}
	if err == nil && b == nil {
		err = errors.New("gpubundle: build returned no bundle")
	}
	if err != nil {
		s.err = err
		s.state.Store(int32(failed))
		if s.refs == 0 && c.slots[s.key] == s {
			delete(c.slots, s.key)
		}
		logging.L().Warn("gpubundle: build failed", "key", s.key.String(), "error", err)
		return
	}
	s.bundle = b
	s.size = b.Size()
	s.state.Store(int32(queued))
	c.pending = append(c.pending, s)
}

// Flush uploads built bundles and frees evicted ones. It must be called on
// the render thread, outside of draw submission.
func (c *Cache) Flush() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = nil
	needQuad := c.quadV == nil
	c.mu.Unlock()

	if needQuad {
		c.uploadQuad()
	}

	for _, s := range pending {
		parts, shared, err := c.upload(s)
		c.mu.Lock()
		if err != nil {
			s.err = err
			s.state.Store(int32(failed))
			if s.refs == 0 && c.slots[s.key] == s {
				delete(c.slots, s.key)
			}
			c.mu.Unlock()
			logging.L().Error("gpubundle: upload failed", "key", s.key.String(), "error", err)
			continue
		}
		s.parts, s.shared = parts, shared
		s.state.Store(int32(uploaded))
		c.used += s.size
		c.uploads++
		if s.refs == 0 {
			s.elem = c.lru.PushFront(s)
		}
		c.mu.Unlock()
		if c.m != nil {
			c.m.GPUUploads.Inc()
		}
		logging.L().Debug("gpubundle: uploaded", "key", s.key.String(), "bytes", s.size)
	}

	c.mu.Lock()
	for c.used > c.budget && c.lru.Len() > 0 {
		s := c.lru.Remove(c.lru.Back()).(*slot)
		s.elem = nil
		delete(c.slots, s.key)
		c.used -= s.size
		c.evictions++
		c.doomed = append(c.doomed, s)
	}
	if c.used > c.budget {
		logging.L().Debug("gpubundle: ResourceExhausted", "used", c.used, "budget", c.budget)
	}
	doomed := c.doomed
	c.doomed = nil
	used := c.used
	c.mu.Unlock()

	for _, s := range doomed {
		c.destroy(s)
		if c.m != nil {
			c.m.GPUEvictions.Inc()
		}
		logging.L().Debug("gpubundle: evicted", "key", s.key.String(), "bytes", s.size)
	}
	if c.m != nil {
		c.m.GPUBytes.Set(float64(used))
	}
}

func (c *Cache) uploadQuad() {
	v, err := c.dev.CreateBuffer("unit_quad_vertices", UsageVertex, bundle.UnitQuad.Vertices)
	if err != nil {
		logging.L().Error("gpubundle: unit quad upload failed", "error", err)
		return
	}
	i, err := c.dev.CreateBuffer("unit_quad_indices", UsageIndex, bundle.UnitQuad.Indices)
	if err != nil {
		c.dev.DestroyBuffer(v)
		logging.L().Error("gpubundle: unit quad upload failed", "error", err)
		return
	}
	c.mu.Lock()
	c.quadV, c.quadI = v, i
	c.mu.Unlock()
}

// UnitQuad returns the shared point quad buffers, nil before the first
// Flush.
func (c *Cache) UnitQuad() (vertices, indices Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quadV, c.quadI
}

func (c *Cache) upload(s *slot) (parts []Part, shared []string, err error) {
	label := s.key.String()
	defer func() {
		if err != nil {
			c.destroyParts(parts, shared)
			parts, shared = nil, nil
		}
	}()
	for i := range s.bundle.Parts {
		bp := &s.bundle.Parts[i]
		p := Part{
			Kind:          bp.Kind,
			IndexCount:    bp.IndexCount(),
			VertexCount:   bp.VertexCount(),
			InstanceCount: bp.InstanceCount(),
		}
		if len(bp.Vertices) > 0 {
			if p.Vertices, err = c.dev.CreateBuffer(label+"/"+bp.Kind.String()+"/v", UsageVertex, bp.Vertices); err != nil {
				return parts, shared, err
			}
		}
		// Appended early so a failure below still frees the buffers.
		parts = append(parts, p)
		last := &parts[len(parts)-1]
		if len(bp.Indices) > 0 {
			if last.Indices, err = c.dev.CreateBuffer(label+"/"+bp.Kind.String()+"/i", UsageIndex, bp.Indices); err != nil {
				return parts, shared, err
			}
		}
		if len(bp.Instances) > 0 {
			if last.Instances, err = c.dev.CreateBuffer(label+"/"+bp.Kind.String()+"/inst", UsageInstance, bp.Instances); err != nil {
				return parts, shared, err
			}
		}
		if t := bp.Texture; t != nil {
			if t.Shared {
				if last.Texture, err = c.acquireShared(t); err != nil {
					return parts, shared, err
				}
				shared = append(shared, t.Key)
			} else if last.Texture, err = c.dev.CreateTexture(t.Key, t.Width, t.Height, t.Pixels); err != nil {
				return parts, shared, err
			}
		}
	}
	return parts, shared, nil
}

// acquireShared uploads a shared texture on first use.
func (c *Cache) acquireShared(t *bundle.Texture) (Texture, error) {
	c.mu.Lock()
	st, ok := c.shared[t.Key]
	if ok {
		st.refs++
		c.mu.Unlock()
		return st.tex, nil
	}
	c.mu.Unlock()

	tex, err := c.dev.CreateTexture(t.Key, t.Width, t.Height, t.Pixels)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.shared[t.Key] = &sharedTexture{tex: tex, refs: 1}
	c.mu.Unlock()
	return tex, nil
}

func (c *Cache) destroy(s *slot) {
	c.destroyParts(s.parts, s.shared)
	s.parts, s.shared = nil, nil
}

func (c *Cache) destroyParts(parts []Part, shared []string) {
	sharedSet := make(map[Texture]bool, len(shared))
	c.mu.Lock()
	var free []Texture
	for _, key := range shared {
		st, ok := c.shared[key]
		if !ok {
			continue
		}
		sharedSet[st.tex] = true
		st.refs--
		if st.refs == 0 {
			delete(c.shared, key)
			free = append(free, st.tex)
		}
	}
	c.mu.Unlock()

	for _, p := range parts {
		for _, b := range []Buffer{p.Vertices, p.Indices, p.Instances} {
			if b != nil {
				c.dev.DestroyBuffer(b)
			}
		}
		if p.Texture != nil && !sharedSet[p.Texture] {
			c.dev.DestroyTexture(p.Texture)
		}
	}
	for _, t := range free {
		c.dev.DestroyTexture(t)
	}
}

// Stats returns a snapshot of cache usage.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Slots:          len(c.slots),
		UsedBytes:      c.used,
		BudgetBytes:    c.budget,
		Uploads:        c.uploads,
		Evictions:      c.evictions,
		SharedTextures: len(c.shared),
	}
	for _, s := range c.slots {
		if s.load() == uploaded {
			st.Uploaded++
		}
	}
	return st
}

// SetBudget changes the memory budget. The next Flush evicts down to it.
func (c *Cache) SetBudget(bytes int64) {
	if bytes <= 0 {
		bytes = DefaultBudgetBytes
	}
	c.mu.Lock()
	c.budget = bytes
	c.mu.Unlock()
}

// Close frees every uploaded resource. It must be called on the render
// thread; outstanding handles report ErrClosed from then on.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var all []*slot
	for _, s := range c.slots {
		if s.load() == uploaded {
			all = append(all, s)
		}
		s.err = ErrClosed
		s.state.Store(int32(failed))
	}
	c.slots = make(map[bundle.SourceKey]*slot)
	c.lru.Init()
	c.pending = nil
	c.used = 0
	qv, qi := c.quadV, c.quadI
	c.quadV, c.quadI = nil, nil
	c.mu.Unlock()

	for _, s := range all {
		c.destroy(s)
	}
	if qv != nil {
		c.dev.DestroyBuffer(qv)
	}
	if qi != nil {
		c.dev.DestroyBuffer(qi)
	}
}
