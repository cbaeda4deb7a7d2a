// Package tilecache is the in-memory tier of the tile pipeline. It tracks
// every requested tile through its load lifecycle, deduplicates work per
// key, consults a persistent store before the network and evicts under a
// byte budget without ever dropping an entry that is in use.
package tilecache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/tilemap/internal/logging"
	"github.com/gogpu/tilemap/loader"
	"github.com/gogpu/tilemap/metrics"
	"github.com/gogpu/tilemap/store"
	"github.com/gogpu/tilemap/tile"
)

// Defaults for Options.
const (
	DefaultCapacityBytes = 100_000_000
	DefaultEmptyCellSize = 1024
	DefaultRetryAfter    = 5 * time.Second
	DefaultMaxRefetch    = 3
)

var (
	// ErrEvicted is returned by Wait for entries dropped before completion.
	ErrEvicted = errors.New("tilecache: entry evicted")

	// ErrClosed is returned by Wait once the cache is closed.
	ErrClosed = errors.New("tilecache: cache closed")
)

// Requester fetches raw tile bytes. *loader.Loader implements it.
type Requester interface {
	Request(ctx context.Context, key tile.Key) ([]byte, error)
}

// Executor runs jobs off the caller's goroutine. *worker.Pool implements it.
type Executor interface {
	Submit(func()) bool
}

// Decoder turns raw bytes into a cached value and reports its size.
type Decoder[T any] func(key tile.Key, data []byte) (T, int64, error)

// Observer sees every state transition in order. It runs with the cache
// lock held and must not call back into the cache.
type Observer func(key tile.Key, from, to State)

// Options configures a Cache.
type Options struct {
	CapacityBytes int64
	EmptyCellSize int64
	RetryAfter    time.Duration
	MaxRefetch    int
	Store         store.Store
	Metrics       *metrics.Metrics
	Observer      Observer

	// Now is the clock used for refetch timing.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.CapacityBytes <= 0 {
		o.CapacityBytes = DefaultCapacityBytes
	}
	if o.EmptyCellSize <= 0 {
		o.EmptyCellSize = DefaultEmptyCellSize
	}
	if o.RetryAfter <= 0 {
		o.RetryAfter = DefaultRetryAfter
	}
	if o.MaxRefetch < 0 {
		o.MaxRefetch = 0
	}
	if o.Store == nil {
		o.Store = store.Noop{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int
	Pinned    int
	UsedBytes int64
	Capacity  int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	StoreHits uint64
}

// Cache is a byte-budgeted LRU of tile entries.
//
// Cache is safe for concurrent use.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[tile.Key]*Entry[T]
	lru     *list.List
	used    int64
	closed  bool

	req    Requester
	decode Decoder[T]
	exec   Executor
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	storeHits atomic.Uint64
}

// New creates a cache that loads through req, decodes with decode and runs
// jobs on exec.
func New[T any](req Requester, decode Decoder[T], exec Executor, opts Options) *Cache[T] {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache[T]{
		entries: make(map[tile.Key]*Entry[T]),
		lru:     list.New(),
		req:     req,
		decode:  decode,
		exec:    exec,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// GetOrLoad returns the entry for key, starting a load if there is none.
// It never blocks on I/O. A retryable FetchFailed entry older than
// RetryAfter is replaced by a fresh load while refetches remain.
func (c *Cache[T]) GetOrLoad(key tile.Key) *Entry[T] {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !c.shouldRefetch(e) {
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		c.hits.Add(1)
		c.opts.Metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()
		return e
	}

	refetches := 0
	if old, ok := c.entries[key]; ok {
		refetches = old.refetches + 1
		c.removeLocked(old)
		logging.L().Debug("tilecache: refetching", "key", key.String(), "attempt", refetches)
	}
	if c.closed {
		e := c.newEntryLocked(key, refetches)
		c.setStateLocked(e, Evicted)
		c.removeLocked(e)
		c.mu.Unlock()
		return e
	}
	e := c.newEntryLocked(key, refetches)
	c.evictLocked()
	c.mu.Unlock()

	c.misses.Add(1)
	c.opts.Metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()
	c.submit(e, nil)
	return e
}

// Get returns the entry for key without loading.
func (c *Cache[T]) Get(key tile.Key) (*Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		c.lru.MoveToFront(e.elem)
	}
	return e, ok
}

func (c *Cache[T]) shouldRefetch(e *Entry[T]) bool {
	if e.state != FetchFailed || e.refetches >= c.opts.MaxRefetch {
		return false
	}
	if loader.KindOf(e.err) == loader.KindNotFound {
		return false
	}
	return c.opts.Now().Sub(e.failedAt) >= c.opts.RetryAfter
}

func (c *Cache[T]) newEntryLocked(key tile.Key, refetches int) *Entry[T] {
	ctx, cancel := context.WithCancel(c.ctx)
	e := &Entry[T]{
		key:       key,
		c:         c,
		size:      c.opts.EmptyCellSize,
		refetches: refetches,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.used += e.size
	c.setStateLocked(e, Requested)
	c.opts.Metrics.CacheBytes.Set(float64(c.used))
	return e
}

// submit queues the load job. Preloaded data skips the store and loader.
func (c *Cache[T]) submit(e *Entry[T], data []byte) {
	job := func() { c.load(e, data) }
	if !c.exec.Submit(job) {
		c.mu.Lock()
		c.failLocked(e, FetchFailed, ErrClosed)
		c.mu.Unlock()
	}
}

func (c *Cache[T]) load(e *Entry[T], data []byte) {
	if !c.transition(e, Fetching) {
		return
	}

	if data == nil {
		var err error
		data, err = c.fetch(e)
		if err != nil {
			c.mu.Lock()
			c.failLocked(e, FetchFailed, err)
			c.mu.Unlock()
			return
		}
	} else {
		c.persist(e.ctx, e.key, data)
	}

	if !c.transition(e, Decoding) {
		return
	}
	v, size, err := c.decode(e.key, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		logging.L().Warn("tilecache: decode failed", "key", e.key.String(), "error", err)
		c.failLocked(e, DecodeFailed, err)
		return
	}
	if e.state != Decoding {
		return
	}
	e.value = v
	c.resizeLocked(e, max(size, 1))
	c.setStateLocked(e, Ready)
	c.evictLocked()
}

// fetch consults the persistent tier before the requester.
func (c *Cache[T]) fetch(e *Entry[T]) ([]byte, error) {
	data, ok, err := c.opts.Store.Get(e.ctx, e.key)
	switch {
	case err != nil:
		c.opts.Metrics.StoreErrors.WithLabelValues("get").Inc()
		logging.L().Warn("tilecache: persistent get failed", "key", e.key.String(), "error", err)
	case ok:
		c.storeHits.Add(1)
		c.opts.Metrics.CacheLookups.WithLabelValues("store", "hit").Inc()
		return data, nil
	default:
		c.opts.Metrics.CacheLookups.WithLabelValues("store", "miss").Inc()
	}

	data, err = c.req.Request(e.ctx, e.key)
	if err != nil {
		return nil, err
	}
	c.persist(e.ctx, e.key, data)
	return data, nil
}

func (c *Cache[T]) persist(ctx context.Context, key tile.Key, data []byte) {
	if err := c.opts.Store.Put(ctx, key, data); err != nil {
		c.opts.Metrics.StoreErrors.WithLabelValues("put").Inc()
		logging.L().Warn("tilecache: persistent put failed", "key", key.String(), "error", err)
	}
}

func (c *Cache[T]) transition(e *Entry[T], to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(e.state, to) {
		return false
	}
	c.setStateLocked(e, to)
	return true
}

func (c *Cache[T]) failLocked(e *Entry[T], to State, err error) {
	if !canTransition(e.state, to) {
		return
	}
	e.err = err
	e.failedAt = c.opts.Now()
	c.resizeLocked(e, c.opts.EmptyCellSize)
	c.setStateLocked(e, to)
	c.evictLocked()
}

func (c *Cache[T]) setStateLocked(e *Entry[T], to State) {
	from := e.state
	e.state = to
	if to.Terminal() && !from.Terminal() {
		close(e.done)
	}
	if to == Evicted {
		e.cancel()
	}
	c.opts.Metrics.Transitions.WithLabelValues(to.String()).Inc()
	if c.opts.Observer != nil {
		c.opts.Observer(e.key, from, to)
	}
}

func (c *Cache[T]) resizeLocked(e *Entry[T], size int64) {
	if e.elem == nil {
		return
	}
	c.used += size - e.size
	e.size = size
	c.opts.Metrics.CacheBytes.Set(float64(c.used))
}

// removeLocked drops e from the index and the budget.
func (c *Cache[T]) removeLocked(e *Entry[T]) {
	if e.elem == nil {
		return
	}
	c.lru.Remove(e.elem)
	e.elem = nil
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.used -= e.size
	c.opts.Metrics.CacheBytes.Set(float64(c.used))
}

// evictLocked drops least recently used entries until the budget holds.
// Only unreferenced entries in a terminal state are candidates.
func (c *Cache[T]) evictLocked() {
	el := c.lru.Back()
	for c.used > c.opts.CapacityBytes && el != nil {
		prev := el.Prev()
		e := el.Value.(*Entry[T])
		if e.refs == 0 && e.state.Terminal() {
			c.removeLocked(e)
			c.setStateLocked(e, Evicted)
			c.evictions.Add(1)
			c.opts.Metrics.CacheEvictions.Inc()
		}
		el = prev
	}
}

// Cancel drops a pending, unreferenced entry and cancels its load. It
// reports whether anything was cancelled.
func (c *Cache[T]) Cancel(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.state.Pending() || e.refs > 0 {
		return false
	}
	c.removeLocked(e)
	c.setStateLocked(e, Evicted)
	logging.L().Debug("tilecache: cancelled load", "key", key.String())
	return true
}

// Retain cancels every pending entry whose key is not in keep and returns
// how many were cancelled.
func (c *Cache[T]) Retain(keep map[tile.Key]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if _, ok := keep[key]; ok || !e.state.Pending() || e.refs > 0 {
			continue
		}
		c.removeLocked(e)
		c.setStateLocked(e, Evicted)
		n++
	}
	return n
}

// Adopt loads data for key without fetching, unless the key is already
// present. It is the landing point for fetches whose waiters all left.
func (c *Cache[T]) Adopt(key tile.Key, data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if old, ok := c.entries[key]; ok {
		if old.state != FetchFailed {
			c.mu.Unlock()
			return
		}
		c.removeLocked(old)
	}
	e := c.newEntryLocked(key, 0)
	c.mu.Unlock()

	logging.L().Debug("tilecache: adopting orphaned tile", "key", key.String())
	c.submit(e, data)
}

// Len returns the number of entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Entries:   len(c.entries),
		UsedBytes: c.used,
		Capacity:  c.opts.CapacityBytes,
	}
	for _, e := range c.entries {
		if e.refs > 0 {
			s.Pinned++
		}
	}
	c.mu.Unlock()

	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	s.StoreHits = c.storeHits.Load()
	return s
}

// Close cancels every pending load. Entries already loaded stay readable.
func (c *Cache[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, e := range c.entries {
		if e.state.Pending() {
			c.removeLocked(e)
			c.setStateLocked(e, Evicted)
		}
	}
	c.cancel()
}
