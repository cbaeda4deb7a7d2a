package tilecache

import (
	"container/list"
	"context"
	"time"

	"github.com/gogpu/tilemap/tile"
)

// Entry is one tile tracked by a Cache. The cache owns it; callers read it
// and pin it with Acquire while they depend on its value.
type Entry[T any] struct {
	key tile.Key
	c   *Cache[T]

	// Guarded by c.mu.
	state     State
	value     T
	err       error
	size      int64
	refs      int
	refetches int
	failedAt  time.Time
	elem      *list.Element

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Key returns the entry key.
func (e *Entry[T]) Key() tile.Key { return e.key }

// State returns the current state.
func (e *Entry[T]) State() State {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.state
}

// Done is closed once the entry reaches a terminal state.
func (e *Entry[T]) Done() <-chan struct{} { return e.done }

// Value returns the decoded value if the entry is Ready.
func (e *Entry[T]) Value() (T, bool) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if e.state != Ready {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Err returns the failure of a FetchFailed or DecodeFailed entry.
func (e *Entry[T]) Err() error {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.err
}

// Wait blocks until the entry is terminal or ctx is done.
func (e *Entry[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-e.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	switch e.state {
	case Ready:
		return e.value, nil
	case Evicted:
		if e.err != nil {
			return zero, e.err
		}
		return zero, ErrEvicted
	default:
		return zero, e.err
	}
}

// Acquire pins the entry so it cannot be evicted.
func (e *Entry[T]) Acquire() {
	e.c.mu.Lock()
	e.refs++
	if e.elem != nil {
		e.c.lru.MoveToFront(e.elem)
	}
	e.c.mu.Unlock()
}

// Release undoes one Acquire.
func (e *Entry[T]) Release() {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if e.refs == 0 {
		return
	}
	e.refs--
	if e.refs == 0 {
		e.c.evictLocked()
	}
}

// Refs returns the number of outstanding Acquire calls.
func (e *Entry[T]) Refs() int {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.refs
}
