// Package worker provides the bounded goroutine pool that runs fetch, decode
// and tessellation jobs off the render thread.
package worker

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a fixed set of goroutines with per-worker queues.
//
// Workers pull from their own queue first and steal from the others when it
// is empty. Submit never blocks the caller: when every queue is full the job
// is parked on a shared backlog that idle workers drain.
//
// Thread safety: Pool is safe for concurrent use.
type Pool struct {
	workers int

	queues []chan func()

	backlogMu sync.Mutex
	backlog   []func()

	// wake is signalled when the backlog gains work.
	wake chan struct{}

	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	// inflight counts queued plus executing jobs.
	inflight atomic.Int64
	idle     sync.Cond
	idleMu   sync.Mutex
}

// New creates a pool with n workers. If n <= 0, GOMAXPROCS is used.
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}

	queueSize := n * 4
	if queueSize < 8 {
		queueSize = 8
	}

	p := &Pool{
		workers: n,
		queues:  make([]chan func(), n),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	p.idle.L = &p.idleMu
	for i := range n {
		p.queues[i] = make(chan func(), queueSize)
	}

	p.running.Store(true)
	p.wg.Add(n)
	for i := range n {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	mine := p.queues[id]
	for {
		select {
		case <-p.done:
			p.drain(mine)
			return
		case job := <-mine:
			p.run(job)
			continue
		default:
		}

		if job := p.steal(id); job != nil {
			p.run(job)
			continue
		}

		select {
		case <-p.done:
			p.drain(mine)
			return
		case job := <-mine:
			p.run(job)
		case <-p.wake:
			if job := p.popBacklog(); job != nil {
				p.run(job)
			}
		}
	}
}

func (p *Pool) run(job func()) {
	if job == nil {
		return
	}
	defer p.finish()
	job()
}

func (p *Pool) finish() {
	if p.inflight.Add(-1) == 0 {
		p.idleMu.Lock()
		p.idle.Broadcast()
		p.idleMu.Unlock()
	}
}

func (p *Pool) drain(q chan func()) {
	for {
		select {
		case job := <-q:
			p.run(job)
		default:
			if job := p.popBacklog(); job != nil {
				p.run(job)
				continue
			}
			return
		}
	}
}

// steal takes work from another worker's queue or from the backlog.
func (p *Pool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case job := <-p.queues[i]:
			return job
		default:
		}
	}
	return p.popBacklog()
}

func (p *Pool) popBacklog() func() {
	p.backlogMu.Lock()
	defer p.backlogMu.Unlock()
	if len(p.backlog) == 0 {
		return nil
	}
	job := p.backlog[0]
	p.backlog[0] = nil
	p.backlog = p.backlog[1:]
	if len(p.backlog) > 0 {
		p.signal()
	}
	return job
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Submit queues fn on the worker with the shortest queue.
// It reports false if the pool is closed.
func (p *Pool) Submit(fn func()) bool {
	if fn == nil || !p.running.Load() {
		return false
	}
	p.inflight.Add(1)

	minIdx, minLen := 0, len(p.queues[0])
	for i := 1; i < p.workers; i++ {
		if l := len(p.queues[i]); l < minLen {
			minIdx, minLen = i, l
		}
	}

	select {
	case p.queues[minIdx] <- fn:
		return true
	default:
	}

	p.backlogMu.Lock()
	p.backlog = append(p.backlog, fn)
	p.backlogMu.Unlock()
	p.signal()
	return true
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.idleMu.Lock()
	for p.inflight.Load() > 0 {
		p.idle.Wait()
	}
	p.idleMu.Unlock()
}

// Close stops accepting work, runs what is already queued and stops the
// workers. Close is safe to call multiple times.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.workers
}

// Pending returns an approximate count of queued and running jobs.
func (p *Pool) Pending() int {
	return int(p.inflight.Load())
}
