// Package taskpool implements the TM-side bounded task queue, its fixed
// worker goroutine pool, and the MPSC result queue workers feed back to the
// pull-results handler.
package taskpool

import (
	"runtime"
	"sync"

	"github.com/taskrun/spits/pkg/module"
)

// Task is one unit of work admitted into the pool.
type Task struct {
	TaskID int64
	RunID  int64
	Body   []byte
}

// Result is produced by a worker after running a Task and consumed by the
// pull-results handler.
type Result struct {
	TaskID       int64
	RunID        int64
	WorkerStatus int64
	Body         []byte
}

// Pool is the TM's bounded task queue plus its worker pool. Put is the only
// method called concurrently from more than one goroutine (the TM's
// push-handlers); Full/Empty are safe to call from any goroutine, being
// simple length checks against a channel.
type Pool struct {
	tasks   chan Task
	results chan Result
	cap     int
	workers int
	mod     module.Module

	mu    sync.Mutex
	front []Result // pushed-back results, drained ahead of the results channel
}

// New builds a Pool sized maxThreads+overfill, with maxThreads workers.
// maxThreads<=0 resolves to runtime.NumCPU().
func New(mod module.Module, maxThreads, overfill int) *Pool {
	if maxThreads <= 0 {
		maxThreads = runtime.NumCPU()
	}
	capacity := maxThreads + overfill
	return &Pool{
		tasks:   make(chan Task, capacity),
		results: make(chan Result, capacity),
		cap:     capacity,
		workers: maxThreads,
		mod:     mod,
	}
}

// Put enqueues a task without blocking. It returns false, without enqueuing
// anything, once the pool already holds Cap() items.
func (p *Pool) Put(t Task) bool {
	select {
	case p.tasks <- t:
		return true
	default:
		return false
	}
}

// Full reports whether the task queue is at capacity.
func (p *Pool) Full() bool {
	return len(p.tasks) >= p.cap
}

// Empty reports whether the task queue currently holds no tasks.
func (p *Pool) Empty() bool {
	return len(p.tasks) == 0
}

// Cap returns MaxThreads+Overfill, the admission bound.
func (p *Pool) Cap() int {
	return p.cap
}

// PopResult removes and returns one result without blocking, preferring
// anything pushed back by PushBackResult over the channel's natural order.
func (p *Pool) PopResult() (Result, bool) {
	p.mu.Lock()
	if len(p.front) > 0 {
		r := p.front[0]
		p.front = p.front[1:]
		p.mu.Unlock()
		return r, true
	}
	p.mu.Unlock()

	select {
	case r := <-p.results:
		return r, true
	default:
		return Result{}, false
	}
}

// PushBackResult restores a result to the front of the queue. Used by the
// pull-results handler when a drained result's ack turns out to be wrong:
// the item must not be lost.
func (p *Pool) PushBackResult(r Result) {
	p.mu.Lock()
	p.front = append([]Result{r}, p.front...)
	p.mu.Unlock()
}

// InFlight reports the number of queued tasks plus results not yet pulled,
// including any held by PushBackResult — consulted by the TM idle timer
// alongside Empty(). A task a worker has dequeued and is still running is
// not counted.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	n := len(p.front)
	p.mu.Unlock()
	return n + len(p.tasks) + len(p.results)
}
