// Package pool implements the fixed-size worker pool every other core
// component submits background work to: agent async execution and
// coordinator/K-V store audit writes.
package pool

import (
	"log"
	"sync"

	"github.com/CLIAIMONITOR/internal/concurrency"
)

// Job is a unit of work submitted to the pool. arg is opaque to the pool.
type Job func(arg interface{})

// Callback runs after a Job returns, receiving nil as its first argument
// per spec (jobs never return values directly).
type Callback func(result interface{}, arg interface{})

type job struct {
	fn   Job
	arg  interface{}
	cb   Callback
	user interface{}
}

// Pool is a fixed-size pool of worker goroutines draining a FIFO queue.
type Pool struct {
	queue    []*job
	notEmpty *concurrency.Cond
	done     *concurrency.Cond
	active   concurrency.Counter
	shutdown concurrency.Flag
	n        int
	wg       sync.WaitGroup
}

// Create builds a pool of n workers. n == 0 uses the detected CPU count
// (at least 2, per concurrency.CPUCount).
func Create(n int) *Pool {
	if n == 0 {
		n = concurrency.CPUCount()
	}
	p := &Pool{
		n:        n,
		notEmpty: concurrency.NewCond(),
		done:     concurrency.NewCond(),
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// ThreadCount returns the number of worker goroutines in the pool.
func (p *Pool) ThreadCount() int { return p.n }

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.notEmpty.L.Lock()
		for len(p.queue) == 0 && !p.shutdown.IsSet() {
			p.notEmpty.Wait()
		}
		if p.shutdown.IsSet() {
			// Shutdown drops whatever is still queued and unclaimed.
			p.notEmpty.L.Unlock()
			return
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.notEmpty.L.Unlock()

		p.active.Inc()
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[POOL] Warning: job panicked: %v", r)
				}
			}()
			j.fn(j.arg)
		}()
		if j.cb != nil {
			j.cb(nil, j.user)
		}
		p.active.Dec()

		p.signalIfDrained()
	}
}

func (p *Pool) signalIfDrained() {
	p.notEmpty.L.Lock()
	drained := len(p.queue) == 0 && p.active.Load() == 0
	p.notEmpty.L.Unlock()
	if drained {
		p.done.L.Lock()
		p.done.Broadcast()
		p.done.L.Unlock()
	}
}

// Submit appends a task to the pool's FIFO without a completion callback.
func (p *Pool) Submit(fn Job, arg interface{}) {
	p.SubmitWithCallback(fn, arg, nil, nil)
}

// SubmitWithCallback appends a task plus a completion callback invoked
// with nil as its first argument after the task returns.
func (p *Pool) SubmitWithCallback(fn Job, arg interface{}, cb Callback, user interface{}) {
	p.notEmpty.L.Lock()
	if p.shutdown.IsSet() {
		p.notEmpty.L.Unlock()
		log.Printf("[POOL] Warning: submit after shutdown dropped")
		return
	}
	p.queue = append(p.queue, &job{fn: fn, arg: arg, cb: cb, user: user})
	p.notEmpty.Broadcast()
	p.notEmpty.L.Unlock()
}

// PendingCount returns the number of queued-but-not-started jobs.
func (p *Pool) PendingCount() int {
	p.notEmpty.L.Lock()
	defer p.notEmpty.L.Unlock()
	return len(p.queue)
}

// WaitAll blocks until the queue is empty and no worker is active.
func (p *Pool) WaitAll() {
	for {
		p.notEmpty.L.Lock()
		empty := len(p.queue) == 0 && p.active.Load() == 0
		p.notEmpty.L.Unlock()
		if empty {
			return
		}
		p.done.L.Lock()
		// Re-check under done's lock to avoid a missed broadcast between
		// the check above and Wait below.
		p.notEmpty.L.Lock()
		stillBusy := len(p.queue) != 0 || p.active.Load() != 0
		p.notEmpty.L.Unlock()
		if stillBusy {
			p.done.Wait()
		}
		p.done.L.Unlock()
	}
}

// SubmitAudit queues a best-effort job with no completion callback and
// no argument — the shape the coordinator and K/V store use to offload
// audit writes onto the pool instead of hand-rolling their own
// goroutines. Submission after shutdown is
// dropped like any other Submit call.
func (p *Pool) SubmitAudit(fn func()) {
	p.Submit(func(interface{}) { fn() }, nil)
}

// Free signals shutdown, wakes every blocked worker, and joins them. Any
// submissions still queued at the time of the call are dropped; callers
// are responsible for draining beforehand if that matters.
func (p *Pool) Free() {
	p.notEmpty.L.Lock()
	p.shutdown.Set(true)
	p.notEmpty.Broadcast()
	p.notEmpty.L.Unlock()
	p.wg.Wait()
}
