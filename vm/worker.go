package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolStopped is returned for work submitted after the VM was closed.
var ErrPoolStopped = errors.New("worker pool stopped")

// ---------------------------------------------------------------------------
// Worker pool: asynchronous script execution
// ---------------------------------------------------------------------------

// Pending is the result of asynchronously submitted work.
type Pending struct {
	done  chan struct{}
	value Value
	err   error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(v Value, err error) {
	p.value, p.err = v, err
	close(p.done)
}

// Wait blocks until the work completes and returns its result.
func (p *Pending) Wait() (Value, error) {
	<-p.done
	return p.value, p.err
}

// Done is closed when the work completes.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// job is a unit of work for the pool.
type job struct {
	fn      func() (Value, error)
	pending *Pending
}

// workerPool runs jobs on a fixed number of goroutines.
type workerPool struct {
	requests chan job
	quit     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	// mu is held shared while a job is being queued; stop takes it
	// exclusively before draining, so nothing is queued after the drain.
	mu      sync.RWMutex
	stopped bool
}

func newWorkerPool(workers int) *workerPool {
	if workers < 1 {
		workers = 1
	}
	w := &workerPool{
		requests: make(chan job, 64),
		quit:     make(chan struct{}),
	}
	w.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go w.loop()
	}
	return w
}

func (w *workerPool) loop() {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.requests:
			j.pending.resolve(w.execute(j.fn))
		case <-w.quit:
			return
		}
	}
}

// execute runs a job, recovering from panics.
func (w *workerPool) execute(fn func() (Value, error)) (v Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panicked: %v", r)
		}
	}()
	return fn()
}

// submit queues fn. It reports false, with the Pending already resolved,
// when the context ends or the pool stops before the job is queued.
func (w *workerPool) submit(ctx context.Context, fn func() (Value, error)) (*Pending, bool) {
	p := newPending()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		p.resolve(nil, ErrPoolStopped)
		return p, false
	}
	select {
	case w.requests <- job{fn: fn, pending: p}:
		return p, true
	case <-ctx.Done():
		p.resolve(nil, ctx.Err())
	case <-w.quit:
		p.resolve(nil, ErrPoolStopped)
	}
	return p, false
}

// stop shuts the workers down. Jobs still queued are resolved with
// ErrPoolStopped.
func (w *workerPool) stop() {
	w.once.Do(func() {
		close(w.quit)
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		w.wg.Wait()
		for {
			select {
			case j := <-w.requests:
				j.pending.resolve(nil, ErrPoolStopped)
			default:
				return
			}
		}
	})
}
