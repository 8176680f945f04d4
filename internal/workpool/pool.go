package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("workpool: closed")

type job struct {
	fn   func() error
	done chan error
}

// Pool runs blocking or CPU-bound work on a fixed set of goroutines so
// request goroutines only wait on a channel.
type Pool struct {
	name string
	jobs chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts a pool with the given number of workers and queue depth.
func New(name string, workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}

	p := &Pool{
		name: name,
		jobs: make(chan job, queue),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Name returns the pool name used in logs and metrics.
func (p *Pool) Name() string {
	return p.name
}

// Do submits fn and waits for its result.
//
// The context only bounds the wait for a free queue slot. Once fn is
// queued, Do waits for it to finish, so a caller never races an in-flight
// job on shared state (an open file, an image buffer).
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}

	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	return <-j.done
}

// Close stops accepting work and waits for queued jobs to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for j := range p.jobs {
		j.done <- run(p.Name(), j.fn)
	}
}

func run(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workpool %s: job panicked: %v", name, r)
		}
	}()
	return fn()
}
