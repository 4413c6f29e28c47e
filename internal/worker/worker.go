// Package worker provides the bounded pool that blocking transfer and
// delete primitives are dispatched to, so a policy run's control loop
// never executes provider IO on its own goroutine budget. An optional
// rate limiter throttles dispatch across all runs sharing the pool.
package worker

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("worker pool is closed")

type task struct {
	ctx  context.Context
	fn   func() error
	done chan error
}

// Pool runs submitted functions on a fixed set of workers.
type Pool struct {
	tasks   chan task
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New starts size workers. perSecond > 0 enables dispatch rate limiting.
func New(size int, perSecond float64) *Pool {
	if size <= 0 {
		size = 4
	}
	p := &Pool{tasks: make(chan task)}
	if perSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		if t.ctx.Err() != nil {
			t.done <- t.ctx.Err()
			continue
		}
		t.done <- t.fn()
	}
}

// Do runs fn on a pool worker and waits for its result. It returns the
// context's error if ctx is done before a worker picks the task up; once
// running, fn is not forcibly aborted.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-t.done
}

// Close stops the workers after in-flight tasks finish. Do must not be
// called concurrently with or after Close.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.tasks)
	p.wg.Wait()
}
