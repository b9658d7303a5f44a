package playbook

import (
	"context"
	"sync"
)

// Pool is a bounded goroutine pool for per-run processing within one tick.
// A panicking task is recovered and reported through onPanic; it never takes
// down its siblings.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	onPanic func(task string, recovered any)
}

// NewPool creates a pool with the given max concurrency. onPanic, if set, is
// called with the task name of every recovered panic.
func NewPool(size int, onPanic func(task string, recovered any)) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:     make(chan struct{}, size),
		onPanic: onPanic,
	}
}

// Submit starts a named task. It blocks while the pool is at capacity and
// returns ctx.Err() if ctx ends first; fn receives ctx.
func (p *Pool) Submit(ctx context.Context, task string, fn func(ctx context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil && p.onPanic != nil {
				p.onPanic(task, r)
			}
			<-p.sem
			p.wg.Done()
		}()
		_ = fn(ctx)
	}()
	return nil
}

// Wait blocks until all submitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}
