package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many jobs of one kind run at once across every session.
// Sessions share a CPU pool for decoding and classification and an action
// pool for collaborator calls, so slow providers never starve decoding.
//
// Pool is safe for concurrent use.
type Pool struct {
	name string
	size int64
	sem  *semaphore.Weighted

	mu      sync.Mutex
	waiting int
	running int
}

// NewPool returns a pool admitting at most size concurrent jobs. size < 1 is
// treated as 1.
func NewPool(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{name: name, size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Do waits for a free slot and runs fn in the calling goroutine. It returns
// without running fn if ctx ends first.
func (p *Pool) Do(ctx context.Context, fn func(context.Context)) error {
	p.mu.Lock()
	p.waiting++
	p.mu.Unlock()

	err := p.sem.Acquire(ctx, 1)

	p.mu.Lock()
	p.waiting--
	if err == nil {
		p.running++
	}
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("session: %s pool: %w", p.name, err)
	}

	defer func() {
		p.sem.Release(1)
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()
	fn(ctx)
	return nil
}

// Size returns the configured concurrency.
func (p *Pool) Size() int { return int(p.size) }

// Stats returns the number of jobs running and waiting for a slot.
func (p *Pool) Stats() (running, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.waiting
}
