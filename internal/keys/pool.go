package keys

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"vecino.app/internal/obs"
)

// Pool bounds concurrent CPU-bound crypto work (decrypt, sign) so request
// handling goroutines never pile onto the CPU.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a pool admitting at most workers concurrent jobs.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Do runs fn once a slot is free or returns ctx.Err() if ctx ends first.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	obs.ObserveCryptoWait(time.Since(start))
	return fn()
}
