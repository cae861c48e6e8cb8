// Package worker implements the bounded pool blocking tool work (file I/O,
// script execution, patch application) runs on, keeping the reasoning
// loop's own goroutine free to service suspension points. Grounded on the
// teacher's internal/tool/batch.go, which fans independent tool calls out
// via golang.org/x/sync/errgroup; this pool generalizes that to a
// fixed-size, long-lived worker set shared across every session rather than
// one errgroup per batch call.
package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool bounds concurrent blocking work to at most Size goroutines at a
// time, process-wide, via a buffered semaphore.
type Pool struct {
	sem chan struct{}
}

// New constructs a Pool admitting at most size concurrent tasks.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Do runs fn on the pool, blocking the caller until a slot is free or ctx is
// done. The caller's goroutine is the one that actually runs fn — Do is a
// rendezvous, not a dispatch to a separate goroutine — so a cancelled ctx
// returns ctx.Err() without having started fn at all.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn(ctx)
}

// DoAll runs every fn in fns concurrently, each admitted through the pool's
// semaphore, and waits for all to finish or the first error — the same
// fail-fast aggregation shape as the teacher's errgroup.WithContext usage in
// batch.go.
func (p *Pool) DoAll(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			return p.Do(gctx, fn)
		})
	}
	return g.Wait()
}
