// Package bridge is the sync/async boundary the original implementation
// crossed with a dedicated I/O event-loop thread plus a
// BlockingPortalProvider handing work to a worker-thread-pool. Go has
// no such boundary to cross — goroutines already share one runtime —
// so this collapses to a single bounded worker pool built on
// golang.org/x/sync. What must survive the collapse is the contract,
// not the mechanism: a caller's Submit blocks until a worker is free
// (the suspension point), submissions from one goroutine run in the
// order they were submitted (FIFO), and a canceled context stops
// queued work from starting without corrupting work already in
// flight.
package bridge

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds how many blocking jobs run concurrently. Scheduler owns
// one and submits each tick's ExecuteChecks dispatch through it, from
// a goroutine started for that tick, so a slow batch never blocks the
// gocron goroutine the poll tick runs on. The pool bounds how many
// dispatches run at once; tick goroutines waiting for a slot are not
// bounded by it.
type Pool struct {
	sem *semaphore.Weighted
}

// New builds a Pool that runs at most concurrency jobs at once.
func New(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(concurrency))}
}

// Submit blocks until a worker slot is free, then runs fn. It returns
// fn's error, or ctx.Err() if ctx is canceled before a slot frees up.
// Two calls to Submit from the same goroutine run their fn in the
// order Submit was called, since the second Submit cannot itself begin
// waiting for a slot until the first has returned.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// SubmitAll runs every fn with bounded concurrency and waits for all of
// them, mirroring the original's task-group semantics: the first error
// cancels the group's context so remaining unstarted jobs never begin,
// but jobs already running are left to finish.
func (p *Pool) SubmitAll(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			return p.Submit(gctx, fn)
		})
	}
	return g.Wait()
}
