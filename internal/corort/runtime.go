// Package corort is a minimal reference scheduler that exercises the
// pollset package's external contract (spec.md §6: wait_for/trigger are
// "provided externally"). It is deliberately not a full coroutine runtime:
// no stack switching, no choose/clause-cancellation-race semantics beyond a
// single cancel, matching spec.md §1's Non-goals. Its only job is to give
// the rest of the domain stack (ants, reuseport, bytebufferpool, goframe) a
// concrete caller through cmd/pollsetdemo. The pollset package's own tests
// do not use it; they drive a Pollset directly.
//
// pollset.Pollset belongs to exactly one worker and is not safe to touch
// from more than one goroutine at a time (spec.md §5). Pooled coroutines
// (the goroutines backing Worker) run concurrently with each other and with
// Run, so every call that reaches into the Pollset - WaitIn, WaitOut, and a
// pending clause's cancel - is funneled through a command channel that only
// Run's own goroutine ever drains.
package corort

import (
	"context"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"

	"github.com/panlibin/pollset"
)

// Runtime pairs a single worker's Pollset with a bounded pool of goroutines
// that stand in for coroutines. Exactly one goroutine may call Run for a
// given Runtime, matching the Pollset's single-worker-owner rule; every
// other access to the Pollset is routed through cmds so Run's goroutine
// remains the only one that ever touches it.
type Runtime struct {
	pool *ants.Pool
	ps   *pollset.Pollset
	cmds chan func()
}

// New creates a Runtime backed by ps and a goroutine pool capped at
// poolSize concurrent tasks.
func New(ps *pollset.Pollset, poolSize int) (*Runtime, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, errors.Wrap(err, "corort: new goroutine pool")
	}
	return &Runtime{pool: pool, ps: ps, cmds: make(chan func(), poolSize)}, nil
}

// Close releases the goroutine pool. It does not touch the Pollset; callers
// own that lifecycle separately via pollset.Pollset.Term.
func (rt *Runtime) Close() {
	rt.pool.Release()
}

// Go submits fn to run as a pooled coroutine. fn receives a Worker it uses
// to block on descriptor readiness.
func (rt *Runtime) Go(fn func(Worker)) error {
	return rt.pool.Submit(func() { fn(Worker{rt: rt}) })
}

// Worker is the handle a pooled coroutine uses to suspend on a descriptor.
type Worker struct {
	rt *Runtime
}

// WaitReadable blocks the calling coroutine until fd becomes readable, or
// until ctx is done.
func (w Worker) WaitReadable(ctx context.Context, fd int) error {
	return w.wait(ctx, fd, pollset.In)
}

// WaitWritable blocks the calling coroutine until fd becomes writable, or
// until ctx is done.
func (w Worker) WaitWritable(ctx context.Context, fd int) error {
	return w.wait(ctx, fd, pollset.Out)
}

// wait never calls into w.rt.ps directly: it queues the registration (and,
// on cancellation, the unregistration) as a command that Run's goroutine
// executes on its next pass through drainCmds, since WaitIn/WaitOut/cancel
// all mutate Pollset state that only one goroutine may touch at a time.
func (w Worker) wait(ctx context.Context, fd int, dir pollset.Direction) error {
	done := make(chan int, 1)
	clause := &pollset.Clause{Resume: func(rc int) { done <- rc }}

	type regResult struct {
		cancel func()
		err    error
	}
	resCh := make(chan regResult, 1)
	w.rt.cmds <- func() {
		var cancel func()
		var err error
		if dir == pollset.In {
			cancel, err = w.rt.ps.WaitIn(clause, fd)
		} else {
			cancel, err = w.rt.ps.WaitOut(clause, fd)
		}
		resCh <- regResult{cancel, err}
	}
	res := <-resCh
	if res.err != nil {
		return res.err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancelled := make(chan struct{})
		w.rt.cmds <- func() { res.cancel(); close(cancelled) }
		<-cancelled
		return ctx.Err()
	}
}

// Run drives the Pollset's wait loop until ctx is cancelled or Poll returns
// an error other than ErrInterrupted. It must be called from exactly one
// goroutine; it is the only goroutine allowed to touch the Pollset directly
// - every other goroutine reaches it indirectly through cmds.
func (rt *Runtime) Run(ctx context.Context) error {
	const tickMs = 100 // bounds how promptly ctx.Done() and queued commands are noticed
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rt.drainCmds()
		if _, err := rt.ps.Poll(tickMs); err != nil {
			if errors.Is(err, pollset.ErrInterrupted) {
				continue
			}
			return err
		}
	}
}

// drainCmds runs every WaitIn/WaitOut/cancel request queued by pooled
// coroutines since the last Poll cycle, on Run's own goroutine.
func (rt *Runtime) drainCmds() {
	for {
		select {
		case cmd := <-rt.cmds:
			cmd()
		default:
			return
		}
	}
}
