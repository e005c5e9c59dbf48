package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// ItemResult is the outcome of one pooled work item. Errors stay attached to
// the item that produced them; the pool itself never fails.
type ItemResult[R any] struct {
	Index    int
	Value    R
	Err      error
	TimedOut bool
	Elapsed  time.Duration
}

// Pool bounds concurrent fan-out work inside a stage. Items run under an
// optional per-item deadline; a slow item times out alone without holding up
// collection of its siblings.
type Pool struct {
	workers     int
	itemTimeout time.Duration
	onProgress  func(completed, total int)
	logger      logging.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithItemTimeout sets a deadline applied to each item individually.
func WithItemTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.itemTimeout = d
		}
	}
}

// WithProgress calls fn after each item finishes, with the number completed
// so far and the total. Calls are serialized.
func WithProgress(fn func(completed, total int)) PoolOption {
	return func(p *Pool) { p.onProgress = fn }
}

// WithPoolLogger attaches a logger for item lifecycle events.
func WithPoolLogger(l logging.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a pool with the given worker limit. A limit below one is
// treated as one.
func NewPool(workers int, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{workers: workers, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger)
	return p
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int { return p.workers }

// RunAll executes fn over every item with bounded concurrency and returns
// one result per item, index-addressed in input order. Item errors, timeouts,
// and panics are recorded on the item's result and never abort siblings.
// Cancelling ctx stops dispatch; items not yet started report the context
// error.
func RunAll[T, R any](ctx context.Context, p *Pool, items []T, fn func(ctx context.Context, index int, item T) (R, error)) []ItemResult[R] {
	results := make([]ItemResult[R], len(items))
	if len(items) == 0 {
		return results
	}

	total := len(items)
	completed := 0
	var progressMu sync.Mutex
	markDone := func() {
		progressMu.Lock()
		completed++
		done := completed
		if p.onProgress != nil {
			p.onProgress(done, total)
		}
		progressMu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(p.workers)

	for i := range items {
		i := i
		item := items[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = ItemResult[R]{Index: i, Err: err}
				markDone()
				return nil
			}
			results[i] = runItem(ctx, p, i, item, fn)
			markDone()
			return nil
		})
	}
	_ = g.Wait() // errors are captured per item

	return results
}

// runItem executes one item under its own deadline. When fn ignores the
// deadline the pool still returns a timed-out result on schedule; the
// abandoned goroutine exits once fn observes its context.
func runItem[T, R any](ctx context.Context, p *Pool, index int, item T, fn func(ctx context.Context, index int, item T) (R, error)) ItemResult[R] {
	itemCtx := ctx
	if p.itemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, p.itemTimeout)
		defer cancel()
	}

	start := time.Now()

	type outcome struct {
		value R
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error("pool_item_panicked",
					"index", index,
					"panic", fmt.Sprintf("%v", rec))
				p.logger.Debug("pool_item_panic_stack", "index", index, "stack", string(debug.Stack()))
				var zero R
				done <- outcome{value: zero, err: fmt.Errorf("pool item %d panicked: %v", index, rec)}
			}
		}()
		v, err := fn(itemCtx, index, item)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		res := ItemResult[R]{
			Index:   index,
			Value:   out.value,
			Err:     out.err,
			Elapsed: time.Since(start),
		}
		if out.err != nil && errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
		}
		return res
	case <-itemCtx.Done():
		res := ItemResult[R]{
			Index:   index,
			Err:     itemCtx.Err(),
			Elapsed: time.Since(start),
		}
		if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			p.logger.Warn("pool_item_timed_out",
				"index", index,
				"timeout", p.itemTimeout.String())
		}
		return res
	}
}
