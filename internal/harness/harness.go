// Package harness runs a function over a batch of work items on a fixed
// worker pool with a per-item timeout.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// ErrTimeout is the result error of an item that did not finish in time.
var ErrTimeout = errors.New("work item timed out")

// Func processes one item. It should return when ctx is done.
type Func[T, R any] func(ctx context.Context, item T) (R, error)

// Result is the outcome of one item. Results keep the order of the input.
type Result[R any] struct {
	Index   int
	Value   R
	Err     error
	Elapsed time.Duration
}

type Options struct {
	Threads int
	Timeout time.Duration
	// Progress, when set, is called after every finished item.
	Progress func(done, total int)
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Threads <= 0 {
		o.Threads = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Run processes every item and returns one result per item.
//
// A timed-out item is given up on: its context is cancelled and the worker
// moves to the next item, but a Func that ignores its context keeps running
// in the background until it returns on its own.
func Run[T, R any](ctx context.Context, items []T, fn Func[T, R], opts Options) ([]Result[R], error) {
	opts = opts.withDefaults()
	pool, err := ants.NewPool(opts.Threads, ants.WithPanicHandler(func(v any) {
		opts.Logger.Error("harness worker panic", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	opts.Logger.Info("running batch",
		zap.Int("items", len(items)),
		zap.Int("threads", opts.Threads),
		zap.Duration("timeout", opts.Timeout),
	)

	results := make([]Result[R], len(items))
	var (
		wg   sync.WaitGroup
		done atomic.Int64
	)
	for i, item := range items {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = runOne(ctx, i, item, fn, opts.Timeout)
			if results[i].Err != nil {
				opts.Logger.Debug("item failed", zap.Int("index", i), zap.Error(results[i].Err))
			}
			n := done.Add(1)
			if opts.Progress != nil {
				opts.Progress(int(n), len(items))
			}
		})
		if err != nil {
			wg.Done()
			results[i] = Result[R]{Index: i, Err: fmt.Errorf("submit: %w", err)}
		}
	}
	wg.Wait()
	return results, ctx.Err()
}

type outcome[R any] struct {
	v   R
	err error
}

func runOne[T, R any](ctx context.Context, idx int, item T, fn Func[T, R], timeout time.Duration) Result[R] {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome[R], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome[R]{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := fn(ctx, item)
		ch <- outcome[R]{v: v, err: err}
	}()

	res := Result[R]{Index: idx}
	select {
	case o := <-ch:
		res.Value, res.Err = o.v, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = ErrTimeout
		} else {
			res.Err = ctx.Err()
		}
	}
	res.Elapsed = time.Since(start)
	return res
}
