package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/commune/pkg/observability"
)

// SafeGo runs fn in a goroutine with a timeout and panic recovery. Errors are
// logged, never propagated.
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger = observability.OrDefault(logger)
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// Batch processes items concurrently on at most workers goroutines, giving each
// item its own timeout. It returns once every item is done. The result has one
// slot per item: nil on success, the error or recovered panic otherwise. Items
// never started because ctx ended get ctx.Err().
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {
	if workers < 1 {
		workers = 1
	}

	results := make([]error, len(items))
	workCh := make(chan int)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				func() {
					taskCtx, cancel := context.WithTimeout(ctx, timeout)
					defer cancel()
					defer func() {
						if r := recover(); r != nil {
							results[idx] = fmt.Errorf("%s: panic: %v", taskName, r)
						}
					}()
					results[idx] = fn(taskCtx, items[idx])
				}()
			}
		}()
	}

	next := 0
feed:
	for ; next < len(items); next++ {
		select {
		case workCh <- next:
		case <-ctx.Done():
			break feed
		}
	}
	close(workCh)
	wg.Wait()

	for ; next < len(items); next++ {
		results[next] = ctx.Err()
	}
	return results
}

// Failed returns the non-nil errors of a Batch result
func Failed(results []error) []error {
	var failed []error
	for _, err := range results {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return failed
}
