package tool

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// RetryPolicy bounds the attempts made for one tool invocation.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// Permanent marks err as not worth another attempt.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls op until it succeeds, returns a Permanent error, or the policy
// runs out of attempts. The last error is returned unwrapped.
func Retry(ctx context.Context, p RetryPolicy, logger *slog.Logger, what string, op func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		logger.Warn("retrying", "what", what, "attempt", attempt, "wait", wait, "err", err)
	})
}

// All calls fn for every index in [0, n) concurrently. It waits for every
// call to return before reporting, and a failure never cancels siblings.
// The result is nil or a *multierror.Error holding each failure.
func All(n int, fn func(i int) error) error {
	var g multierror.Group
	for i := 0; i < n; i++ {
		g.Go(func() error { return fn(i) })
	}
	return g.Wait().ErrorOrNil()
}

// Limited is All with at most limit calls in flight. A limit below one means
// no limit.
func Limited(ctx context.Context, limit, n int, fn func(i int) error) error {
	if limit < 1 {
		return All(n, fn)
	}
	sem := semaphore.NewWeighted(int64(limit))
	return All(n, func(i int) error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
		return fn(i)
	})
}
