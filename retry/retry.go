package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/errors"
	"github.com/infigaming-com/go-eventhubs/internal/backoff"
)

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Operation is re-invoked on every attempt. Callers own its idempotency.
type Operation[T any] func(ctx context.Context) (T, error)

// Do runs op until it succeeds, classify rejects the error, or the retry
// budget in opts is spent. The last error is returned as is. A nil classify
// never retries.
//
// Cancelling ctx stops the loop, including during a delay, and returns an
// error of kind errors.KindCancelled.
func Do[T any](ctx context.Context, op Operation[T], opts Options, classify Classifier, execOpts ...Option) (T, error) {
	var zero T
	o := opts.normalized()
	eo := defaultExecOptions()
	for _, opt := range execOpts {
		opt(&eo)
	}
	bo := backoff.New(backoff.Config{
		Base:   o.BaseDelay,
		Max:    o.MaxDelay,
		Jitter: o.JitterFactor,
		Rand:   eo.rand,
	})

	for {
		if err := ctx.Err(); err != nil {
			return zero, errors.Cancelled(err)
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		attempt := bo.Attempt() + 1
		if attempt > o.MaxRetries || !shouldRetry(classify, err, eo) {
			return zero, err
		}
		delay := bo.Next()
		eo.logger.Debug("retrying operation",
			zap.String("operation", eo.name),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", o.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err))
		if eo.onRetry != nil {
			eo.onRetry(attempt, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return zero, errors.Cancelled(sleepErr).WithDetails(err.Error())
		}
	}
}

// shouldRetry treats a panicking classifier as a refusal so a classifier
// defect surfaces the original error instead of looping.
func shouldRetry(classify Classifier, err error, eo execOptions) (retry bool) {
	if classify == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			eo.logger.Error("retry classifier panicked",
				zap.String("operation", eo.name),
				zap.String("recover", fmt.Sprint(r)),
				zap.Error(err))
			retry = false
		}
	}()
	return classify(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
