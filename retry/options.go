package retry

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries   = 3
	defaultBaseDelay    = 800 * time.Millisecond
	defaultMaxDelay     = time.Minute
	defaultJitterFactor = 0.2
)

// Options bounds retry attempts and backoff growth.
//
// The zero value performs a single attempt. Zero delays fall back to the
// defaults: BaseDelay 800ms, MaxDelay 1m.
type Options struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Negative values are treated as 0.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth of the delay.
	MaxDelay time.Duration
	// JitterFactor scales each delay by a random factor in
	// [1-JitterFactor, 1+JitterFactor]. Clamped to [0, 1].
	JitterFactor float64
}

// DefaultOptions returns 3 retries, 800ms base delay, 1m max delay and 20%
// jitter.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   defaultMaxRetries,
		BaseDelay:    defaultBaseDelay,
		MaxDelay:     defaultMaxDelay,
		JitterFactor: defaultJitterFactor,
	}
}

func (o Options) normalized() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.JitterFactor < 0 {
		o.JitterFactor = 0
	}
	if o.JitterFactor > 1 {
		o.JitterFactor = 1
	}
	return o
}

// Option configures a single Do call.
type Option func(*execOptions)

type execOptions struct {
	name    string
	logger  *zap.Logger
	onRetry func(attempt int, delay time.Duration, err error)
	rand    func() float64
}

func defaultExecOptions() execOptions {
	return execOptions{
		name:   "operation",
		logger: zap.NewNop(),
	}
}

// WithName labels log lines emitted for this call.
func WithName(name string) Option {
	return func(o *execOptions) {
		if name != "" {
			o.name = name
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *execOptions) {
		if lg != nil {
			o.logger = lg
		}
	}
}

// WithOnRetry registers a hook invoked before each delay. attempt starts at 1.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *execOptions) {
		o.onRetry = fn
	}
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(o *execOptions) {
		o.rand = fn
	}
}
