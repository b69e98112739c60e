package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

type Config struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand.Float64.
	Rand func() float64
}

// Exponential computes min(Base * 2^(attempt-1), Max) scaled by a random
// factor in [1-Jitter, 1+Jitter].
type Exponential struct {
	mu      sync.Mutex
	attempt int
	config  Config
}

func New(cfg Config) *Exponential {
	if cfg.Base < 0 {
		cfg.Base = 0
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Exponential{config: cfg}
}

// Next advances the attempt counter and returns the delay for it.
func (e *Exponential) Next() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt++
	return e.delay(e.attempt)
}

// Attempt returns how many delays have been handed out since the last Reset.
func (e *Exponential) Attempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}

func (e *Exponential) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}

func (e *Exponential) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^62 already overflows any realistic Max; clamp the exponent so the
	// float math stays finite.
	exp := math.Min(float64(attempt-1), 62)
	d := float64(e.config.Base) * math.Pow(2, exp)
	if d > float64(e.config.Max) {
		d = float64(e.config.Max)
	}
	if e.config.Jitter > 0 {
		d *= 1 + (e.config.Rand()*2-1)*e.config.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
