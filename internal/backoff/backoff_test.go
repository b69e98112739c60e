package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialGrowthAndCap(t *testing.T) {
	e := New(Config{Base: 100 * time.Millisecond, Max: time.Second})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, e.Next(), "attempt %d", i+1)
	}
	assert.Equal(t, len(want), e.Attempt())

	e.Reset()
	assert.Equal(t, 100*time.Millisecond, e.Next())
}

func TestJitterBounds(t *testing.T) {
	tests := []struct {
		name string
		rnd  float64
		want time.Duration
	}{
		{name: "low edge", rnd: 0, want: 800 * time.Millisecond},
		{name: "middle", rnd: 0.5, want: time.Second},
		{name: "high edge", rnd: 1, want: 1200 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(Config{Base: time.Second, Max: time.Minute, Jitter: 0.2, Rand: func() float64 { return tt.rnd }})
			assert.InDelta(t, float64(tt.want), float64(e.Next()), float64(time.Microsecond))
		})
	}
}

func TestHugeAttemptDoesNotOverflow(t *testing.T) {
	e := New(Config{Base: time.Second, Max: 30 * time.Second})
	for i := 0; i < 500; i++ {
		e.Next()
	}
	assert.Equal(t, 30*time.Second, e.Next())
}

func TestConfigNormalization(t *testing.T) {
	e := New(Config{Base: time.Second, Max: time.Millisecond, Jitter: 5})
	assert.Equal(t, time.Second, e.config.Max)
	assert.Equal(t, 1.0, e.config.Jitter)
}
