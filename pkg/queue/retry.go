package queue

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls retry scheduling for failed tasks.
type RetryConfig struct {
	// MaxRetries is the number of reschedules before a task moves to the
	// dead-letter partition.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// InitialDelayMs is the base delay before the first retry.
	InitialDelayMs int64 `json:"initial_delay_ms" mapstructure:"initial_delay_ms"`

	// MaxDelayMs caps the exponential backoff.
	MaxDelayMs int64 `json:"max_delay_ms" mapstructure:"max_delay_ms"`

	// BackoffMultiplier scales the delay per retry.
	BackoffMultiplier float64 `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`

	// JitterFactor in [0, 1] spreads retries by a uniform random factor.
	JitterFactor float64 `json:"jitter_factor" mapstructure:"jitter_factor"`
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelayMs:    100,
		MaxDelayMs:        300_000,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
	}
}

func (c RetryConfig) isZero() bool {
	return c == RetryConfig{}
}

// Delay computes the backoff before retry n (0-based):
// min(initial * multiplier^n, max) scaled by a uniform jitter in
// [1-jitter, 1+jitter]. rnd supplies uniform values in [0, 1); pass nil for
// the default source.
func (c RetryConfig) Delay(n int, rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}

	base := float64(c.InitialDelayMs) * math.Pow(c.BackoffMultiplier, float64(n))
	if max := float64(c.MaxDelayMs); base > max {
		base = max
	}

	if j := c.JitterFactor; j > 0 {
		base *= 1 + (rnd()*2-1)*j
	}
	if base < 1 {
		base = 1
	}
	return time.Duration(base) * time.Millisecond
}
