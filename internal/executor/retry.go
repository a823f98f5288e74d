package executor

import (
	"math"
	"time"
)

// BackoffType defines the type of backoff strategy
type BackoffType int

const (
	LinearBackoff BackoffType = iota
	ExponentialBackoff
	FixedBackoff
)

// RetryConfig spaces the attempts made to acquire a context.
type RetryConfig struct {
	BackoffType       BackoffType
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BackoffType:       ExponentialBackoff,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the delay before retry number attempt (starting at 1).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch c.BackoffType {
	case ExponentialBackoff:
		delay = time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1)))
	case LinearBackoff:
		delay = c.InitialDelay * time.Duration(attempt)
	default:
		delay = c.InitialDelay
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}
