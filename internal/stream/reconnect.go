package stream

import "time"

// ReconnectConfig controls exponential backoff after an unexpected close
// or a failed dial.
//
// MaxRetries 0 retries forever, a negative value disables reconnection.
type ReconnectConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultReconnectConfig returns the default policy: unlimited retries,
// 500ms first delay, doubling up to 10s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    0,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
	}
}

func (c ReconnectConfig) enabled() bool { return c.MaxRetries >= 0 }

func (c ReconnectConfig) exhausted(attempt int) bool {
	return c.MaxRetries > 0 && attempt > c.MaxRetries
}

// backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func (c ReconnectConfig) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.MaxRetryDelay > 0 && delay >= c.MaxRetryDelay {
			return c.MaxRetryDelay
		}
	}
	if c.MaxRetryDelay > 0 && delay > c.MaxRetryDelay {
		delay = c.MaxRetryDelay
	}
	return delay
}
