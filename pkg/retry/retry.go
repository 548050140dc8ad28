package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy holds retry configuration. The continuation controller never
// retries; this is used by the generation pipeline for per-item failures.
type Policy struct {
	MaxAttempts    int           // total attempts, including the first
	InitialBackoff time.Duration // backoff before the second attempt
	MaxBackoff     time.Duration // backoff ceiling
	Multiplier     float64       // exponential growth factor
}

// DefaultPolicy returns sensible defaults for pipeline item processing.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
	}
}

// Do executes fn with exponential backoff until it succeeds, the attempts
// are exhausted, or the context ends.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := p.InitialBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}
