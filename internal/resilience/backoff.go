// Package resilience provides the retry policy used when contacting the chat
// backend: a bounded number of attempts with exponential backoff, capped and
// context-aware.
package resilience

import (
	"context"
	"fmt"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Policy describes a bounded exponential backoff. The zero value gets
// defaults of 3 attempts, 1s initial backoff, and a 30s cap.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// Backoff is the delay before the second attempt. It doubles per attempt
	// up to MaxBackoff.
	Backoff time.Duration

	// MaxBackoff caps the per-attempt delay.
	MaxBackoff time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	return p
}

// Retry runs fn until it succeeds, the attempts are exhausted, or ctx is
// cancelled. The returned error is the last attempt's error, or the context
// error when cancelled while waiting to retry.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	delay := p.Backoff
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, p.MaxBackoff)
	}
	return fmt.Errorf("resilience: %d attempts failed: %w", p.MaxAttempts, lastErr)
}
