// Package retry implements the shared backoff ladder used for every external
// call. Rate-limit signals wait for the service's advertised reset hint when
// one is present; everything else retryable climbs a capped exponential
// ladder. Errors not marked retryable propagate immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrTransient        = errors.New("transient failure")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// RateLimitedError marks a throttling response. RetryAfter carries the
// service's reset hint; zero means no hint was advertised.
type RateLimitedError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rate limited: %v", e.Cause)
	}
	return "rate limited"
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

func (e *RateLimitedError) Unwrap() error { return e.Cause }

// TransientError marks a failure worth retrying: network timeouts and 5xx
// responses. 4xx responses other than rate limits must not be wrapped in it.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Cause) }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

func (e *TransientError) Unwrap() error { return e.Cause }

// ExhaustedError wraps the last underlying error once the ladder is spent.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy bounds the ladder. The zero value is usable and applies defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep is injectable for tests. Defaults to a context-aware timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. The original error survives inside ExhaustedError rather
// than being swallowed.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		wait, retryable := p.waitFor(err, attempt)
		if !retryable {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	cause := lastErr
	var rl *RateLimitedError
	var tr *TransientError
	if errors.As(lastErr, &rl) && rl.Cause != nil {
		cause = rl.Cause
	} else if errors.As(lastErr, &tr) && tr.Cause != nil {
		cause = tr.Cause
	}
	return &ExhaustedError{Attempts: maxAttempts, Err: cause}
}

func (p Policy) waitFor(err error, attempt int) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		if rl.RetryAfter > 0 {
			return p.cap(rl.RetryAfter), true
		}
		return p.backoff(attempt), true
	}
	if errors.Is(err, ErrTransient) {
		return p.backoff(attempt), true
	}
	return 0, false
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay() {
			return p.maxDelay()
		}
	}
	return p.cap(delay)
}

func (p Policy) cap(d time.Duration) time.Duration {
	if d > p.maxDelay() {
		return p.maxDelay()
	}
	return d
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return defaultMaxDelay
	}
	return p.MaxDelay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
