package flow

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidRetryPolicy indicates a RetryPolicy whose configuration
// violates its constraints (MaxAttempts < 1).
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrAttemptsExhausted wraps the last failure after a step used up every
// attempt its policy allows.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// ErrorClass is a retry classification for a step failure.
type ErrorClass int

const (
	// ClassTerminal failures abort the step immediately.
	ClassTerminal ErrorClass = iota

	// ClassRetryable failures may succeed on another attempt.
	ClassRetryable
)

// RetryPolicy configures a step's attempt loop.
//
// The default (nil policy) is a single attempt with no retry. With a
// policy, a retryable failure waits BaseDelay*attempt (linear) or the
// caller-supplied Delay schedule, then re-invokes the step with the same
// input. Terminal failures and exhausted attempts propagate to the
// engine.
//
// Example with exponential backoff:
//
//	&flow.RetryPolicy{
//	    MaxAttempts: 4,
//	    Delay: func(attempt int) time.Duration {
//	        return time.Second << (attempt - 1)
//	    },
//	}
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the unit for the default linear schedule: the wait
	// after attempt n is BaseDelay*n. Ignored when Delay is set.
	BaseDelay time.Duration

	// Delay, when set, replaces the linear schedule. It receives the
	// just-failed attempt number (1-based) and returns the wait before
	// the next attempt.
	Delay func(attempt int) time.Duration

	// Classify decides whether an error is worth retrying. When nil,
	// ProviderError.Retryable decides and everything else is terminal.
	// ValidationError is terminal regardless of Classify.
	Classify func(err error) ErrorClass
}

// Validate checks the policy's constraints.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// delay returns the wait after the given failed attempt.
func (p *RetryPolicy) delay(attempt int) time.Duration {
	if p.Delay != nil {
		return p.Delay(attempt)
	}
	return p.BaseDelay * time.Duration(attempt)
}

// classify decides whether err is retryable under this policy.
func (p *RetryPolicy) classify(err error) ErrorClass {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return ClassTerminal
	}
	if p != nil && p.Classify != nil {
		return p.Classify(err)
	}
	var pErr *ProviderError
	if errors.As(err, &pErr) && pErr.Retryable {
		return ClassRetryable
	}
	return ClassTerminal
}

// attempts returns the attempt budget, defaulting to one.
func (p *RetryPolicy) attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// waitRetry sleeps for the post-attempt delay, returning early if the
// run is cancelled. A cancelled step mid-retry never schedules a further
// attempt.
func waitRetry(ctx context.Context, p *RetryPolicy, attempt int) error {
	d := p.delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
