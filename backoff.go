package caravan

import (
	"context"
	"math/rand"
	"time"
)

// BackoffStrategy selects how StepRetry delays grow between attempts.
type BackoffStrategy int

const (
	// BackoffFixed waits BaseDelay between every attempt.
	BackoffFixed BackoffStrategy = iota
	// BackoffExponential doubles the delay each attempt: base, 2×base, 4×base, …
	BackoffExponential
	// BackoffFibonacci grows the delay along the Fibonacci sequence:
	// base, base, 2×base, 3×base, 5×base, …
	BackoffFibonacci
)

// RetrySchedule configures StepRetry. The zero value retries every error
// up to 3 attempts with a fixed 1s delay.
type RetrySchedule struct {
	// MaxAttempts is the total number of attempts including the first
	// (default: 3).
	MaxAttempts int
	// Strategy selects the delay growth curve (default: BackoffFixed).
	Strategy BackoffStrategy
	// BaseDelay is the delay before the second attempt (default: 1s).
	BaseDelay time.Duration
	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration
	// Jitter adds up to 50% random jitter to each delay when set.
	Jitter bool
	// RetryIf decides whether an error is retryable. Nil retries every
	// error. Cancellation is never retried regardless.
	RetryIf func(error) bool
}

func (s RetrySchedule) withDefaults() RetrySchedule {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	return s
}

func (s RetrySchedule) retryable(err error) bool {
	if s.RetryIf == nil {
		return true
	}
	return s.RetryIf(err)
}

// delay returns the wait before retry i (0-indexed: the wait after the
// first failed attempt is delay(0)).
func (s RetrySchedule) delay(i int) time.Duration {
	if i > 30 {
		i = 30 // clamp the growth curve; int64 nanoseconds overflow past this
	}
	var d time.Duration
	switch s.Strategy {
	case BackoffExponential:
		d = s.BaseDelay * (1 << i)
	case BackoffFibonacci:
		d = s.BaseDelay * time.Duration(fib(i+1))
	default:
		d = s.BaseDelay
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	if s.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	}
	return d
}

// fib returns the nth Fibonacci number (fib(1) = fib(2) = 1).
func fib(n int) int64 {
	a, b := int64(0), int64(1)
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
