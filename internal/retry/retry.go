// ABOUTME: Retry combinator with exponential backoff and per-attempt timeouts
// ABOUTME: Wraps any fallible operation; a classifier decides which errors are retried

package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Classifier reports whether an error is worth another attempt.
type Classifier func(err error) bool

// Policy controls attempt budget, backoff and per-attempt timeout.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration // per attempt; zero disables
	Jitter      float64 // fraction of each delay to spread by, 0 to 1
}

// DefaultPolicy mirrors the agent defaults: 3 attempts, 2s base, 30s cap, 5m per attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Timeout:     5 * time.Minute,
	}
}

// Delay returns the wait after attempt n has failed:
// min(MaxDelay, BaseDelay * 2^(n-1)). A zero MaxDelay leaves the delay uncapped.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// TimeoutError marks an attempt that ran past Policy.Timeout.
// Attempt timeouts are always retryable.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Retrier applies a Policy and Classifier to operations passed to Do.
type Retrier struct {
	policy   Policy
	classify Classifier
	onRetry  func(attempt int, err error, delay time.Duration)
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithOnRetry registers a callback invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// WithClock replaces the clock used to measure elapsed time.
func WithClock(now func() time.Time) Option {
	return func(r *Retrier) { r.now = now }
}

// New creates a Retrier. A nil classifier retries nothing but attempt timeouts.
func New(policy Policy, classify Classifier, opts ...Option) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	r := &Retrier{
		policy:   policy,
		classify: classify,
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the policy the retrier was built with.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Cancellation of ctx stops retrying immediately.
func Do[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := r.now()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		val, err := runAttempt(ctx, r.policy.Timeout, op)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if !r.retryable(err) {
			return zero, err
		}
		if attempt >= r.policy.MaxAttempts {
			return zero, &ExhaustedError{
				Attempts: attempt,
				Elapsed:  r.now().Sub(start),
				Err:      err,
			}
		}

		delay := r.delay(attempt, err)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("waiting to retry after attempt %d: %w", attempt, err)
		}
	}
}

func (r *Retrier) retryable(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if r.classify == nil {
		return false
	}
	return r.classify(err)
}

func (r *Retrier) delay(attempt int, err error) time.Duration {
	d := r.policy.Delay(attempt)

	var hint interface{ Backoff() time.Duration }
	if errors.As(err, &hint) {
		if h := hint.Backoff(); h > d {
			d = h
		}
		if r.policy.MaxDelay > 0 && d > r.policy.MaxDelay {
			d = r.policy.MaxDelay
		}
	}

	if j := r.policy.Jitter; j > 0 && d > 0 {
		if j > 1 {
			j = 1
		}
		off := time.Duration(float64(d) * j)
		if spread := int64(2 * off); spread > 0 {
			d = d - off + time.Duration(rand.Int64N(spread))
		}
	}
	if r.policy.MaxDelay > 0 && d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	return d
}

type result[T any] struct {
	val T
	err error
}

// runAttempt bounds a single attempt by timeout. The operation runs in its
// own goroutine so a callee that ignores ctx still cannot stall the caller.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := op(attemptCtx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return res.val, &TimeoutError{Timeout: timeout}
		}
		return res.val, res.err
	case <-attemptCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Timeout: timeout}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
