// Package retry provides the resilience wrapper used around fallible calls.
//
// # Overview
//
// Do is a generic combinator: it takes a Retrier (a Policy plus a
// Classifier) and an operation, and runs the operation until it succeeds, it
// fails with an error the classifier rejects, or the attempt budget is spent.
//
//	r := retry.New(retry.DefaultPolicy(), agent.IsRetryable)
//	reply, err := retry.Do(ctx, r, func(ctx context.Context) (*agent.Reply, error) {
//		return client.Run(ctx, req)
//	})
//
// # Backoff
//
// The wait after failed attempt n is min(MaxDelay, BaseDelay*2^(n-1)).
// Errors exposing Backoff() time.Duration (rate limits) can raise that wait,
// never above MaxDelay. Jitter spreads each delay by
// +/- that fraction of it.
//
// # Timeouts
//
// Policy.Timeout bounds each attempt separately. An attempt that runs out of
// time fails with *TimeoutError, which is always retryable. Cancelling the
// caller's context stops retrying at once.
//
// # Exhaustion
//
// When the budget is spent, Do returns *ExhaustedError carrying the attempt
// count, the elapsed time and the last error.
package retry
