// ABOUTME: Resilient invoker that runs registered agents through the retry combinator
// ABOUTME: Exhausted retries surface as UnavailableError with thread, agent and attempt context

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2389/coven-crew/internal/retry"
)

// Scope isolates the side effects of one unit of work. It returns the context
// the work runs under and a finish func that keeps or drops what the work
// recorded.
type Scope func(ctx context.Context) (context.Context, func(keep bool))

// NoScope keeps nothing separate.
func NoScope(ctx context.Context) (context.Context, func(keep bool)) {
	return ctx, func(bool) {}
}

// Invoker runs agents from a Registry with retries, backoff and per-attempt timeouts.
type Invoker struct {
	registry  *Registry
	policy    retry.Policy
	retryOpts []retry.Option
	scope     Scope
	logger    *slog.Logger
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithRetryOptions passes extra options to every Retrier the invoker builds.
func WithRetryOptions(opts ...retry.Option) InvokerOption {
	return func(i *Invoker) { i.retryOpts = append(i.retryOpts, opts...) }
}

// WithAttemptScope runs every attempt under its own scope. Only the scope of
// the attempt whose reply is returned is kept; failed and abandoned attempts
// leave nothing behind.
func WithAttemptScope(s Scope) InvokerOption {
	return func(i *Invoker) {
		if s != nil {
			i.scope = s
		}
	}
}

// NewInvoker creates an Invoker. Clients are resolved from the registry per call,
// so agents registered after construction are visible.
func NewInvoker(registry *Registry, policy retry.Policy, logger *slog.Logger, opts ...InvokerOption) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	inv := &Invoker{
		registry: registry,
		policy:   policy,
		scope:    NoScope,
		logger:   logger.With("component", "agent-invoker"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs req.Agent and returns its reply.
func (i *Invoker) Invoke(ctx context.Context, req Request) (*Reply, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidArgument)
	}
	client, err := i.registry.Client(req.Agent)
	if err != nil {
		return nil, err
	}

	logger := i.logger.With("agent", req.Agent, "thread_id", req.ThreadID)
	onRetry := retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		logger.Warn("agent call failed, retrying",
			"attempt", attempt,
			"max_attempts", i.policy.MaxAttempts,
			"delay", delay,
			"error", err)
	})
	r := retry.New(i.policy, IsRetryable, append([]retry.Option{onRetry}, i.retryOpts...)...)

	var attempts atomic.Int32
	start := time.Now()
	out, err := retry.Do(ctx, r, func(ctx context.Context) (attemptResult, error) {
		attempts.Add(1)
		ctx, finish := i.scope(ctx)
		reply, err := client.Run(ctx, req)
		if err == nil && reply == nil {
			err = NewError(KindMalformed, req.Agent, errors.New("empty reply"))
		}
		if err != nil {
			finish(false)
			return attemptResult{}, err
		}
		return attemptResult{reply: reply, finish: finish}, nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			logger.Error("agent call exhausted retries",
				"attempts", exhausted.Attempts,
				"elapsed", exhausted.Elapsed,
				"error", exhausted.Err)
			return nil, &UnavailableError{
				Agent:    req.Agent,
				ThreadID: req.ThreadID,
				Attempts: exhausted.Attempts,
				Elapsed:  exhausted.Elapsed,
				Err:      exhausted.Err,
			}
		}
		logger.Error("agent call failed", "attempts", attempts.Load(), "error", err)
		return nil, &CallError{
			Agent:    req.Agent,
			ThreadID: req.ThreadID,
			Attempts: int(attempts.Load()),
			Err:      err,
		}
	}

	out.finish(true)
	reply := out.reply
	if reply.Author == "" {
		reply.Author = req.Agent.DisplayName()
	}
	logger.Debug("agent replied",
		"attempts", attempts.Load(),
		"elapsed", time.Since(start),
		"sub_replies", len(reply.SubReplies))
	return reply, nil
}

type attemptResult struct {
	reply  *Reply
	finish func(keep bool)
}
