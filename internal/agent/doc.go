// Package agent defines the agent identities, the client contract and the
// resilient invoker that every agent call goes through.
//
// # Overview
//
// Three agents exist and the set is closed:
//
//   - Supervisor: answers the user, delegating when useful
//   - Research: gathers information, optionally with MCP tools
//   - Writer: drafts prose
//
// Type is a string enum; ParseType and Registry.Register reject anything
// outside the set, so a typo in configuration or a request fails early with
// ErrUnknownType (which wraps ErrInvalidArgument).
//
// # Client
//
// A Client executes one agent:
//
//	type Client interface {
//	    Run(ctx context.Context, req Request) (*Reply, error)
//	}
//
// Request carries the thread id that scopes the agent's context, the new
// message and the prior history. Reply carries the text, the author and the
// ordered sub-replies produced by delegated calls.
//
// Backends classify failures with *Error (transient, rate_limit, timeout,
// invalid_request, malformed_reply). IsRetryable is the classifier handed to
// the retry package.
//
// # Registry
//
// The Registry maps each Type to a Client:
//
//	reg := agent.NewRegistry(logger)
//	reg.Register(agent.Research, research)
//	reg.Register(agent.Writer, writer)
//	reg.Register(agent.Supervisor, supervisor)
//	if err := reg.Validate(); err != nil { ... }
//
// # Invoker
//
// Invoker resolves the client for a request and runs it through retry.Do.
// Retries that run out become *UnavailableError (matching
// ErrUpstreamUnavailable); other failures become *CallError. Both carry the
// agent, thread id and attempt count.
package agent
