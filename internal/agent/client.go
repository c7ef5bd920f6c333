// ABOUTME: Agent client contract, replies, and the registry of agent implementations
// ABOUTME: Every agent type must be registered before the registry is used

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotRegistered indicates no client is registered for an agent type.
var ErrNotRegistered = errors.New("agent not registered")

// ErrAlreadyRegistered indicates a second client for the same agent type.
var ErrAlreadyRegistered = errors.New("agent already registered")

// Turn is one prior message handed to an agent as context.
type Turn struct {
	Role    Role
	Content string
	Author  string
}

// Request asks one agent to respond to a message within a thread.
// ThreadID scopes the agent's conversational context.
type Request struct {
	Agent    Type
	ThreadID string
	Message  string
	History  []Turn
}

// SubReply is the outcome of one delegated call made while producing a Reply.
type SubReply struct {
	Agent    Type
	ThreadID string // the specialist's own thread namespace
	Task     string
	Text     string
	Failed   bool
	Error    string
	Attempts int  // set when the call failed
	Chained  bool // part of a chain: each step after the first saw the previous output
}

// Reply is the result of one agent invocation.
type Reply struct {
	Text       string
	Author     string
	SubReplies []SubReply // in call order
}

// Contributors lists the specialists that contributed, in call order.
func (r *Reply) Contributors() []Type {
	if r == nil {
		return nil
	}
	out := make([]Type, 0, len(r.SubReplies))
	for _, s := range r.SubReplies {
		out = append(out, s.Agent)
	}
	return out
}

// Client executes an agent. Implementations classify failures with *Error.
type Client interface {
	Run(ctx context.Context, req Request) (*Reply, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (*Reply, error)

// Run calls f.
func (f ClientFunc) Run(ctx context.Context, req Request) (*Reply, error) {
	return f(ctx, req)
}

// Registry maps each agent type to its implementation.
type Registry struct {
	clients map[Type]Client
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[Type]Client),
		logger:  logger.With("component", "agent-registry"),
	}
}

// Register binds a client to an agent type.
func (r *Registry) Register(t Type, c Client) error {
	if !t.Valid() {
		return fmt.Errorf("registering %q: %w", t, ErrUnknownType)
	}
	if c == nil {
		return fmt.Errorf("registering %s: nil client", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[t]; exists {
		return fmt.Errorf("registering %s: %w", t, ErrAlreadyRegistered)
	}
	r.clients[t] = c
	r.logger.Debug("agent registered", "agent", t, "total_agents", len(r.clients))
	return nil
}

// Client returns the implementation for t.
func (r *Registry) Client(t Type) (Client, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, t)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[t]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrNotRegistered)
	}
	return c, nil
}

// Validate checks that every agent type has a client.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []error
	for _, t := range Types() {
		if _, ok := r.clients[t]; !ok {
			missing = append(missing, fmt.Errorf("%s: %w", t, ErrNotRegistered))
		}
	}
	return errors.Join(missing...)
}
