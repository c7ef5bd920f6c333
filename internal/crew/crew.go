// ABOUTME: Assembles the store, agents, delegation and conversation manager from configuration
// ABOUTME: Shared by the HTTP server and the local CLI so both run the same crew

package crew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/config"
	"github.com/2389/coven-crew/internal/conversation"
	"github.com/2389/coven-crew/internal/delegation"
	"github.com/2389/coven-crew/internal/echo"
	"github.com/2389/coven-crew/internal/llm"
	"github.com/2389/coven-crew/internal/mcp"
	"github.com/2389/coven-crew/internal/retry"
	"github.com/2389/coven-crew/internal/session"
	"github.com/2389/coven-crew/internal/store"
)

// Crew owns every long-lived component behind the conversation manager.
type Crew struct {
	Config    *config.Config
	Store     store.Store
	Manager   *conversation.Manager
	Registry  *agent.Registry
	Delegator *delegation.Delegator

	toolbox *mcp.Toolbox
	logger  *slog.Logger
}

type options struct {
	store      store.Store
	chatClient llm.ChatClient
	dialer     mcp.Dialer
	retryOpts  []retry.Option
	echoOpts   []echo.Option
}

// Option configures New.
type Option func(*options)

// WithStore uses st instead of opening the configured database.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithChatClient replaces the OpenAI client of the openai backend.
func WithChatClient(c llm.ChatClient) Option {
	return func(o *options) { o.chatClient = c }
}

// WithMCPDialer replaces how research MCP servers are reached.
func WithMCPDialer(d mcp.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRetryOptions passes options to the agent retrier.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *options) { o.retryOpts = append(o.retryOpts, opts...) }
}

// WithEchoOptions passes options to every agent of the echo backend.
func WithEchoOptions(opts ...echo.Option) Option {
	return func(o *options) { o.echoOpts = append(o.echoOpts, opts...) }
}

// New builds a crew from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Crew, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	st := o.store
	if st == nil {
		var err error
		st, err = store.Open(cfg.Database.Driver, cfg.Database.Path, logger.With("component", "store"))
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	c := &Crew{Config: cfg, Store: st, logger: logger}
	if err := c.build(ctx, o); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Crew) build(ctx context.Context, o options) error {
	cfg := c.Config

	svc := conversation.NewService(c.Store, c.logger.With("component", "conversation"),
		conversation.WithStrictDelete(cfg.Conversations.StrictDelete),
		conversation.WithPageSizes(cfg.Conversations.DefaultPageSize, cfg.Conversations.MaxPageSize),
		conversation.WithReadAttempts(cfg.Resilience.StoreReadAttempts),
	)
	tracker := session.NewTracker(c.logger.With("component", "session"))

	c.Registry = agent.NewRegistry(c.logger.With("component", "agents"))
	invoker := agent.NewInvoker(c.Registry, Policy(cfg.Resilience), c.logger.With("component", "invoker"),
		agent.WithRetryOptions(o.retryOpts...),
		agent.WithAttemptScope(delegation.Scope))
	c.Delegator = delegation.New(invoker, c.logger.With("component", "delegation"),
		delegation.WithMemoryTurns(cfg.Agents.MemoryTurns))

	var err error
	switch cfg.Agents.Backend {
	case config.BackendEcho, "":
		err = c.registerEcho(o.echoOpts)
	case config.BackendOpenAI:
		err = c.registerOpenAI(ctx, o)
	default:
		err = fmt.Errorf("unknown agent backend %q", cfg.Agents.Backend)
	}
	if err != nil {
		return err
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}

	c.Manager = conversation.NewManager(svc, tracker, invoker, c.logger.With("component", "manager"),
		conversation.WithSaveTimeout(cfg.Conversations.SaveTimeout),
		conversation.WithExchangeScope(delegation.Scope),
		conversation.WithForget(c.Delegator.Forget))
	c.logger.Info("crew ready",
		"backend", cfg.Agents.Backend,
		"store", cfg.Database.Driver,
		"tools", c.toolCount())
	return nil
}

func (c *Crew) registerEcho(opts []echo.Option) error {
	for _, t := range []agent.Type{agent.Research, agent.Writer} {
		a, err := echo.NewSpecialist(t, opts...)
		if err != nil {
			return err
		}
		if err := c.Registry.Register(t, a); err != nil {
			return err
		}
	}
	return c.Registry.Register(agent.Supervisor, echo.NewSupervisor(c.Delegator, opts...))
}

func (c *Crew) registerOpenAI(ctx context.Context, o options) error {
	cfg := c.Config.Agents

	client := o.chatClient
	if client == nil {
		oc, err := llm.NewClient(llm.ClientConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			APIVersion: cfg.APIVersion,
			Azure:      cfg.Azure,
		})
		if err != nil {
			return err
		}
		client = oc
	}

	if len(cfg.Research.MCPServers) > 0 {
		var tbOpts []mcp.Option
		if o.dialer != nil {
			tbOpts = append(tbOpts, mcp.WithDialer(o.dialer))
		}
		c.toolbox = mcp.NewToolbox(ctx, serverConfigs(cfg.Research.MCPServers), c.logger.With("component", "mcp"), tbOpts...)
	}

	tok := llm.NewTokenizer(cfg.Model)
	optsFor := func(t agent.Type) llm.Options {
		return llm.Options{
			Model:         cfg.Model,
			SystemPrompt:  cfg.Prompts[string(t)],
			MaxTurns:      cfg.MaxTurns,
			HistoryBudget: cfg.HistoryTokenBudget,
			Tokenizer:     tok,
			Logger:        c.logger.With("agent", string(t)),
		}
	}

	var researchTools llm.Toolset
	if c.toolbox != nil && c.toolbox.Len() > 0 {
		researchTools = c.toolbox
	}
	research, err := llm.NewSpecialist(agent.Research, client, researchTools, optsFor(agent.Research))
	if err != nil {
		return err
	}
	writer, err := llm.NewSpecialist(agent.Writer, client, nil, optsFor(agent.Writer))
	if err != nil {
		return err
	}

	if err := c.Registry.Register(agent.Research, research); err != nil {
		return err
	}
	if err := c.Registry.Register(agent.Writer, writer); err != nil {
		return err
	}
	return c.Registry.Register(agent.Supervisor, llm.NewSupervisor(client, c.Delegator, optsFor(agent.Supervisor)))
}

func serverConfigs(in []config.MCPServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, len(in))
	for i, s := range in {
		out[i] = mcp.ServerConfig{
			Name:    s.Name,
			Type:    s.Type,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			URL:     s.URL,
			Headers: s.Headers,
		}
	}
	return out
}

// Policy converts the resilience settings into a retry policy.
func Policy(r config.ResilienceConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Timeout:     r.Timeout,
		Jitter:      r.Jitter,
	}
}

func (c *Crew) toolCount() int {
	if c.toolbox == nil {
		return 0
	}
	return c.toolbox.Len()
}

// RunJanitor deletes idle threads on the configured schedule until ctx is
// done. It returns at once when retention is disabled.
func (c *Crew) RunJanitor(ctx context.Context) {
	cv := c.Config.Conversations
	c.Manager.RunJanitor(ctx, cv.Retention, cv.CleanupInterval)
}

// Close releases the MCP connections and the store.
func (c *Crew) Close() error {
	var errs []error
	if c.toolbox != nil {
		if err := c.toolbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing mcp toolbox: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}
