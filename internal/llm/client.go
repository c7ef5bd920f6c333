// ABOUTME: OpenAI-compatible chat client construction and upstream error classification
// ABOUTME: Maps go-openai failures onto agent.Error kinds so the invoker knows what to retry

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/coven-crew/internal/agent"
)

// ChatClient is the subset of openai.Client the agents use.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ClientConfig selects and authenticates the upstream endpoint.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	APIVersion string // Azure only
	Azure      bool
}

// NewClient builds a go-openai client for OpenAI or Azure OpenAI.
func NewClient(cfg ClientConfig) (*openai.Client, error) {
	if cfg.Azure {
		if cfg.BaseURL == "" {
			return nil, errors.New("azure openai requires base_url")
		}
		c := openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			c.APIVersion = cfg.APIVersion
		}
		return openai.NewClientWithConfig(c), nil
	}

	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return openai.NewClientWithConfig(c), nil
}

// classify converts a chat completion error into an *agent.Error.
func classify(t agent.Type, err error) error {
	if err == nil {
		return nil
	}
	// Caller cancellation is not the upstream's fault; keep it recognisable.
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.NewError(agent.KindTimeout, t, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(t, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(t, reqErr.HTTPStatusCode, err)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return agent.NewError(agent.KindTimeout, t, err)
		}
		return agent.NewError(agent.KindTransient, t, err)
	}
	// Anything else happened before or around the HTTP exchange (DNS, reset,
	// EOF); treat as transient.
	return agent.NewError(agent.KindTransient, t, err)
}

func statusError(t agent.Type, status int, err error) error {
	var kind agent.Kind
	switch {
	case status == http.StatusTooManyRequests:
		kind = agent.KindRateLimit
	case status == http.StatusRequestTimeout:
		kind = agent.KindTimeout
	case status >= 500, status == 0:
		kind = agent.KindTransient
	default:
		kind = agent.KindInvalidRequest
	}
	ae := agent.NewError(kind, t, err)
	ae.Status = status
	return ae
}

// malformed reports a reply the agents cannot use.
func malformed(t agent.Type, format string, args ...any) error {
	return agent.NewError(agent.KindMalformed, t, fmt.Errorf(format, args...))
}
