// ABOUTME: Tests for the MCP toolbox using in-memory fake clients
// ABOUTME: Covers tool aggregation, duplicate names, call routing and failure text

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	tools   []mcpgo.Tool
	initErr error
	callFn  func(req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
	closed  bool
}

func (f *fakeClient) Initialize(context.Context, mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcpgo.InitializeResult{}, nil
}

func (f *fakeClient) ListTools(context.Context, mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error) {
	return &mcpgo.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) CallTool(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if f.callFn == nil {
		return &mcpgo.CallToolResult{Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "ok " + req.Params.Name}}}, nil
	}
	return f.callFn(req)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func dialer(clients map[string]*fakeClient) Option {
	return WithDialer(func(_ context.Context, cfg ServerConfig) (Client, error) {
		c, ok := clients[cfg.Name]
		if !ok {
			return nil, errors.New("no such server")
		}
		return c, nil
	})
}

func TestToolbox_AggregatesTools(t *testing.T) {
	search := &fakeClient{tools: []mcpgo.Tool{
		{Name: "web_search", Description: "Search the web", RawInputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
	}}
	fetch := &fakeClient{tools: []mcpgo.Tool{
		{Name: "fetch_url", Description: "Fetch a page"},
		{Name: "web_search", Description: "duplicate"},
	}}
	tb := NewToolbox(context.Background(), []ServerConfig{{Name: "search"}, {Name: "fetch"}, {Name: "missing"}}, nil,
		dialer(map[string]*fakeClient{"search": search, "fetch": fetch}))

	assert.Equal(t, 2, tb.Len())
	tools := tb.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "fetch_url", tools[0].Function.Name)
	assert.Equal(t, "web_search", tools[1].Function.Name)
	assert.Equal(t, "Search the web", tools[1].Function.Description, "first server wins")
	assert.JSONEq(t, `{"type":"object","properties":{"q":{"type":"string"}}}`, string(tools[1].Function.Parameters.(json.RawMessage)))
}

func TestToolbox_SkipsServersThatFailToInitialize(t *testing.T) {
	broken := &fakeClient{initErr: errors.New("handshake"), tools: []mcpgo.Tool{{Name: "x"}}}
	tb := NewToolbox(context.Background(), []ServerConfig{{Name: "broken"}}, nil,
		dialer(map[string]*fakeClient{"broken": broken}))

	assert.Equal(t, 0, tb.Len())
	assert.True(t, broken.closed)
}

func TestToolbox_Call(t *testing.T) {
	var got mcpgo.CallToolRequest
	srv := &fakeClient{
		tools: []mcpgo.Tool{{Name: "web_search"}},
		callFn: func(req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			got = req
			return &mcpgo.CallToolResult{Content: []mcpgo.Content{
				mcpgo.TextContent{Type: "text", Text: "result one"},
				mcpgo.TextContent{Type: "text", Text: "result two"},
			}}, nil
		},
	}
	tb := NewToolbox(context.Background(), []ServerConfig{{Name: "s"}}, nil, dialer(map[string]*fakeClient{"s": srv}))

	out := tb.Call(context.Background(), "web_search", `{"q":"go"}`)
	assert.Equal(t, "result one\nresult two", out)
	assert.Equal(t, "web_search", got.Params.Name)
}

func TestToolbox_CallFailuresBecomeText(t *testing.T) {
	srv := &fakeClient{
		tools: []mcpgo.Tool{{Name: "flaky"}, {Name: "erroring"}},
		callFn: func(req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			if req.Params.Name == "flaky" {
				return nil, errors.New("pipe closed")
			}
			return &mcpgo.CallToolResult{IsError: true, Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "quota"}}}, nil
		},
	}
	tb := NewToolbox(context.Background(), []ServerConfig{{Name: "s"}}, nil, dialer(map[string]*fakeClient{"s": srv}))
	ctx := context.Background()

	assert.Equal(t, "Error: tool flaky failed: pipe closed", tb.Call(ctx, "flaky", ""))
	assert.Equal(t, "Error: quota", tb.Call(ctx, "erroring", "{}"))
	assert.Equal(t, "Error: unknown tool nope", tb.Call(ctx, "nope", "{}"))
	assert.Contains(t, tb.Call(ctx, "flaky", "{bad"), "could not parse arguments")
}

func TestToolbox_Close(t *testing.T) {
	srv := &fakeClient{tools: []mcpgo.Tool{{Name: "a"}}}
	tb := NewToolbox(context.Background(), []ServerConfig{{Name: "s"}}, nil, dialer(map[string]*fakeClient{"s": srv}))

	require.NoError(t, tb.Close())
	assert.True(t, srv.closed)
	assert.Equal(t, 0, tb.Len())
}

func TestDial_Validation(t *testing.T) {
	_, err := Dial(context.Background(), ServerConfig{Type: TransportStdio})
	assert.Error(t, err)
	_, err = Dial(context.Background(), ServerConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)
}
