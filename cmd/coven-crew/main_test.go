// ABOUTME: Tests for CLI helpers: flag parsing, log handler, listings and the chat REPL
// ABOUTME: The REPL runs against an echo-backed crew on the memory store

package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/config"
	"github.com/2389/coven-crew/internal/crew"
	"github.com/2389/coven-crew/internal/store"
)

func init() {
	color.NoColor = true
}

func TestParseInterspersed(t *testing.T) {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "markdown", "")
	pos, err := parseInterspersed(fs, []string{"abc", "--format", "html", "extra"})
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "extra"}, pos)
	assert.Equal(t, "html", *format)
}

func TestOneID(t *testing.T) {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	_, err := oneID(fs, nil)
	assert.ErrorContains(t, err, "usage: coven-crew show ID")

	id, err := oneID(flag.NewFlagSet("show", flag.ContinueOnError), []string{"t-1"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "store").WithGroup("req").Info("saved", "thread_id", "t1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF saved")
	assert.Contains(t, out, "component=store")
	assert.Contains(t, out, "req.thread_id=t1")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("skipped")
	logger.Warn("kept")
	assert.NotContains(t, buf.String(), "skipped")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
}

func TestAgo(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "just now", ago(now, now.Add(-10*time.Second)))
	assert.Equal(t, "5m ago", ago(now, now.Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", ago(now, now.Add(-3*time.Hour)))
	assert.Equal(t, "2d ago", ago(now, now.Add(-49*time.Hour)))
}

func TestPrintThreadList(t *testing.T) {
	var buf bytes.Buffer
	printThreadList(&buf, nil, time.Now())
	assert.Contains(t, buf.String(), "no threads")

	buf.Reset()
	now := time.Now()
	printThreadList(&buf, []store.ThreadSummary{{
		ID:                 "0123456789abcdef",
		AgentType:          agent.Writer,
		Title:              "Launch post",
		MessageCount:       2,
		LastMessagePreview: "Draft: launch",
		UpdatedAt:          now,
	}}, now)
	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "89abcdef")
	assert.Contains(t, out, "Launch post")
	assert.Contains(t, out, "(2 msgs, just now)")
}

func newTestREPL(t *testing.T) (*repl, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = "memory"
	c, err := crew.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var buf bytes.Buffer
	return &repl{
		crew:  c,
		out:   &buf,
		md:    newMarkdownRenderer(true, 0),
		agent: agent.Supervisor,
		now:   time.Now,
	}, &buf
}

func TestREPL_ChatAndCommands(t *testing.T) {
	r, out := newTestREPL(t)
	ctx := context.Background()

	assert.False(t, r.handle(ctx, "hello crew"))
	assert.Contains(t, out.String(), "new thread")
	assert.Contains(t, out.String(), "Supervisor Agent")
	first := r.current()
	require.NotEmpty(t, first)

	out.Reset()
	r.handle(ctx, "/agent writer")
	assert.Equal(t, agent.Writer, r.agent)
	assert.Equal(t, "writer> ", r.prompt())

	r.handle(ctx, "draft a haiku")
	assert.Contains(t, out.String(), "Writer Agent")

	out.Reset()
	r.handle(ctx, "/session")
	assert.Contains(t, out.String(), first)

	out.Reset()
	r.handle(ctx, "/use "+first)
	assert.Equal(t, agent.Supervisor, r.agent)
	assert.Contains(t, out.String(), "resumed")

	out.Reset()
	r.handle(ctx, "/threads")
	assert.Equal(t, 2, strings.Count(out.String(), "msgs,"))

	out.Reset()
	r.handle(ctx, "/show")
	assert.Contains(t, out.String(), "hello crew")

	r.handle(ctx, "/new")
	assert.Empty(t, r.current())

	assert.True(t, r.handle(ctx, "/quit"))
}

func TestREPL_NoSave(t *testing.T) {
	r, out := newTestREPL(t)
	ctx := context.Background()

	r.handle(ctx, "/nosave")
	assert.True(t, r.ephemeral)
	assert.Equal(t, "supervisor (nosave)> ", r.prompt())

	r.handle(ctx, "just testing")
	list, err := r.crew.Manager.ListThreads(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Contains(t, out.String(), "just testing")
}

func TestREPL_Errors(t *testing.T) {
	r, out := newTestREPL(t)
	ctx := context.Background()

	r.handle(ctx, "/agent poet")
	assert.Contains(t, out.String(), "unknown agent type")
	assert.Equal(t, agent.Supervisor, r.agent)

	out.Reset()
	r.handle(ctx, "/use missing")
	assert.Contains(t, out.String(), "not found")

	out.Reset()
	r.handle(ctx, "/frobnicate")
	assert.Contains(t, out.String(), "unknown command /frobnicate")

	out.Reset()
	r.handle(ctx, "/show")
	assert.Contains(t, out.String(), "no active supervisor thread")
}
