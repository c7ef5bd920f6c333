// ABOUTME: Entry point for coven-crew, the supervisor/research/writer agent crew
// ABOUTME: Serves the HTTP API or drives the crew locally from the terminal

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-crew/internal/config"
	"github.com/2389/coven-crew/internal/crew"
	"github.com/2389/coven-crew/internal/gateway"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
  ___ _____   _____ _ __         ___ _ __ _____      __
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '__/ _ \ \ /\ / /
| (_| (_) \ V /  __/ | | |_____| (__| | |  __/\ V  V /
 \___\___/ \_/ \___|_| |_|      \___|_|  \___| \_/\_/
`

func usage() {
	fmt.Println("Usage: coven-crew <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the HTTP API server")
	fmt.Println("  chat [--agent A]           Chat with the crew in the terminal")
	fmt.Println("  threads [--agent A] [-q Q] List or search saved threads")
	fmt.Println("  show ID                    Print a thread")
	fmt.Println("  export ID [--format F]     Write a transcript (markdown, html, json)")
	fmt.Println("  delete ID                  Delete a thread")
	fmt.Println("  token --subject NAME       Mint an API token")
	fmt.Println("  init                       Create a new config file interactively")
	fmt.Println("  health                     Check server health")
	fmt.Println()
	fmt.Println("Config: " + config.Path())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "chat":
		err = runChat(ctx, args)
	case "threads":
		err = runThreads(ctx, args)
	case "show":
		err = runShow(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "delete":
		err = runDelete(ctx, args)
	case "token":
		err = runToken(args)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when none exists.
func loadConfig() (*config.Config, string, error) {
	path := config.Path()
	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	if !found {
		path = "(defaults)"
	}
	return cfg, path, nil
}

// openCrew loads the config and assembles a crew whose logs go to stderr.
func openCrew(ctx context.Context, quiet bool) (*crew.Crew, *config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logCfg := cfg.Logging
	if quiet && logCfg.Level != "debug" {
		logCfg.Level = "warn"
	}
	c, err := crew.New(ctx, cfg, setupLogger(logCfg, os.Stderr))
	if err != nil {
		return nil, nil, fmt.Errorf("starting crew: %w", err)
	}
	return c, cfg, nil
}

func runServe(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("serve takes no arguments")
	}
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s %s\n", cfg.Database.Driver, cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %s", cfg.Agents.Backend)
	if cfg.Agents.Backend == config.BackendOpenAI {
		cyan.Printf(" %s", cfg.Agents.Model)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print(" [no auth]")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting coven-crew",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"backend", cfg.Agents.Backend,
	)

	c, err := crew.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting crew: %w", err)
	}
	gw, err := gateway.New(cfg, c, logger)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, out: out, level: level}
	}
	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     *sync.Mutex // shared by handlers derived with WithAttrs/WithGroup
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: h.attrs, groups: newGroups}
}
