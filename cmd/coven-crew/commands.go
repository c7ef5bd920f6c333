// ABOUTME: One-shot subcommands for browsing threads, exporting, minting tokens and setup
// ABOUTME: Thread commands open the configured store directly; health talks to a running server

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/auth"
	"github.com/2389/coven-crew/internal/config"
	"github.com/2389/coven-crew/internal/transcript"
)

// parseInterspersed parses flags that may appear before or after positional
// arguments and returns the positionals.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

// oneID extracts the single thread id argument of a subcommand.
func oneID(fs *flag.FlagSet, args []string) (string, error) {
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return "", err
	}
	if len(pos) != 1 {
		return "", fmt.Errorf("usage: coven-crew %s ID", fs.Name())
	}
	return pos[0], nil
}

func runThreads(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("threads", flag.ContinueOnError)
	agentName := fs.String("agent", "", "only threads of this agent")
	query := fs.String("q", "", "search titles, tags and messages")
	limit := fs.Int("limit", 0, "maximum threads to list")
	offset := fs.Int("offset", 0, "threads to skip")
	if _, err := parseInterspersed(fs, args); err != nil {
		return err
	}

	var agentType agent.Type
	if *agentName != "" {
		t, err := agent.ParseType(*agentName)
		if err != nil {
			return err
		}
		agentType = t
	}

	c, _, err := openCrew(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if *query != "" {
		list, err := c.Manager.SearchThreads(ctx, *query, agentType, *limit)
		if err != nil {
			return err
		}
		printThreadList(os.Stdout, list, time.Now())
		return nil
	}
	list, err := c.Manager.ListThreads(ctx, agentType, *limit, *offset)
	if err != nil {
		return err
	}
	printThreadList(os.Stdout, list, time.Now())
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	plain := fs.Bool("plain", false, "print markdown without styling")
	id, err := oneID(fs, args)
	if err != nil {
		return err
	}

	c, _, err := openCrew(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	thread, err := c.Manager.GetThread(ctx, id)
	if err != nil {
		return err
	}
	printThread(os.Stdout, newMarkdownRenderer(*plain, 0), thread)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	formatName := fs.String("format", "markdown", "markdown, html or json")
	outPath := fs.String("out", "", "output file; - or empty writes to stdout")
	id, err := oneID(fs, args)
	if err != nil {
		return err
	}
	format, err := transcript.ParseFormat(*formatName)
	if err != nil {
		return err
	}

	c, _, err := openCrew(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	thread, err := c.Manager.GetThread(ctx, id)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if *outPath != "" && *outPath != "-" {
		f, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", *outPath, err)
		}
		defer f.Close()
		w = f
	}
	if err := transcript.Write(w, thread, format, time.Now()); err != nil {
		return err
	}
	if *outPath != "" && *outPath != "-" {
		fmt.Fprintf(os.Stderr, "Wrote %s\n", *outPath)
	}
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	id, err := oneID(fs, args)
	if err != nil {
		return err
	}

	c, _, err := openCrew(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Manager.DeleteThread(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", id)
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "name recorded for requests made with the token")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if _, err := parseInterspersed(fs, args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("--subject is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; the server runs without auth")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(*subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Printf("healthy: %s\n", strings.TrimSpace(string(body)))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-crew configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.Path())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Println("\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", cfg.Server.HTTPAddr)
	if yes(prompt(reader, "Require bearer tokens?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		cfg.Auth.JWTSecret = secret
	}

	fmt.Println("\n--- Storage ---")
	cfg.Database.Driver = prompt(reader, "Store (sqlite/sqlite3/file/memory)", cfg.Database.Driver)
	switch cfg.Database.Driver {
	case "file":
		cfg.Database.Path = prompt(reader, "Threads directory", filepath.Join(config.DataDir(), "threads"))
	case "memory":
		cfg.Database.Path = ""
	default:
		cfg.Database.Path = prompt(reader, "SQLite database path", cfg.Database.Path)
	}

	fmt.Println("\n--- Agents ---")
	cfg.Agents.Backend = prompt(reader, "Backend (echo/openai)", cfg.Agents.Backend)
	if cfg.Agents.Backend == config.BackendOpenAI {
		cfg.Agents.Model = prompt(reader, "Model", cfg.Agents.Model)
		cfg.Agents.BaseURL = prompt(reader, "Base URL (empty for api.openai.com)", "")
		cfg.Agents.APIKey = prompt(reader, "API key (or ${ENV_VAR})", "${OPENAI_API_KEY}")
	}

	fmt.Println("\n--- Logging Configuration ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid answers: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	header := "# coven-crew configuration\n# Generated by coven-crew init\n\n"

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, append([]byte(header), data...), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if cfg.Database.Path != "" {
		dir := cfg.Database.Path
		if cfg.Database.Driver != "file" {
			dir = filepath.Dir(dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  coven-crew serve")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("\nTo mint a token:")
		fmt.Println("  coven-crew token --subject YOUR_NAME")
	}
	return nil
}

// generateSecret returns a random URL-safe secret for signing tokens.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func yes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
