// ABOUTME: Gateway orchestrator that serves the conversation API over HTTP
// ABOUTME: Manages the crew, request replay cache, auth middleware and server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/coven-crew/internal/auth"
	"github.com/2389/coven-crew/internal/config"
	"github.com/2389/coven-crew/internal/crew"
	"github.com/2389/coven-crew/internal/dedupe"
)

// Replay window and capacity for chat request ids.
const (
	replayTTL     = 10 * time.Minute
	replayMaxSize = 10000
)

// shutdownTimeout bounds graceful shutdown once the run context ends.
const shutdownTimeout = 5 * time.Second

// Gateway serves one crew over HTTP.
type Gateway struct {
	config     *config.Config
	crew       *crew.Crew
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	// replay returns the stored response for a repeated chat request_id
	replay *dedupe.Cache[*ChatResponse]

	// now stamps transcript exports
	now func() time.Time
}

// New creates a gateway for c. The gateway takes ownership of c and closes
// it on Shutdown.
func New(cfg *config.Config, c *crew.Crew, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gw := &Gateway{
		config: cfg,
		crew:   c,
		logger: logger,
		replay: dedupe.New[*ChatResponse](replayTTL, replayMaxSize),
		now:    time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux)

	var handler = gw.logRequests(mux)
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.replay.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		handler = auth.HTTPAuthMiddleware(verifier, "/health", "/health/ready")(handler)
		logger.Info("HTTP auth enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}
	gw.handler = handler

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the gateway's HTTP handler, auth included.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Run serves until ctx is canceled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go g.crew.RunJanitor(janitorCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}
	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases the crew.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "crew close", g.crew.Close())
	g.replay.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once every agent is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.crew.Registry.Validate(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%s backend)", g.config.Agents.Backend)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// logRequests logs every authenticated request with its status and subject.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/health" {
			return
		}
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"subject", auth.Subject(r.Context()),
			"duration", time.Since(start))
	})
}
