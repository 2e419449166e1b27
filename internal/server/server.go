// Package server orchestrates all components: COMMS client, catalog, engine, dispatcher, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/morezero/capability-router/internal/config"
	"github.com/morezero/capability-router/pkg/commsutil"
	"github.com/morezero/capability-router/pkg/dispatcher"
)

const logPrefix = "server:server"

// Server is the capability-router orchestrator.
type Server struct {
	cfg        *config.Config
	rt         *Runtime
	disp       *dispatcher.Dispatcher
	httpServer *http.Server
}

// ParseLogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging installs the default text logger on stdout at the given level.
func SetupLogging(level string) {
	SetupLoggingTo(os.Stdout, level)
}

// SetupLoggingTo installs the default text logger on w.
func SetupLoggingTo(w io.Writer, level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLogLevel(level)})))
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	SetupLogging(cfg.LogLevel)

	slog.Info(fmt.Sprintf("%s - Starting capability-router", logPrefix))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 1: Connect to COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, commsutil.ConnectOptions{})
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, cfg.COMMSURL))

	// Step 2: Catalog, caches, transports and engine
	rt, err := NewRuntime(ctx, RuntimeParams{Config: cfg, Conn: nc})
	if err != nil {
		nc.Close()
		return err
	}
	s := &Server{cfg: cfg, rt: rt, disp: rt.Dispatcher()}

	// Step 3: Subscribe the dispatcher. In-flight requests outlive the signal so Drain can answer them.
	subject := cfg.RouterSubject
	if subject == "" {
		subject = commsutil.SubjectRouter
	}
	sub, err := nc.QueueSubscribe(subject, cfg.COMMSName, s.disp.MsgHandler(context.WithoutCancel(ctx), cfg.RequestTimeout))
	if err != nil {
		rt.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s (queue %s)", logPrefix, subject, cfg.COMMSName))

	// Step 4: Start HTTP health server
	httpAddr := cfg.ListenAddr()
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - capability-router is ready", logPrefix))

	<-ctx.Done()
	slog.Info(fmt.Sprintf("%s - Received shutdown signal, shutting down", logPrefix))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := sub.Unsubscribe(); err != nil {
		slog.Warn(fmt.Sprintf("%s - unsubscribe: %v", logPrefix, err))
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
	}
	if err := nc.Drain(); err != nil {
		slog.Warn(fmt.Sprintf("%s - COMMS drain: %v", logPrefix, err))
	}
	rt.Close()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// Handler returns the HTTP routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/capability/", s.handleCapabilityDetail())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", s.rt.Metrics.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.disp.Health(ctx)
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		slog.Error(fmt.Sprintf("%s - health encode: %v", logPrefix, err))
	}
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "ready", "capabilities": s.rt.Registry.Len()}); err != nil {
		slog.Error(fmt.Sprintf("%s - ready encode: %v", logPrefix, err))
	}
}
