// Package main provides the momentum binary entry point.
// Momentum is the task dispatch and execution core of a multi-tenant
// productivity backend: it selects ready tasks, queues them for human or
// AI executors, and reconciles the outcomes reported back via callbacks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/momentum/config"
	callbackapi "github.com/c360studio/momentum/processor/callback-api"
	taskdispatcher "github.com/c360studio/momentum/processor/task-dispatcher"
	taskexecutor "github.com/c360studio/momentum/processor/task-executor"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "momentum"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "momentum",
		Short: "Task dispatch and execution core",
		Long: `Momentum dispatches ready tasks to human and AI executors, tracks
them through a durable execution queue, and reconciles the outcomes
reported back asynchronously.

It provides:
- Periodic and on-demand dispatch of ready tasks
- Executor routing (SDK quick path and container path)
- Outcome reconciliation with semantic completion validation
- Dependency promotion and a per-task circuit breaker

State lives in NATS JetStream; callbacks arrive over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logLevel)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(logLevel string) error {
	// Local overrides; missing .env is fine.
	_ = godotenv.Load()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	if err := ensureStreams(ctx, natsClient, logger); err != nil {
		return err
	}

	slog.Info("Momentum ready",
		"version", Version,
		"tenant_id", cfg.Tenant.PrimaryTenantID)

	deps := component.Dependencies{
		NATSClient: natsClient,
		Logger:     logger,
	}

	dispatcher, executor, callbacks, err := buildComponents(cfg, deps)
	if err != nil {
		return err
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	components := []interface {
		Initialize() error
		Start(context.Context) error
		Stop(time.Duration) error
		Meta() component.Metadata
	}{dispatcher, executor, callbacks}

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", c.Meta().Name, err)
		}
		if err := c.Start(signalCtx); err != nil {
			return fmt.Errorf("start %s: %w", c.Meta().Name, err)
		}
	}

	server := buildHTTPServer(cfg, dispatcher, callbacks)
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "bind", cfg.Callback.Bind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until shutdown signal or server failure
	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case err := <-serverErr:
		slog.Error("HTTP server failed", "error", err)
		signalCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	shutdownTimeout := 30 * time.Second
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(shutdownTimeout); err != nil {
			slog.Error("Error stopping component",
				"component", components[i].Meta().Name,
				"error", err)
		}
	}

	slog.Info("Momentum shutdown complete")
	return nil
}

// buildComponents constructs the three processors from the loaded config.
func buildComponents(cfg *config.Config, deps component.Dependencies) (*taskdispatcher.Component, *taskexecutor.Component, *callbackapi.Component, error) {
	dispatcherCfg, _ := json.Marshal(map[string]any{
		"tenant_id": cfg.Tenant.PrimaryTenantID,
		"user_id":   cfg.Tenant.PrimaryUserID,
	})
	d, err := taskdispatcher.NewComponent(dispatcherCfg, deps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create task-dispatcher: %w", err)
	}

	executorCfg, _ := json.Marshal(map[string]any{
		"tenant_id":                 cfg.Tenant.PrimaryTenantID,
		"executor_url":              cfg.Executor.URL,
		"request_timeout":           cfg.Executor.Timeout.Nanoseconds(),
		"container_timeout_seconds": int(cfg.Executor.ContainerTimeout.Seconds()),
	})
	e, err := taskexecutor.NewComponent(executorCfg, deps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create task-executor: %w", err)
	}

	callbackCfg, _ := json.Marshal(map[string]any{
		"tenant_id":  cfg.Tenant.PrimaryTenantID,
		"passphrase": cfg.Callback.WritePassphrase,
	})
	c, err := callbackapi.NewComponent(callbackCfg, deps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create callback-api: %w", err)
	}

	return d.(*taskdispatcher.Component), e.(*taskexecutor.Component), c.(*callbackapi.Component), nil
}

// buildHTTPServer mounts the callback endpoints, the on-demand dispatch
// endpoint, metrics, and health.
func buildHTTPServer(cfg *config.Config, dispatcher *taskdispatcher.Component, callbacks *callbackapi.Component) *http.Server {
	mux := http.NewServeMux()
	dispatcher.RegisterHTTPHandlers("", mux)
	callbacks.RegisterHTTPHandlers("", mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		healthy := dispatcher.Health().Healthy && callbacks.Health().Healthy
		status := http.StatusOK
		state := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": state})
	})

	return &http.Server{
		Addr:              cfg.Callback.Bind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

// ensureStreams provisions the DISPATCH stream carrying dispatch events.
func ensureStreams(ctx context.Context, natsClient *natsclient.Client, logger *slog.Logger) error {
	js, err := natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:     "DISPATCH",
		Subjects: []string{"dispatch.>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("ensure DISPATCH stream: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}
