// Package main is the entry point for the minegallery server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minegallery/minegallery/internal/blobstore"
	"github.com/minegallery/minegallery/internal/config"
	"github.com/minegallery/minegallery/internal/imagegen"
	"github.com/minegallery/minegallery/internal/logging"
	"github.com/minegallery/minegallery/internal/metrics"
	"github.com/minegallery/minegallery/internal/server"
)

func main() {
	configPath := flag.String("config", "minegallery.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	store, err := buildStore(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize blob store: %v\n", err)
		os.Exit(1)
	}

	// Ping the store so misconfiguration shows up in the logs right away.
	// A failed ping is not fatal: the health endpoint reports the store as
	// degraded and transient outages recover without a restart.
	pingCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := store.HealthCheck(pingCtx); err != nil {
		slog.Warn("Blob store unreachable at startup", "error", err)
	}
	cancel()

	gen := imagegen.NewStabilityClient(imagegen.StabilityOptions{
		BaseURL:      cfg.ImageGen.BaseURL,
		EnginePath:   cfg.ImageGen.EnginePath,
		APIKey:       cfg.ImageGen.APIKey,
		PromptPrefix: cfg.ImageGen.PromptPrefix,
		OutputFormat: cfg.ImageGen.OutputFormat,
		Timeout:      time.Duration(cfg.ImageGen.TimeoutSeconds) * time.Second,
	}, slog.Default())
	if cfg.ImageGen.APIKey == "" {
		slog.Warn("No image generation API key configured; /api/v1/generate will fail")
	}

	srv, err := server.New(cfg, server.WithStore(store), server.WithGenerator(gen))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("minegallery listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildStore opens the configured blob store backend, wrapped with
// operation counters.
func buildStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	store, err := blobstore.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	return blobstore.Instrument(store), nil
}
