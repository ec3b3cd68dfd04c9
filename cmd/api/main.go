// Package main is the entry point for the pingback server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/pingback/internal/config"
	"github.com/onnwee/pingback/internal/middleware"
	"github.com/onnwee/pingback/internal/tracing"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("PINGBACK_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Pingback Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		// Logger not configured yet; env may be unknown.
		logger := middleware.NewLogger("production")
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summary := make([]any, 0, 2*len(cfg.LogSummary()))
	for k, v := range cfg.LogSummary() {
		summary = append(summary, k, v)
	}
	logger.Info("configuration loaded", summary...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then shuts down gracefully. If ln is
// nil it listens on cfg.Port.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return errors.Join(err, tp.Shutdown(context.Background()))
	}

	if ln == nil {
		ln, err = net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
		if err != nil {
			return errors.Join(fmt.Errorf("failed to listen: %w", err), a.close(context.Background()), tp.Shutdown(context.Background()))
		}
	}

	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", ln.Addr().String())
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(err, a.close(context.Background()), tp.Shutdown(context.Background()))
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	a.health.SetDraining(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// In-flight callbacks finish before the stores and audit log close.
	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if err := a.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if dropped := a.audit.Dropped(); dropped > 0 {
		logger.Warn("audit entries dropped", "count", dropped)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	logger.Info("server stopped")
	return errors.Join(errs...)
}
