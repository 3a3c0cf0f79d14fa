// Package main provides the entry point for the vidopt HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maauso/vidopt/internal/bootstrap"
	"github.com/maauso/vidopt/internal/config"
	"github.com/maauso/vidopt/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting vidopt server",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.String("container", cfg.Container),
		slog.Int64("default_max_bitrate", cfg.DefaultMaxBitrate),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	supported := deps.Service.IsSupported(startupCtx)
	cancelStartup()
	if !supported {
		logger.Warn("ffmpeg toolchain incomplete, optimize and frame requests will fail",
			slog.String("ffmpeg", deps.Toolchain.FFmpegPath()),
			slog.String("ffprobe", deps.Toolchain.FFprobePath()),
		)
	}

	deps.Service.StartJanitor(cfg.JanitorInterval, cfg.JobRetention)

	handlers := server.NewHandlers(deps.Service, logger)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	// Jobs run in the background; only uploads keep a request open for long.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	// Running encodes are cancelled and their partial files removed.
	if err := deps.Service.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop jobs: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
