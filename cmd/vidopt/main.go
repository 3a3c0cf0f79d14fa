// Package main provides the vidopt command line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maauso/vidopt/internal/bootstrap"
	"github.com/maauso/vidopt/internal/cli"
	"github.com/maauso/vidopt/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(newService)
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newService() (cli.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Command output goes to stdout, so logs go to stderr.
	logger := cfg.NewLoggerTo(os.Stderr)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize dependencies: %w", err)
	}
	return deps.Service, nil
}
