package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"imgreg/internal/cli"
	"imgreg/internal/config"
	"imgreg/internal/logging"
	"imgreg/internal/pipeline"
	"imgreg/internal/storage"
	"imgreg/internal/warp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("job history disabled", "error", err)
		store = nil
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, &cfg.Registration)
	defer pipe.Stop()
	defer warp.Terminate()

	rootCmd := cli.NewRootCmd(cfg, logger, store, pipe)
	rootCmd.SetArgs(os.Args[1:])
	return rootCmd.ExecuteContext(ctx)
}
