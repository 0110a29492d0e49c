package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/sentinel/internal/app"
	"github.com/kestrelhq/sentinel/internal/config"
)

// runServe starts the full service: background scheduler plus HTTP API,
// running until SIGINT/SIGTERM.
func runServe() error {
	logger := initLogger()

	if err := checkRequiredEnv(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr, err := parseServeAddr(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting sentinel", "version", Version)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.Server.Run(gctx, addr)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("sentinel stopped")
	return nil
}
