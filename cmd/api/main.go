package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/misszhang/rosterboard/internal/config"
	"github.com/misszhang/rosterboard/internal/di"
	"github.com/misszhang/rosterboard/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnvFile(".env"); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, lp, err := observability.NewLogger(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a, err := di.InitializeApp(ctx, cfg, logger, lp)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	logger.Info("rosterboard starting",
		"env", cfg.AppEnv,
		"addr", cfg.HTTPAddr,
		"session_store", cfg.SessionStore,
		"wechat_configured", cfg.WeChatConfigured(),
	)
	return a.Run(ctx)
}
