package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adeilh/go-rakh-auth/config"
	"github.com/adeilh/go-rakh-auth/internal/cmd/authd"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := authd.NewLogger(os.Stdout, cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := authd.Run(ctx, cfg, logger); err != nil {
		logger.Error("auth service stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
