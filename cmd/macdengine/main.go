package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"macd-systemv1/config"
	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/macdengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "macdengine:", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "macdengine:", err)
		os.Exit(1)
	}
	log := logger.Init("macdengine", level)
	log.Info("config loaded",
		"macd", cfg.MACD().Name(),
		"seed", cfg.MACDSeed.String(),
		"streams", cfg.PriceStreams,
		"snapshot_interval", cfg.SnapshotInterval.String())

	svc, err := macdengine.New(cfg, log)
	if err != nil {
		log.Error("init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
