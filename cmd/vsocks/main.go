package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/vsocks/internal/config"
	"github.com/nishisan-dev/vsocks/internal/daemon"
	"github.com/nishisan-dev/vsocks/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/vsocks/vsocks.yaml", "path to proxy config file")
	verbose := flag.Bool("v", false, "force debug logging regardless of config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *verbose {
		level = "debug"
	}
	logger, logCloser := logging.NewLogger(level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := daemon.Run(ctx, cfg, logger); err != nil {
		logger.Error("vsocks exited with error", "error", err)
		os.Exit(1)
	}
}
