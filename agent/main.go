package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"booth-agent/agent/internal/config"
	"booth-agent/agent/internal/logger"
	"booth-agent/agent/internal/service"
)

func main() {
	var (
		cfgPath = flag.String("config", config.DefaultFile, "Path to configuration file")
		version = flag.Bool("version", false, "Print the agent version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(service.Version)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
		os.Exit(2)
	}
	if err := logger.Init(logger.Options{
		Path:       cfg.Log.Path,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "Cannot initialize logger:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := service.New(ctx, cfg)
	if err != nil {
		logger.L.Error().Err(err).Msg("agent failed to start")
		os.Exit(1)
	}
	defer agent.Close()

	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received, waiting for running commands...")
		// a second signal skips the wait
		force := make(chan os.Signal, 1)
		signal.Notify(force, os.Interrupt, syscall.SIGTERM)
		<-force
		logger.Warn("Forced exit")
		os.Exit(1)
	}()

	if err := agent.Run(ctx); err != nil {
		logger.L.Error().Err(err).Msg("agent stopped with error")
	}
}
