package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/runtime"
	flag "github.com/spf13/pflag"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)

	flag.StringVarP(&configPath, "config", "c", "", "Path to configuration file; built-in defaults and LOQA_* variables when empty")
	flag.StringVarP(&logLevel, "log", "l", "", "Log level override (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	boot := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		boot.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}
	logger := runtime.NewLogger(cfg.Telemetry, os.Stdout)
	if cfg.Realtime.APIKey == "" {
		logger.Warn("no realtime API key set; connecting will fail",
			slog.String("env", cfg.Realtime.APIKeyEnv))
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
