package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbocsi/obdrelay/app"
	"github.com/mbocsi/obdrelay/config"
	"github.com/mbocsi/obdrelay/logging"
)

func main() {
	configPath := flag.String("config", "obdrelay.yaml", "path to the YAML configuration")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		slog.Error("Failed to load env file", "path", *envPath, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	logFile, err := logging.Setup(cfg.Log)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()

	bridge, err := app.New(cfg, app.NewPlatform(cfg.Adapter))
	if err != nil {
		slog.Error("Failed to create bridge", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		slog.Error("Bridge stopped", "error", err)
		stop()
		logFile.Close()
		os.Exit(1)
	}
	slog.Info("Bridge shut down")
}
