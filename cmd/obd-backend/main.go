package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mbocsi/obdrelay/backend"
	"github.com/mbocsi/obdrelay/config"
	"github.com/mbocsi/obdrelay/discovery"
	"github.com/mbocsi/obdrelay/logging"
	"github.com/mbocsi/obdrelay/proto"
)

// obd-backend is a development endpoint that accepts bridges, logs their
// telemetry and optionally advertises itself over mDNS.
func main() {
	addr := flag.String("addr", ":8000", "listen address")
	tokens := flag.String("tokens", "", "comma separated accepted tokens (default $OBD_BACKEND_TOKENS)")
	advertise := flag.Bool("advertise", false, "advertise the backend over mDNS")
	envPath := flag.String("env", ".env", "optional dotenv file")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		slog.Error("Failed to load env file", "error", err)
		os.Exit(1)
	}
	if _, err := logging.Setup(config.LogConfig{Level: *level, Format: "text"}); err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}

	list := *tokens
	if list == "" {
		list = os.Getenv("OBD_BACKEND_TOKENS")
	}
	if list == "" {
		slog.Error("No tokens configured")
		os.Exit(1)
	}

	srv := backend.NewServer(*addr, backend.StaticTokens(strings.Split(list, ",")...))
	srv.OnMessage(func(c *backend.Client, msg proto.Message) {
		if msg.Type() == proto.TypeTelemetry {
			slog.Info("Telemetry", "bridge", c.Id, "data", msg.String("data"))
			return
		}
		slog.Info("Message", "bridge", c.Id, "type", msg.Type())
	})

	if *advertise {
		port, err := discovery.PortOf(*addr)
		if err != nil {
			slog.Error("Invalid listen address", "error", err)
			os.Exit(1)
		}
		adv, err := discovery.Advertise("obd-backend", discovery.BackendService, port, nil)
		if err != nil {
			slog.Error("Failed to advertise backend", "error", err)
			os.Exit(1)
		}
		defer adv.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(); err != nil {
		slog.Error("Backend stopped", "error", err)
		os.Exit(1)
	}
}
