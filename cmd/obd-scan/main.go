package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/mbocsi/obdrelay/adapter"
	"github.com/mbocsi/obdrelay/app"
	"github.com/mbocsi/obdrelay/config"
	"github.com/mbocsi/obdrelay/logging"
)

// obd-scan lists the adapters the configured platform can see, so that
// adapter.name or adapter.address can be filled in.
func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	kind := flag.String("kind", "", "override adapter.kind (ble or serial)")
	timeout := flag.Duration("timeout", 0, "override adapter.scan_timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *kind != "" {
		cfg.Adapter.Kind = *kind
	}
	if *timeout > 0 {
		cfg.Adapter.ScanTimeout = *timeout
	}
	if err := cfg.ValidateAdapter(); err != nil {
		slog.Error("Invalid config", "error", err)
		os.Exit(1)
	}
	if _, err := logging.Setup(cfg.Log); err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := adapter.NewManager(app.NewPlatform(cfg.Adapter), adapter.Options{})
	if !manager.RequestPermissions(ctx) {
		slog.Error("Permission denied")
		os.Exit(1)
	}

	slog.Info("Scanning", "kind", cfg.Adapter.Kind, "timeout", cfg.Adapter.ScanTimeout)
	devices, err := manager.Scan(ctx, cfg.Adapter.ScanTimeout)
	if err != nil {
		slog.Error("Scan failed", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tRSSI")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%d\n", d.ID, d.Name, d.RSSI)
	}
	w.Flush()
}
