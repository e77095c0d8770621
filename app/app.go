// Package app wires the adapter, the relay and the local surfaces into one
// running bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/obdrelay/adapter"
	"github.com/mbocsi/obdrelay/config"
	"github.com/mbocsi/obdrelay/discovery"
	"github.com/mbocsi/obdrelay/mcp"
	"github.com/mbocsi/obdrelay/monitor"
	"github.com/mbocsi/obdrelay/relay"
	"github.com/mbocsi/obdrelay/services"
	"golang.org/x/sync/errgroup"
)

const (
	Name    = "obdrelay"
	Version = "0.1.0"

	shutdownTimeout = 5 * time.Second
)

type App struct {
	cfg config.Config

	Adapter  *adapter.Manager
	Relay    *relay.Relay
	Services *services.ServiceContainer
	Monitor  *monitor.Monitor // nil when monitor.addr is empty
	MCP      *mcp.MCPServer   // nil unless mcp.enabled

	poller   *adapter.Poller
	linkLost chan adapter.Device
	ready    atomic.Bool // adapter initialized; poll commands are held back until then

	backend string // resolved once by Run, reused when the relay is restarted

	// tokenMu guards the token bookkeeping used to recover from a rejection
	tokenMu      sync.Mutex
	token        string
	rejected     bool
	rejectedWith string

	discover func(timeout time.Duration) (*discovery.Service, error)
}

// NewPlatform returns the adapter transport selected by cfg.Kind.
func NewPlatform(cfg config.AdapterConfig) adapter.Platform {
	if cfg.Kind == "serial" {
		return adapter.NewSerialPlatform(cfg.SerialPort, cfg.BaudRate)
	}
	return adapter.NewBluetoothPlatform()
}

func New(cfg config.Config, platform adapter.Platform) (*App, error) {
	encoding, err := adapter.ParseEncoding(cfg.Adapter.PayloadEncoding)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		linkLost: make(chan adapter.Device, 1),
		discover: discovery.DiscoverBackend,
	}
	a.Adapter = adapter.NewManager(platform, adapter.Options{
		CommandDelay: cfg.Adapter.CommandDelay,
		Encoding:     encoding,
	})
	a.Relay = relay.New(a.Adapter, relay.Options{
		ReconnectDelay: cfg.Backend.ReconnectDelay,
		Path:           cfg.Backend.Path,
	})
	a.Services = services.NewServiceContainer(a.Adapter, a.Relay)
	a.poller = adapter.NewPoller(pollSender{a}, cfg.Adapter.Poll.Commands, cfg.Adapter.Poll.Interval)

	if cfg.Monitor.Addr != "" {
		a.Monitor = monitor.New(cfg.Monitor.Addr, a.Services)
	}
	if cfg.MCP.Enabled {
		a.MCP = mcp.NewMCPServer(Name, Version)
		mcp.NewTools(a.Services).Register(a.MCP)
	}

	a.Adapter.OnLinkLost(a.handleLinkLost)
	a.Relay.OnStatusChange(a.handleStatus)
	a.Relay.OnData(a.Handle)
	a.Relay.OnError(a.handleRelayError)
	return a, nil
}

// Run brings the bridge up and blocks until ctx is done or a component
// fails. The relay and the adapter session are released before it returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.connectAdapter(ctx); err != nil {
		return err
	}
	defer a.Adapter.Disconnect()

	token, err := a.cfg.Backend.ResolveToken()
	if err != nil {
		return err
	}
	backendURL, err := a.resolveBackendURL()
	if err != nil {
		return err
	}
	a.backend = backendURL
	a.setToken(token)
	if err := a.Relay.Start(token, backendURL); err != nil {
		return err
	}
	defer a.Relay.Stop()

	if a.MCP != nil {
		go func() {
			if err := a.MCP.Run(); err != nil {
				slog.Error("MCP server stopped", "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.poller.Run(gctx) })
	g.Go(func() error { return a.superviseAdapter(gctx) })
	if a.cfg.Backend.TokenRefresh > 0 {
		g.Go(func() error { return a.refreshToken(gctx) })
	}
	if a.Monitor != nil {
		g.Go(a.Monitor.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.Monitor.Shutdown(shutdownCtx)
		})
		if a.cfg.Monitor.Advertise {
			if err := a.advertise(gctx, g); err != nil {
				slog.Warn("Failed to advertise monitor", "error", err)
			}
		}
	}

	slog.Info("Bridge running", "backend", a.Relay.Target())
	return g.Wait()
}

// connectAdapter runs permission, scan, selection, connect and
// initialization in order.
func (a *App) connectAdapter(ctx context.Context) error {
	if !a.Adapter.RequestPermissions(ctx) {
		return adapter.ErrPermissionDenied
	}

	devices, err := a.Adapter.Scan(ctx, a.cfg.Adapter.ScanTimeout)
	if err != nil {
		return err
	}
	device, err := adapter.SelectDevice(devices, a.cfg.Adapter.Address, a.cfg.Adapter.Name)
	if err != nil {
		return fmt.Errorf("select adapter among %d devices: %w", len(devices), err)
	}
	return a.attach(ctx, device)
}

func (a *App) attach(ctx context.Context, device adapter.Device) error {
	a.ready.Store(false)
	if err := a.Adapter.Connect(ctx, device); err != nil {
		return err
	}
	if err := a.Adapter.InitializeOBD(ctx); err != nil {
		a.Adapter.Disconnect()
		return err
	}
	a.ready.Store(true)
	return nil
}

// pollSender drops poll commands while the adapter is not initialized so
// that they never interleave with the ELM327 init sequence.
type pollSender struct {
	a *App
}

func (p pollSender) SendCommand(command string) error {
	if !p.a.ready.Load() {
		return nil
	}
	return p.a.Adapter.SendCommand(command)
}

func (a *App) resolveBackendURL() (string, error) {
	if a.cfg.Backend.URL != "" {
		return a.cfg.Backend.URL, nil
	}
	svc, err := a.discover(a.cfg.Backend.DiscoverTimeout)
	if err != nil {
		return "", fmt.Errorf("discover backend: %w", err)
	}
	slog.Info("Discovered backend", "name", svc.Name, "url", svc.BaseURL())
	return svc.BaseURL(), nil
}

func (a *App) advertise(ctx context.Context, g *errgroup.Group) error {
	port, err := discovery.PortOf(a.cfg.Monitor.Addr)
	if err != nil {
		return err
	}
	adv, err := discovery.Advertise(a.cfg.Monitor.Name, discovery.MonitorService, port, []string{"version=" + Version})
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		return adv.Shutdown()
	})
	return nil
}

// superviseAdapter reconnects to the same device after the link drops,
// retrying every reconnect_delay until it succeeds or ctx is done.
func (a *App) superviseAdapter(ctx context.Context) error {
	for {
		var device adapter.Device
		select {
		case <-ctx.Done():
			return nil
		case device = <-a.linkLost:
		}

		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.cfg.Adapter.ReconnectDelay):
			}

			err := a.attach(ctx, device)
			if err == nil {
				slog.Info("Adapter reconnected", "device", device.Name, "attempts", attempt)
				break
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Warn("Adapter reconnect failed", "device", device.Name, "attempt", attempt, "error", err)
		}
	}
}

func (a *App) refreshToken(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Backend.TokenRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		token, err := a.cfg.Backend.ResolveToken()
		if err != nil {
			slog.Warn("Token refresh failed, keeping current token", "error", err)
			continue
		}

		a.tokenMu.Lock()
		a.token = token
		restart := a.rejected && token != a.rejectedWith && !a.Relay.IsRunning()
		if restart {
			a.rejected = false
		}
		a.tokenMu.Unlock()

		if restart {
			slog.Info("Token rotated after rejection, restarting relay")
			if err := a.Relay.Start(token, a.backend); err != nil {
				return err
			}
			continue
		}
		a.Relay.UpdateToken(token)
		slog.Debug("Token refreshed")
	}
}

func (a *App) setToken(token string) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()
	a.token = token
}

// markRejected remembers that the backend refused the current token. The
// relay is restarted once token_file yields a different one.
func (a *App) markRejected() {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()
	a.rejected = true
	a.rejectedWith = a.token
}
