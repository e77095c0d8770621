package app

import (
	"errors"
	"log/slog"

	"github.com/mbocsi/obdrelay/adapter"
	"github.com/mbocsi/obdrelay/proto"
	"github.com/mbocsi/obdrelay/relay"
)

// Handle dispatches one message received from the backend.
func (a *App) Handle(msg proto.Message) {
	if a.Monitor != nil {
		a.Monitor.PublishData(msg)
	}

	switch msg.Type() {
	case proto.TypeCommand:
		a.handleCommand(msg)

	default:
		slog.Debug("Backend message", "type", msg.Type())
	}
}

func (a *App) handleCommand(msg proto.Message) {
	command := msg.String("command")
	if err := a.Services.Adapter.SendCommand(command); err != nil {
		slog.Warn("Backend command not sent", "command", command, "error", err)
		return
	}
	slog.Info("Backend command forwarded", "command", command)
}

func (a *App) handleStatus(connected bool) {
	slog.Info("Relay status changed", "connected", connected, "state", a.Relay.State())
	if a.Monitor != nil {
		a.Monitor.PublishStatus(connected)
	}
}

func (a *App) handleRelayError(err error) {
	if errors.Is(err, relay.ErrAuthRejected) {
		slog.Error("Backend rejected the token, relay stopped", "error", err)
		a.markRejected()
		return
	}
	slog.Warn("Relay error", "error", err)
}

func (a *App) handleLinkLost(device adapter.Device) {
	a.ready.Store(false)
	select {
	case a.linkLost <- device:
	default:
	}
}
