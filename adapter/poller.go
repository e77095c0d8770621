package adapter

import (
	"context"
	"log/slog"
	"time"
)

const DefaultPollInterval = time.Second

type CommandSender interface {
	SendCommand(command string) error
}

// Poller cycles a fixed list of PID requests through the adapter. Responses
// come back through the data callback; the poller never reads them.
type Poller struct {
	sender   CommandSender
	commands []string
	interval time.Duration
}

func NewPoller(sender CommandSender, commands []string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{sender: sender, commands: commands, interval: interval}
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.commands) == 0 {
		slog.Info("No poll commands configured, poller idle")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("Poller started", "commands", len(p.commands), "interval", p.interval)
	for i := 0; ; i++ {
		cmd := p.commands[i%len(p.commands)]
		if err := p.sender.SendCommand(cmd); err != nil {
			slog.Warn("Poll command failed", "command", cmd, "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("Poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}
