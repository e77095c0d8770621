package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/obdrelay/adapter"
	"github.com/mbocsi/obdrelay/proto"
)

// bridgeBacklog bounds the adapter responses waiting to be written.
const bridgeBacklog = 64

// startBridgeLocked routes source bytes, framed at the ELM327 prompt, onto
// conn as telemetry envelopes until stopBridgeLocked runs.
func (r *Relay) startBridgeLocked(conn *websocket.Conn) {
	if r.source == nil {
		return
	}
	r.stopBridgeLocked()

	ctx, cancel := context.WithCancel(context.Background())
	r.bridgeStop = cancel

	frames := make(chan string, bridgeBacklog)
	framer := adapter.NewFramer(func(s string) {
		select {
		case frames <- s:
		case <-ctx.Done():
		default:
			slog.Warn("Relay bridge backlog full, dropping adapter response")
		}
	})
	r.source.SetDataCallback(framer.Feed)

	go r.bridge(ctx, conn, frames)
	slog.Debug("Relay bridge started")
}

func (r *Relay) bridge(ctx context.Context, conn *websocket.Conn, frames <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-frames:
			data, err := json.Marshal(proto.NewTelemetryMessage(s, time.Now()))
			if err != nil {
				slog.Warn("Failed to encode telemetry", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if err := r.write(conn, data); err != nil {
				slog.Debug("Telemetry write failed", "error", err)
			}
		}
	}
}

func (r *Relay) stopBridgeLocked() {
	if r.bridgeStop == nil {
		return
	}
	r.bridgeStop()
	r.bridgeStop = nil
	r.source.SetDataCallback(nil)
	slog.Debug("Relay bridge stopped")
}
