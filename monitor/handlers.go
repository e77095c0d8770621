package monitor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/obdrelay/broker"
	"github.com/mbocsi/obdrelay/services"
)

type commandRequest struct {
	Command string `json:"command"`
}

func (m *Monitor) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.services.Status())
}

func (m *Monitor) HandleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.handleError(w, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Invalid JSON", Cause: err})
		return
	}

	if err := m.services.Adapter.SendCommand(req.Command); err != nil {
		m.handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (m *Monitor) HandleRelaySend(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		m.handleError(w, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Body must be a JSON object", Cause: err})
		return
	}

	if err := m.services.Relay.Send(payload); err != nil {
		m.handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleEvents streams status and data events over a WebSocket. The current
// relay status is always the first event.
func (m *Monitor) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	id := "monitor-" + uuid.NewString()
	slog.Info("Event client connected", "id", id, "remote_addr", r.RemoteAddr)
	defer slog.Info("Event client disconnected", "id", id)

	events := make(chan broker.Event, eventBuffer)
	m.broker.Subscribe(broker.TopicStatus, events)
	m.broker.Subscribe(broker.TopicData, events)
	defer m.broker.Unsubscribe(broker.TopicStatus, events)
	defer m.broker.Unsubscribe(broker.TopicData, events)

	// Inbound frames are ignored; reading only detects the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	initial := StatusEvent{Type: broker.TopicStatus, Connected: m.services.Relay.GetRelay().Connected}
	if err := writeEvent(conn, initial); err != nil {
		slog.Debug("Event write failed", "id", id, "error", err)
		return
	}

	for {
		select {
		case ev := <-events:
			if err := writeEvent(conn, ev.Payload); err != nil {
				slog.Debug("Event write failed", "id", id, "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError handles service errors with proper HTTP status codes
func (m *Monitor) handleError(w http.ResponseWriter, err error) {
	slog.Error("Service error", "error", err)

	var serviceErr services.ServiceError
	if errors.As(err, &serviceErr) {
		status := http.StatusInternalServerError
		switch serviceErr.Code {
		case services.ErrCodeInvalidInput:
			status = http.StatusBadRequest
		case services.ErrCodeUnavailable:
			status = http.StatusServiceUnavailable
		}

		http.Error(w, serviceErr.Message, status)
		return
	}

	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
