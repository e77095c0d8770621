// Package monitor serves the local observer surface of the bridge: a JSON
// status endpoint, a WebSocket event stream and two control endpoints.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/obdrelay/broker"
	"github.com/mbocsi/obdrelay/proto"
	"github.com/mbocsi/obdrelay/services"
)

const (
	eventBuffer = 32
	writeWait   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// StatusEvent is sent when the relay connection changes state.
type StatusEvent struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

// DataEvent carries one message received from the backend.
type DataEvent struct {
	Type    string        `json:"type"`
	Message proto.Message `json:"message"`
}

type Monitor struct {
	Addr string

	services *services.ServiceContainer
	broker   *broker.Broker
	server   *http.Server
}

func New(addr string, svc *services.ServiceContainer) *Monitor {
	m := &Monitor{
		Addr:     addr,
		services: svc,
		broker:   broker.NewBroker(),
	}
	m.server = &http.Server{Addr: addr, Handler: m.Routes()}
	return m
}

// Routes returns the HTTP routes of the monitor
func (m *Monitor) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", m.HandleStatus)
	r.Get("/events", m.HandleEvents)
	r.Post("/api/commands", m.HandleSendCommand)
	r.Post("/api/relay", m.HandleRelaySend)
	return r
}

func (m *Monitor) Start() error {
	slog.Info("Starting monitor", "addr", m.Addr)
	err := m.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Monitor) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down monitor", "addr", m.Addr)
	return m.server.Shutdown(ctx)
}

// PublishStatus fans a relay status change out to event clients.
func (m *Monitor) PublishStatus(connected bool) {
	m.broker.Publish(broker.Event{
		Topic:   broker.TopicStatus,
		Payload: StatusEvent{Type: broker.TopicStatus, Connected: connected},
	})
}

// PublishData fans a backend message out to event clients.
func (m *Monitor) PublishData(msg proto.Message) {
	m.broker.Publish(broker.Event{
		Topic:   broker.TopicData,
		Payload: DataEvent{Type: broker.TopicData, Message: msg},
	})
}
