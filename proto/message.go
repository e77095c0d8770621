package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types exchanged with the relay backend.
const (
	TypeAuth      = "auth"
	TypeAuthError = "auth_error"
	TypeTelemetry = "telemetry"
	TypeCommand   = "command"
)

// CloseUnauthorized is the WebSocket close code a backend sends when the
// auth envelope carries an invalid token.
const CloseUnauthorized = 4401

// Message is an inbound relay message. The relay does not enforce a schema
// beyond "a valid JSON object", so it is kept as a generic map.
type Message map[string]any

// Type returns the "type" field, or "" if it is absent or not a string.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// String returns the named field as a string, or "" if absent.
func (m Message) String(field string) string {
	v, _ := m[field].(string)
	return v
}

type AuthMessage struct {
	Type  string `json:"type"`  // always "auth"
	Token string `json:"token"` // bearer token
}

func NewAuthMessage(token string) AuthMessage {
	return AuthMessage{Type: TypeAuth, Token: token}
}

type TelemetryMessage struct {
	Type      string `json:"type"`      // always "telemetry"
	Data      string `json:"data"`      // one adapter response, prompt stripped
	Timestamp int64  `json:"timestamp"` // UNIX milliseconds
}

func NewTelemetryMessage(data string, at time.Time) TelemetryMessage {
	return TelemetryMessage{Type: TypeTelemetry, Data: data, Timestamp: at.UnixMilli()}
}

// CommandMessage asks the bridge to forward a raw command to the adapter.
type CommandMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// Parse validates raw as a JSON object and returns it.
func Parse(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("expected JSON object, got null")
	}
	return msg, nil
}
