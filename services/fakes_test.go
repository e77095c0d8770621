package services

import (
	"github.com/mbocsi/obdrelay/adapter"
	"github.com/mbocsi/obdrelay/relay"
)

type fakeAdapter struct {
	device  *adapter.Device
	sent    []string
	sendErr error
}

func (f *fakeAdapter) ConnectedDevice() (adapter.Device, bool) {
	if f.device == nil {
		return adapter.Device{}, false
	}
	return *f.device, true
}

func (f *fakeAdapter) CommandChannel() string {
	if f.device == nil {
		return ""
	}
	return "fff2"
}

func (f *fakeAdapter) ResponseChannel() string {
	if f.device == nil {
		return ""
	}
	return "fff1"
}

func (f *fakeAdapter) SendCommand(command string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, command)
	return nil
}

type fakeRelay struct {
	connected bool
	sent      []any
	sendErr   error
}

func (f *fakeRelay) IsRunning() bool   { return true }
func (f *fakeRelay) IsConnected() bool { return f.connected }
func (f *fakeRelay) Target() string    { return "ws://backend/ws/telemetry" }

func (f *fakeRelay) State() relay.State {
	if f.connected {
		return relay.Open
	}
	return relay.Reconnecting
}

func (f *fakeRelay) Send(v any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v)
	return nil
}
