package services

import (
	"github.com/mbocsi/obdrelay/adapter"
	"github.com/mbocsi/obdrelay/relay"
)

// Adapter is the part of the transport manager the services use.
type Adapter interface {
	ConnectedDevice() (adapter.Device, bool)
	CommandChannel() string
	ResponseChannel() string
	SendCommand(command string) error
}

// Relay is the part of the relay manager the services use.
type Relay interface {
	IsRunning() bool
	IsConnected() bool
	State() relay.State
	Target() string
	Send(v any) error
}

// AdapterService handles adapter-related operations
type AdapterService interface {
	GetAdapter() AdapterInfo
	SendCommand(command string) error
}

// RelayService handles backend relay operations
type RelayService interface {
	GetRelay() RelayInfo
	Send(payload map[string]any) error
}

// ServiceContainer holds all service implementations
type ServiceContainer struct {
	Adapter AdapterService
	Relay   RelayService
}

func NewServiceContainer(a Adapter, r Relay) *ServiceContainer {
	return &ServiceContainer{
		Adapter: NewAdapterService(a),
		Relay:   NewRelayService(r),
	}
}

// Status returns a snapshot of both halves of the bridge.
func (c *ServiceContainer) Status() StatusInfo {
	return StatusInfo{
		Adapter: c.Adapter.GetAdapter(),
		Relay:   c.Relay.GetRelay(),
	}
}
