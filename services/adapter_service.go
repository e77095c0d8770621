package services

import (
	"github.com/mbocsi/obdrelay/adapter"
)

// AdapterServiceImpl implements AdapterService
type AdapterServiceImpl struct {
	adapter Adapter
}

func NewAdapterService(a Adapter) AdapterService {
	return &AdapterServiceImpl{adapter: a}
}

func (s *AdapterServiceImpl) GetAdapter() AdapterInfo {
	device, ok := s.adapter.ConnectedDevice()
	if !ok {
		return AdapterInfo{}
	}
	return AdapterInfo{
		Connected:       true,
		DeviceID:        device.ID,
		DeviceName:      device.Name,
		CommandChannel:  s.adapter.CommandChannel(),
		ResponseChannel: s.adapter.ResponseChannel(),
	}
}

// SendCommand validates command and writes it to the adapter.
func (s *AdapterServiceImpl) SendCommand(command string) error {
	cmd, err := adapter.FormatCommand(command)
	if err != nil {
		return ServiceError{Code: ErrCodeInvalidInput, Message: "Invalid command", Cause: err}
	}
	if s.adapter.CommandChannel() == "" {
		return ServiceError{Code: ErrCodeUnavailable, Message: "Adapter not connected"}
	}
	if err := s.adapter.SendCommand(cmd); err != nil {
		return ServiceError{Code: ErrCodeInternal, Message: "Failed to write command", Cause: err}
	}
	return nil
}
