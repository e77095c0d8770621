package adapter

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("wireless permission denied")
	ErrNotConnected     = errors.New("adapter not connected")
	ErrNoCommandChannel = errors.New("no writable channel found")
	ErrNoDevice         = errors.New("no matching adapter found")
)

// ScanError reports a failure of the platform discovery backend.
type ScanError struct {
	Err error
}

func (e *ScanError) Error() string { return "scan failed: " + e.Err.Error() }
func (e *ScanError) Unwrap() error { return e.Err }

// ConnectionError reports a failed connect attempt to a device.
type ConnectionError struct {
	Device Device
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s (%s): %v", e.Device.Name, e.Device.ID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotificationError is a per-message decode failure on the response channel.
// It never tears down the session.
type NotificationError struct {
	Channel string
	Err     error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification on %s: %v", e.Channel, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// AmbiguousDeviceError is returned when several devices match a name filter
// and no address was configured to pick one.
type AmbiguousDeviceError struct {
	Candidates []Device
}

func (e *AmbiguousDeviceError) Error() string {
	names := make([]string, 0, len(e.Candidates))
	for _, d := range e.Candidates {
		names = append(names, fmt.Sprintf("%s (%s)", d.Name, d.ID))
	}
	return "ambiguous adapter, set an address: " + strings.Join(names, ", ")
}
