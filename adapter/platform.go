package adapter

import "context"

// Device describes a discovered adapter.
type Device struct {
	ID   string // Opaque platform handle, e.g. BLE address or serial path
	Name string // Advertised name; unnamed devices are never reported
	RSSI int
}

// Channel is one communication channel (GATT characteristic) exposed by a
// connected device.
type Channel struct {
	ID         string
	Writable   bool
	Notifiable bool
}

// Platform abstracts the wireless API supplied by the host. Implementations
// exist for BlueZ/CoreBluetooth/WinRT via tinygo bluetooth and for
// serial-port adapters.
type Platform interface {
	// RequestPermissions asks the host for scanning/connection rights.
	RequestPermissions(ctx context.Context) (bool, error)
	// Scan reports devices until ctx is done or the platform fails.
	Scan(ctx context.Context, found func(Device)) error
	Connect(ctx context.Context, device Device) (Session, error)
}

// Session is an open link to a single device.
type Session interface {
	Channels(ctx context.Context) ([]Channel, error)
	Write(channelID string, p []byte) error
	Subscribe(channelID string, fn func([]byte)) error
	// Done is closed when the link drops or Close is called.
	Done() <-chan struct{}
	Close() error
}
