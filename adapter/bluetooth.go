package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// GATT characteristic property bits.
const (
	gattWriteNoResponse = 0x04
	gattWrite           = 0x08
	gattNotify          = 0x10
	gattIndicate        = 0x20
)

// Roles of the characteristics used by common ELM327 BLE clones. Used when
// the host stack does not report characteristic properties.
var knownChannels = map[string]Channel{
	"0000ffe1-0000-1000-8000-00805f9b34fb": {Writable: true, Notifiable: true}, // HM-10 UART
	"0000fff1-0000-1000-8000-00805f9b34fb": {Notifiable: true},
	"0000fff2-0000-1000-8000-00805f9b34fb": {Writable: true},
	"00002af0-0000-1000-8000-00805f9b34fb": {Notifiable: true},
	"00002af1-0000-1000-8000-00805f9b34fb": {Writable: true},
	"bef8d6c9-9c21-4c9e-b632-bd58c1009f9f": {Writable: true, Notifiable: true}, // Vgate iCar Pro
}

// maxWriteFailures consecutive failed writes are treated as a dropped link.
const maxWriteFailures = 3

type propertyReporter interface {
	Properties() uint32
}

// BluetoothPlatform talks to BLE adapters through the host Bluetooth stack.
type BluetoothPlatform struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	enabled bool
	results map[string]bluetooth.ScanResult
}

func NewBluetoothPlatform() *BluetoothPlatform {
	return &BluetoothPlatform{
		adapter: bluetooth.DefaultAdapter,
		results: make(map[string]bluetooth.ScanResult),
	}
}

func (p *BluetoothPlatform) RequestPermissions(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enabled {
		return true, nil
	}
	if err := p.adapter.Enable(); err != nil {
		return false, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	p.enabled = true
	return true, nil
}

func (p *BluetoothPlatform) Scan(ctx context.Context, found func(Device)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		if err := p.adapter.StopScan(); err != nil {
			slog.Debug("Bluetooth StopScan failed", "error", err)
		}
	})
	defer stop()

	err := p.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil {
			a.StopScan()
			return
		}
		id := result.Address.String()
		p.mu.Lock()
		p.results[id] = result
		p.mu.Unlock()

		found(Device{ID: id, Name: result.LocalName(), RSSI: int(result.RSSI)})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *BluetoothPlatform) Connect(ctx context.Context, device Device) (Session, error) {
	p.mu.Lock()
	result, ok := p.results[device.ID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %s has not been seen by a scan", device.ID)
	}

	dev, err := p.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &bluetoothSession{
		device: dev,
		chars:  make(map[string]bluetooth.DeviceCharacteristic),
		done:   make(chan struct{}),
	}, nil
}

type bluetoothSession struct {
	device bluetooth.Device

	mu       sync.Mutex
	chars    map[string]bluetooth.DeviceCharacteristic
	failures int

	done      chan struct{}
	closeOnce sync.Once
}

func (s *bluetoothSession) Channels(ctx context.Context) ([]Channel, error) {
	services, err := s.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}

	var channels []Channel
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			slog.Warn("Failed to discover characteristics", "service", svc.UUID().String(), "error", err)
			continue
		}
		for _, c := range chars {
			id := strings.ToLower(c.UUID().String())
			s.mu.Lock()
			s.chars[id] = c
			s.mu.Unlock()
			channels = append(channels, channelFor(id, c))
		}
	}
	return channels, nil
}

func channelFor(id string, c bluetooth.DeviceCharacteristic) Channel {
	if pr, ok := any(c).(propertyReporter); ok {
		if props := pr.Properties(); props != 0 {
			return Channel{
				ID:         id,
				Writable:   props&(gattWrite|gattWriteNoResponse) != 0,
				Notifiable: props&(gattNotify|gattIndicate) != 0,
			}
		}
	}
	ch := knownChannels[id]
	ch.ID = id
	return ch
}

func (s *bluetoothSession) characteristic(id string) (bluetooth.DeviceCharacteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chars[id]
	if !ok {
		return c, fmt.Errorf("unknown characteristic %s", id)
	}
	return c, nil
}

func (s *bluetoothSession) Write(channelID string, p []byte) error {
	c, err := s.characteristic(channelID)
	if err != nil {
		return err
	}

	_, err = c.WriteWithoutResponse(p)
	if err != nil {
		_, err = c.Write(p)
	}

	s.mu.Lock()
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	dropped := s.failures >= maxWriteFailures
	s.mu.Unlock()

	if dropped {
		s.closeOnce.Do(func() { close(s.done) })
	}
	return err
}

func (s *bluetoothSession) Subscribe(channelID string, fn func([]byte)) error {
	c, err := s.characteristic(channelID)
	if err != nil {
		return err
	}
	return c.EnableNotifications(fn)
}

func (s *bluetoothSession) Done() <-chan struct{} {
	return s.done
}

func (s *bluetoothSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.device.Disconnect()
}
