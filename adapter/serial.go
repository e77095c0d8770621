package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the factory setting of ELM327 serial adapters.
const DefaultBaudRate = 38400

const serialChannel = "serial"

// SerialPlatform drives adapters reachable as a serial port: USB cables and
// Bluetooth Classic adapters bound to an RFCOMM device.
type SerialPlatform struct {
	Port     string // fixed port, reported even if enumeration misses it
	BaudRate int
}

func NewSerialPlatform(port string, baudRate int) *SerialPlatform {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return &SerialPlatform{Port: port, BaudRate: baudRate}
}

func (p *SerialPlatform) RequestPermissions(ctx context.Context) (bool, error) {
	if p.Port != "" {
		return true, nil
	}
	if _, err := serial.GetPortsList(); err != nil {
		return false, fmt.Errorf("enumerate serial ports: %w", err)
	}
	return true, nil
}

func (p *SerialPlatform) Scan(ctx context.Context, found func(Device)) error {
	ports, err := serial.GetPortsList()
	if err != nil && p.Port == "" {
		return err
	}

	reported := false
	for _, port := range ports {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reported = reported || port == p.Port
		found(Device{ID: port, Name: port})
	}
	if p.Port != "" && !reported {
		found(Device{ID: p.Port, Name: p.Port})
	}
	return nil
}

func (p *SerialPlatform) Connect(ctx context.Context, device Device) (Session, error) {
	port, err := serial.Open(device.ID, &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device.ID, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", device.ID, err)
	}
	return &serialSession{port: port, name: device.ID, done: make(chan struct{})}, nil
}

type serialSession struct {
	port serial.Port
	name string

	subscribeOnce sync.Once
	done          chan struct{}
	closeOnce     sync.Once
}

// A serial link is a single full-duplex channel.
func (s *serialSession) Channels(ctx context.Context) ([]Channel, error) {
	return []Channel{{ID: serialChannel, Writable: true, Notifiable: true}}, nil
}

func (s *serialSession) Write(channelID string, p []byte) error {
	if channelID != serialChannel {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	_, err := s.port.Write(p)
	return err
}

func (s *serialSession) Subscribe(channelID string, fn func([]byte)) error {
	if channelID != serialChannel {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	s.subscribeOnce.Do(func() { go s.readLoop(fn) })
	return nil
}

func (s *serialSession) readLoop(fn func([]byte)) {
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		select {
		case <-s.done:
			return
		default:
		}
		if err != nil {
			slog.Warn("Serial read failed", "port", s.name, "error", err)
			s.closeOnce.Do(func() { close(s.done) })
			return
		}
		if n == 0 {
			continue // read timeout
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		fn(chunk)
	}
}

func (s *serialSession) Done() <-chan struct{} {
	return s.done
}

func (s *serialSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.port.Close()
}
