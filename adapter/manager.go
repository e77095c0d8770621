package adapter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultScanTimeout  = 10 * time.Second
	DefaultCommandDelay = 500 * time.Millisecond
)

// PayloadEncoding describes how a platform delivers notification values.
type PayloadEncoding int

const (
	EncodingRaw    PayloadEncoding = iota // bytes as received from the radio
	EncodingBase64                        // base64 text, decoded before delivery
)

// ParseEncoding maps a config value ("raw", "base64") to a PayloadEncoding.
func ParseEncoding(s string) (PayloadEncoding, error) {
	switch strings.ToLower(s) {
	case "", "raw":
		return EncodingRaw, nil
	case "base64":
		return EncodingBase64, nil
	default:
		return EncodingRaw, fmt.Errorf("unknown payload encoding %q", s)
	}
}

type Options struct {
	CommandDelay time.Duration // delay after each initialization command
	Encoding     PayloadEncoding
}

// Manager owns exactly one command/response session with an OBD-II adapter.
type Manager struct {
	platform Platform
	opts     Options

	connMu  sync.Mutex // serializes Connect/Disconnect
	writeMu sync.Mutex // serializes writes to the command channel

	mu         sync.Mutex
	granted    bool
	scanCancel context.CancelFunc
	scanID     uint64
	session    Session
	device     Device
	command    string
	response   string
	onData     func([]byte)
	onLinkLost func(Device)
}

func NewManager(platform Platform, opts Options) *Manager {
	if opts.CommandDelay <= 0 {
		opts.CommandDelay = DefaultCommandDelay
	}
	return &Manager{platform: platform, opts: opts}
}

// RequestPermissions asks the platform for wireless authorization. Failures
// and denials both yield false.
func (m *Manager) RequestPermissions(ctx context.Context) bool {
	ok, err := m.platform.RequestPermissions(ctx)
	if err != nil {
		slog.Warn("Wireless permission request failed", "error", err)
		ok = false
	}

	m.mu.Lock()
	m.granted = ok
	m.mu.Unlock()

	if !ok {
		slog.Warn("Wireless permissions not granted")
	}
	return ok
}

// StartScan begins discovery in the background and reports each named device
// once. It stops by itself after timeout. Calling it while a scan is already
// running does nothing.
func (m *Manager) StartScan(onFound func(Device), timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.granted {
		return ErrPermissionDenied
	}
	if m.scanCancel != nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	m.scanID++
	m.scanCancel = cancel
	go m.runScan(ctx, m.scanID, onFound)

	slog.Debug("Adapter scan started", "timeout", timeout)
	return nil
}

func (m *Manager) runScan(ctx context.Context, id uint64, onFound func(Device)) {
	defer m.endScan(id)

	err := m.platform.Scan(ctx, namedOnce(func(d Device) {
		if ctx.Err() == nil {
			onFound(d)
		}
	}))
	if err != nil && !isContextErr(err) && ctx.Err() == nil {
		slog.Error("Adapter scan failed", "error", &ScanError{Err: err})
	}
}

func (m *Manager) endScan(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanID == id && m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
		slog.Debug("Adapter scan stopped")
	}
}

// StopScan cancels an in-progress scan.
func (m *Manager) StopScan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
}

func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanCancel != nil
}

// Scan runs a discovery session synchronously and returns the named devices
// seen before the timeout.
func (m *Manager) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	m.mu.Lock()
	granted := m.granted
	m.mu.Unlock()
	if !granted {
		return nil, ErrPermissionDenied
	}
	m.StopScan()

	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var devices []Device
	err := m.platform.Scan(ctx, namedOnce(func(d Device) {
		mu.Lock()
		devices = append(devices, d)
		mu.Unlock()
	}))
	if err != nil && !isContextErr(err) && ctx.Err() == nil {
		return nil, &ScanError{Err: err}
	}

	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

// Connect opens a session to device, replacing any existing one. The first
// writable channel becomes the command channel and the first notifiable
// channel is subscribed as the response channel.
func (m *Manager) Connect(ctx context.Context, device Device) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.StopScan()
	m.disconnect()

	session, err := m.platform.Connect(ctx, device)
	if err != nil {
		return &ConnectionError{Device: device, Err: err}
	}

	channels, err := session.Channels(ctx)
	if err != nil {
		session.Close()
		return &ConnectionError{Device: device, Err: fmt.Errorf("discover channels: %w", err)}
	}

	command, response := selectChannels(channels)
	if command == "" {
		session.Close()
		return &ConnectionError{Device: device, Err: ErrNoCommandChannel}
	}

	m.mu.Lock()
	m.session = session
	m.device = device
	m.command = command
	m.response = ""
	m.mu.Unlock()

	if response == "" {
		slog.Warn("Adapter has no notifiable channel, inbound data disabled", "device", device.Name)
	} else if err := session.Subscribe(response, func(p []byte) { m.handleNotification(response, p) }); err != nil {
		slog.Warn("Failed to subscribe to response channel", "device", device.Name, "channel", response, "error", err)
	} else {
		m.mu.Lock()
		m.response = response
		m.mu.Unlock()
	}

	go m.watchLink(session, device)

	slog.Info("Adapter connected", "device", device.Name, "id", device.ID, "command", command, "response", response)
	return nil
}

func selectChannels(channels []Channel) (command, response string) {
	for _, ch := range channels {
		if command == "" && ch.Writable {
			command = ch.ID
		}
		if response == "" && ch.Notifiable {
			response = ch.ID
		}
	}
	return command, response
}

func (m *Manager) handleNotification(channel string, p []byte) {
	data, err := m.decode(p)
	if err != nil {
		slog.Warn("Dropping undecodable notification", "error", &NotificationError{Channel: channel, Err: err})
		return
	}

	m.mu.Lock()
	fn := m.onData
	m.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (m *Manager) decode(p []byte) ([]byte, error) {
	switch m.opts.Encoding {
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(string(p)))
	default:
		out := make([]byte, len(p))
		copy(out, p)
		return out, nil
	}
}

func (m *Manager) watchLink(session Session, device Device) {
	<-session.Done()

	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		return
	}
	m.clearLocked()
	fn := m.onLinkLost
	m.mu.Unlock()

	session.Close()
	slog.Warn("Adapter link lost", "device", device.Name, "id", device.ID)
	if fn != nil {
		fn(device)
	}
}

// SendCommand writes command, terminated by a carriage return, to the command
// channel. Without a command channel it does nothing.
func (m *Manager) SendCommand(command string) error {
	m.mu.Lock()
	session, channel := m.session, m.command
	m.mu.Unlock()
	if session == nil || channel == "" {
		return nil
	}

	if !strings.HasSuffix(command, "\r") {
		command += "\r"
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := session.Write(channel, []byte(command)); err != nil {
		return fmt.Errorf("write %q: %w", strings.TrimSpace(command), err)
	}
	slog.Debug("Adapter command sent", "command", strings.TrimSpace(command))
	return nil
}

// InitializeOBD runs the ELM327 initialization sequence, waiting the
// configured delay after every command.
func (m *Manager) InitializeOBD(ctx context.Context) error {
	if m.CommandChannel() == "" {
		return ErrNotConnected
	}

	for _, cmd := range InitSequence {
		if err := m.SendCommand(cmd); err != nil {
			return fmt.Errorf("initialize adapter: %w", err)
		}
		if err := sleepContext(ctx, m.opts.CommandDelay); err != nil {
			return err
		}
	}

	slog.Info("Adapter initialized", "commands", len(InitSequence))
	return nil
}

// SetDataCallback registers the single consumer of decoded inbound bytes.
// A nil callback drops inbound data.
func (m *Manager) SetDataCallback(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onData = fn
}

// OnLinkLost registers a handler invoked when the session drops without a
// call to Disconnect.
func (m *Manager) OnLinkLost(fn func(Device)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLinkLost = fn
}

func (m *Manager) ConnectedDevice() (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device, m.session != nil
}

func (m *Manager) CommandChannel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.command
}

func (m *Manager) ResponseChannel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.response
}

// Disconnect releases the session. It is safe to call repeatedly.
func (m *Manager) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.disconnect()
}

func (m *Manager) disconnect() error {
	m.mu.Lock()
	session, device := m.session, m.device
	m.clearLocked()
	m.mu.Unlock()

	if session == nil {
		return nil
	}
	slog.Info("Adapter disconnected", "device", device.Name, "id", device.ID)
	return session.Close()
}

func (m *Manager) clearLocked() {
	m.session = nil
	m.device = Device{}
	m.command = ""
	m.response = ""
}

// namedOnce drops unnamed devices and repeated advertisements.
func namedOnce(fn func(Device)) func(Device) {
	var mu sync.Mutex
	seen := make(map[string]struct{})
	return func(d Device) {
		if d.Name == "" {
			return
		}
		mu.Lock()
		_, dup := seen[d.ID]
		seen[d.ID] = struct{}{}
		mu.Unlock()
		if !dup {
			fn(d)
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
