package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/obdrelay/proto"
)

const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	writeWait = 10 * time.Second
)

// Source produces raw adapter bytes. *adapter.Manager satisfies it.
type Source interface {
	SetDataCallback(fn func([]byte))
}

type Options struct {
	ReconnectDelay   time.Duration
	Path             string            // telemetry endpoint, DefaultPath if empty
	Dialer           *websocket.Dialer // nil uses a copy of websocket.DefaultDialer
	HandshakeTimeout time.Duration
}

// Relay keeps an authenticated WebSocket connection to the telemetry backend
// open while running, forwarding adapter responses to it and fanning inbound
// messages out to listeners.
type Relay struct {
	source Source
	opts   Options
	dialer *websocket.Dialer

	// mu guards every field below it
	mu         sync.Mutex
	state      State
	running    bool
	token      string
	target     string
	gen        uint64 // bumped by Stop and by every new connection attempt
	conn       *websocket.Conn
	connID     string
	dialCancel context.CancelFunc
	timer      *time.Timer
	bridgeStop context.CancelFunc

	writeMu sync.Mutex // gorilla allows one concurrent writer

	status listeners[func(bool)]
	data   listeners[func(proto.Message)]
	errs   listeners[func(error)]
}

func New(source Source, opts Options) *Relay {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	var dialer websocket.Dialer
	if opts.Dialer != nil {
		dialer = *opts.Dialer
	} else {
		dialer = *websocket.DefaultDialer
	}
	dialer.HandshakeTimeout = opts.HandshakeTimeout

	return &Relay{source: source, opts: opts, dialer: &dialer}
}

// Start connects to backendURL and keeps reconnecting until Stop. If the
// relay is already running only the token is replaced.
func (r *Relay) Start(token, backendURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		r.token = token
		slog.Debug("Relay already running, token updated")
		return nil
	}

	target, err := ResolveTarget(backendURL, r.opts.Path)
	if err != nil {
		return err
	}

	r.token = token
	r.target = target
	r.running = true
	slog.Info("Relay starting", "target", target)

	r.connectLocked()
	return nil
}

// Stop tears the connection down and cancels any pending reconnect. It is
// safe to call from any state and from listener callbacks.
func (r *Relay) Stop() {
	r.mu.Lock()
	wasRunning := r.running
	r.running = false
	r.gen++
	r.state = Stopped
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.dialCancel != nil {
		r.dialCancel()
		r.dialCancel = nil
	}
	r.stopBridgeLocked()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		r.closeConn(conn, websocket.CloseNormalClosure, "client stopped")
	}
	if wasRunning {
		slog.Info("Relay stopped")
		r.notifyStatus(false)
	}
}

// UpdateToken replaces the token sent on the next connection. An open
// connection is not re-authenticated.
func (r *Relay) UpdateToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

func (r *Relay) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Open
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Target returns the WebSocket address derived by the last Start.
func (r *Relay) Target() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

func (r *Relay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// OnStatusChange registers fn for connectivity changes. The returned func
// removes this registration.
func (r *Relay) OnStatusChange(fn func(connected bool)) func() {
	return r.status.add(fn)
}

// OnData registers fn for every inbound JSON object.
func (r *Relay) OnData(fn func(proto.Message)) func() {
	return r.data.add(fn)
}

// OnError registers fn for network failures and ErrAuthRejected.
func (r *Relay) OnError(fn func(error)) func() {
	return r.errs.add(fn)
}

// Send marshals v and writes it to the backend. While the connection is not
// open it does nothing. Only marshalling failures are returned.
func (r *Relay) Send(v any) error {
	r.mu.Lock()
	conn, open := r.conn, r.state == Open
	r.mu.Unlock()
	if !open || conn == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	if err := r.write(conn, data); err != nil {
		slog.Warn("Relay send failed", "error", &NetworkError{Op: "write", Err: err})
	}
	return nil
}

// connectLocked starts a connection attempt unless one is open or opening.
func (r *Relay) connectLocked() {
	if !r.running || r.conn != nil || r.state == Connecting || r.state == Open {
		return
	}

	r.gen++
	gen := r.gen
	ctx, cancel := context.WithCancel(context.Background())
	r.dialCancel = cancel
	r.state = Connecting
	r.connID = "relay-" + uuid.NewString()

	go r.dial(ctx, gen, r.target, r.connID)
}

func (r *Relay) dial(ctx context.Context, gen uint64, target, connID string) {
	slog.Debug("Relay dialing", "target", target, "conn", connID)

	conn, resp, err := r.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			r.rejected(gen, fmt.Sprintf("handshake status %d", resp.StatusCode))
			return
		}
		r.fail(gen, &NetworkError{Op: "dial", Err: err})
		return
	}

	r.mu.Lock()
	if r.gen != gen || !r.running {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.conn = conn
	r.dialCancel = nil
	token := r.token
	r.mu.Unlock()

	auth, _ := json.Marshal(proto.NewAuthMessage(token))
	if err := r.write(conn, auth); err != nil {
		r.fail(gen, &NetworkError{Op: "auth", Err: err})
		return
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.state = Open
	r.startBridgeLocked(conn)
	r.mu.Unlock()

	slog.Info("Relay connected", "target", target, "conn", connID)
	r.notifyConnected(gen)

	r.readLoop(gen, conn)
}

func (r *Relay) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.handleReadError(gen, err)
			return
		}

		msg, err := proto.Parse(raw)
		if err != nil {
			slog.Warn("Dropping relay message", "error", &ParseError{Raw: raw, Err: err})
			continue
		}
		if msg.Type() == proto.TypeAuthError {
			r.rejected(gen, msg.String("message"))
			return
		}
		if !r.current(gen) {
			return
		}

		slog.Debug("Relay message received", "type", msg.Type(), "size", len(raw))
		for _, fn := range r.data.snapshot() {
			fn(msg)
		}
	}
}

func (r *Relay) handleReadError(gen uint64, err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case proto.CloseUnauthorized, websocket.ClosePolicyViolation:
			r.rejected(gen, closeErr.Text)
		default:
			slog.Info("Relay connection closed by backend", "code", closeErr.Code, "reason", closeErr.Text)
			r.closed(gen)
		}
		return
	}
	r.fail(gen, &NetworkError{Op: "read", Err: err})
}

// fail handles an error event: listeners learn the connection is down and
// why, then the close path runs.
func (r *Relay) fail(gen uint64, err error) {
	if !r.current(gen) {
		return
	}
	slog.Warn("Relay connection error", "error", err)
	r.notifyStatus(false)
	r.notifyError(err)
	r.closed(gen)
}

// closed handles a close event and schedules exactly one reconnect.
func (r *Relay) closed(gen uint64) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	conn := r.conn
	r.conn = nil
	if r.dialCancel != nil {
		r.dialCancel()
		r.dialCancel = nil
	}
	r.stopBridgeLocked()

	delay := r.opts.ReconnectDelay
	r.state = Reconnecting
	r.timer = time.AfterFunc(delay, func() { r.reconnect(gen) })
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	slog.Info("Relay disconnected, reconnect scheduled", "delay", delay)
	r.notifyStatus(false)
}

func (r *Relay) reconnect(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gen != gen || !r.running || r.state != Reconnecting {
		return
	}
	r.timer = nil
	r.state = Idle
	slog.Info("Relay reconnecting", "target", r.target)
	r.connectLocked()
}

// rejected stops the relay after the backend refused the token.
func (r *Relay) rejected(gen uint64, reason string) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.gen++
	r.running = false
	r.state = Stopped
	if r.dialCancel != nil {
		r.dialCancel()
		r.dialCancel = nil
	}
	r.stopBridgeLocked()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	slog.Error("Relay authentication rejected, not retrying", "reason", reason)
	r.notifyStatus(false)
	r.notifyError(ErrAuthRejected)
}

func (r *Relay) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *Relay) write(conn *websocket.Conn, data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Relay) closeConn(conn *websocket.Conn, code int, text string) {
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	if err != nil {
		slog.Debug("Failed to send close message", "error", err)
	}
	conn.Close()
}

func (r *Relay) notifyStatus(connected bool) {
	for _, fn := range r.status.snapshot() {
		fn(connected)
	}
}

// notifyConnected reports true for attempt gen, skipping any listener that
// would be called after Stop or a newer attempt superseded it.
func (r *Relay) notifyConnected(gen uint64) {
	for _, fn := range r.status.snapshot() {
		if !r.current(gen) {
			return
		}
		fn(true)
	}
}

func (r *Relay) notifyError(err error) {
	for _, fn := range r.errs.snapshot() {
		fn(err)
	}
}
