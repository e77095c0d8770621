// Package backend is a minimal telemetry endpoint speaking the relay
// protocol. It is used for local development and by the relay tests.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/obdrelay/proto"
)

const (
	DefaultAuthTimeout = 5 * time.Second
	DefaultMaxClients  = 16
	DefaultPath        = "/ws/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Authenticator reports whether token may stream telemetry.
type Authenticator func(token string) bool

// StaticTokens accepts exactly the given tokens.
func StaticTokens(tokens ...string) Authenticator {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return func(token string) bool {
		_, ok := set[token]
		return ok
	}
}

type Server struct {
	Addr string

	auth        Authenticator
	path        string
	authTimeout time.Duration
	maxClients  int
	server      *http.Server

	cmu     sync.RWMutex
	clients map[string]*Client

	onMessage    func(*Client, proto.Message)
	onConnect    func(*Client)
	onDisconnect func(*Client)
}

func NewServer(addr string, auth Authenticator) *Server {
	return &Server{
		Addr:        addr,
		auth:        auth,
		path:        DefaultPath,
		authTimeout: DefaultAuthTimeout,
		maxClients:  DefaultMaxClients,
		clients:     make(map[string]*Client),
	}
}

// Handler returns the router serving the telemetry endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(s.path, s.handleWebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

func (s *Server) Start() error {
	slog.Info("Starting telemetry backend", "addr", s.Addr, "path", s.path)

	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Handler(),
	}
	s.cmu.Lock()
	s.server = srv
	s.cmu.Unlock()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down telemetry backend", "addr", s.Addr)

	s.cmu.RLock()
	srv := s.server
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.cmu.RUnlock()
	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutdown")
	}

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.cmu.RLock()
	clientCount := len(s.clients)
	s.cmu.RUnlock()
	if clientCount >= s.maxClients {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}
	go s.handleConnection(conn, r.RemoteAddr)
}

func (s *Server) handleConnection(conn *websocket.Conn, remoteAddr string) {
	client := newClient(conn, remoteAddr)
	defer conn.Close()

	token, err := s.awaitAuth(conn)
	if err != nil {
		slog.Warn("Bridge failed authentication", "addr", remoteAddr, "error", err)
		client.Close(proto.CloseUnauthorized, "unauthorized")
		return
	}
	client.Token = token

	s.cmu.Lock()
	s.clients[client.Id] = client
	s.cmu.Unlock()
	slog.Info("Bridge connected", "addr", remoteAddr, "id", client.Id)

	if s.onConnect != nil {
		s.onConnect(client)
	}

	defer func() {
		s.cmu.Lock()
		delete(s.clients, client.Id)
		s.cmu.Unlock()
		if s.onDisconnect != nil {
			s.onDisconnect(client)
		}
		slog.Info("Bridge disconnected", "addr", remoteAddr, "id", client.Id)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Bridge connection error", "addr", remoteAddr, "error", err)
			}
			return
		}

		msg, err := proto.Parse(raw)
		if err != nil {
			slog.Warn("Invalid JSON message received", "error", err, "data", string(raw))
			continue
		}
		slog.Debug("Bridge message received", "type", msg.Type(), "sender", client.Id, "size", len(raw))
		if s.onMessage != nil {
			s.onMessage(client, msg)
		}
	}
}

// awaitAuth reads the first frame, which must be a valid auth envelope.
func (s *Server) awaitAuth(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read auth: %w", err)
	}

	var auth proto.AuthMessage
	if err := json.Unmarshal(raw, &auth); err != nil {
		return "", fmt.Errorf("decode auth: %w", err)
	}
	if auth.Type != proto.TypeAuth {
		return "", fmt.Errorf("expected auth message, got %q", auth.Type)
	}
	if s.auth != nil && !s.auth(auth.Token) {
		return "", fmt.Errorf("token rejected")
	}
	return auth.Token, nil
}

// Broadcast sends v to every authenticated bridge.
func (s *Server) Broadcast(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.cmu.RLock()
	defer s.cmu.RUnlock()
	for _, c := range s.clients {
		if err := c.write(data); err != nil {
			slog.Warn("Failed to broadcast to bridge", "id", c.Id, "error", err)
		}
	}
	return nil
}

func (s *Server) SendTo(id string, v any) error {
	s.cmu.RLock()
	c, ok := s.clients[id]
	s.cmu.RUnlock()
	if !ok {
		return fmt.Errorf("bridge %s not connected", id)
	}
	return c.Send(v)
}

// Clients lists the ids of authenticated bridges.
func (s *Server) Clients() []string {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) OnMessage(fn func(*Client, proto.Message)) {
	s.onMessage = fn
}

func (s *Server) OnConnect(fn func(*Client)) {
	s.onConnect = fn
}

func (s *Server) OnDisconnect(fn func(*Client)) {
	s.onDisconnect = fn
}

func (s *Server) SetPath(path string) {
	s.path = path
}

func (s *Server) SetAuthTimeout(d time.Duration) {
	s.authTimeout = d
}

func (s *Server) SetMaxClients(n int) {
	s.maxClients = n
}

// Client is one authenticated bridge connection.
type Client struct {
	Id         string
	RemoteAddr string
	Token      string

	conn *websocket.Conn
	wmu  sync.Mutex
}

func newClient(conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{Id: "bridge-" + uuid.NewString(), RemoteAddr: remoteAddr, conn: conn}
}

func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason, then drops the connection.
func (c *Client) Close(code int, reason string) error {
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.conn.Close()
	return err
}
