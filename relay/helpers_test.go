package relay

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/obdrelay/backend"
	"github.com/mbocsi/obdrelay/proto"
	"github.com/stretchr/testify/require"
)

const testDelay = 100 * time.Millisecond

// testBackend wraps the reference backend and records connection attempts.
type testBackend struct {
	*backend.Server
	URL string

	mu       sync.Mutex
	clients  []*backend.Client
	messages []proto.Message
	conns    chan *backend.Client
	received chan proto.Message
}

func newTestBackend(t *testing.T, tokens ...string) *testBackend {
	t.Helper()
	b := &testBackend{
		Server:   backend.NewServer("", backend.StaticTokens(tokens...)),
		conns:    make(chan *backend.Client, 16),
		received: make(chan proto.Message, 64),
	}
	b.SetAuthTimeout(time.Second)
	b.OnConnect(func(c *backend.Client) {
		b.mu.Lock()
		b.clients = append(b.clients, c)
		b.mu.Unlock()
		b.conns <- c
	})
	b.OnMessage(func(c *backend.Client, msg proto.Message) {
		b.mu.Lock()
		b.messages = append(b.messages, msg)
		b.mu.Unlock()
		b.received <- msg
	})

	ts := httptest.NewServer(b.Handler())
	t.Cleanup(ts.Close)
	b.URL = ts.URL
	return b
}

func (b *testBackend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *testBackend) waitConn(t *testing.T) *backend.Client {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("backend saw no connection")
		return nil
	}
}

func (b *testBackend) waitMessage(t *testing.T) proto.Message {
	t.Helper()
	select {
	case msg := <-b.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("backend received no message")
		return nil
	}
}

type statusRecorder struct {
	mu     sync.Mutex
	events []bool
	ch     chan bool
}

func recordStatus(r *Relay) *statusRecorder {
	s := &statusRecorder{ch: make(chan bool, 64)}
	r.OnStatusChange(func(connected bool) {
		s.mu.Lock()
		s.events = append(s.events, connected)
		s.mu.Unlock()
		s.ch <- connected
	})
	return s
}

func (s *statusRecorder) Events() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.events...)
}

func (s *statusRecorder) wait(t *testing.T, want bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-s.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("status %v not observed, saw %v", want, s.Events())
		}
	}
}

type fakeSource struct {
	mu sync.Mutex
	fn func([]byte)
}

func (s *fakeSource) SetDataCallback(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *fakeSource) attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn != nil
}

func (s *fakeSource) emit(p []byte) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func newTestRelay(t *testing.T, source Source) *Relay {
	t.Helper()
	r := New(source, Options{ReconnectDelay: testDelay, HandshakeTimeout: time.Second})
	t.Cleanup(r.Stop)
	return r
}

func requireState(t *testing.T, r *Relay, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state %s never reached, last %s", want, r.State())
}
