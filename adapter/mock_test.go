package adapter

import (
	"context"
	"sync"
	"time"
)

// mockPlatform is a scripted Platform for testing
type mockPlatform struct {
	mu         sync.Mutex
	grant      bool
	grantErr   error
	devices    []Device
	scanErr    error
	scanCalls  int
	channels   []Channel
	connectErr error
	sessions   []*mockSession
}

func newMockPlatform(channels ...Channel) *mockPlatform {
	return &mockPlatform{grant: true, channels: channels}
}

func (p *mockPlatform) RequestPermissions(ctx context.Context) (bool, error) {
	return p.grant, p.grantErr
}

func (p *mockPlatform) Scan(ctx context.Context, found func(Device)) error {
	p.mu.Lock()
	p.scanCalls++
	devices, err := p.devices, p.scanErr
	p.mu.Unlock()

	if err != nil {
		return err
	}
	for _, d := range devices {
		found(d)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *mockPlatform) Connect(ctx context.Context, device Device) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	s := &mockSession{
		channels: p.channels,
		subs:     make(map[string]func([]byte)),
		done:     make(chan struct{}),
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *mockPlatform) ScanCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanCalls
}

func (p *mockPlatform) Session(i int) *mockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[i]
}

type mockWrite struct {
	channel string
	data    string
	at      time.Time
}

type mockSession struct {
	mu       sync.Mutex
	channels []Channel
	writes   []mockWrite
	subs     map[string]func([]byte)
	closed   bool
	done     chan struct{}
	once     sync.Once
}

func (s *mockSession) Channels(ctx context.Context) ([]Channel, error) {
	return s.channels, nil
}

func (s *mockSession) Write(channelID string, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, mockWrite{channel: channelID, data: string(p), at: time.Now()})
	return nil
}

func (s *mockSession) Subscribe(channelID string, fn func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[channelID] = fn
	return nil
}

func (s *mockSession) Done() <-chan struct{} { return s.done }

func (s *mockSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

// simulateNotify pushes p through the subscription on channelID
func (s *mockSession) simulateNotify(channelID string, p []byte) {
	s.mu.Lock()
	fn := s.subs[channelID]
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// simulateDrop closes the link without going through Close
func (s *mockSession) simulateDrop() {
	s.once.Do(func() { close(s.done) })
}

func (s *mockSession) Writes() []mockWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mockWrite(nil), s.writes...)
}

func (s *mockSession) Subscribed(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[channelID]
	return ok
}

func (s *mockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
