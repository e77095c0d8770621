package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	writable   = Channel{ID: "write", Writable: true}
	notifiable = Channel{ID: "notify", Notifiable: true}
	testDevice = Device{ID: "AA:BB:CC:DD:EE:FF", Name: "OBDII"}
)

func connectedManager(t *testing.T, opts Options, channels ...Channel) (*Manager, *mockPlatform) {
	t.Helper()
	platform := newMockPlatform(channels...)
	m := NewManager(platform, opts)
	require.True(t, m.RequestPermissions(context.Background()))
	require.NoError(t, m.Connect(context.Background(), testDevice))
	return m, platform
}

func TestRequestPermissions(t *testing.T) {
	t.Run("denied", func(t *testing.T) {
		platform := newMockPlatform()
		platform.grant = false
		m := NewManager(platform, Options{})

		assert.False(t, m.RequestPermissions(context.Background()))
		err := m.StartScan(func(Device) {}, time.Second)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, 0, platform.ScanCalls())
	})

	t.Run("platform error", func(t *testing.T) {
		platform := newMockPlatform()
		platform.grant = true
		platform.grantErr = errors.New("bluez unavailable")
		m := NewManager(platform, Options{})

		assert.False(t, m.RequestPermissions(context.Background()))
		_, err := m.Scan(context.Background(), time.Second)
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})
}

func TestStartScan_FiltersUnnamedAndDuplicates(t *testing.T) {
	platform := newMockPlatform()
	platform.devices = []Device{
		{ID: "1", Name: "OBDII"},
		{ID: "2", Name: ""},
		{ID: "1", Name: "OBDII"},
		{ID: "3", Name: "Vgate iCar"},
	}
	m := NewManager(platform, Options{})
	require.True(t, m.RequestPermissions(context.Background()))

	var mu sync.Mutex
	var found []string
	require.NoError(t, m.StartScan(func(d Device) {
		mu.Lock()
		found = append(found, d.ID)
		mu.Unlock()
	}, 50*time.Millisecond))

	require.Eventually(t, func() bool { return !m.IsScanning() }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "3"}, found)
}

func TestStartScan_Idempotent(t *testing.T) {
	platform := newMockPlatform()
	m := NewManager(platform, Options{})
	require.True(t, m.RequestPermissions(context.Background()))

	require.NoError(t, m.StartScan(func(Device) {}, time.Minute))
	require.NoError(t, m.StartScan(func(Device) {}, time.Minute))
	require.Eventually(t, func() bool { return platform.ScanCalls() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, platform.ScanCalls())
	assert.True(t, m.IsScanning())

	m.StopScan()
	assert.False(t, m.IsScanning())
	m.StopScan()
}

func TestScan(t *testing.T) {
	t.Run("collects named devices", func(t *testing.T) {
		platform := newMockPlatform()
		platform.devices = []Device{{ID: "1", Name: "OBDII"}, {ID: "2"}}
		m := NewManager(platform, Options{})
		require.True(t, m.RequestPermissions(context.Background()))

		devices, err := m.Scan(context.Background(), 20*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, []Device{{ID: "1", Name: "OBDII"}}, devices)
	})

	t.Run("backend failure", func(t *testing.T) {
		platform := newMockPlatform()
		platform.scanErr = errors.New("adapter powered off")
		m := NewManager(platform, Options{})
		require.True(t, m.RequestPermissions(context.Background()))

		_, err := m.Scan(context.Background(), time.Second)
		var scanErr *ScanError
		require.ErrorAs(t, err, &scanErr)
		assert.EqualError(t, scanErr.Err, "adapter powered off")
	})
}

func TestConnect_SelectsFirstWritableAndNotifiable(t *testing.T) {
	m, platform := connectedManager(t, Options{},
		Channel{ID: "info"},
		writable,
		notifiable,
		Channel{ID: "both", Writable: true, Notifiable: true},
	)

	assert.Equal(t, "write", m.CommandChannel())
	assert.Equal(t, "notify", m.ResponseChannel())
	session := platform.Session(0)
	assert.True(t, session.Subscribed("notify"))
	assert.False(t, session.Subscribed("both"))

	device, ok := m.ConnectedDevice()
	assert.True(t, ok)
	assert.Equal(t, testDevice, device)

	received := make(chan []byte, 1)
	m.SetDataCallback(func(p []byte) { received <- p })
	session.simulateNotify("notify", []byte("41 0C 1A F8\r>"))

	select {
	case p := <-received:
		assert.Equal(t, "41 0C 1A F8\r>", string(p))
	case <-time.After(time.Second):
		t.Fatal("data callback not invoked")
	}
}

func TestConnect_NoWritableChannel(t *testing.T) {
	platform := newMockPlatform(notifiable)
	m := NewManager(platform, Options{})
	require.True(t, m.RequestPermissions(context.Background()))

	err := m.Connect(context.Background(), testDevice)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, ErrNoCommandChannel)
	assert.Equal(t, testDevice, connErr.Device)
	assert.Empty(t, m.CommandChannel())
	assert.True(t, platform.Session(0).Closed())
	_, ok := m.ConnectedDevice()
	assert.False(t, ok)
}

func TestConnect_PlatformFailure(t *testing.T) {
	platform := newMockPlatform(writable)
	platform.connectErr = errors.New("timeout")
	m := NewManager(platform, Options{})

	err := m.Connect(context.Background(), testDevice)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestConnect_MissingResponseChannelTolerated(t *testing.T) {
	m, platform := connectedManager(t, Options{}, writable)

	assert.Empty(t, m.ResponseChannel())
	require.NoError(t, m.SendCommand("010C"))
	writes := platform.Session(0).Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "010C\r", writes[0].data)
}

func TestConnect_ReplacesExistingSession(t *testing.T) {
	m, platform := connectedManager(t, Options{}, writable, notifiable)
	require.NoError(t, m.Connect(context.Background(), Device{ID: "other", Name: "Vgate"}))

	first, second := platform.Session(0), platform.Session(1)
	assert.True(t, first.Closed())
	assert.False(t, second.Closed())

	require.NoError(t, m.SendCommand("0105"))
	assert.Empty(t, first.Writes())
	assert.Len(t, second.Writes(), 1)

	device, _ := m.ConnectedDevice()
	assert.Equal(t, "other", device.ID)
}

func TestConnect_StopsScan(t *testing.T) {
	platform := newMockPlatform(writable)
	m := NewManager(platform, Options{})
	require.True(t, m.RequestPermissions(context.Background()))
	require.NoError(t, m.StartScan(func(Device) {}, time.Minute))

	require.NoError(t, m.Connect(context.Background(), testDevice))
	assert.False(t, m.IsScanning())
}

func TestInitializeOBD_OrderAndDelay(t *testing.T) {
	delay := 20 * time.Millisecond
	m, platform := connectedManager(t, Options{CommandDelay: delay}, writable, notifiable)

	require.NoError(t, m.InitializeOBD(context.Background()))

	writes := platform.Session(0).Writes()
	require.Len(t, writes, 4)
	want := []string{"ATZ\r", "ATE0\r", "ATL1\r", "ATSP0\r"}
	for i, w := range writes {
		assert.Equal(t, want[i], w.data)
		assert.Equal(t, "write", w.channel)
		if i > 0 {
			assert.GreaterOrEqual(t, w.at.Sub(writes[i-1].at), delay)
		}
	}
}

func TestInitializeOBD_NotConnected(t *testing.T) {
	m := NewManager(newMockPlatform(), Options{})
	assert.ErrorIs(t, m.InitializeOBD(context.Background()), ErrNotConnected)
}

func TestInitializeOBD_Cancelled(t *testing.T) {
	m, platform := connectedManager(t, Options{CommandDelay: time.Minute}, writable)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.InitializeOBD(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, platform.Session(0).Writes(), 1)
}

func TestSendCommand_NoChannelIsNoop(t *testing.T) {
	m := NewManager(newMockPlatform(), Options{})
	assert.NoError(t, m.SendCommand("010C"))
}

func TestNotificationDecoding_Base64(t *testing.T) {
	m, platform := connectedManager(t, Options{Encoding: EncodingBase64}, writable, notifiable)

	received := make(chan string, 2)
	m.SetDataCallback(func(p []byte) { received <- string(p) })

	session := platform.Session(0)
	session.simulateNotify("notify", []byte("%%% not base64"))
	session.simulateNotify("notify", []byte("NDEgMEMgMUEgRjgNDT4="))

	select {
	case got := <-received:
		assert.Equal(t, "41 0C 1A F8\r\r>", got)
	case <-time.After(time.Second):
		t.Fatal("decoded payload not delivered")
	}
	assert.Len(t, received, 0)

	_, ok := m.ConnectedDevice()
	assert.True(t, ok, "decode failures must not tear down the session")
}

func TestSetDataCallback_Overwrites(t *testing.T) {
	m, platform := connectedManager(t, Options{}, writable, notifiable)

	var first, second int
	m.SetDataCallback(func([]byte) { first++ })
	m.SetDataCallback(func([]byte) { second++ })
	platform.Session(0).simulateNotify("notify", []byte("OK>"))

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestDisconnect_Idempotent(t *testing.T) {
	m, platform := connectedManager(t, Options{}, writable, notifiable)

	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Disconnect())

	assert.True(t, platform.Session(0).Closed())
	assert.Empty(t, m.CommandChannel())
	assert.Empty(t, m.ResponseChannel())
	assert.NoError(t, m.SendCommand("010C"))
	assert.Empty(t, platform.Session(0).Writes())
}

func TestLinkLost(t *testing.T) {
	m, platform := connectedManager(t, Options{}, writable, notifiable)

	lost := make(chan Device, 1)
	m.OnLinkLost(func(d Device) { lost <- d })
	platform.Session(0).simulateDrop()

	select {
	case d := <-lost:
		assert.Equal(t, testDevice, d)
	case <-time.After(time.Second):
		t.Fatal("link loss not reported")
	}
	_, ok := m.ConnectedDevice()
	assert.False(t, ok)
}

func TestLinkLost_NotReportedOnDisconnect(t *testing.T) {
	m, _ := connectedManager(t, Options{}, writable, notifiable)

	lost := make(chan Device, 1)
	m.OnLinkLost(func(d Device) { lost <- d })
	require.NoError(t, m.Disconnect())

	select {
	case <-lost:
		t.Fatal("deliberate disconnect reported as link loss")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseEncoding(t *testing.T) {
	enc, err := ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, EncodingRaw, enc)

	enc, err = ParseEncoding("BASE64")
	require.NoError(t, err)
	assert.Equal(t, EncodingBase64, enc)

	_, err = ParseEncoding("hex")
	assert.Error(t, err)
}
