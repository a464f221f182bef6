package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libreqos/bufferbloat-validator/internal/payload"
	"github.com/libreqos/bufferbloat-validator/internal/profile"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// fakeConn is an in-memory Connection used to assert on what the
// scheduler actually sends, without a real socket.
type fakeConn struct {
	mu         sync.Mutex
	open       bool
	binaryLog  [][]byte
	jsonLog    []interface{}
	closed     bool
	closeReason string
	failWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{open: true}
}

func (f *fakeConn) WriteBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return assertErr
	}
	cp := append([]byte(nil), data...)
	f.binaryLog = append(f.binaryLog, cp)
	return nil
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return assertErr
	}
	f.jsonLog = append(f.jsonLog, v)
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed = true
	f.closeReason = reason
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "198.51.100.1:1234" }

func (f *fakeConn) bytesSent() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, b := range f.binaryLog {
		_, payload, err := wire.DecodeHeader(b)
		if err == nil {
			total += int64(len(payload))
		}
	}
	return total
}

var assertErr = &fakeErr{"write failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func testConfig() Config {
	return Config{
		Period:             10 * time.Millisecond,
		InactivityTimeout:  100 * time.Millisecond,
		MaxSessionDuration: time.Hour,
		MaxPingFailures:    3,
		ProbeThreshold:     time.Hour, // disable probes for most tests
		ProbeDeadline:      time.Second,
		PerProcessCap:      50,
		SlowTickFactor:     2.0,
		SlowTickStreak:     5,
	}
}

func newTestManager(p *profile.TrafficProfile) *Manager {
	return NewManager(wire.Bulk, p, testConfig(), payload.NewPool(1))
}

func TestCleanupPrecedesTrafficInactivity(t *testing.T) {
	// A session removed in a tick must emit zero bytes during that tick.
	p := &profile.TrafficProfile{DownloadMbps: 100, UploadMbps: 0, BurstPattern: profile.BurstPattern{Kind: profile.BurstConstant}}
	m := newTestManager(p)

	conn := newFakeConn()
	now := time.Now()
	s, err := m.Register("s1", "198.51.100.1", conn, now)
	require.NoError(t, err)

	// Force inactivity by backdating LastActivity beyond the timeout.
	s.mu.Lock()
	s.LastActivity = now.Add(-time.Hour)
	s.mu.Unlock()

	m.tick(now)

	assert.Equal(t, int64(0), conn.bytesSent(), "a session removed this tick must emit zero bytes")
	assert.True(t, conn.closed)
	assert.Equal(t, 0, m.Count())
}

func TestTrafficStepSendsForHealthySession(t *testing.T) {
	p := &profile.TrafficProfile{DownloadMbps: 8, UploadMbps: 0, BurstPattern: profile.BurstPattern{Kind: profile.BurstConstant}}
	m := newTestManager(p)

	conn := newFakeConn()
	now := time.Now()
	_, err := m.Register("s1", "198.51.100.1", conn, now)
	require.NoError(t, err)

	m.tick(now)

	// 8 Mbps over a 10ms tick = 8e6/8*0.01 = 10000 bytes.
	assert.InDelta(t, 10000, conn.bytesSent(), 10)
	assert.Equal(t, 1, m.Count())
}

func TestTrafficStepSplitsQuotaAboveLargestBuffer(t *testing.T) {
	// A fast link's bulk rate produces more than one pool buffer's worth
	// of bytes per tick; the quota must be split across frames, with the
	// session accounting matching what actually went out.
	p := &profile.TrafficProfile{DownloadMbps: 400, UploadMbps: 0, BurstPattern: profile.BurstPattern{Kind: profile.BurstConstant}}
	cfg := testConfig()
	cfg.Period = 250 * time.Millisecond
	m := NewManager(wire.Bulk, p, cfg, payload.NewPool(1))

	conn := newFakeConn()
	now := time.Now()
	_, err := m.Register("s1", "198.51.100.1", conn, now)
	require.NoError(t, err)

	m.tick(now)

	// 400 Mbps over 250ms = 12.5 MB, more than the 8 MB largest buffer.
	want := int64(400 * 1e6 / 8 / 4)
	assert.Equal(t, want, conn.bytesSent())
	require.Len(t, conn.binaryLog, 2)
	assert.Equal(t, want, m.Lookup("s1").Snapshot().BytesSentDown)
}

func TestNoLeakAfterDisconnect(t *testing.T) {
	// After the connection reports closed, zero further bytes are
	// emitted across subsequent ticks.
	p := &profile.TrafficProfile{DownloadMbps: 25, UploadMbps: 0, BurstPattern: profile.BurstPattern{Kind: profile.BurstConstant}}
	m := newTestManager(p)

	conn := newFakeConn()
	now := time.Now()
	_, err := m.Register("s1", "198.51.100.1", conn, now)
	require.NoError(t, err)

	m.tick(now)
	require.Greater(t, conn.bytesSent(), int64(0))

	conn.open = false // simulate client closing the socket
	beforeClose := conn.bytesSent()

	for i := 0; i < 4; i++ {
		now = now.Add(m.cfg.Period)
		m.tick(now)
	}

	assert.Equal(t, beforeClose, conn.bytesSent(), "no bytes should be emitted after disconnect")
	assert.Equal(t, 0, m.Count())
}

func TestSendFailureTerminatesImmediately(t *testing.T) {
	p := &profile.TrafficProfile{DownloadMbps: 10, UploadMbps: 0, BurstPattern: profile.BurstPattern{Kind: profile.BurstConstant}}
	m := newTestManager(p)

	conn := newFakeConn()
	now := time.Now()
	_, err := m.Register("s1", "198.51.100.1", conn, now)
	require.NoError(t, err)

	conn.failWrites = true
	m.tick(now)

	assert.Equal(t, 0, m.Count())
	assert.Equal(t, "send_error", conn.closeReason)
}

func TestRegisterRejectsAtCapacity(t *testing.T) {
	p := &profile.TrafficProfile{DownloadMbps: 1, BurstPattern: profile.BurstPattern{Kind: profile.BurstConstant}}
	cfg := testConfig()
	cfg.PerProcessCap = 1
	m := NewManager(wire.Gamer, p, cfg, payload.NewPool(1))

	now := time.Now()
	_, err := m.Register("s1", "198.51.100.1", newFakeConn(), now)
	require.NoError(t, err)

	_, err = m.Register("s2", "198.51.100.2", newFakeConn(), now)
	assert.Error(t, err)
}

func TestRegisterWithRateOverridesDownload(t *testing.T) {
	// The bulk archetype's warmup-measured p95 arrives per session; the
	// manager's own profile must stay untouched for later sessions.
	p := &profile.TrafficProfile{DownloadMbps: 200, UploadMbps: 0, BurstPattern: profile.BurstPattern{Kind: profile.BurstConstant}}
	m := newTestManager(p)

	now := time.Now()
	s, err := m.RegisterWithRate("s1", "198.51.100.1", newFakeConn(), now, 50)
	require.NoError(t, err)
	assert.Equal(t, 50.0, s.Profile.DownloadMbps)

	s2, err := m.Register("s2", "198.51.100.2", newFakeConn(), now)
	require.NoError(t, err)
	assert.Equal(t, 200.0, s2.Profile.DownloadMbps)
}

func TestStartStopRunsTicksViaContext(t *testing.T) {
	p := &profile.TrafficProfile{DownloadMbps: 1, BurstPattern: profile.BurstPattern{Kind: profile.BurstConstant}}
	cfg := testConfig()
	m := NewManager(wire.Gamer, p, cfg, payload.NewPool(1))

	conn := newFakeConn()
	_, err := m.Register("s1", "198.51.100.1", conn, time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	m.Stop()

	assert.Greater(t, conn.bytesSent(), int64(0))
}
