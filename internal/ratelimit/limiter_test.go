package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JanitorPeriod = time.Hour // don't race the janitor in tests
	l := New(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestCheckDownloadAllowsUpTo16ThenRejects(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Now()
	clock := base
	l.now = func() time.Time { return clock }

	for i := 0; i < 16; i++ {
		d := l.CheckDownload("203.0.113.5")
		require.True(t, d.Allowed, "download %d should be allowed", i+1)
		l.RecordDownload("203.0.113.5", 1<<20)
		clock = clock.Add(time.Minute)
	}

	// The 17th completion within the rolling hour is rejected.
	d := l.CheckDownload("203.0.113.5")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestCheckDownloadWindowSlides(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Now()
	clock := base
	l.now = func() time.Time { return clock }

	for i := 0; i < 16; i++ {
		l.CheckDownload("198.51.100.9")
		l.RecordDownload("198.51.100.9", 1024)
	}
	require.False(t, l.CheckDownload("198.51.100.9").Allowed)

	// Advance past the 1h window: budget resets.
	clock = clock.Add(time.Hour + time.Second)
	assert.True(t, l.CheckDownload("198.51.100.9").Allowed)
}

func TestCheckDownloadByteCapRejects(t *testing.T) {
	l := newTestLimiter(t)
	l.RecordDownload("192.0.2.1", l.cfg.HTTPMaxBytesPerHour)
	d := l.CheckDownload("192.0.2.1")
	assert.False(t, d.Allowed)
}

func TestCheckWSSessionConcurrencyCeiling(t *testing.T) {
	l := newTestLimiter(t)
	addr := "203.0.113.77"

	for i := 0; i < l.cfg.WSMaxConcurrent; i++ {
		d := l.CheckWSSession(addr, i)
		require.True(t, d.Allowed)
	}
	d := l.CheckWSSession(addr, l.cfg.WSMaxConcurrent)
	assert.False(t, d.Allowed)
}

func TestCheckWSSessionNATAllowance(t *testing.T) {
	l := newTestLimiter(t)
	addr := "203.0.113.88"

	for i := 0; i < l.cfg.WSMaxTotalPerAddr; i++ {
		l.RegisterWSSession(addr)
	}
	// perArchetypeActive=0 so only the NAT-wide total should reject.
	d := l.CheckWSSession(addr, 0)
	assert.False(t, d.Allowed)
}

func TestReleaseWSSessionDecrements(t *testing.T) {
	l := newTestLimiter(t)
	addr := "203.0.113.99"
	l.RegisterWSSession(addr)
	l.RegisterWSSession(addr)
	l.ReleaseWSSession(addr)

	l.mu.Lock()
	active := l.byAddr[addr].activeWS
	l.mu.Unlock()
	assert.Equal(t, 1, active)
}

func TestSweepDropsEmptyAddresses(t *testing.T) {
	l := newTestLimiter(t)
	clock := time.Now()
	l.now = func() time.Time { return clock }

	l.RecordDownload("192.0.2.50", 10)
	clock = clock.Add(2 * time.Hour)
	l.sweep()

	l.mu.Lock()
	_, exists := l.byAddr["192.0.2.50"]
	l.mu.Unlock()
	assert.False(t, exists)
}
