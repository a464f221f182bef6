package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

func TestPercentileRTTEmpty(t *testing.T) {
	assert.Equal(t, time.Duration(0), percentileRTT(nil, 0.95))
}

func TestPercentileRTTBasic(t *testing.T) {
	rtts := []time.Duration{50 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond, 100 * time.Millisecond}
	assert.Equal(t, 30*time.Millisecond, percentileRTT(rtts, 0.50))
}

func TestClassifyTier(t *testing.T) {
	assert.Equal(t, TierLow, classifyTier(20))
	assert.Equal(t, TierMedium, classifyTier(100))
	assert.Equal(t, TierHigh, classifyTier(300))
	assert.Equal(t, TierVeryHigh, classifyTier(600))
}

func TestPingRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wire.PingResponse{ServerTimestampMs: time.Now().UnixMilli()})
	}))
	defer srv.Close()

	o := New(Config{ServerAddr: strings.TrimPrefix(srv.URL, "http://")})
	rtt, err := o.ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestSamplePingsCollectsMultiple(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wire.PingResponse{})
	}))
	defer srv.Close()

	o := New(Config{ServerAddr: strings.TrimPrefix(srv.URL, "http://")})
	rtts, err := o.samplePings(context.Background(), 100*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(rtts), 2)
}
