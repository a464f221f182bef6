package userprocess

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libreqos/bufferbloat-validator/internal/payload"
	"github.com/libreqos/bufferbloat-validator/internal/profile"
	"github.com/libreqos/bufferbloat-validator/internal/ratelimit"
	"github.com/libreqos/bufferbloat-validator/internal/session"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

func newTestHandlers(t *testing.T) (*Handlers, *session.Manager) {
	t.Helper()
	p := &profile.TrafficProfile{DownloadMbps: 1, BurstPattern: profile.BurstPattern{Kind: profile.BurstConstant}}
	cfg := session.Config{
		Period:             20 * time.Millisecond,
		InactivityTimeout:  5 * time.Second,
		MaxSessionDuration: time.Minute,
		MaxPingFailures:    3,
		ProbeThreshold:     time.Hour,
		ProbeDeadline:      time.Second,
		PerProcessCap:      4,
		SlowTickFactor:     2.0,
		SlowTickStreak:     5,
	}
	mgr := session.NewManager(wire.Gamer, p, cfg, payload.NewPool(1))
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	t.Cleanup(limiter.Stop)
	return NewHandlers(wire.Gamer, mgr, limiter), mgr
}

func TestServeWSAcceptsAndRegistersSession(t *testing.T) {
	h, mgr := newTestHandlers(t)
	ctx := startManager(t, mgr)
	defer ctx()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + WSPathPrefix + "gamer"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = ws.ReadMessage()
	require.NoError(t, err, "should have received at least one traffic frame")

	assert.Equal(t, 1, mgr.Count())
}

func TestServeWSRejectsWrongArchetype(t *testing.T) {
	h, mgr := newTestHandlers(t) // bound to gamer
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + WSPathPrefix + "streamer"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, mgr.Count())
}

func TestHealthReportsActiveSessions(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"archetype":"gamer"`)
	assert.Contains(t, rec.Body.String(), `"active_sessions":0`)
}

func startManager(t *testing.T, mgr *session.Manager) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	return func() {
		cancel()
		mgr.Stop()
	}
}
