package userprocess

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/libreqos/bufferbloat-validator/internal/logging"
	"github.com/libreqos/bufferbloat-validator/internal/ratelimit"
	"github.com/libreqos/bufferbloat-validator/internal/session"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// Origin checking is left permissive since the virtual-household
// clients are the project's own tooling, not third-party browser
// embeds.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers is the HTTP surface one archetype child process exposes: the
// WS accept endpoint plus /health and /stats.
type Handlers struct {
	archetype wire.Archetype
	manager   *session.Manager
	limiter   *ratelimit.Limiter
	log       *zap.SugaredLogger
}

func NewHandlers(archetype wire.Archetype, manager *session.Manager, limiter *ratelimit.Limiter) *Handlers {
	return &Handlers{
		archetype: archetype,
		manager:   manager,
		limiter:   limiter,
		log:       logging.Named("userprocess").With(logging.FieldArchetype, string(archetype)),
	}
}

// WSPathPrefix is the endpoint each archetype child serves its
// WebSocket on; the trailing segment names the archetype and must match
// the one this process is bound to.
const WSPathPrefix = "/ws/virtual-household/"

// ServeWS accepts one client connection, validates the archetype tag in
// the request path against this process's own, enforces the WS
// rate-limit ceilings, registers a session with the manager, and blocks
// running the read loop until the client disconnects.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimPrefix(r.URL.Path, WSPathPrefix)
	archetype := wire.Archetype(tag)
	if !strings.HasPrefix(r.URL.Path, WSPathPrefix) || !archetype.Valid() {
		http.Error(w, "unknown archetype", http.StatusNotFound)
		return
	}
	if archetype != h.archetype {
		http.Error(w, "archetype not served by this process", http.StatusNotFound)
		return
	}

	addr := clientAddrFromRequest(r)

	decision := h.limiter.CheckWSSession(addr, h.manager.Count())
	if !decision.Allowed {
		http.Error(w, decision.Reason, http.StatusTooManyRequests)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", logging.FieldClientAddr, addr, logging.FieldError, err)
		return
	}

	conn := newWSConn(raw)
	now := time.Now()
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var s *session.Session
	if bulkMbps := parseBulkRate(r); h.archetype == wire.Bulk && bulkMbps > 0 {
		s, err = h.manager.RegisterWithRate(sessionID, addr, conn, now, bulkMbps)
	} else {
		s, err = h.manager.Register(sessionID, addr, conn, now)
	}
	if err != nil {
		h.log.Warnw("session registration rejected", logging.FieldClientAddr, addr, logging.FieldError, err)
		_ = conn.Close("at_capacity")
		return
	}

	// Released through the manager's OnTerminal hook once the session is
	// removed, so it is counted down exactly once.
	h.limiter.RegisterWSSession(addr)

	readPump(conn, s)
}

// maxBulkRateMbps bounds the client-supplied warmup rate so a hostile
// query string cannot turn the bulk archetype into an amplifier.
const maxBulkRateMbps = 10000

// parseBulkRate reads the warmup-measured download rate the client
// passes when dialing the bulk archetype, 0 if absent or out of range.
func parseBulkRate(r *http.Request) float64 {
	raw := r.URL.Query().Get("bulk_mbps")
	if raw == "" {
		return 0
	}
	mbps, err := strconv.ParseFloat(raw, 64)
	if err != nil || mbps <= 0 || mbps > maxBulkRateMbps {
		return 0
	}
	return mbps
}

func clientAddrFromRequest(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

// healthResponse is GET /health's body.
type healthResponse struct {
	Status        string `json:"status"`
	Archetype     string `json:"archetype"`
	ActiveSessions int    `json:"active_sessions"`
	Capacity      int32  `json:"capacity"`
}

// Health answers this child process's own liveness, polled by the
// supervisor's health model.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		Archetype:      string(h.archetype),
		ActiveSessions: h.manager.Count(),
		Capacity:       h.manager.Capacity(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warnw("failed to encode health response", logging.FieldError, err)
	}
}

// statsResponse is GET /stats's body: one wire.Stats-shaped entry per
// active session, the raw material for /virtual-household/stats'
// aggregation on the supervisor.
type statsResponse struct {
	Archetype string       `json:"archetype"`
	Sessions  []wire.Stats `json:"sessions"`
}

// Stats reports every active session's byte counters and effective
// rate, derived from its own snapshot rather than the scheduler's
// instantaneous profile (so it reflects what was actually sent).
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	snapshots := h.manager.Snapshots()
	resp := statsResponse{Archetype: string(h.archetype), Sessions: make([]wire.Stats, 0, len(snapshots))}

	now := time.Now()
	for _, snap := range snapshots {
		elapsed := now.Sub(snap.CreatedAt).Seconds()
		var downMbps, upMbps float64
		if elapsed > 0 {
			downMbps = float64(snap.BytesSentDown) * 8 / elapsed / 1e6
			upMbps = float64(snap.BytesReceivedUp) * 8 / elapsed / 1e6
		}
		resp.Sessions = append(resp.Sessions, wire.Stats{
			Type:            "stats",
			SessionID:       snap.ID,
			BytesSentDown:   snap.BytesSentDown,
			BytesReqUp:      snap.BytesRequestedUp,
			BytesRecvUp:     snap.BytesReceivedUp,
			EffDownMbps:     downMbps,
			EffUpMbps:       upMbps,
			TimestampUnixMs: now.UnixMilli(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warnw("failed to encode stats response", logging.FieldError, err)
	}
}
