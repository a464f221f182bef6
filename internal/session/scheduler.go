package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/libreqos/bufferbloat-validator/internal/logging"
	"github.com/libreqos/bufferbloat-validator/internal/payload"
	"github.com/libreqos/bufferbloat-validator/internal/profile"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// Config carries the scheduler's tunables.
type Config struct {
	Period             time.Duration
	InactivityTimeout  time.Duration
	MaxSessionDuration time.Duration
	MaxPingFailures    int
	ProbeThreshold     time.Duration
	ProbeDeadline      time.Duration
	PerProcessCap      int32
	SlowTickFactor     float64 // tick duration beyond Period*SlowTickFactor is "slow"
	SlowTickStreak     int     // consecutive slow ticks before the cap is reduced
}

// TerminationEvent is reported to Manager's OnTerminal hook when a
// session leaves the active map, so callers (the rate limiter, /stats)
// can release resources tied to that session.
type TerminationEvent struct {
	SessionID  string
	ClientAddr string
	Archetype  wire.Archetype
	Reason     wire.TerminationReason
}

// Manager owns one archetype's active sessions and the single
// background tick task that drives them — a context-cancellable
// Start/Stop/run loop over a time.Ticker that runs cleanup before
// traffic generation on every tick.
type Manager struct {
	archetype wire.Archetype
	profile   *profile.TrafficProfile
	cfg       Config
	pool      *payload.Pool
	log       *zap.SugaredLogger

	OnTerminal func(TerminationEvent)

	mu       sync.Mutex
	sessions map[string]*Session

	cap atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	slowTickStreak int
	ticksSinceStart int64
}

// NewManager creates a Manager for one archetype. pool is the process's
// shared, process-local entropy pool.
func NewManager(archetype wire.Archetype, p *profile.TrafficProfile, cfg Config, pool *payload.Pool) *Manager {
	m := &Manager{
		archetype: archetype,
		profile:   p,
		cfg:       cfg,
		pool:      pool,
		log:       logging.Named("session-manager").With(logging.FieldArchetype, string(archetype)),
		sessions:  make(map[string]*Session),
	}
	m.cap.Store(cfg.PerProcessCap)
	return m
}

// Start begins the background tick loop.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
}

// Stop cancels the tick loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

// Count returns the number of currently active (non-terminal) sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Capacity returns the manager's current (possibly slow-tick-reduced)
// session cap.
func (m *Manager) Capacity() int32 {
	return m.cap.Load()
}

// Register enrolls a new session (the WS-accept path calls this after
// rate-limit and archetype validation pass). Returns an error if the
// process is at capacity.
func (m *Manager) Register(id string, clientAddr string, conn Connection, now time.Time) (*Session, error) {
	return m.register(id, clientAddr, conn, now, m.profile)
}

// RegisterWithRate enrolls a session whose download rate overrides the
// manager's profile. The bulk archetype's warmup-measured p95 arrives
// this way, per connection; the other archetypes keep their fixed rates.
func (m *Manager) RegisterWithRate(id string, clientAddr string, conn Connection, now time.Time, downMbps float64) (*Session, error) {
	p := *m.profile
	p.DownloadMbps = downMbps
	return m.register(id, clientAddr, conn, now, &p)
}

func (m *Manager) register(id string, clientAddr string, conn Connection, now time.Time, p *profile.TrafficProfile) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int32(len(m.sessions)) >= m.cap.Load() {
		return nil, fmt.Errorf("session manager at capacity (%d)", m.cap.Load())
	}

	s := NewSession(id, m.archetype, clientAddr, p, conn, now)
	m.sessions[id] = s
	m.log.Infow("session registered",
		logging.FieldSessionID, id,
		logging.FieldClientAddr, clientAddr,
		logging.FieldRateMbps, p.DownloadMbps,
	)
	return s, nil
}

// Snapshots returns a point-in-time Snapshot of every active session,
// for /stats reporting.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// Lookup returns the session by id for inbound-frame routing (stats,
// connection_test_reply, upload_chunk accounting), or nil.
func (m *Manager) Lookup(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// tick runs one full scheduler iteration: cleanup strictly precedes
// traffic generation, measured so slow ticks can be detected and the
// per-process cap adapted.
func (m *Manager) tick(now time.Time) {
	start := time.Now()
	m.ticksSinceStart++

	// Step 1: cleanup. Evaluate every session's invariants, mark
	// terminal, close, and remove from the active map — before any
	// traffic generation.
	removed := m.cleanup(now)

	// Step 2: active validation (connection liveness + probes).
	validated := m.validateActive(now)

	// Step 3 + 4: traffic step and upload request, for validated
	// sessions only.
	for _, s := range validated {
		m.trafficStep(s, now)
	}

	for _, ev := range removed {
		if m.OnTerminal != nil {
			m.OnTerminal(ev)
		}
	}

	m.checkSlowTick(time.Since(start))
}

// cleanup evaluates invariants and removes newly- or previously-terminal
// sessions from the active map, returning termination events for
// removed sessions. This must run to completion before traffic
// generation ever looks at the map.
func (m *Manager) cleanup(now time.Time) []TerminationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []TerminationEvent
	for id, s := range m.sessions {
		s.checkInvariants(now, m.cfg.InactivityTimeout, m.cfg.MaxSessionDuration, m.cfg.MaxPingFailures)
		if s.isTerminal() {
			delete(m.sessions, id)
			snap := s.Snapshot()
			removed = append(removed, TerminationEvent{
				SessionID:  snap.ID,
				ClientAddr: snap.ClientAddr,
				Archetype:  snap.Archetype,
				Reason:     snap.TerminalReason,
			})
		}
	}
	return removed
}

// validateActive checks connection liveness and manages the
// connection-probe handshake for sessions that survived cleanup.
// Sessions that fail liveness are marked terminal and excluded from the
// returned slice (and therefore from traffic generation this tick).
func (m *Manager) validateActive(now time.Time) []*Session {
	m.mu.Lock()
	ids := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ids = append(ids, s)
	}
	m.mu.Unlock()

	validated := make([]*Session, 0, len(ids))
	for _, s := range ids {
		if !s.Conn.IsOpen() {
			s.markTerminal(wire.ReasonClosed)
			m.removeTerminal(s)
			continue
		}

		s.expireProbes(now, m.cfg.ProbeDeadline)

		s.mu.Lock()
		lastActivity := s.LastActivity
		s.mu.Unlock()

		if now.Sub(lastActivity) > m.cfg.ProbeThreshold {
			probeID := uuid.NewString()
			s.recordProbeSent(probeID, now)
			if err := s.Conn.WriteJSON(wire.NewConnectionTest(probeID)); err != nil {
				s.markTerminal(wire.ReasonSendError)
				m.removeTerminal(s)
				continue
			}
		}

		if s.isTerminal() {
			m.removeTerminal(s)
			continue
		}
		validated = append(validated, s)
	}
	return validated
}

func (m *Manager) removeTerminal(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if m.OnTerminal != nil {
		snap := s.Snapshot()
		m.OnTerminal(TerminationEvent{
			SessionID:  snap.ID,
			ClientAddr: snap.ClientAddr,
			Archetype:  snap.Archetype,
			Reason:     snap.TerminalReason,
		})
	}
}

// trafficStep computes the session's current effective rate and emits
// download traffic / requests upload traffic for one tick's worth of
// time.
func (m *Manager) trafficStep(s *Session, now time.Time) {
	s.mu.Lock()
	burstState := s.BurstState
	s.mu.Unlock()

	downMbps, upMbps, nextState := profile.Evaluate(s.Profile, burstState, now)

	s.mu.Lock()
	s.BurstState = nextState
	s.mu.Unlock()

	dt := m.cfg.Period.Seconds()
	downBytes := int64(downMbps * 1e6 / 8 * dt)

	if downBytes > 0 {
		if s.pacer != nil {
			s.pacer.enqueue(downBytes, m.pool)
		} else {
			// One tick's quota can exceed the pool's largest buffer
			// (anything above MaxChunk*8/period bps), so emit as many
			// full-size frames as the quota needs and account only
			// what was actually written.
			remaining := downBytes
			for remaining > 0 {
				n := remaining
				if n > payload.MaxChunk {
					n = payload.MaxChunk
				}
				chunk := m.pool.Take(int(n))
				header := wire.Header{
					Seq:       s.NextSeq(),
					SendTSMs:  uint32(now.UnixMilli()),
					Direction: wire.DirectionDown,
					Kind:      wire.KindPayload,
					Size:      uint16(clampUint16(int64(len(chunk)))),
				}
				frame := header.Encode(chunk)
				if err := s.Conn.WriteBinary(frame); err != nil {
					s.markTerminal(wire.ReasonSendError)
					m.removeTerminal(s)
					return
				}
				s.addBytesSentDown(int64(len(chunk)))
				remaining -= int64(len(chunk))
			}
		}
	}

	if upMbps > 0 {
		upBytes := int64(upMbps * 1e6 / 8 * dt)
		deadlineMs := now.Add(m.cfg.Period).UnixMilli()
		req := wire.NewRequestUpload(upBytes, deadlineMs, s.NextSeq())
		if err := s.Conn.WriteJSON(req); err != nil {
			s.markTerminal(wire.ReasonSendError)
			m.removeTerminal(s)
			return
		}
		s.addBytesRequestedUp(upBytes)
	}
}

func clampUint16(n int64) int64 {
	if n > 65535 {
		return 65535
	}
	return n
}

// checkSlowTick detects slow ticks: if a tick's wall-clock duration
// persistently exceeds SlowTickFactor*Period, the per-process session
// cap is reduced until ticks fit again. Slow-tick
// warnings are the primary canary for this subsystem.
func (m *Manager) checkSlowTick(elapsed time.Duration) {
	threshold := time.Duration(float64(m.cfg.Period) * m.cfg.SlowTickFactor)
	if elapsed <= threshold {
		m.slowTickStreak = 0
		return
	}

	m.slowTickStreak++
	m.log.Warnw("slow tick detected",
		logging.FieldDurationMS, elapsed.Milliseconds(),
		"threshold_ms", threshold.Milliseconds(),
		"streak", m.slowTickStreak,
	)

	if m.slowTickStreak >= m.cfg.SlowTickStreak {
		current := m.cap.Load()
		reduced := current - current/4
		if reduced < 1 {
			reduced = 1
		}
		if reduced != current {
			m.cap.Store(reduced)
			m.log.Warnw("reducing per-process session cap due to sustained slow ticks",
				"previous_cap", current, "new_cap", reduced)
		}
		m.slowTickStreak = 0
	}
}
