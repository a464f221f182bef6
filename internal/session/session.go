// Package session implements the per-user-process session manager and
// background traffic scheduler. The scheduler is a single
// time.Ticker-driven loop per process: on every tick it cleans up
// sessions first, then generates traffic for the survivors.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/libreqos/bufferbloat-validator/internal/profile"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// Status is one of the three states a TrafficSession can be in.
type Status string

const (
	StatusActive   Status = "active"
	StatusDraining Status = "draining"
	StatusTerminal Status = "terminal"
)

// Connection is the minimal surface the session manager needs from a
// live transport. userprocess implements this over *websocket.Conn;
// tests implement it over an in-memory fake so the scheduler's timing
// and ordering invariants can be verified without a real socket.
type Connection interface {
	WriteBinary(data []byte) error
	WriteJSON(v interface{}) error
	IsOpen() bool
	Close(reason string) error
	RemoteAddr() string
}

// Health tracks the connection-probe bookkeeping behind reachability
// detection.
type Health struct {
	ConsecutivePingFailures int
	outstanding             map[string]time.Time // probe_id -> sent_at
}

// Session is one client<->user-process connection. All fields are only ever mutated while holding mu, or
// via the atomic Seq counter.
type Session struct {
	mu sync.Mutex

	ID         string
	Archetype  wire.Archetype
	ClientAddr string
	Profile    *profile.TrafficProfile
	Conn       Connection

	CreatedAt    time.Time
	LastActivity time.Time

	BurstState profile.BurstState

	BytesSentDown    int64
	BytesRequestedUp int64
	BytesReceivedUp  int64

	Health Health

	Status         Status
	TerminalReason wire.TerminationReason

	seq uint32

	pacer *pacer // non-nil when Profile.PacketEnvelope != nil
}

// NewSession constructs a session in the active state with its burst
// state anchored at now.
func NewSession(id string, archetype wire.Archetype, clientAddr string, p *profile.TrafficProfile, conn Connection, now time.Time) *Session {
	s := &Session{
		ID:           id,
		Archetype:    archetype,
		ClientAddr:   clientAddr,
		Profile:      p,
		Conn:         conn,
		CreatedAt:    now,
		LastActivity: now,
		BurstState:   profile.InitialBurstState(p.BurstPattern.Kind, now),
		Status:       StatusActive,
		Health:       Health{outstanding: make(map[string]time.Time)},
	}
	if p.PacketEnvelope != nil {
		s.pacer = newPacer(s, *p.PacketEnvelope)
	}
	return s
}

// NextSeq returns a strictly monotonically increasing sequence number
// for this session's outbound frames.
func (s *Session) NextSeq() uint32 {
	return atomic.AddUint32(&s.seq, 1)
}

// Touch records client activity, resetting the inactivity clock.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.LastActivity = now
	s.mu.Unlock()
}

// markTerminal transitions the session to terminal with reason, closing
// the connection. Idempotent: a session already terminal is untouched.
// Caller must not hold any lock the Conn.Close implementation could
// re-enter.
func (s *Session) markTerminal(reason wire.TerminationReason) {
	s.mu.Lock()
	if s.Status == StatusTerminal {
		s.mu.Unlock()
		return
	}
	s.Status = StatusTerminal
	s.TerminalReason = reason
	conn := s.Conn
	s.mu.Unlock()

	if s.pacer != nil {
		s.pacer.stop()
	}
	_ = conn.Close(string(reason))
}

// isTerminal reports whether the session has already been marked
// terminal — used by the cleanup step to decide eligibility for removal;
// only terminal sessions are ever removed.
func (s *Session) isTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status == StatusTerminal
}

// checkInvariants evaluates inactivity timeout, max duration, and ping
// failure count against now, marking the session terminal if any is
// violated and returning true if it did. This is step 1 of the scheduler
// tick (cleanup), and must run before any traffic generation for this
// session in the same tick.
func (s *Session) checkInvariants(now time.Time, inactivityTimeout, maxDuration time.Duration, maxPingFailures int) bool {
	s.mu.Lock()
	lastActivity := s.LastActivity
	createdAt := s.CreatedAt
	pingFailures := s.Health.ConsecutivePingFailures
	s.mu.Unlock()

	switch {
	case now.Sub(lastActivity) > inactivityTimeout:
		s.markTerminal(wire.ReasonInactive)
		return true
	case now.Sub(createdAt) > maxDuration:
		s.markTerminal(wire.ReasonExpired)
		return true
	case pingFailures > maxPingFailures:
		s.markTerminal(wire.ReasonUnreachable)
		return true
	}
	return false
}

// recordProbeSent registers an outstanding connection-probe awaiting a
// reply.
func (s *Session) recordProbeSent(probeID string, now time.Time) {
	s.mu.Lock()
	s.Health.outstanding[probeID] = now
	s.mu.Unlock()
}

// RecordProbeReply clears an outstanding probe and resets the failure
// streak — reconciliation is by probe id, not by time, so replies may
// arrive out of order with respect to ticks. Called from the
// connection's inbound read loop when a connection_test_reply arrives.
func (s *Session) RecordProbeReply(probeID string) {
	s.mu.Lock()
	if _, ok := s.Health.outstanding[probeID]; ok {
		delete(s.Health.outstanding, probeID)
		s.Health.ConsecutivePingFailures = 0
	}
	s.mu.Unlock()
}

// expireProbes marks any outstanding probe past its reply deadline as a
// miss, incrementing the consecutive-failure counter.
func (s *Session) expireProbes(now time.Time, deadline time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sentAt := range s.Health.outstanding {
		if now.Sub(sentAt) > deadline {
			delete(s.Health.outstanding, id)
			s.Health.ConsecutivePingFailures++
		}
	}
}

// Snapshot is an immutable copy of session state for reporting (/stats)
// without holding the session lock while serializing.
type Snapshot struct {
	ID               string
	Archetype        wire.Archetype
	ClientAddr       string
	Status           Status
	TerminalReason   wire.TerminationReason
	CreatedAt        time.Time
	LastActivity     time.Time
	BytesSentDown    int64
	BytesRequestedUp int64
	BytesReceivedUp  int64
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:               s.ID,
		Archetype:        s.Archetype,
		ClientAddr:       s.ClientAddr,
		Status:           s.Status,
		TerminalReason:   s.TerminalReason,
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.LastActivity,
		BytesSentDown:    s.BytesSentDown,
		BytesRequestedUp: s.BytesRequestedUp,
		BytesReceivedUp:  s.BytesReceivedUp,
	}
}

// addBytesSentDown and friends are the only writers of the byte
// counters besides test setup, keeping every mutation under mu so
// Snapshot never observes a torn read.
func (s *Session) addBytesSentDown(n int64) {
	s.mu.Lock()
	s.BytesSentDown += n
	s.mu.Unlock()
}

func (s *Session) addBytesRequestedUp(n int64) {
	s.mu.Lock()
	s.BytesRequestedUp += n
	s.mu.Unlock()
}

// AddBytesReceivedUp accounts client-uploaded bytes as they arrive on
// the read loop (called from userprocess's inbound frame handling).
func (s *Session) AddBytesReceivedUp(n int64) {
	s.mu.Lock()
	s.BytesReceivedUp += n
	s.mu.Unlock()
}
