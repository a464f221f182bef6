// Package ratelimit implements the NAT-aware rate limiter. It is deliberately in-memory only: a persistent store
// would add dependency surface for negligible safety, since per-process
// caps plus the NAT margin already bound misuse, and restarts resetting
// the budget is documented and acceptable.
//
// The limiter is a mutex-guarded map keyed by client address, with
// sliding-window accounting and a periodic janitor. The WS-session
// ceiling additionally gives each address its own
// golang.org/x/time/rate.Limiter to smooth bursts of connection
// attempts on top of the raw concurrency cap.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// downloadEvent is one completed HTTP download, for the rolling-hour
// window.
type downloadEvent struct {
	at    time.Time
	bytes int64
}

// addressState is the per-client-address bookkeeping. Its footprint is
// intentionally small (~1 KB/address) since it is held for every distinct
// client address seen, not just active ones, until the janitor reaps it.
type addressState struct {
	downloads     []downloadEvent
	activeWS      int
	connAttempts  *rate.Limiter
	lastTouchedAt time.Time
}

// Config holds the rate limiter's tunables.
type Config struct {
	HTTPMaxPerHour      int
	HTTPMaxBytesPerHour int64
	WSMaxConcurrent     int // per archetype port, e.g. 4
	WSMaxTotalPerAddr   int // across all archetypes, NAT allowance, e.g. 16
	JanitorPeriod       time.Duration
	// ConnAttemptsPerSec bounds how often one address may attempt a new
	// WS session, independent of the concurrency ceiling — this is the
	// part a raw counter can't express and rate.Limiter can.
	ConnAttemptsPerSec float64
	ConnAttemptsBurst  int
}

// DefaultConfig returns the limiter's documented production defaults.
func DefaultConfig() Config {
	return Config{
		HTTPMaxPerHour:      16,
		HTTPMaxBytesPerHour: 45 * 1 << 30,
		WSMaxConcurrent:     4,
		WSMaxTotalPerAddr:   16,
		JanitorPeriod:       10 * time.Minute,
		ConnAttemptsPerSec:  3,
		ConnAttemptsBurst:   6,
	}
}

// Limiter is the process-wide, in-memory rate limiter. One Limiter lives
// per process (the supervisor for HTTP, each archetype child for WS) —
// rate-limiter state is deliberately process-local, not shared.
type Limiter struct {
	cfg Config

	mu   sync.Mutex
	byAddr map[string]*addressState

	stopJanitor chan struct{}
	now         func() time.Time
}

// New creates a Limiter and starts its background janitor.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:         cfg,
		byAddr:      make(map[string]*addressState),
		stopJanitor: make(chan struct{}),
		now:         time.Now,
	}
	go l.runJanitor()
	return l
}

func (l *Limiter) stateFor(addr string) *addressState {
	st, ok := l.byAddr[addr]
	if !ok {
		st = &addressState{
			connAttempts: rate.NewLimiter(rate.Limit(l.cfg.ConnAttemptsPerSec), l.cfg.ConnAttemptsBurst),
		}
		l.byAddr[addr] = st
	}
	return st
}

// DownloadDecision is the result of checking an HTTP download request.
type DownloadDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CheckDownload enforces the HTTP budget (the 17th completion within a
// rolling hour is rejected) before a download starts. It does not
// record the download — call RecordDownload when it completes, so a
// download that's allowed-but-aborted doesn't consume budget.
func (l *Limiter) CheckDownload(addr string) DownloadDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateFor(addr)
	st.lastTouchedAt = l.now()
	l.pruneLocked(st)

	if len(st.downloads) >= l.cfg.HTTPMaxPerHour {
		return DownloadDecision{Allowed: false, RetryAfter: l.retryAfterLocked(st)}
	}

	var totalBytes int64
	for _, d := range st.downloads {
		totalBytes += d.bytes
	}
	if totalBytes >= l.cfg.HTTPMaxBytesPerHour {
		return DownloadDecision{Allowed: false, RetryAfter: l.retryAfterLocked(st)}
	}

	return DownloadDecision{Allowed: true}
}

// RecordDownload records bytes transferred for a completed download.
func (l *Limiter) RecordDownload(addr string, bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(addr)
	st.lastTouchedAt = l.now()
	st.downloads = append(st.downloads, downloadEvent{at: l.now(), bytes: bytes})
}

// retryAfterLocked computes how long until the oldest event in the
// window ages out, giving the caller a concrete Retry-After hint.
func (l *Limiter) retryAfterLocked(st *addressState) time.Duration {
	if len(st.downloads) == 0 {
		return 0
	}
	oldest := st.downloads[0].at
	until := oldest.Add(time.Hour).Sub(l.now())
	if until < 0 {
		return 0
	}
	return until
}

func (l *Limiter) pruneLocked(st *addressState) {
	cutoff := l.now().Add(-time.Hour)
	i := 0
	for i < len(st.downloads) && st.downloads[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.downloads = st.downloads[i:]
	}
}

// WSDecision is the result of checking a WS session attempt.
type WSDecision struct {
	Allowed bool
	Reason  string // populated when !Allowed, suitable for a 1008 close reason
}

// CheckWSSession enforces two WS ceilings: per-archetype
// concurrency (perArchetypeActive is the caller's own count for its
// port) and the NAT-wide total across all archetypes from this address,
// plus the connection-attempt rate limiter. It does not register the
// session — call RegisterWSSession once accepted.
func (l *Limiter) CheckWSSession(addr string, perArchetypeActive int) WSDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateFor(addr)
	st.lastTouchedAt = l.now()

	if !st.connAttempts.AllowN(l.now(), 1) {
		return WSDecision{Allowed: false, Reason: "connection attempt rate exceeded"}
	}
	if perArchetypeActive >= l.cfg.WSMaxConcurrent {
		return WSDecision{Allowed: false, Reason: fmt.Sprintf("max %d concurrent sessions per archetype", l.cfg.WSMaxConcurrent)}
	}
	if st.activeWS >= l.cfg.WSMaxTotalPerAddr {
		return WSDecision{Allowed: false, Reason: fmt.Sprintf("max %d total sessions per address", l.cfg.WSMaxTotalPerAddr)}
	}
	return WSDecision{Allowed: true}
}

// RegisterWSSession increments the address's active WS session count.
func (l *Limiter) RegisterWSSession(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(addr)
	st.activeWS++
}

// ReleaseWSSession decrements the address's active WS session count,
// called when a session transitions to terminal and is removed.
func (l *Limiter) ReleaseWSSession(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.byAddr[addr]
	if !ok {
		return
	}
	if st.activeWS > 0 {
		st.activeWS--
	}
}

// runJanitor drops deque entries older than one hour and addresses with
// no remaining state, every JanitorPeriod.
func (l *Limiter) runJanitor() {
	ticker := time.NewTicker(l.cfg.JanitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopJanitor:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, st := range l.byAddr {
		l.pruneLocked(st)
		if len(st.downloads) == 0 && st.activeWS == 0 {
			delete(l.byAddr, addr)
		}
	}
}

// Stop stops the janitor goroutine.
func (l *Limiter) Stop() {
	close(l.stopJanitor)
}
