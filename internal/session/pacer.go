package session

import (
	"math/rand"
	"sync"
	"time"

	"github.com/libreqos/bufferbloat-validator/internal/payload"
	"github.com/libreqos/bufferbloat-validator/internal/profile"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// pacer emits a session's download payload as individual packets spaced
// by the profile's packet_envelope, instead of one tick-sized write.
// Real-time archetypes (gamer, video_caller) must emit packets
// individually with >=1ms inter-packet gap and deterministic jitter so
// adjacent shapers' bulk-detectors don't coalesce them. A dedicated
// goroutine per session keeps that pacing off the scheduler's tick loop,
// so one session's sub-tick sends never make the tick itself (and
// therefore cleanup-first ordering) run long.
type pacer struct {
	session  *Session
	envelope profile.PacketEnvelope
	rng      *rand.Rand

	mu      sync.Mutex
	quota   chan quotaJob
	done    chan struct{}
	stopped bool
}

// quotaJob is one tick's worth of download bytes to drain as
// individually-paced packets.
type quotaJob struct {
	bytes int64
	pool  *payload.Pool
}

func newPacer(s *Session, envelope profile.PacketEnvelope) *pacer {
	p := &pacer{
		session:  s,
		envelope: envelope,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		quota:    make(chan quotaJob, 4),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue hands the pacer this tick's byte quota. Non-blocking: up to
// four quotas wait behind the one being drained; once that queue is full
// (a slow-tick scenario), the new quota is dropped for this tick rather
// than unbounded-queueing, which would let a stalled pacer silently
// accumulate backlog.
func (p *pacer) enqueue(bytes int64, pool *payload.Pool) {
	select {
	case p.quota <- quotaJob{bytes: bytes, pool: pool}:
	default:
	}
}

func (p *pacer) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.done)
}

func (p *pacer) run() {
	for {
		select {
		case <-p.done:
			return
		case job := <-p.quota:
			p.drain(job)
		}
	}
}

// drain emits job.bytes worth of packets sized within
// [MinBytes,MaxBytes], spaced by SendIntervalMs +/- JitterMs.
func (p *pacer) drain(job quotaJob) {
	remaining := job.bytes
	envelope := p.envelope

	for remaining > 0 {
		select {
		case <-p.done:
			return
		default:
		}

		size := envelope.MinBytes
		if envelope.MaxBytes > envelope.MinBytes {
			size += p.rng.Intn(envelope.MaxBytes - envelope.MinBytes + 1)
		}
		if int64(size) > remaining {
			size = int(remaining)
		}
		if size < envelope.MinBytes && remaining >= int64(envelope.MinBytes) {
			size = envelope.MinBytes
		}

		header := wire.Header{
			Seq:       p.session.NextSeq(),
			SendTSMs:  uint32(time.Now().UnixMilli()),
			Direction: wire.DirectionDown,
			Kind:      wire.KindPayload,
			Size:      uint16(size),
		}
		frame := header.Encode(job.pool.Take(size))

		if err := p.session.Conn.WriteBinary(frame); err != nil {
			p.session.markTerminal(wire.ReasonSendError)
			return
		}
		p.session.addBytesSentDown(int64(size))
		remaining -= int64(size)

		jitter := 0
		if envelope.JitterMs > 0 {
			jitter = p.rng.Intn(2*envelope.JitterMs+1) - envelope.JitterMs
		}
		gapMs := envelope.SendIntervalMs + jitter
		if gapMs < 1 {
			gapMs = 1
		}
		timer := time.NewTimer(time.Duration(gapMs) * time.Millisecond)
		select {
		case <-p.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
