// Package profile defines the per-archetype TrafficProfile and the
// burst-pattern evaluator. Burst patterns are modeled as a tagged-variant
// struct rather than a class hierarchy: one Kind enum plus the fields
// each kind uses, evaluated by a single pure function.
package profile

import (
	"time"

	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// ActivityType classifies how an archetype's traffic looks on the wire,
// used only for documentation/metrics labeling — it does not change
// scheduling behavior.
type ActivityType string

const (
	ActivityRealtimeSmall     ActivityType = "realtime_small"
	ActivityVideoBidirectional ActivityType = "video_bidirectional"
	ActivityBurstyStream      ActivityType = "bursty_stream"
	ActivityBulkTransfer      ActivityType = "bulk_transfer"
)

// BurstKind tags which variant of BurstPattern is populated.
type BurstKind string

const (
	BurstConstant        BurstKind = "constant"
	BurstNetflixAdaptive BurstKind = "netflix_adaptive"
	BurstComputerBursty  BurstKind = "computer_bursty"
)

// BurstPattern is the tagged-variant rate schedule. Only the fields
// relevant to Kind are meaningful; the zero value for the others is
// ignored by the evaluator.
type BurstPattern struct {
	Kind BurstKind

	// netflix_adaptive
	BurstSeconds time.Duration
	PauseSeconds time.Duration
	BurstRateMbps float64
	PauseRateMbps float64

	// computer_bursty
	ActiveSeconds     time.Duration
	BackgroundSeconds time.Duration
	ActiveRateMbps    float64
	BackgroundRateMbps float64
}

// PacketEnvelope shapes real-time archetypes (gamer, video_caller) so
// fair-queue shapers like CAKE don't misclassify them as bulk transfer.
type PacketEnvelope struct {
	MinBytes       int
	MaxBytes       int
	SendIntervalMs int
	UploadFraction float64 // fraction of envelope traffic that is upload-bound

	// JitterMs is the per-packet deterministic jitter applied around
	// SendIntervalMs, to avoid chunking (±2ms gamer, ±1ms video_caller).
	JitterMs int
}

// TrafficProfile is immutable once constructed — one instance per
// archetype, shared by every session of that archetype.
type TrafficProfile struct {
	Name           string
	Description    string
	DownloadMbps   float64
	UploadMbps     float64
	ActivityType   ActivityType
	BurstPattern   BurstPattern
	PacketEnvelope *PacketEnvelope // nil for archetypes with no real-time shaping
}

// BurstPhase names which half of a two-phase cycle a session is in.
type BurstPhase string

const (
	PhaseBurst      BurstPhase = "burst"
	PhasePause      BurstPhase = "pause"
	PhaseActive     BurstPhase = "active"
	PhaseBackground BurstPhase = "background"
)

// BurstState is the per-session mutable phase record the evaluator reads
// and advances. Initial phase is burst/active with phase_started_at set
// to the session's created_at.
type BurstState struct {
	Phase          BurstPhase
	PhaseStartedAt time.Time
}

// InitialBurstState returns the starting phase for a given pattern kind,
// anchored at createdAt.
func InitialBurstState(kind BurstKind, createdAt time.Time) BurstState {
	switch kind {
	case BurstNetflixAdaptive:
		return BurstState{Phase: PhaseBurst, PhaseStartedAt: createdAt}
	case BurstComputerBursty:
		return BurstState{Phase: PhaseActive, PhaseStartedAt: createdAt}
	default:
		return BurstState{Phase: PhaseBurst, PhaseStartedAt: createdAt}
	}
}

// DefaultComputerBursty controls which Computer profile ships as
// default: constant (false) or computer_bursty (true). The upstream
// source supports both and doesn't clearly document which is default;
// this implementation makes it a package-level switch (no config key
// sets it) and defaults to constant.
var DefaultComputerBursty = false

// Canonical builds the four canonical archetype profiles.
// bulkDownloadMbps parameterizes the bulk archetype's download rate —
// pass the warmup's measured p95 for the household phase, or the
// archetype's nominal peak (25 Mbps is NOT used for bulk; 200 Mbps
// default is warmup's fallback, see internal/warmup) before warmup runs.
func Canonical(bulkDownloadMbps float64) map[wire.Archetype]*TrafficProfile {
	profiles := map[wire.Archetype]*TrafficProfile{
		wire.Gamer: {
			Name:         "Gamer",
			Description:  "Realtime small packets, low bandwidth, latency-sensitive",
			DownloadMbps: 0.215,
			UploadMbps:   0.092,
			ActivityType: ActivityRealtimeSmall,
			BurstPattern: BurstPattern{Kind: BurstConstant},
			PacketEnvelope: &PacketEnvelope{
				MinBytes: 64, MaxBytes: 128, SendIntervalMs: 25, UploadFraction: 0.30, JitterMs: 2,
			},
		},
		wire.VideoCaller: {
			Name:         "Video Caller",
			Description:  "Bidirectional real-time video conferencing traffic",
			DownloadMbps: 1.8,
			UploadMbps:   1.8,
			ActivityType: ActivityVideoBidirectional,
			BurstPattern: BurstPattern{Kind: BurstConstant},
			PacketEnvelope: &PacketEnvelope{
				MinBytes: 800, MaxBytes: 1000, SendIntervalMs: 20, UploadFraction: 0.50, JitterMs: 1,
			},
		},
		wire.Streamer: {
			Name:         "Streamer",
			Description:  "Adaptive-bitrate video streaming with periodic buffering bursts",
			DownloadMbps: 25,
			UploadMbps:   0.1,
			ActivityType: ActivityBurstyStream,
			BurstPattern: BurstPattern{
				Kind:          BurstNetflixAdaptive,
				BurstSeconds:  5 * time.Second,
				PauseSeconds:  10 * time.Second,
				BurstRateMbps: 25,
				PauseRateMbps: 0,
			},
		},
		wire.Bulk: {
			Name:         "Computer",
			Description:  "Bulk background download/upload (software updates, backups, downloads)",
			DownloadMbps: bulkDownloadMbps,
			UploadMbps:   0.1,
			ActivityType: ActivityBulkTransfer,
			BurstPattern: BurstPattern{Kind: BurstConstant},
		},
	}

	if DefaultComputerBursty {
		profiles[wire.Bulk].BurstPattern = BurstPattern{
			Kind:               BurstComputerBursty,
			ActiveSeconds:      8 * time.Second,
			BackgroundSeconds:  20 * time.Second,
			ActiveRateMbps:     30,
			BackgroundRateMbps: 2,
		}
	}

	return profiles
}
