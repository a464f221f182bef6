package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libreqos/bufferbloat-validator/internal/util"
)

func TestEvaluateConstant(t *testing.T) {
	p := &TrafficProfile{DownloadMbps: 1.8, UploadMbps: 1.8, BurstPattern: BurstPattern{Kind: BurstConstant}}
	now := time.Now()
	state := InitialBurstState(BurstConstant, now)

	down, up, next := Evaluate(p, state, now.Add(5*time.Second))
	assert.Equal(t, 1.8, down)
	assert.Equal(t, 1.8, up)
	assert.Equal(t, state, next)
}

func TestEvaluateNetflixAdaptivePhaseTransitions(t *testing.T) {
	created := time.Now()
	p := &TrafficProfile{
		UploadMbps: 0.1,
		BurstPattern: BurstPattern{
			Kind:          BurstNetflixAdaptive,
			BurstSeconds:  5 * time.Second,
			PauseSeconds:  10 * time.Second,
			BurstRateMbps: 25,
			PauseRateMbps: 0,
		},
	}
	state := InitialBurstState(BurstNetflixAdaptive, created)
	require.Equal(t, PhaseBurst, state.Phase)

	// Mid-burst: still bursting.
	down, _, state := Evaluate(p, state, created.Add(3*time.Second))
	assert.Equal(t, 25.0, down)
	assert.Equal(t, PhaseBurst, state.Phase)

	// Just past burst_s: transitions to pause.
	down, _, state = Evaluate(p, state, created.Add(5500*time.Millisecond))
	assert.Equal(t, 0.0, down)
	assert.Equal(t, PhasePause, state.Phase)

	// Mid-pause: still paused.
	down, _, state = Evaluate(p, state, created.Add(10*time.Second))
	assert.Equal(t, 0.0, down)
	assert.Equal(t, PhasePause, state.Phase)

	// Past the full 15s period: back to burst.
	down, _, state = Evaluate(p, state, created.Add(16*time.Second))
	assert.Equal(t, 25.0, down)
	assert.Equal(t, PhaseBurst, state.Phase)
}

func TestEvaluateDutyCycleOverLongWindow(t *testing.T) {
	// Fraction of time in burst over >=30s should be within ±5% of
	// burst_s/(burst_s+pause_s) = 5/15 = 0.333.
	created := time.Now()
	p := &TrafficProfile{
		BurstPattern: BurstPattern{
			Kind:          BurstNetflixAdaptive,
			BurstSeconds:  5 * time.Second,
			PauseSeconds:  10 * time.Second,
			BurstRateMbps: 25,
			PauseRateMbps: 0,
		},
	}
	state := InitialBurstState(BurstNetflixAdaptive, created)

	const step = 100 * time.Millisecond
	const windowSec = 60
	burstTicks, totalTicks := 0, 0
	for elapsed := time.Duration(0); elapsed < windowSec*time.Second; elapsed += step {
		down, _, next := Evaluate(p, state, created.Add(elapsed))
		state = next
		totalTicks++
		if down == 25 {
			burstTicks++
		}
	}

	fraction := float64(burstTicks) / float64(totalTicks)
	want := 5.0 / 15.0
	assert.True(t, util.WithinTolerance(fraction, want, 0.05), "fraction %.3f not within 5%% of %.3f", fraction, want)
}

func TestEvaluateComputerBursty(t *testing.T) {
	created := time.Now()
	p := &TrafficProfile{
		UploadMbps: 2,
		BurstPattern: BurstPattern{
			Kind:               BurstComputerBursty,
			ActiveSeconds:      8 * time.Second,
			BackgroundSeconds:  20 * time.Second,
			ActiveRateMbps:     30,
			BackgroundRateMbps: 2,
		},
	}
	state := InitialBurstState(BurstComputerBursty, created)
	require.Equal(t, PhaseActive, state.Phase)

	down, up, state := Evaluate(p, state, created.Add(9*time.Second))
	assert.Equal(t, 2.0, down)
	assert.Equal(t, 2.0, up)
	assert.Equal(t, PhaseBackground, state.Phase)
}
