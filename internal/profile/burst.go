package profile

import "time"

// Evaluate computes the current effective download/upload rate for a
// profile + burst state at time now, and returns the (possibly advanced)
// state. It is a pure function over its arguments — no polymorphic
// profile hierarchy — which makes it trivial to unit test and to call
// from both the session scheduler and from tests that want to
// fast-forward through many phase transitions.
func Evaluate(p *TrafficProfile, state BurstState, now time.Time) (downMbps, upMbps float64, next BurstState) {
	bp := p.BurstPattern
	switch bp.Kind {
	case BurstNetflixAdaptive:
		return evaluateTwoPhase(
			state, now,
			bp.BurstSeconds, bp.PauseSeconds,
			bp.BurstRateMbps, bp.PauseRateMbps,
			PhaseBurst, PhasePause,
			p.UploadMbps,
		)
	case BurstComputerBursty:
		return evaluateTwoPhase(
			state, now,
			bp.ActiveSeconds, bp.BackgroundSeconds,
			bp.ActiveRateMbps, bp.BackgroundRateMbps,
			PhaseActive, PhaseBackground,
			p.UploadMbps,
		)
	default: // BurstConstant
		return p.DownloadMbps, p.UploadMbps, state
	}
}

// evaluateTwoPhase implements both netflix_adaptive and computer_bursty:
// a two-state cycle with phase A lasting durA at rateA, phase B lasting
// durB at rateB, repeating. upMbps is always the profile's nominal
// upload rate — only the download side bursts in both documented
// patterns.
func evaluateTwoPhase(
	state BurstState, now time.Time,
	durA, durB time.Duration,
	rateA, rateB float64,
	phaseA, phaseB BurstPhase,
	upMbps float64,
) (float64, float64, BurstState) {
	elapsed := now.Sub(state.PhaseStartedAt)

	phase := state.Phase
	phaseStarted := state.PhaseStartedAt

	curDur := durA
	if phase == phaseB {
		curDur = durB
	}

	// A tick period is far shorter than burst_s/pause_s in practice, so
	// this usually advances at most one phase; the loop keeps advancing
	// across a pathologically long gap (e.g. process was stopped) so it
	// lands on the right phase instead of the one right after the old one.
	for elapsed >= curDur {
		phaseStarted = phaseStarted.Add(curDur)
		elapsed = now.Sub(phaseStarted)
		if phase == phaseA {
			phase = phaseB
			curDur = durB
		} else {
			phase = phaseA
			curDur = durA
		}
	}

	next := BurstState{Phase: phase, PhaseStartedAt: phaseStarted}

	if phase == phaseA {
		return rateA, upMbps, next
	}
	return rateB, upMbps, next
}
