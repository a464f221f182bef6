package client

import (
	"context"
	"fmt"
	"time"

	"github.com/libreqos/bufferbloat-validator/internal/warmup"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// ValidationResult bundles a full run's warmup measurement, household
// traffic stats, and single-user sweep latency results.
type ValidationResult struct {
	Warmup    warmup.Measurement
	Household map[wire.Archetype]HouseholdStats
	Sweep     SweepResult
}

// RunWarmup samples the supervisor's bulk-download endpoint to measure
// the link's p95 download capacity, with the retry-once-then-default
// policy. The result parameterizes the bulk archetype for the household
// phase that follows.
func (o *Orchestrator) RunWarmup(ctx context.Context) warmup.Measurement {
	url := fmt.Sprintf("%s://%s/warmup/bulk-download", o.httpScheme(), o.cfg.ServerAddr)
	dial := func(ctx context.Context) (warmup.ByteCounter, error) {
		return warmup.DialHTTP(ctx, url, o.cfg.InsecureTLS)
	}
	return warmup.RunWithFallback(ctx, warmup.DefaultConfig(), dial)
}

// RunValidation measures warmup, opens the four household connections
// (the bulk one parameterized by the warmup p95), lets them run in the
// background for the duration of the single-user sweep, then tears
// everything down and reports all parts together.
func (o *Orchestrator) RunValidation(ctx context.Context, sweepCfg SweepConfig) (ValidationResult, error) {
	var result ValidationResult

	result.Warmup = o.RunWarmup(ctx)

	householdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conns, err := o.connectHousehold(householdCtx, result.Warmup.P95Mbps)
	if err != nil {
		for _, c := range conns {
			c.close()
		}
		return result, err
	}

	// Give household traffic a moment to start flowing before the sweep
	// begins sampling, so the baseline phase isn't measuring a cold
	// start.
	time.Sleep(500 * time.Millisecond)

	sweep, err := o.RunSweep(householdCtx, sweepCfg)
	result.Sweep = sweep

	result.Household = make(map[wire.Archetype]HouseholdStats, len(conns))
	for archetype, c := range conns {
		result.Household[archetype] = c.snapshot()
		c.close()
	}

	return result, err
}
