package warmup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constantRateSource simulates a link throttled at a constant Mbps, to
// check that the measured p95 lands in [0.9*C, C].
type constantRateSource struct {
	mbps      float64
	startedAt time.Time
	samples   int
	maxSamples int
}

func (s *constantRateSource) ReadSome(ctx context.Context) (int64, bool, error) {
	s.samples++
	elapsed := time.Since(s.startedAt).Seconds()
	bytes := int64(s.mbps * 1e6 / 8 * elapsed)
	done := s.samples >= s.maxSamples
	return bytes, done, nil
}

func TestComputeP95PeakBasic(t *testing.T) {
	rates := []float64{10, 20, 30, 40, 100}
	p95, peak := computeP95Peak(rates)
	assert.Equal(t, 100.0, peak)
	assert.Equal(t, 100.0, p95) // ceil(0.95*5)-1 = 4 -> last element
}

func TestComputeP95PeakLargerSet(t *testing.T) {
	rates := make([]float64, 100)
	for i := range rates {
		rates[i] = float64(i + 1) // 1..100
	}
	p95, peak := computeP95Peak(rates)
	assert.Equal(t, 100.0, peak)
	assert.Equal(t, 95.0, p95) // ceil(0.95*100)-1 = 94 -> sorted[94] = 95
}

func TestRunP95WithinToleranceOfConstantLink(t *testing.T) {
	// For a synthetic link throttled at constant C Mbps, p95 should land in [0.9C, C].
	const cMbps = 100.0
	src := &constantRateSource{mbps: cMbps, startedAt: time.Now(), maxSamples: 40}

	cfg := DefaultConfig()
	cfg.SampleEvery = 10 * time.Millisecond
	cfg.Duration = 500 * time.Millisecond

	m, err := Run(context.Background(), cfg, src)
	require.NoError(t, err)
	require.NotEmpty(t, m.Samples)

	assert.GreaterOrEqual(t, m.P95Mbps, 0.9*cMbps)
	assert.LessOrEqual(t, m.P95Mbps, cMbps*1.05) // small slack for sampling quantization
}

// abortingSource ends the stream on its first sample every time it is
// dialed (simulating the stream aborting early), so neither the first
// attempt nor the retry collects enough samples.
type abortingSource struct {
	callCount *int
}

func (s *abortingSource) ReadSome(ctx context.Context) (int64, bool, error) {
	return 1000, true, nil // ends immediately -> too few samples
}

func TestRunWithFallbackUsesDefaultAfterTwoFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleEvery = 5 * time.Millisecond
	cfg.Duration = 20 * time.Millisecond
	cfg.MinSamples = 20
	cfg.DefaultMbps = 200

	dial := func(ctx context.Context) (ByteCounter, error) {
		return &abortingSource{}, nil
	}

	m := RunWithFallback(context.Background(), cfg, dial)
	assert.True(t, m.UsedDefault)
	assert.Equal(t, 200.0, m.P95Mbps)
}
