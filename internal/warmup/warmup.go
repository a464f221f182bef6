// Package warmup implements the adaptive warmup measurement: a short
// download-only sample of the link's capacity, used once to parameterize
// the bulk archetype's download_mbps before the household phase starts.
package warmup

import (
	"context"
	"errors"
	"io"
	"math"
	"sort"
	"time"
)

// Sample is one (t, bytes) observation, taken every SampleEvery.
type Sample struct {
	At    time.Time
	Bytes int64
}

// Measurement is the result of a warmup run.
type Measurement struct {
	Samples    []Sample
	P95Mbps    float64
	PeakMbps   float64
	DurationMs int64
	Retried    bool
	UsedDefault bool
}

// Config carries the warmup tunables.
type Config struct {
	Duration    time.Duration
	SampleEvery time.Duration
	MinSamples  int
	DefaultMbps float64
}

func DefaultConfig() Config {
	return Config{
		Duration:    10 * time.Second,
		SampleEvery: 250 * time.Millisecond,
		MinSamples:  20,
		DefaultMbps: 200,
	}
}

// ByteCounter is satisfied by anything that can report how many payload
// bytes have arrived so far on the warmup download stream — typically a
// small io.Reader wrapper around the HTTP response body.
type ByteCounter interface {
	// ReadSome returns without waiting for new bytes: the cumulative byte
	// count observed so far, and whether the stream has ended.
	ReadSome(ctx context.Context) (cumulative int64, done bool, err error)
}

// Run samples a single warmup attempt for Duration, taking a sample
// every SampleEvery, and computes p95/peak from the resulting rates. It
// does not itself implement the retry-once-then-default policy — see
// RunWithFallback for that.
func Run(ctx context.Context, cfg Config, source ByteCounter) (Measurement, error) {
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}

	start := time.Now()
	deadline := start.Add(cfg.Duration)

	ticker := time.NewTicker(cfg.SampleEvery)
	defer ticker.Stop()

	samples := []Sample{{At: start, Bytes: 0}}

	for {
		select {
		case <-ctx.Done():
			return finalize(samples, start), ctx.Err()
		case now := <-ticker.C:
			cumulative, done, err := source.ReadSome(ctx)
			if err != nil && !errors.Is(err, io.EOF) {
				return finalize(samples, start), err
			}
			samples = append(samples, Sample{At: now, Bytes: cumulative})
			if done || now.After(deadline) {
				return finalize(samples, start), nil
			}
		}
	}
}

// RunWithFallback retries once if fewer than MinSamples were collected;
// on second failure it falls back to DefaultMbps. Warmup failure is
// never fatal to the caller.
func RunWithFallback(ctx context.Context, cfg Config, dial func(ctx context.Context) (ByteCounter, error)) Measurement {
	attempt := func() (Measurement, error) {
		source, err := dial(ctx)
		if err != nil {
			return Measurement{}, err
		}
		return Run(ctx, cfg, source)
	}

	m, err := attempt()
	if err == nil && len(m.Samples) >= cfg.MinSamples {
		return m
	}

	retried, err2 := attempt()
	retried.Retried = true
	if err2 == nil && len(retried.Samples) >= cfg.MinSamples {
		return retried
	}

	return Measurement{
		P95Mbps:     cfg.DefaultMbps,
		PeakMbps:    cfg.DefaultMbps,
		Retried:     true,
		UsedDefault: true,
	}
}

// finalize computes per-interval Mbps from cumulative byte samples and
// derives p95/peak.
func finalize(samples []Sample, start time.Time) Measurement {
	rates := ratesFromSamples(samples)
	p95, peak := computeP95Peak(rates)
	return Measurement{
		Samples:    samples,
		P95Mbps:    p95,
		PeakMbps:   peak,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// ratesFromSamples converts ascending cumulative-byte samples into
// per-interval Mbps: sample i = (bytes[i]-bytes[i-1]) * 8 / dt_seconds / 1e6.
func ratesFromSamples(samples []Sample) []float64 {
	if len(samples) < 2 {
		return nil
	}
	rates := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		dt := samples[i].At.Sub(samples[i-1].At).Seconds()
		if dt <= 0 {
			continue
		}
		deltaBytes := samples[i].Bytes - samples[i-1].Bytes
		if deltaBytes < 0 {
			continue
		}
		mbps := float64(deltaBytes) * 8 / dt / 1e6
		rates = append(rates, mbps)
	}
	return rates
}

// computeP95Peak takes S, the ascending-sorted vector of sample Mbps
// values, and returns p95 = S[ceil(0.95*|S|)-1] and peak = max(S).
func computeP95Peak(rates []float64) (p95, peak float64) {
	if len(rates) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), rates...)
	sort.Float64s(sorted)

	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 = sorted[idx]
	peak = sorted[len(sorted)-1]
	return p95, peak
}
