package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// PhaseName identifies one leg of the single-user sweep.
type PhaseName string

const (
	PhaseBaseline     PhaseName = "baseline"
	PhaseDownload     PhaseName = "download_saturation"
	PhaseUpload       PhaseName = "upload_saturation"
	PhaseBidirectional PhaseName = "bidirectional_saturation"
)

// PhaseResult is one sweep leg's latency sample set.
type PhaseResult struct {
	Phase   PhaseName
	RTTs    []time.Duration
	P50RTT  time.Duration
	P95RTT  time.Duration
}

// SweepResult is the full single-user sweep's output.
type SweepResult struct {
	Phases       []PhaseResult
	DownloadMbps float64
	Tiering      UploadTieringResult
	// AbortedAsymmetric is set when the measured upload fell below 20%
	// of the measured download and the sweep ended before the
	// bidirectional phase.
	AbortedAsymmetric bool
}

// SweepConfig carries the sweep's pacing tunables.
type SweepConfig struct {
	BaselineDuration time.Duration
	PhaseDuration    time.Duration
	PingInterval     time.Duration
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		BaselineDuration: 5 * time.Second,
		PhaseDuration:    20 * time.Second,
		PingInterval:     200 * time.Millisecond,
	}
}

// RunSweep executes the baseline -> download -> upload -> bidirectional
// sequence, sampling /ping throughout each phase. The upload saturation
// leg runs the speed-tiered chunk-size search (ramp, classify, then
// steady-state at the tier's max chunk) rather than a fixed chunk; if
// the measured upload is below 20% of the measured download the sweep
// ends there (asymmetric link) and the bidirectional phase is skipped.
func (o *Orchestrator) RunSweep(ctx context.Context, cfg SweepConfig) (SweepResult, error) {
	var result SweepResult

	baselineRTTs, err := o.samplePings(ctx, cfg.BaselineDuration, cfg.PingInterval)
	if err != nil {
		return result, fmt.Errorf("baseline phase: %w", err)
	}
	result.Phases = append(result.Phases, summarizePhase(PhaseBaseline, baselineRTTs))

	downRTTs, downMbps, err := o.runDownloadSaturation(ctx, cfg)
	if err != nil {
		return result, fmt.Errorf("download saturation phase: %w", err)
	}
	result.DownloadMbps = downMbps
	result.Phases = append(result.Phases, summarizePhase(PhaseDownload, downRTTs))

	upRTTs, tiering, err := o.runUploadSaturation(ctx, cfg, downMbps)
	if err != nil {
		return result, fmt.Errorf("upload saturation phase: %w", err)
	}
	result.Tiering = tiering
	result.Phases = append(result.Phases, summarizePhase(PhaseUpload, upRTTs))

	if tiering.Aborted {
		result.AbortedAsymmetric = true
		return result, nil
	}

	biRTTs, err := o.runBidirectionalSaturation(ctx, cfg, tiering.MaxChunkSize)
	if err != nil {
		return result, fmt.Errorf("bidirectional saturation phase: %w", err)
	}
	result.Phases = append(result.Phases, summarizePhase(PhaseBidirectional, biRTTs))

	return result, nil
}

// samplePings issues GET /ping on PingInterval for duration, recording
// the round-trip time of each.
func (o *Orchestrator) samplePings(ctx context.Context, duration, interval time.Duration) ([]time.Duration, error) {
	deadline := time.Now().Add(duration)
	var rtts []time.Duration

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return rtts, ctx.Err()
		case <-ticker.C:
			rtt, err := o.ping(ctx)
			if err == nil {
				rtts = append(rtts, rtt)
			}
		}
	}
	return rtts, nil
}

func (o *Orchestrator) ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	sent := time.Now()
	url := fmt.Sprintf("%s://%s/ping?t=%d", o.httpScheme(), o.cfg.ServerAddr, sent.UnixMilli())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var body wire.PingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return time.Since(sent), nil
}

// runDownloadSaturation streams /download for the phase duration while
// sampling /ping, and reports the measured download throughput — the
// reference the upload phase's asymmetric-link check compares against.
func (o *Orchestrator) runDownloadSaturation(ctx context.Context, cfg SweepConfig) ([]time.Duration, float64, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, cfg.PhaseDuration)
	defer cancel()

	var bytes int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bytes = o.streamDownload(phaseCtx)
	}()

	rtts, err := o.samplePings(phaseCtx, cfg.PhaseDuration, cfg.PingInterval)
	wg.Wait()
	if err == context.DeadlineExceeded {
		err = nil
	}

	mbps := float64(bytes) * 8 / cfg.PhaseDuration.Seconds() / 1e6
	return rtts, mbps, err
}

// runUploadSaturation saturates upload via the speed-tiered chunk-size
// search while sampling /ping: RunUploadTiering ramps 1->6 MB chunks for
// 3s, classifies the link, and runs the remainder at the tier's max
// chunk with 3-way concurrency.
func (o *Orchestrator) runUploadSaturation(ctx context.Context, cfg SweepConfig, downloadMbps float64) ([]time.Duration, UploadTieringResult, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, cfg.PhaseDuration)
	defer cancel()

	var tiering UploadTieringResult
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tiering, _ = o.RunUploadTiering(phaseCtx, downloadMbps)
	}()

	rtts, err := o.samplePings(phaseCtx, cfg.PhaseDuration, cfg.PingInterval)
	wg.Wait()
	if err == context.DeadlineExceeded {
		err = nil
	}
	return rtts, tiering, err
}

// runBidirectionalSaturation streams /download and the tiered upload
// concurrently while sampling /ping.
func (o *Orchestrator) runBidirectionalSaturation(ctx context.Context, cfg SweepConfig, chunkSize int) ([]time.Duration, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, cfg.PhaseDuration)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.streamDownload(phaseCtx)
	}()
	for i := 0; i < tieringConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.uploadChunksUntilDone(phaseCtx, chunkSize)
		}()
	}

	rtts, err := o.samplePings(phaseCtx, cfg.PhaseDuration, cfg.PingInterval)
	wg.Wait()
	if err == context.DeadlineExceeded {
		err = nil
	}
	return rtts, err
}

// streamDownload drains /download until ctx ends and returns the bytes
// received.
func (o *Orchestrator) streamDownload(ctx context.Context) int64 {
	url := fmt.Sprintf("%s://%s/download", o.httpScheme(), o.cfg.ServerAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	n, _ := io.Copy(io.Discard, resp.Body)
	return n
}

// loopingReader replays buf forever, for synthetic upload bodies where
// content only needs to look like payload, not be unique.
type loopingReader struct {
	buf []byte
	pos int
}

func newLoopingReader(buf []byte) *loopingReader { return &loopingReader{buf: buf} }

func (r *loopingReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	if r.pos >= len(r.buf) {
		r.pos = 0
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func summarizePhase(phase PhaseName, rtts []time.Duration) PhaseResult {
	return PhaseResult{
		Phase:  phase,
		RTTs:   rtts,
		P50RTT: percentileRTT(rtts, 0.50),
		P95RTT: percentileRTT(rtts, 0.95),
	}
}

func percentileRTT(rtts []time.Duration, p float64) time.Duration {
	if len(rtts) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), rtts...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
