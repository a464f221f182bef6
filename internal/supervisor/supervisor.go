package supervisor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/libreqos/bufferbloat-validator/internal/apperrors"
	"github.com/libreqos/bufferbloat-validator/internal/config"
	"github.com/libreqos/bufferbloat-validator/internal/logging"
	"github.com/libreqos/bufferbloat-validator/internal/payload"
	"github.com/libreqos/bufferbloat-validator/internal/ratelimit"
	"github.com/libreqos/bufferbloat-validator/internal/speedtest"
	"github.com/libreqos/bufferbloat-validator/internal/warmup"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// Supervisor owns the four archetype child processes and the
// public-facing HTTP surface: the virtual-household redirect endpoint,
// the single-user speed endpoints (mounted directly, no child process
// needed for those), and the aggregated health/stats views.
type Supervisor struct {
	cfg      *config.Config
	limiter  *ratelimit.Limiter
	speed    *speedtest.Handlers
	log      *zap.SugaredLogger

	mu       sync.Mutex
	children map[wire.Archetype]*child

	monitorStop chan struct{}
	monitorDone chan struct{}
}

// New builds a Supervisor for cfg. binaryPath is the path to the child
// executable, invoked once per archetype with --archetype/--port so each
// child runs in its own OS process.
func New(cfg *config.Config, binaryPath string) *Supervisor {
	limiter := ratelimit.New(limiterConfigFrom(cfg))
	speedCfg := speedtest.Config{
		DownloadCeilingMBps: cfg.DownloadCeilingMBps,
		UploadMaxBytes:      cfg.UploadMaxBytes,
		UploadChunkWindow:   cfg.UploadChunkWindow,
	}
	s := &Supervisor{
		cfg:      cfg,
		limiter:  limiter,
		speed:    speedtest.NewHandlers(speedCfg, payload.NewPool(uint64(time.Now().UnixNano())), limiter),
		log:      logging.Named("supervisor"),
		children: make(map[wire.Archetype]*child),
	}
	for _, archetype := range wire.Archetypes {
		port, ok := cfg.ArchetypePorts[string(archetype)]
		if !ok {
			continue
		}
		s.children[archetype] = newChild(ChildConfig{
			Archetype:       archetype,
			Port:            port,
			BinaryPath:      binaryPath,
			SSLCertFile:     cfg.SSLCertFile,
			SSLKeyFile:      cfg.SSLKeyFile,
			HealthPeriod:     cfg.ChildHealthPeriod,
			HealthTimeout:    2 * time.Second,
			MaxFailures:      cfg.ChildHealthFailures,
			StartupDeadline:  10 * time.Second,
			ShutdownDeadline: cfg.ChildShutdownDeadline,
		})
	}
	return s
}

func limiterConfigFrom(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		HTTPMaxPerHour:      cfg.RateLimitHTTPPerHour,
		HTTPMaxBytesPerHour: cfg.RateLimitHTTPBytesPerHour,
		WSMaxConcurrent:     cfg.RateLimitWSConcurrent,
		WSMaxTotalPerAddr:   cfg.RateLimitWSPerAddrTotal,
		JanitorPeriod:       cfg.RateLimitJanitorPeriod,
		ConnAttemptsPerSec:  3,
		ConnAttemptsBurst:   6,
	}
}

func insecureChildTransport() *http.Transport {
	return &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
}

// StartChildren launches every archetype's child process and blocks until
// each reports healthy (or the startup deadline elapses, in which case it
// returns an error naming the archetype that failed). bulkDownloadMbps
// is the bulk child's download rate for sessions that dial without their
// own bulk_mbps; serve passes the configured default here, and each
// client's warmup p95 arrives per connection instead.
func (s *Supervisor) StartChildren(ctx context.Context, bulkDownloadMbps float64) error {
	if c, ok := s.children[wire.Bulk]; ok {
		c.cfg.BulkDownloadMbps = bulkDownloadMbps
	}
	for archetype, c := range s.children {
		if err := c.spawn(ctx); err != nil {
			return apperrors.Wrapf(err, "starting child for archetype %s", archetype)
		}
		s.log.Infow("child healthy", logging.FieldArchetype, string(archetype))
	}
	s.monitorStop = make(chan struct{})
	s.monitorDone = make(chan struct{})
	go s.monitorLoop()
	return nil
}

// StopChildren kills every child process and stops the health monitor.
func (s *Supervisor) StopChildren() {
	if s.monitorStop != nil {
		close(s.monitorStop)
		<-s.monitorDone
	}
	s.mu.Lock()
	children := make(map[wire.Archetype]*child, len(s.children))
	for archetype, c := range s.children {
		children[archetype] = c
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for archetype, c := range children {
		wg.Add(1)
		go func(archetype wire.Archetype, c *child) {
			defer wg.Done()
			if err := c.kill(); err != nil {
				s.log.Warnw("error killing child", logging.FieldArchetype, string(archetype), logging.FieldError, err)
			}
		}(archetype, c)
	}
	wg.Wait()
	s.limiter.Stop()
}

// monitorLoop polls every child's health on ChildHealthPeriod and
// respawns any that accumulate MaxFailures consecutive misses.
func (s *Supervisor) monitorLoop() {
	defer close(s.monitorDone)
	ticker := time.NewTicker(s.cfg.ChildHealthPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.monitorStop:
			return
		case <-ticker.C:
			s.checkAllOnce()
		}
	}
}

func (s *Supervisor) checkAllOnce() {
	s.mu.Lock()
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		if err := c.healthCheck(); err != nil {
			c.mu.Lock()
			c.consecutiveFail++
			c.lastErr = err
			fail := c.consecutiveFail
			c.mu.Unlock()

			s.log.Warnw("child health check failed",
				logging.FieldArchetype, string(c.cfg.Archetype),
				"consecutive_failures", fail,
				logging.FieldError, err)

			if fail >= c.cfg.MaxFailures {
				s.respawn(c)
			}
			continue
		}
		c.mu.Lock()
		c.consecutiveFail = 0
		c.mu.Unlock()
	}
}

func (s *Supervisor) respawn(c *child) {
	s.log.Warnw("respawning child after sustained health failures", logging.FieldArchetype, string(c.cfg.Archetype))
	_ = c.kill()

	c.mu.Lock()
	c.restarts++
	c.consecutiveFail = 0
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StartupDeadline)
	defer cancel()
	if err := c.spawn(ctx); err != nil {
		s.log.Errorw("respawn failed", logging.FieldArchetype, string(c.cfg.Archetype), logging.FieldError, err)
	}
}

// Mux builds the supervisor's public HTTP surface.
func (s *Supervisor) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/virtual-household/", s.handleRedirect)
	mux.HandleFunc("/virtual-household/health", s.handleAggregateHealth)
	mux.HandleFunc("/virtual-household/stats", s.handleAggregateStats)
	mux.HandleFunc("/download", s.speed.Download)
	mux.HandleFunc("/upload", s.speed.Upload)
	mux.HandleFunc("/ping", s.speed.Ping)
	mux.HandleFunc("/warmup/bulk-download", s.speed.BulkDownload)
	return mux
}

// RunWarmup samples this process's own /warmup/bulk-download endpoint.
// Real link measurement is the client's job (it dials the same endpoint
// over the path under test); this loopback run exists for the --test
// boot smoke check, verifying the stream end to end. Failure falls back
// to WarmupDefaultMbps rather than erroring.
func (s *Supervisor) RunWarmup(ctx context.Context, selfAddr string) warmup.Measurement {
	scheme := "http"
	insecure := false
	if s.cfg.SSLCertFile != "" {
		scheme = "https"
		insecure = true
	}
	url := scheme + "://" + selfAddr + "/warmup/bulk-download"

	cfg := warmup.Config{
		Duration:    s.cfg.WarmupDuration,
		SampleEvery: s.cfg.WarmupSampleEvery,
		MinSamples:  s.cfg.WarmupMinSamples,
		DefaultMbps: s.cfg.WarmupDefaultMbps,
	}
	dial := func(ctx context.Context) (warmup.ByteCounter, error) {
		return warmup.DialHTTP(ctx, url, insecure)
	}
	return warmup.RunWithFallback(ctx, cfg, dial)
}

// handleRedirect answers GET /ws/virtual-household/{archetype_tag} with
// the port and scheme the client should actually dial.
func (s *Supervisor) handleRedirect(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Path[len("/ws/virtual-household/"):]
	archetype := wire.Archetype(tag)
	if !archetype.Valid() {
		http.Error(w, "unknown archetype", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	c, ok := s.children[archetype]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "archetype not configured", http.StatusNotFound)
		return
	}

	scheme := "ws"
	if c.cfg.SSLCertFile != "" {
		scheme = "wss"
	}

	resp := wire.RedirectDescriptor{Archetype: string(archetype), Port: c.cfg.Port, Scheme: scheme}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warnw("failed to encode redirect response", logging.FieldError, err)
	}
}

type aggregateHealthEntry struct {
	Archetype  string  `json:"archetype"`
	Healthy    bool    `json:"healthy"`
	Restarts   int     `json:"restarts"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
}

func (s *Supervisor) handleAggregateHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	entries := make([]aggregateHealthEntry, 0, len(children))
	for _, c := range children {
		c.mu.Lock()
		fail := c.consecutiveFail
		restarts := c.restarts
		c.mu.Unlock()
		entry := aggregateHealthEntry{
			Archetype: string(c.cfg.Archetype),
			Healthy:   fail == 0,
			Restarts:  restarts,
		}
		if usage, err := c.sampleResourceUsage(); err == nil {
			entry.CPUPercent = usage.CPUPercent
			entry.RSSBytes = usage.RSSBytes
		} else {
			s.log.Debugw("resource usage unavailable", logging.FieldArchetype, entry.Archetype, logging.FieldError, err)
		}
		entries = append(entries, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.log.Warnw("failed to encode health response", logging.FieldError, err)
	}
}

// handleAggregateStats proxies each child's own /stats and returns them
// as one JSON object keyed by archetype; a child that does not answer is
// left out.
func (s *Supervisor) handleAggregateStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	client := &http.Client{Timeout: 2 * time.Second}
	result := make(map[string]json.RawMessage, len(children))

	for _, c := range children {
		scheme := "http"
		if c.cfg.SSLCertFile != "" {
			scheme = "https"
			client.Transport = insecureChildTransport()
		}
		resp, err := client.Get(scheme + "://127.0.0.1:" + strconv.Itoa(c.cfg.Port) + "/stats")
		if err != nil {
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			continue
		}
		result[string(c.cfg.Archetype)] = json.RawMessage(body)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.log.Warnw("failed to encode aggregate stats", logging.FieldError, err)
	}
}
