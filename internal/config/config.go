// Package config loads the server's tunables through viper, composing
// programmatic defaults, an optional TOML file, and environment
// variables into one struct. Environment variables use the
// BUFFERBLOAT_ prefix (SERVER_MODE, ENABLE_TELEMETRY, and RATE_LIMIT_*
// among them; those are bound alongside the rest).
package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/libreqos/bufferbloat-validator/internal/logging"
)

// ServerMode is SERVER_MODE, one of {central, isp}.
type ServerMode string

const (
	ModeCentral ServerMode = "central"
	ModeISP     ServerMode = "isp"
)

// Config is the fully resolved set of tunables for one supervisor run.
type Config struct {
	Host         string
	Port         int
	SSLCertFile  string
	SSLKeyFile   string
	Debug        bool
	Test         bool
	ServerMode   ServerMode
	Telemetry    bool
	TelemetryURL string

	ArchetypePorts map[string]int

	// Session manager
	SchedulerPeriod     time.Duration
	SchedulerPeriodFast time.Duration
	InactivityTimeout   time.Duration
	MaxSessionDuration  time.Duration
	MaxPingFailures     int
	ProbeThreshold      time.Duration
	ProbeDeadline       time.Duration
	PerProcessCap       int
	SlowTickFactor       float64
	SlowTickStreak       int

	// Health model
	ChildHealthPeriod    time.Duration
	ChildHealthFailures  int
	ChildShutdownDeadline time.Duration

	// Rate limiter
	RateLimitHTTPPerHour      int
	RateLimitHTTPBytesPerHour int64
	RateLimitWSConcurrent     int
	RateLimitWSPerAddrTotal   int
	RateLimitJanitorPeriod    time.Duration

	// Warmup
	WarmupDuration      time.Duration
	WarmupSampleEvery   time.Duration
	WarmupMinSamples    int
	WarmupDefaultMbps   float64

	// Single-user endpoints
	DownloadCeilingMBps float64
	UploadMaxBytes      int64
	UploadChunkWindow   int64
	PingSampleInterval  time.Duration
}

// Defaults returns the config populated with the documented
// defaults, before any file/env override is applied.
func Defaults() *Config {
	return &Config{
		Host:       "0.0.0.0",
		Port:       443,
		ServerMode: ModeCentral,
		Telemetry:  false,

		ArchetypePorts: map[string]int{
			"gamer":         8001,
			"video_caller":  8002,
			"streamer":      8003,
			"bulk":          8004,
		},

		SchedulerPeriod:     250 * time.Millisecond,
		SchedulerPeriodFast: 100 * time.Millisecond,
		InactivityTimeout:   30 * time.Second,
		MaxSessionDuration:  300 * time.Second,
		MaxPingFailures:     3,
		ProbeThreshold:      10 * time.Second,
		ProbeDeadline:       1 * time.Second,
		PerProcessCap:       50,
		SlowTickFactor:      2.0,
		SlowTickStreak:      5,

		ChildHealthPeriod:     5 * time.Second,
		ChildHealthFailures:   3,
		ChildShutdownDeadline: 10 * time.Second,

		RateLimitHTTPPerHour:      16,
		RateLimitHTTPBytesPerHour: 45 * 1 << 30, // 45 GB
		RateLimitWSConcurrent:     4,
		RateLimitWSPerAddrTotal:   16,
		RateLimitJanitorPeriod:    10 * time.Minute,

		WarmupDuration:    10 * time.Second,
		WarmupSampleEvery: 250 * time.Millisecond,
		WarmupMinSamples:  20,
		WarmupDefaultMbps: 200,

		DownloadCeilingMBps: 2000,
		UploadMaxBytes:      512 * 1 << 20, // 512 MB
		UploadChunkWindow:   8 * 1 << 20,   // 8 MB
		PingSampleInterval:  200 * time.Millisecond,
	}
}

// Load builds a viper instance seeded with Defaults, merges an optional
// TOML file at configPath (if non-empty and present), and layers
// environment variables on top (defaults -> file -> env).
func Load(configPath string) (*Config, error) {
	cfg, _, err := LoadWithViper(configPath)
	return cfg, err
}

// LoadWithViper behaves like Load but also returns the underlying viper
// instance, needed by WatchRateLimits to re-read the same file on change.
func LoadWithViper(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("BUFFERBLOAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Defaults()
	setViperDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, nil, err
			}
		}
	}

	applyOverrides(v, cfg)
	return cfg, v, nil
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("server_mode", string(cfg.ServerMode))
	v.SetDefault("enable_telemetry", cfg.Telemetry)
	v.SetDefault("rate_limit.http_per_hour", cfg.RateLimitHTTPPerHour)
	v.SetDefault("rate_limit.http_bytes_per_hour", cfg.RateLimitHTTPBytesPerHour)
	v.SetDefault("rate_limit.ws_concurrent", cfg.RateLimitWSConcurrent)
	v.SetDefault("rate_limit.ws_per_addr_total", cfg.RateLimitWSPerAddrTotal)
	v.SetDefault("ping.sample_interval_ms", int(cfg.PingSampleInterval/time.Millisecond))
}

// RateLimitWatcher re-reads the rate-limit tunables from a TOML file
// while the supervisor is running, debouncing fsnotify events and
// re-applying the keys onto the Config in place rather than restarting
// the process. Only the rate_limit.* keys are re-applied on reload;
// everything else requires a restart. The reload updates the Config
// struct only: a ratelimit.Limiter already built from it (the
// supervisor builds one at startup) keeps the values it was built with.
type RateLimitWatcher struct {
	v        *viper.Viper
	cfg      *Config
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	debounce time.Duration
	log      *zap.SugaredLogger
}

// WatchRateLimits starts watching configPath for changes and re-applies
// rate_limit.* overrides onto cfg in place whenever the file is written.
// It is a no-op if configPath is empty.
func WatchRateLimits(configPath string, v *viper.Viper, cfg *Config) (*RateLimitWatcher, error) {
	if configPath == "" {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(configPath); err != nil {
		fw.Close()
		return nil, err
	}
	rw := &RateLimitWatcher{
		v:        v,
		cfg:      cfg,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		log:      logging.Named("config-watcher"),
	}
	go rw.loop()
	return rw, nil
}

func (rw *RateLimitWatcher) loop() {
	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rw.scheduleReload()
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.log.Warnw("config watcher error", "error", err)
		}
	}
}

func (rw *RateLimitWatcher) scheduleReload() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.timer != nil {
		rw.timer.Stop()
	}
	rw.timer = time.AfterFunc(rw.debounce, rw.reload)
}

func (rw *RateLimitWatcher) reload() {
	if err := rw.v.ReadInConfig(); err != nil {
		rw.log.Warnw("rate limit config reload failed", "error", err)
		return
	}
	applyRateLimitOverrides(rw.v, rw.cfg)
	rw.log.Infow("rate limit tunables reloaded")
}

// applyRateLimitOverrides re-applies only the rate_limit.* keys onto cfg,
// the subset this watcher is allowed to hot-reload; everything else
// (ports, TLS files, scheduler periods) requires a process restart.
func applyRateLimitOverrides(v *viper.Viper, cfg *Config) {
	if n := v.GetInt("rate_limit.http_per_hour"); n > 0 {
		cfg.RateLimitHTTPPerHour = n
	}
	if n := v.GetInt64("rate_limit.http_bytes_per_hour"); n > 0 {
		cfg.RateLimitHTTPBytesPerHour = n
	}
	if n := v.GetInt("rate_limit.ws_concurrent"); n > 0 {
		cfg.RateLimitWSConcurrent = n
	}
	if n := v.GetInt("rate_limit.ws_per_addr_total"); n > 0 {
		cfg.RateLimitWSPerAddrTotal = n
	}
}

// Stop closes the underlying fsnotify watcher.
func (rw *RateLimitWatcher) Stop() error {
	if rw == nil {
		return nil
	}
	return rw.watcher.Close()
}

func applyOverrides(v *viper.Viper, cfg *Config) {
	cfg.Host = v.GetString("host")
	cfg.Port = v.GetInt("port")
	if mode := v.GetString("server_mode"); mode != "" {
		cfg.ServerMode = ServerMode(mode)
	}
	cfg.Telemetry = v.GetBool("enable_telemetry")
	cfg.TelemetryURL = v.GetString("telemetry_url")

	if n := v.GetInt("rate_limit.http_per_hour"); n > 0 {
		cfg.RateLimitHTTPPerHour = n
	}
	if n := v.GetInt64("rate_limit.http_bytes_per_hour"); n > 0 {
		cfg.RateLimitHTTPBytesPerHour = n
	}
	if n := v.GetInt("rate_limit.ws_concurrent"); n > 0 {
		cfg.RateLimitWSConcurrent = n
	}
	if n := v.GetInt("rate_limit.ws_per_addr_total"); n > 0 {
		cfg.RateLimitWSPerAddrTotal = n
	}
	if ms := v.GetInt("ping.sample_interval_ms"); ms > 0 {
		cfg.PingSampleInterval = time.Duration(ms) * time.Millisecond
	}
}
