// Command bufferbloat-child is the per-archetype worker process the
// supervisor launches (one per archetype, process isolation
// model): it runs a single session.Manager and serves the WS accept
// endpoint plus /health and /stats on its own port. It is not meant to
// be run directly by an operator — bufferbloat-server spawns it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/libreqos/bufferbloat-validator/internal/config"
	"github.com/libreqos/bufferbloat-validator/internal/logging"
	"github.com/libreqos/bufferbloat-validator/internal/payload"
	"github.com/libreqos/bufferbloat-validator/internal/profile"
	"github.com/libreqos/bufferbloat-validator/internal/ratelimit"
	"github.com/libreqos/bufferbloat-validator/internal/session"
	"github.com/libreqos/bufferbloat-validator/internal/userprocess"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

func main() {
	archetypeFlag := flag.String("archetype", "", "archetype tag (gamer, video_caller, streamer, bulk)")
	port := flag.Int("port", 0, "port to listen on")
	certFile := flag.String("ssl-certfile", "", "TLS certificate file")
	keyFile := flag.String("ssl-keyfile", "", "TLS key file")
	bulkMbps := flag.Float64("bulk-download-mbps", 0, "download rate for the bulk archetype (0 = use canonical default)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := logging.Initialize(true, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	archetype := wire.Archetype(*archetypeFlag)
	if !archetype.Valid() {
		logging.Logger.Fatalw("invalid archetype", "archetype", *archetypeFlag)
	}
	if *port == 0 {
		logging.Logger.Fatalw("--port is required")
	}

	cfg := config.Defaults()
	profiles := profile.Canonical(cfg.WarmupDefaultMbps)
	if archetype == wire.Bulk && *bulkMbps > 0 {
		profiles[wire.Bulk].DownloadMbps = *bulkMbps
	}

	mgrCfg := session.Config{
		Period:             cfg.SchedulerPeriod,
		InactivityTimeout:  cfg.InactivityTimeout,
		MaxSessionDuration: cfg.MaxSessionDuration,
		MaxPingFailures:    cfg.MaxPingFailures,
		ProbeThreshold:     cfg.ProbeThreshold,
		ProbeDeadline:      cfg.ProbeDeadline,
		PerProcessCap:      int32(cfg.PerProcessCap),
		SlowTickFactor:     cfg.SlowTickFactor,
		SlowTickStreak:     cfg.SlowTickStreak,
	}

	pool := payload.NewPool(uint64(time.Now().UnixNano()))
	mgr := session.NewManager(archetype, profiles[archetype], mgrCfg, pool)

	limiter := ratelimit.New(ratelimit.Config{
		HTTPMaxPerHour:      cfg.RateLimitHTTPPerHour,
		HTTPMaxBytesPerHour: cfg.RateLimitHTTPBytesPerHour,
		WSMaxConcurrent:     cfg.RateLimitWSConcurrent,
		WSMaxTotalPerAddr:   cfg.RateLimitWSPerAddrTotal,
		JanitorPeriod:       cfg.RateLimitJanitorPeriod,
		ConnAttemptsPerSec:  3,
		ConnAttemptsBurst:   6,
	})
	defer limiter.Stop()

	mgr.OnTerminal = func(ev session.TerminationEvent) {
		limiter.ReleaseWSSession(ev.ClientAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	handlers := userprocess.NewHandlers(archetype, mgr, limiter)
	mux := http.NewServeMux()
	mux.HandleFunc(userprocess.WSPathPrefix, handlers.ServeWS)
	mux.HandleFunc("/health", handlers.Health)
	mux.HandleFunc("/stats", handlers.Stats)

	addr := "0.0.0.0:" + strconv.Itoa(*port)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if *certFile != "" {
			errCh <- srv.ListenAndServeTLS(*certFile, *keyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	logging.Logger.Infow("archetype child process listening", logging.FieldArchetype, string(archetype), logging.FieldPort, *port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logging.Logger.Errorw("child server failed", logging.FieldError, err)
			os.Exit(1)
		}
	case <-sigCh:
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
