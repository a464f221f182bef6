package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/libreqos/bufferbloat-validator/internal/apperrors"
	"github.com/libreqos/bufferbloat-validator/internal/config"
	"github.com/libreqos/bufferbloat-validator/internal/logging"
	"github.com/libreqos/bufferbloat-validator/internal/supervisor"
)

// childBinaryName is the sibling executable the supervisor launches one
// instance of per archetype. It is expected to live alongside the
// bufferbloat-server binary unless --child-binary overrides the path.
const childBinaryName = "bufferbloat-child"

// ServeCmd starts the supervisor: the public HTTP surface plus one
// child process per archetype.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the bufferbloat validation server",
	RunE:    runServe,
}

var (
	flagHost        string
	flagPort        int
	flagSSLCertFile string
	flagSSLKeyFile  string
	flagDebug       bool
	flagConfigFile  string
	flagTest        bool
	flagChildBinary string
)

func init() {
	ServeCmd.Flags().StringVar(&flagHost, "host", "", "bind address (overrides config)")
	ServeCmd.Flags().IntVar(&flagPort, "port", 0, "public HTTPS port (overrides config)")
	ServeCmd.Flags().StringVar(&flagSSLCertFile, "ssl-certfile", "", "TLS certificate file")
	ServeCmd.Flags().StringVar(&flagSSLKeyFile, "ssl-keyfile", "", "TLS key file")
	ServeCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	ServeCmd.Flags().StringVar(&flagConfigFile, "config", "", "path to a TOML config file")
	ServeCmd.Flags().BoolVar(&flagTest, "test", false, "boot smoke test: verify the warmup endpoint and child processes, then exit")
	ServeCmd.Flags().StringVar(&flagChildBinary, "child-binary", "", "path to the bufferbloat-child executable (defaults to the sibling binary next to bufferbloat-server)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(false, flagDebug); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, v, err := config.LoadWithViper(flagConfigFile)
	if err != nil {
		return apperrors.Wrap(err, "failed to load config")
	}
	rlWatcher, err := config.WatchRateLimits(flagConfigFile, v, cfg)
	if err != nil {
		pterm.Warning.Printf("rate limit config watcher disabled: %v\n", err)
	}
	defer rlWatcher.Stop()
	if flagHost != "" {
		cfg.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagSSLCertFile != "" {
		cfg.SSLCertFile = flagSSLCertFile
		cfg.SSLKeyFile = flagSSLKeyFile
	}
	cfg.Debug = flagDebug

	printStartupBanner(cfg)

	childPath, err := resolveChildBinary(flagChildBinary)
	if err != nil {
		return apperrors.Wrap(err, "failed to resolve bufferbloat-child executable path")
	}

	sup := supervisor.New(cfg, childPath)
	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: sup.Mux()}

	errCh := make(chan error, 1)
	go func() {
		if cfg.SSLCertFile != "" {
			errCh <- srv.ListenAndServeTLS(cfg.SSLCertFile, cfg.SSLKeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	pterm.Info.Printf("Public surface listening on %s\n", srv.Addr)

	// Children boot at the configured default bulk rate; each client's
	// warmup-measured p95 arrives per connection when it dials the bulk
	// archetype.
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = sup.StartChildren(startCtx, cfg.WarmupDefaultMbps)
	startCancel()
	if err != nil {
		return apperrors.Wrap(err, "failed to start archetype child processes")
	}
	pterm.Success.Println("All archetype child processes are healthy")

	if flagTest {
		pterm.Info.Println("Smoke test: sampling the warmup bulk-download endpoint...")
		selfAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
		smokeCtx, smokeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		measurement := sup.RunWarmup(smokeCtx, selfAddr)
		smokeCancel()
		sup.StopChildren()
		_ = srv.Close()
		if measurement.UsedDefault {
			return apperrors.New("smoke test failed: warmup endpoint produced no usable samples")
		}
		pterm.Success.Printf("Smoke test passed: warmup p95=%.1f Mbps, peak=%.1f Mbps\n", measurement.P95Mbps, measurement.PeakMbps)
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		sup.StopChildren()
		if err != nil && err != http.ErrServerClosed {
			return apperrors.Wrap(err, "public server failed")
		}
		return nil
	case <-sigCh:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")
		done := make(chan struct{})
		go func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			sup.StopChildren()
			close(done)
		}()

		select {
		case <-done:
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigCh:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

// resolveChildBinary returns the path to the bufferbloat-child
// executable: override if given, otherwise the sibling of this
// executable's own path (the two binaries are built and deployed
// together).
func resolveChildBinary(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	selfPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(filepath.Dir(selfPath), childBinaryName)
	if _, err := os.Stat(candidate); err != nil {
		return "", apperrors.Wrapf(err, "bufferbloat-child not found next to %s; pass --child-binary", selfPath)
	}
	return candidate, nil
}
