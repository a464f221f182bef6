// Package supervisor is the central process: it spawns one child
// process per archetype, health-polls and respawns them, and exposes the
// public-facing redirect/health/stats endpoints. Each child is launched
// with exec.Command on its own fixed port and polled until its /health
// endpoint answers; a child that stops answering is killed and
// restarted.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/libreqos/bufferbloat-validator/internal/apperrors"
	"github.com/libreqos/bufferbloat-validator/internal/logging"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// ChildConfig describes how to launch and supervise one archetype's
// child process.
type ChildConfig struct {
	Archetype        wire.Archetype
	Port             int
	BinaryPath       string
	SSLCertFile      string
	SSLKeyFile       string
	HealthPeriod     time.Duration
	HealthTimeout    time.Duration
	MaxFailures      int
	StartupDeadline  time.Duration
	ShutdownDeadline time.Duration
	BulkDownloadMbps float64 // only meaningful for wire.Bulk
}

// child tracks one supervised archetype process.
type child struct {
	cfg ChildConfig
	log *zap.SugaredLogger

	mu             sync.Mutex
	cmd            *exec.Cmd
	exited         chan struct{}
	consecutiveFail int
	restarts        int
	lastErr         error
}

func newChild(cfg ChildConfig) *child {
	return &child{
		cfg: cfg,
		log: logging.Named("supervisor-child").With(logging.FieldArchetype, string(cfg.Archetype), logging.FieldPort, cfg.Port),
	}
}

// spawn launches the child binary with the arguments its cmd/bufferbloat-child
// entrypoint expects, and waits for /health to answer before returning.
func (c *child) spawn(ctx context.Context) error {
	args := []string{
		"--archetype", string(c.cfg.Archetype),
		"--port", fmt.Sprintf("%d", c.cfg.Port),
	}
	if c.cfg.SSLCertFile != "" {
		args = append(args, "--ssl-certfile", c.cfg.SSLCertFile, "--ssl-keyfile", c.cfg.SSLKeyFile)
	}
	if c.cfg.Archetype == wire.Bulk && c.cfg.BulkDownloadMbps > 0 {
		args = append(args, "--bulk-download-mbps", fmt.Sprintf("%f", c.cfg.BulkDownloadMbps))
	}

	cmd := exec.Command(c.cfg.BinaryPath, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = &childLogWriter{log: c.log, stream: "stdout"}
	cmd.Stderr = &childLogWriter{log: c.log, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return apperrors.Wrapf(err, "failed to start child process for archetype %s", c.cfg.Archetype)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	c.mu.Lock()
	c.cmd = cmd
	c.exited = exited
	c.mu.Unlock()

	c.log.Infow("child process started", logging.FieldPID, cmd.Process.Pid)

	if err := c.waitUntilHealthy(ctx); err != nil {
		_ = c.kill()
		return apperrors.Wrapf(err, "child for archetype %s never became healthy", c.cfg.Archetype)
	}
	return nil
}

// waitUntilHealthy polls the child's own /health endpoint until it
// answers 200 or the startup deadline elapses.
func (c *child) waitUntilHealthy(ctx context.Context) error {
	scheme := "http"
	client := &http.Client{Timeout: time.Second}
	if c.cfg.SSLCertFile != "" {
		scheme = "https"
		client.Transport = insecureChildTransport()
	}
	url := fmt.Sprintf("%s://127.0.0.1:%d/health", scheme, c.cfg.Port)

	deadline := time.Now().Add(c.cfg.StartupDeadline)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return apperrors.Newf("timeout waiting for child health at %s", url)
}

// healthCheck performs one health poll outside of startup, used by the
// supervisor's periodic monitor loop.
func (c *child) healthCheck() error {
	scheme := "http"
	client := &http.Client{Timeout: c.cfg.HealthTimeout}
	if c.cfg.SSLCertFile != "" {
		scheme = "https"
		client.Transport = insecureChildTransport()
	}
	url := fmt.Sprintf("%s://127.0.0.1:%d/health", scheme, c.cfg.Port)

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf("child health returned status %d", resp.StatusCode)
	}
	return nil
}

// resourceUsage is one point-in-time CPU/memory reading for the child
// process, sourced from gopsutil rather than parsing /proc by hand.
type resourceUsage struct {
	CPUPercent float64
	RSSBytes   uint64
}

// sampleResourceUsage reports the child process's current CPU and
// resident memory usage. It returns an error if the process has exited
// or gopsutil cannot read its stats (e.g. insufficient permissions).
func (c *child) sampleResourceUsage() (resourceUsage, error) {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return resourceUsage{}, apperrors.Newf("child for archetype %s has no running process", c.cfg.Archetype)
	}

	proc, err := gopsprocess.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return resourceUsage{}, apperrors.Wrapf(err, "opening process handle for archetype %s", c.cfg.Archetype)
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return resourceUsage{}, apperrors.Wrapf(err, "reading CPU usage for archetype %s", c.cfg.Archetype)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return resourceUsage{}, apperrors.Wrapf(err, "reading memory usage for archetype %s", c.cfg.Archetype)
	}
	return resourceUsage{CPUPercent: cpuPercent, RSSBytes: memInfo.RSS}, nil
}

// kill drains the child: SIGTERM first, then SIGKILL only if it hasn't
// exited within ShutdownDeadline.
func (c *child) kill() error {
	c.mu.Lock()
	cmd := c.cmd
	exited := c.exited
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}

	deadline := c.cfg.ShutdownDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}

	if exited == nil {
		return cmd.Process.Kill()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(deadline):
		c.log.Warnw("child did not exit after SIGTERM, sending SIGKILL", logging.FieldPID, cmd.Process.Pid)
		return cmd.Process.Kill()
	}
}

// childLogWriter forwards a child process's stdout/stderr lines into the
// supervisor's own structured log.
type childLogWriter struct {
	log    *zap.SugaredLogger
	stream string
}

func (w *childLogWriter) Write(p []byte) (int, error) {
	w.log.Infow("child output", "stream", w.stream, "line", string(p))
	return len(p), nil
}
