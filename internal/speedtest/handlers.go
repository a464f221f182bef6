// Package speedtest implements the single-user speed/latency endpoints:
// GET /download, POST /upload, GET /ping, and the GET /warmup/bulk-download
// stream the adaptive warmup client samples against.
package speedtest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/libreqos/bufferbloat-validator/internal/logging"
	"github.com/libreqos/bufferbloat-validator/internal/payload"
	"github.com/libreqos/bufferbloat-validator/internal/ratelimit"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// Config carries the HTTP-endpoint tunables.
type Config struct {
	DownloadCeilingMBps float64
	UploadMaxBytes      int64
	UploadChunkWindow   int64
}

func DefaultConfig() Config {
	return Config{
		DownloadCeilingMBps: 2000,
		UploadMaxBytes:      512 << 20,
		UploadChunkWindow:   8 << 20,
	}
}

// Handlers bundles the pool and rate limiter the endpoints share.
type Handlers struct {
	cfg     Config
	pool    *payload.Pool
	limiter *ratelimit.Limiter
	log     *zap.SugaredLogger
}

func NewHandlers(cfg Config, pool *payload.Pool, limiter *ratelimit.Limiter) *Handlers {
	return &Handlers{cfg: cfg, pool: pool, limiter: limiter, log: logging.Named("speedtest")}
}

// clientAddr extracts the bare address (no port) a client connected
// from, which is what the NAT-aware rate limiter keys on.
func clientAddr(r *http.Request) string {
	host := r.RemoteAddr
	if idx := lastColon(host); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// Download streams pseudo-random bytes until the client disconnects, up
// to the process-level throughput ceiling.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)
	decision := h.limiter.CheckDownload(addr)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	const chunkSize = 256 << 10
	chunk := h.pool.Take(chunkSize)

	ctx := r.Context()
	var sent int64
	ceilingBytesPerSec := int64(h.cfg.DownloadCeilingMBps * 1e6)
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			h.limiter.RecordDownload(addr, sent)
			return
		default:
		}

		n, err := w.Write(chunk)
		sent += int64(n)
		if err != nil {
			h.limiter.RecordDownload(addr, sent)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		if ceilingBytesPerSec > 0 {
			elapsed := time.Since(start).Seconds()
			if elapsed > 0 {
				targetElapsed := float64(sent) / float64(ceilingBytesPerSec)
				if targetElapsed > elapsed {
					time.Sleep(time.Duration((targetElapsed - elapsed) * float64(time.Second)))
				}
			}
		}
	}
}

// Upload accepts up to Config.UploadMaxBytes per request, discarding the
// body in UploadChunkWindow-sized reads, and reports bytes received.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	limited := io.LimitReader(r.Body, h.cfg.UploadMaxBytes+1)
	buf := make([]byte, h.cfg.UploadChunkWindow)

	var total int64
	for {
		n, err := limited.Read(buf)
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		if total > h.cfg.UploadMaxBytes {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]int64{"bytes_received": total}); err != nil {
		h.log.Warnw("failed to encode upload response", "error", err)
	}
}

// Ping answers with the server timestamp and the client's own echoed
// timestamp, for client-side RTT/bufferbloat latency accounting. Sampling
// cadence during saturation is a caller concern — this handler just
// answers as fast as possible.
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	clientTS, _ := strconv.ParseInt(r.URL.Query().Get("t"), 10, 64)
	resp := wire.PingResponse{
		ServerTimestampMs: time.Now().UnixMilli(),
		ClientTimestampMs: clientTS,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warnw("failed to encode ping response", "error", err)
	}
}

// BulkDownload is the adaptive-warmup endpoint: stream
// pseudo-random bytes at maximum rate until the client closes, no
// per-process throughput ceiling (warmup wants to find true capacity).
func (h *Handlers) BulkDownload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	const chunkSize = 256 << 10
	chunk := h.pool.Take(chunkSize)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
