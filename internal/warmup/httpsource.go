package warmup

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// httpByteCounter adapts an in-flight HTTP response body into a
// ByteCounter. A background goroutine drains the body continuously
// rather than only on each sample tick — the link's true throughput has
// to be measured by how fast bytes actually arrive, not by how much a
// single bounded Read can pull out of the socket once every
// SampleEvery. ReadSome just reports the running total the drain
// goroutine has accumulated so far.
type httpByteCounter struct {
	body       io.ReadCloser
	cumulative atomic.Int64
	done       atomic.Bool

	mu  sync.Mutex
	err error
}

func newHTTPByteCounter(body io.ReadCloser) *httpByteCounter {
	h := &httpByteCounter{body: body}
	go h.drain()
	return h
}

// drain reads as fast as the stream delivers bytes, well past the rates
// this warmup needs to measure (hundreds of Mbps), until the body closes
// or errors.
func (h *httpByteCounter) drain() {
	buf := make([]byte, 256*1024)
	for {
		n, err := h.body.Read(buf)
		if n > 0 {
			h.cumulative.Add(int64(n))
		}
		if err != nil {
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			h.done.Store(true)
			return
		}
	}
}

func (h *httpByteCounter) ReadSome(ctx context.Context) (int64, bool, error) {
	cumulative := h.cumulative.Load()
	if !h.done.Load() {
		return cumulative, false, nil
	}

	h.mu.Lock()
	err := h.err
	h.mu.Unlock()
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return cumulative, true, err
}

// Close releases the underlying response body. Run calls this via an
// io.Closer type assertion once it's done sampling.
func (h *httpByteCounter) Close() error {
	return h.body.Close()
}

// DialHTTP opens url (expected to be a streaming bulk-download endpoint)
// and returns a ByteCounter sampling it, for use with Run/RunWithFallback.
// insecureTLS accepts self-signed certificates, as in the supervisor's
// loopback --test smoke check against its own endpoint or a client run
// with --insecure.
func DialHTTP(ctx context.Context, url string, insecureTLS bool) (ByteCounter, error) {
	client := &http.Client{}
	if insecureTLS {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, io.ErrUnexpectedEOF
	}
	return newHTTPByteCounter(resp.Body), nil
}
