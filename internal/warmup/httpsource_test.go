package warmup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastStreamHandler writes payload as fast as the client can receive it,
// simulating a link well above the throughput a single 64KB-per-tick read
// could ever report.
func fastStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 512*1024)
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := w.Write(buf); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestDialHTTPMeasuresThroughputAboveSingleTickCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(fastStreamHandler))
	defer srv.Close()

	source, err := DialHTTP(context.Background(), srv.URL, false)
	require.NoError(t, err)

	cfg := Config{
		Duration:    300 * time.Millisecond,
		SampleEvery: 25 * time.Millisecond,
		MinSamples:  2,
		DefaultMbps: 200,
	}
	m, err := Run(context.Background(), cfg, source)
	require.NoError(t, err)

	// A single 64KB Read gated to one call per 25ms tick caps out at
	// 64KB/0.025s*8 ≈ 21 Mbps; a local httptest loopback stream run
	// continuously should measure well above that.
	assert.Greater(t, m.PeakMbps, 50.0)
}
