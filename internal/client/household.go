// Package client implements the orchestrator side: it dials the
// supervisor's redirect endpoint for each archetype, opens the four
// household WebSocket connections in parallel, and drives the
// single-user baseline/saturation sweep and upload-tiering probe while
// the household traffic runs.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/libreqos/bufferbloat-validator/internal/logging"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// Config carries the orchestrator's connection parameters.
type Config struct {
	ServerAddr   string // host:port of the supervisor's public surface
	UseTLS       bool
	InsecureTLS  bool // accept self-signed certs, for local/dev runs
	HouseholdDuration time.Duration
}

func DefaultConfig(serverAddr string) Config {
	return Config{
		ServerAddr:        serverAddr,
		HouseholdDuration: 60 * time.Second,
	}
}

// HouseholdStats is one archetype connection's accumulated counters over
// the household run, reported back to the caller for the sweep summary.
type HouseholdStats struct {
	Archetype     wire.Archetype
	BytesDown     int64
	BytesUp       int64
	ProbeRTTs     []time.Duration
	Disconnected  bool
	DisconnectErr error
}

// householdConn is one archetype's live WS connection plus its running
// counters.
type householdConn struct {
	archetype wire.Archetype
	conn      *websocket.Conn
	log       *zap.SugaredLogger

	mu    sync.Mutex
	stats HouseholdStats
}

// Orchestrator drives the full virtual-household run against one
// server.
type Orchestrator struct {
	cfg Config
	log *zap.SugaredLogger

	httpClient *http.Client
}

// New builds an Orchestrator. The shared HTTP client carries no global
// timeout — saturation streams run for a whole phase — so every request
// bounds itself through its context instead.
func New(cfg Config) *Orchestrator {
	httpClient := &http.Client{}
	if cfg.InsecureTLS {
		httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &Orchestrator{cfg: cfg, log: logging.Named("client-orchestrator"), httpClient: httpClient}
}

func (o *Orchestrator) httpScheme() string {
	if o.cfg.UseTLS {
		return "https"
	}
	return "http"
}

func (o *Orchestrator) wsScheme() string {
	if o.cfg.UseTLS {
		return "wss"
	}
	return "ws"
}

// resolveArchetypePort asks the supervisor's redirect endpoint which
// port an archetype's child process listens on.
func (o *Orchestrator) resolveArchetypePort(ctx context.Context, archetype wire.Archetype) (wire.RedirectDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s://%s/ws/virtual-household/%s", o.httpScheme(), o.cfg.ServerAddr, archetype)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return wire.RedirectDescriptor{}, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return wire.RedirectDescriptor{}, err
	}
	defer resp.Body.Close()

	var desc wire.RedirectDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return wire.RedirectDescriptor{}, err
	}
	return desc, nil
}

// connectHousehold opens all four archetype connections in parallel and
// starts each one's read loop, returning live handles the caller can
// poll via Snapshot. Connections run until ctx is canceled. bulkMbps is
// the warmup-measured p95 the bulk archetype should stream at; it is
// carried to the bulk child as a query parameter on the dial.
func (o *Orchestrator) connectHousehold(ctx context.Context, bulkMbps float64) (map[wire.Archetype]*householdConn, error) {
	conns := make(map[wire.Archetype]*householdConn, len(wire.Archetypes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(wire.Archetypes))

	for _, archetype := range wire.Archetypes {
		archetype := archetype
		wg.Add(1)
		go func() {
			defer wg.Done()
			desc, err := o.resolveArchetypePort(ctx, archetype)
			if err != nil {
				errCh <- fmt.Errorf("resolving port for %s: %w", archetype, err)
				return
			}

			host := o.cfg.ServerAddr
			if i := hostOnly(host); i != "" {
				host = i
			}
			wsURL := fmt.Sprintf("%s://%s:%d/ws/virtual-household/%s", desc.Scheme, host, desc.Port, archetype)
			if archetype == wire.Bulk && bulkMbps > 0 {
				wsURL = fmt.Sprintf("%s?bulk_mbps=%.2f", wsURL, bulkMbps)
			}

			dialer := websocket.DefaultDialer
			if o.cfg.InsecureTLS {
				d := *websocket.DefaultDialer
				d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
				dialer = &d
			}

			raw, _, err := dialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				errCh <- fmt.Errorf("dialing %s at %s: %w", archetype, wsURL, err)
				return
			}

			hc := &householdConn{
				archetype: archetype,
				conn:      raw,
				log:       logging.Named("client-household").With(logging.FieldArchetype, string(archetype)),
				stats:     HouseholdStats{Archetype: archetype},
			}
			go hc.readLoop(ctx)

			mu.Lock()
			conns[archetype] = hc
			mu.Unlock()
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return conns, err
		}
	}
	return conns, nil
}

// readLoop drains inbound frames for the connection's lifetime,
// accounting download bytes, answering request_upload with a
// synthetic-payload write, and replying to connection_test probes.
func (hc *householdConn) readLoop(ctx context.Context) {
	defer func() {
		hc.mu.Lock()
		hc.stats.Disconnected = true
		hc.mu.Unlock()
	}()

	for {
		kind, data, err := hc.conn.ReadMessage()
		if err != nil {
			hc.mu.Lock()
			hc.stats.DisconnectErr = err
			hc.mu.Unlock()
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			_, payload, err := wire.DecodeHeader(data)
			if err == nil {
				hc.mu.Lock()
				hc.stats.BytesDown += int64(len(payload))
				hc.mu.Unlock()
			}
		case websocket.TextMessage:
			hc.handleControl(data)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

type controlEnvelope struct {
	Type string `json:"type"`
}

func (hc *householdConn) handleControl(data []byte) {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case "connection_test":
		var probe wire.ConnectionTest
		if err := json.Unmarshal(data, &probe); err != nil {
			return
		}
		sent := time.Now()
		reply := wire.ConnectionTestReply{Type: "connection_test_reply", ProbeID: probe.ProbeID}
		if err := hc.conn.WriteJSON(reply); err == nil {
			hc.mu.Lock()
			hc.stats.ProbeRTTs = append(hc.stats.ProbeRTTs, time.Since(sent))
			hc.mu.Unlock()
		}
	case "request_upload":
		var req wire.RequestUpload
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		hc.answerUploadRequest(req)
	}
}

// answerUploadRequest sends req.Bytes worth of payload as a single
// binary frame, reusing the shared 12-byte header so the server can
// account it the same way it accounts downstream payload.
func (hc *householdConn) answerUploadRequest(req wire.RequestUpload) {
	buf := make([]byte, req.Bytes)
	header := wire.Header{Seq: req.Seq, SendTSMs: uint32(time.Now().UnixMilli()), Direction: wire.DirectionUp, Kind: wire.KindPayload, Size: uint16(clampUint16(req.Bytes))}
	frame := header.Encode(buf)
	if err := hc.conn.WriteMessage(websocket.BinaryMessage, frame); err == nil {
		hc.mu.Lock()
		hc.stats.BytesUp += req.Bytes
		hc.mu.Unlock()
	}
}

func clampUint16(n int64) int64 {
	if n > 65535 {
		return 65535
	}
	return n
}

func (hc *householdConn) snapshot() HouseholdStats {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	s := hc.stats
	s.ProbeRTTs = append([]time.Duration(nil), hc.stats.ProbeRTTs...)
	return s
}

func (hc *householdConn) close() {
	_ = hc.conn.Close()
}

func hostOnly(hostport string) string {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i]
		}
	}
	return ""
}
