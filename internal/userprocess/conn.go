// Package userprocess wires a session.Manager to real network transport:
// it is the per-archetype child process's HTTP surface, accepting one
// WebSocket per client and adapting it to session.Connection.
package userprocess

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/libreqos/bufferbloat-validator/internal/session"
	"github.com/libreqos/bufferbloat-validator/internal/wire"
)

// WebSocket timeout constants.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

// wsConn adapts a *websocket.Conn to session.Connection. Writes are
// serialized through a single goroutine (writePump) reading off a
// channel, since gorilla/websocket forbids concurrent writers; the
// scheduler's trafficStep and the read loop's reply handling can both
// want to write at once.
type wsConn struct {
	conn   *websocket.Conn
	remote string

	mu     sync.Mutex
	open   bool
	outbox chan outboundMsg

	closeOnce sync.Once
	done      chan struct{}
}

type outboundMsg struct {
	binary []byte
	json   interface{}
	result chan error
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{
		conn:   c,
		remote: c.RemoteAddr().String(),
		open:   true,
		outbox: make(chan outboundMsg, 64),
		done:   make(chan struct{}),
	}
	go w.writePump()
	return w
}

func (w *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case msg := <-w.outbox:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			if msg.binary != nil {
				err = w.conn.WriteMessage(websocket.BinaryMessage, msg.binary)
			} else {
				err = w.conn.WriteJSON(msg.json)
			}
			if err != nil {
				w.markClosed()
			}
			if msg.result != nil {
				msg.result <- err
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.markClosed()
				return
			}
		}
	}
}

func (w *wsConn) send(msg outboundMsg) error {
	w.mu.Lock()
	open := w.open
	w.mu.Unlock()
	if !open {
		return websocket.ErrCloseSent
	}

	msg.result = make(chan error, 1)
	select {
	case w.outbox <- msg:
	case <-w.done:
		return websocket.ErrCloseSent
	}
	select {
	case err := <-msg.result:
		return err
	case <-w.done:
		return websocket.ErrCloseSent
	}
}

// WriteBinary implements session.Connection.
func (w *wsConn) WriteBinary(data []byte) error {
	return w.send(outboundMsg{binary: data})
}

// WriteJSON implements session.Connection.
func (w *wsConn) WriteJSON(v interface{}) error {
	return w.send(outboundMsg{json: v})
}

// IsOpen implements session.Connection.
func (w *wsConn) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

// RemoteAddr implements session.Connection.
func (w *wsConn) RemoteAddr() string { return w.remote }

// Close implements session.Connection.
func (w *wsConn) Close(reason string) error {
	w.markClosed()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	return w.conn.Close()
}

func (w *wsConn) markClosed() {
	w.mu.Lock()
	w.open = false
	w.mu.Unlock()
	w.closeOnce.Do(func() { close(w.done) })
}

// readPump blocks reading inbound frames for the connection's lifetime,
// routing control messages to the session and accounting uploaded bytes.
// Runs on the caller's goroutine (the HTTP handler's), one per
// connection.
func readPump(conn *wsConn, s *session.Session) {
	conn.conn.SetReadLimit(maxMessageSize)
	conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := conn.conn.ReadMessage()
		if err != nil {
			conn.markClosed()
			return
		}

		s.Touch(time.Now())

		switch kind {
		case websocket.BinaryMessage:
			handleBinaryInbound(s, data)
		case websocket.TextMessage:
			handleJSONInbound(s, data)
		}
	}
}

// handleBinaryInbound accounts an upload_chunk frame's payload bytes
// toward the session's received-upload counter. The client answers a
// request_upload with raw binary chunks, no framing beyond the shared
// 12-byte header.
func handleBinaryInbound(s *session.Session, data []byte) {
	_, payload, err := wire.DecodeHeader(data)
	if err != nil {
		return
	}
	s.AddBytesReceivedUp(int64(len(payload)))
}

// inboundEnvelope is probed just for "type" before decoding the
// concrete message.
type inboundEnvelope struct {
	Type string `json:"type"`
}

func handleJSONInbound(s *session.Session, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case "connection_test_reply":
		var reply wire.ConnectionTestReply
		if err := json.Unmarshal(data, &reply); err == nil {
			s.RecordProbeReply(reply.ProbeID)
		}
	}
}
